// Package server implements the FileRift wire protocol server: the TCP
// accept loop, per-connection dispatch, and the PUT/GET transfer
// controllers gluing the protocol to the content engine.
//
// Shutdown flow:
//  1. Context cancelled or Stop() called
//  2. Listener closed (no new connections)
//  3. Blocking reads interrupted via a short deadline
//  4. Wait for active connections to drain (up to ShutdownTimeout)
//  5. Force-close stragglers after the timeout
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/filerift/filerift/internal/logger"
	"github.com/filerift/filerift/pkg/content"
	"github.com/filerift/filerift/pkg/metrics"
)

// Config tunes the protocol server.
type Config struct {
	// Listen is the TCP address to bind, e.g. ":21100".
	Listen string

	// MaxMessageSize bounds one incoming frame body.
	MaxMessageSize uint32

	// ShutdownTimeout bounds the graceful connection drain.
	ShutdownTimeout time.Duration
}

// Server accepts client connections and serves the FileRift protocol.
type Server struct {
	config  Config
	manager *content.ContentManager
	metrics *metrics.TransferMetrics
	clock   Clock

	listenerMu    sync.RWMutex
	listener      net.Listener
	listenerReady chan struct{}

	shutdownOnce sync.Once
	shutdown     chan struct{}

	activeConns sync.WaitGroup
	connCount   atomic.Int32
	conns       sync.Map
}

// New creates a stopped server around the content engine. Pass a nil
// TransferMetrics to run without metrics.
func New(config Config, manager *content.ContentManager, m *metrics.TransferMetrics) *Server {
	return &Server{
		config:        config,
		manager:       manager,
		metrics:       m,
		clock:         systemClock{},
		listenerReady: make(chan struct{}),
		shutdown:      make(chan struct{}),
	}
}

// SetClock overrides the server's clock. Call before Serve.
func (s *Server) SetClock(clock Clock) {
	s.clock = clock
}

// Serve listens on the configured address and blocks until the context
// is cancelled or the listener fails.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Listen, err)
	}

	s.listenerMu.Lock()
	s.listener = listener
	s.listenerMu.Unlock()
	close(s.listenerReady)

	logger.Info("server listening", "address", listener.Addr().String())

	go func() {
		<-ctx.Done()
		s.initiateShutdown()
	}()

	for {
		sock, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return s.drainConnections()
			default:
				logger.Debug("accept failed", "error", err)
				continue
			}
		}

		if tcp, ok := sock.(*net.TCPConn); ok {
			if err := tcp.SetNoDelay(true); err != nil {
				logger.Debug("set TCP_NODELAY failed", "error", err)
			}
		}

		s.activeConns.Add(1)
		s.connCount.Add(1)
		addr := sock.RemoteAddr().String()
		s.conns.Store(addr, sock)
		logger.Debug("connection accepted", "remote", addr, "active", s.connCount.Load())

		c := newConn(sock, s.manager, s.metrics, s.clock, s.config.MaxMessageSize)
		go func() {
			defer func() {
				s.conns.Delete(addr)
				s.activeConns.Done()
				s.connCount.Add(-1)
				logger.Debug("connection closed", "remote", addr, "active", s.connCount.Load())
			}()
			c.serve(ctx)
		}()
	}
}

// Addr returns the bound listen address, blocking until the listener is
// ready. Used by tests binding port 0.
func (s *Server) Addr() string {
	<-s.listenerReady

	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop initiates graceful shutdown and waits for connections to drain.
// Safe to call multiple times.
func (s *Server) Stop() error {
	s.initiateShutdown()
	return s.drainConnections()
}

func (s *Server) initiateShutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdown)

		s.listenerMu.Lock()
		if s.listener != nil {
			if err := s.listener.Close(); err != nil {
				logger.Debug("close listener failed", "error", err)
			}
		}
		s.listenerMu.Unlock()

		// Unblock pending frame reads so connection loops notice the
		// shutdown promptly.
		deadline := time.Now().Add(100 * time.Millisecond)
		s.conns.Range(func(_, value any) bool {
			if sock, ok := value.(net.Conn); ok {
				_ = sock.SetReadDeadline(deadline)
			}
			return true
		})
	})
}

func (s *Server) drainConnections() error {
	active := s.connCount.Load()
	if active > 0 {
		logger.Info("waiting for connections to drain",
			"active", active, "timeout", s.config.ShutdownTimeout)
	}

	done := make(chan struct{})
	go func() {
		s.activeConns.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		remaining := s.connCount.Load()
		s.conns.Range(func(_, value any) bool {
			if sock, ok := value.(net.Conn); ok {
				_ = sock.Close()
			}
			return true
		})
		return fmt.Errorf("shutdown timeout: %d connections force-closed", remaining)
	}
}
