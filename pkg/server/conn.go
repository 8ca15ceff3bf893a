package server

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/filerift/filerift/internal/logger"
	"github.com/filerift/filerift/pkg/content"
	dalerrors "github.com/filerift/filerift/pkg/dal/errors"
	"github.com/filerift/filerift/pkg/metrics"
	"github.com/filerift/filerift/pkg/wire"
)

// controller is one in-flight streaming request registered on the
// connection's request table.
type controller interface {
	// deliver routes a follow-up frame carrying the request's id.
	deliver(ctx context.Context, f *wire.Frame) error

	// cancel terminates the request with RequestCancelled.
	cancel(ctx context.Context)

	// shutdown stops the request because the connection is going away.
	// Resumable state survives where the protocol allows it.
	shutdown(ctx context.Context)
}

// conn drives one client connection: auth-first dispatch, the
// per-connection request-admission token, and the request table that
// routes BYTES and CANCEL_REQUEST frames to their controllers.
type conn struct {
	sock  net.Conn
	tr    Transport
	clock Clock

	manager *content.ContentManager
	metrics *metrics.TransferMetrics

	maxMessageSize uint32

	user *content.User

	// admission serializes request preludes. The token is held from
	// request start until the controller's streaming state is assigned;
	// one-shot requests hold it end to end.
	admission chan struct{}

	mu       sync.Mutex
	requests map[uint32]controller
}

func newConn(sock net.Conn, manager *content.ContentManager, m *metrics.TransferMetrics, clock Clock, maxMessageSize uint32) *conn {
	c := &conn{
		sock:           sock,
		tr:             newLockedTransport(sock),
		clock:          clock,
		manager:        manager,
		metrics:        m,
		maxMessageSize: maxMessageSize,
		admission:      make(chan struct{}, 1),
		requests:       make(map[uint32]controller),
	}
	c.admission <- struct{}{}
	return c
}

func (c *conn) acquire() { <-c.admission }
func (c *conn) release() { c.admission <- struct{}{} }

func (c *conn) addRequest(id uint32, ctl controller) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests[id] = ctl
}

func (c *conn) removeRequest(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.requests, id)
}

func (c *conn) getRequest(id uint32) controller {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[id]
}

// serve authenticates the connection and then dispatches frames until
// the client goes away or a fatal error tears the stream down.
func (c *conn) serve(ctx context.Context) {
	defer c.teardown(ctx)

	remote := c.sock.RemoteAddr().String()

	if err := c.authenticate(ctx); err != nil {
		logger.Debug("connection rejected", "remote", remote, "error", err)
		return
	}
	logger.Info("client authenticated", "remote", remote, "user", c.user.Username())

	for {
		f, err := wire.ReadFrame(c.sock, c.maxMessageSize)
		if err != nil {
			logger.Debug("connection closed", "remote", remote, "error", err)
			return
		}
		if err := c.dispatch(ctx, f); err != nil {
			logger.Warn("connection fatal error", "remote", remote,
				"type", f.Type.String(), "error", err)
			return
		}
	}
}

// authenticate enforces the auth-first contract: the very first frame
// must be AUTH_REQUEST with a valid token.
func (c *conn) authenticate(ctx context.Context) error {
	f, err := wire.ReadFrame(c.sock, c.maxMessageSize)
	if err != nil {
		return err
	}
	if f.Type != wire.MsgAuth {
		c.sendError(f.RequestID, dalerrors.NewNoPermission("not authenticated"))
		return fmt.Errorf("first frame is %s, want AUTH_REQUEST", f.Type)
	}

	var auth wire.Auth
	if err := wire.DecodeAs(f, wire.MsgAuth, &auth); err != nil {
		return err
	}

	user, err := c.manager.GetUserByToken(ctx, auth.Token)
	if err != nil {
		c.sendError(f.RequestID, err)
		return err
	}
	c.user = user

	return c.tr.Send(wire.MsgAuthOK, f.RequestID, &wire.AuthOK{
		SessionID: uuid.NewString(),
		UserID:    user.ID(),
		Username:  user.Username(),
	})
}

// dispatch routes one frame. Frames that start a request take the
// admission token; BYTES, CANCEL_REQUEST and PING bypass it so they
// can interleave with an in-flight streaming request.
func (c *conn) dispatch(ctx context.Context, f *wire.Frame) error {
	switch f.Type {
	case wire.MsgPing:
		return c.tr.Send(wire.MsgPong, f.RequestID, &wire.Pong{})

	case wire.MsgBytes:
		ctl := c.getRequest(f.RequestID)
		if ctl == nil {
			// Bytes for a finished or cancelled request are discarded.
			return nil
		}
		return ctl.deliver(ctx, f)

	case wire.MsgCancelRequest:
		var req wire.CancelRequest
		if err := wire.DecodeAs(f, wire.MsgCancelRequest, &req); err != nil {
			return err
		}
		if ctl := c.getRequest(req.TargetID); ctl != nil {
			ctl.cancel(ctx)
		}
		return nil

	case wire.MsgPutContent:
		c.acquire()
		return c.startPut(ctx, f)

	case wire.MsgGetContent:
		c.acquire()
		return c.startGet(ctx, f)

	case wire.MsgGetRoot, wire.MsgMakeFile, wire.MsgMakeDir, wire.MsgUnlink,
		wire.MsgMove, wire.MsgChangePublicAccess, wire.MsgListPublicFiles,
		wire.MsgGetFreeBytes, wire.MsgGetDelta, wire.MsgGetFromScratch:
		c.acquire()
		err := c.handleSingle(ctx, f)
		c.release()
		return err

	default:
		return fmt.Errorf("unexpected %s frame", f.Type)
	}
}

// sendError reports a failed request. The returned error is non-nil
// only for fatal conditions, which tear the connection down after the
// response.
func (c *conn) sendError(requestID uint32, err error) error {
	we := wireError(err)
	if serr := c.tr.Send(wire.MsgError, requestID, we); serr != nil {
		return serr
	}
	if isFatal(err) {
		return err
	}
	return nil
}

// teardown stops every in-flight request. Uploads stop gracefully so
// their records survive for resume; downloads are cancelled.
func (c *conn) teardown(ctx context.Context) {
	c.mu.Lock()
	ctls := make([]controller, 0, len(c.requests))
	for _, ctl := range c.requests {
		ctls = append(ctls, ctl)
	}
	c.requests = make(map[uint32]controller)
	c.mu.Unlock()

	for _, ctl := range ctls {
		ctl.shutdown(ctx)
	}
	c.sock.Close()
}

// parseID decodes a wire-level uuid string; failures surface as
// DoesNotExist like any other unresolvable reference.
func parseID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dalerrors.NewDoesNotExist("node")
	}
	return id, nil
}
