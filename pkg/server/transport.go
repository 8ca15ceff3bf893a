package server

import (
	"io"
	"sync"
	"time"

	"github.com/filerift/filerift/pkg/wire"
)

// Transport is the controllers' view of the connection: a serialized
// frame writer. The production implementation wraps the socket behind a
// mutex; tests substitute recorders.
type Transport interface {
	Send(msgType wire.MsgType, requestID uint32, payload any) error
}

// Clock abstracts time for the connection's activity bookkeeping so
// tests can drive idle-timeout behaviour deterministically.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// lockedTransport serializes frame writes onto one stream. Frames from
// concurrent producers interleave at frame granularity, never inside a
// frame.
type lockedTransport struct {
	mu sync.Mutex
	w  io.Writer
}

func newLockedTransport(w io.Writer) *lockedTransport {
	return &lockedTransport{w: w}
}

func (t *lockedTransport) Send(msgType wire.MsgType, requestID uint32, payload any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return wire.WriteMessage(t.w, msgType, requestID, payload)
}
