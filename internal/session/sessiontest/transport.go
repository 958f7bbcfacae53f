// Package sessiontest provides an in-memory session.Transport for tests.
package sessiontest

import (
	"errors"
	"sync"

	"github.com/example/ride-dispatch/internal/protocol"
)

var ErrClosed = errors.New("transport closed")

// Transport records everything sent to it.
type Transport struct {
	mu          sync.Mutex
	sent        []protocol.Outbound
	pings       int
	closed      bool
	closeCode   int
	closeReason string

	// FailSend makes every Send return an error.
	FailSend bool
	// FailPing makes every Ping return an error.
	FailPing bool
}

func New() *Transport { return &Transport{} }

func (t *Transport) Send(msg protocol.Outbound) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.FailSend {
		return errors.New("send failed")
	}
	t.sent = append(t.sent, msg)
	return nil
}

func (t *Transport) Ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.FailPing {
		return errors.New("ping failed")
	}
	t.pings++
	return nil
}

func (t *Transport) Close(code int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.closeCode = code
	t.closeReason = reason
	return nil
}

func (t *Transport) Open() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

// Drop simulates the peer vanishing without a close handshake.
func (t *Transport) Drop() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

func (t *Transport) Sent() []protocol.Outbound {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]protocol.Outbound(nil), t.sent...)
}

// OfType returns the sent messages with the given type.
func (t *Transport) OfType(typ string) []protocol.Outbound {
	var out []protocol.Outbound
	for _, m := range t.Sent() {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

// Types lists the sent message types in order.
func (t *Transport) Types() []string {
	msgs := t.Sent()
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Type
	}
	return out
}

func (t *Transport) Pings() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pings
}

func (t *Transport) Closed() (bool, int, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed, t.closeCode, t.closeReason
}

func (t *Transport) Reset() {
	t.mu.Lock()
	t.sent = nil
	t.mu.Unlock()
}
