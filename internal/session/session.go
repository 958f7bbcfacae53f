package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/protocol"
)

// Transport is the live bidirectional channel behind a session.
type Transport interface {
	Send(msg protocol.Outbound) error
	Ping() error
	Close(code int, reason string) error
	Open() bool
}

// Session represents a connected actor.
type Session struct {
	ActorID     string
	Role        models.Role
	ConnectedAt time.Time

	transport Transport
	alive     atomic.Bool
	lastPong  atomic.Int64

	mu    sync.Mutex
	rooms map[string]struct{}
}

func newSession(actorID string, role models.Role, t Transport, now time.Time) *Session {
	s := &Session{ActorID: actorID, Role: role, ConnectedAt: now, transport: t, rooms: make(map[string]struct{})}
	s.MarkAlive(now)
	return s
}

func (s *Session) Send(msg protocol.Outbound) error { return s.transport.Send(msg) }

func (s *Session) Open() bool { return s.transport.Open() }

func (s *Session) Close(code int, reason string) error { return s.transport.Close(code, reason) }

// MarkAlive records a pong (or any inbound traffic).
func (s *Session) MarkAlive(now time.Time) {
	s.alive.Store(true)
	s.lastPong.Store(now.UnixNano())
}

func (s *Session) LastPong() time.Time { return time.Unix(0, s.lastPong.Load()) }

// PingIfAlive clears the liveness flag and pings. It returns false when the
// session did not answer the previous ping.
func (s *Session) PingIfAlive() (bool, error) {
	if !s.alive.Swap(false) {
		return false, nil
	}
	return true, s.transport.Ping()
}

func (s *Session) Join(room string) {
	s.mu.Lock()
	s.rooms[room] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) Leave(room string) {
	s.mu.Lock()
	delete(s.rooms, room)
	s.mu.Unlock()
}

func (s *Session) InRoom(room string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[room]
	return ok
}
