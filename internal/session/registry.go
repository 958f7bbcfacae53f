package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/protocol"
)

// Registry maps actor ids to their live session. It is the only place
// connection lifecycle is observed; everything else addresses actors by id.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	logger   *slog.Logger
	now      func() time.Time
	onRemove []func(*Session)
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{sessions: make(map[string]*Session), logger: logger, now: time.Now}
}

// OnRemove installs a hook run after a session leaves the registry for any
// reason other than being superseded. Install hooks before serving traffic.
func (r *Registry) OnRemove(fn func(*Session)) {
	r.onRemove = append(r.onRemove, fn)
}

// Register installs a new session for actorID. An existing session is closed
// with the superseded reason first; registration never fails.
func (r *Registry) Register(actorID string, t Transport, role models.Role) *Session {
	s := newSession(actorID, role, t, r.now())

	r.mu.Lock()
	prev := r.sessions[actorID]
	r.sessions[actorID] = s
	n := len(r.sessions)
	r.mu.Unlock()

	if prev != nil {
		r.logger.Info("closing superseded connection", "actor_id", actorID)
		if err := prev.Close(protocol.CloseSuperseded, protocol.ReasonSuperseded); err != nil {
			r.logger.Debug("close superseded connection", "actor_id", actorID, "error", err)
		}
	}
	observability.ConnectionsActive.Set(float64(n))
	return s
}

func (r *Registry) Lookup(actorID string) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[actorID]
	r.mu.RUnlock()
	return s, ok
}

// Deregister removes whatever session is registered for actorID. Calling it
// for an absent actor is a no-op.
func (r *Registry) Deregister(actorID string) {
	r.mu.Lock()
	s, ok := r.sessions[actorID]
	if ok {
		delete(r.sessions, actorID)
	}
	n := len(r.sessions)
	r.mu.Unlock()
	if ok {
		r.removed(s, n)
	}
}

// DeregisterSession removes s only if it is still the actor's current session.
func (r *Registry) DeregisterSession(s *Session) bool {
	r.mu.Lock()
	cur, ok := r.sessions[s.ActorID]
	ok = ok && cur == s
	if ok {
		delete(r.sessions, s.ActorID)
	}
	n := len(r.sessions)
	r.mu.Unlock()
	if ok {
		r.removed(s, n)
	}
	return ok
}

func (r *Registry) removed(s *Session, n int) {
	observability.ConnectionsActive.Set(float64(n))
	r.logger.Info("session removed", "actor_id", s.ActorID, "role", s.Role, "sessions", n)
	for _, fn := range r.onRemove {
		fn(s)
	}
}

// Deliver sends msg to actorID. False means the recipient is unreachable right
// now; stale entries are pruned on the way.
func (r *Registry) Deliver(actorID string, msg protocol.Outbound) bool {
	s, ok := r.Lookup(actorID)
	if !ok {
		return false
	}
	return r.DeliverTo(s, msg)
}

// DeliverTo is Deliver for a session the caller already holds.
func (r *Registry) DeliverTo(s *Session, msg protocol.Outbound) bool {
	if !s.Open() {
		r.DeregisterSession(s)
		return false
	}
	if err := s.Send(msg.Stamped(r.now())); err != nil {
		r.logger.Warn("send failed, pruning session", "actor_id", s.ActorID, "type", msg.Type, "error", err)
		_ = s.Close(protocol.CloseInternalServerError, protocol.ReasonInternalServerError)
		r.DeregisterSession(s)
		return false
	}
	observability.MessagesOutbound.WithLabelValues(msg.Type).Inc()
	return true
}

// Sessions returns a point-in-time copy of the registered sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
