// Package liveness terminates connections that stopped answering pings and
// sweeps registry entries whose transport is gone.
package liveness

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/protocol"
	"github.com/example/ride-dispatch/internal/session"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultSweepInterval     = 60 * time.Second
)

// Toucher renews a driver's presence TTL.
type Toucher interface {
	Touch(ctx context.Context, driverID string) error
}

// Pruner is implemented by presence directories that expire entries themselves.
type Pruner interface {
	PruneExpired(ctx context.Context) int
}

type Supervisor struct {
	registry  *session.Registry
	presence  Toucher
	heartbeat time.Duration
	sweep     time.Duration
	logger    *slog.Logger
}

func NewSupervisor(reg *session.Registry, presence Toucher, heartbeat, sweep time.Duration, logger *slog.Logger) *Supervisor {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	if sweep <= 0 {
		sweep = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{registry: reg, presence: presence, heartbeat: heartbeat, sweep: sweep, logger: logger}
}

// Run drives both loops until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	hb := time.NewTicker(s.heartbeat)
	defer hb.Stop()
	sw := time.NewTicker(s.sweep)
	defer sw.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hb.C:
			s.Heartbeat(ctx)
		case <-sw.C:
			s.Sweep(ctx)
		}
	}
}

// Heartbeat pings every registered session. A session that missed the
// previous ping is terminated and deregistered; live drivers get their
// presence renewed.
func (s *Supervisor) Heartbeat(ctx context.Context) (terminated int) {
	for _, sess := range s.registry.Sessions() {
		alive, err := sess.PingIfAlive()
		if !alive || err != nil {
			if err != nil {
				s.logger.Warn("ping failed", "actor_id", sess.ActorID, "error", err)
			} else {
				s.logger.Info("terminating unresponsive connection", "actor_id", sess.ActorID, "last_pong", sess.LastPong())
			}
			_ = sess.Close(protocol.CloseGoingAway, "heartbeat timeout")
			if s.registry.DeregisterSession(sess) {
				terminated++
				observability.StaleTerminated.Inc()
			}
			continue
		}
		if sess.Role == models.RoleDriver && s.presence != nil {
			if err := s.presence.Touch(ctx, sess.ActorID); err != nil {
				s.logger.Warn("presence touch failed", "actor_id", sess.ActorID, "error", err)
			}
		}
	}
	return terminated
}

// Sweep removes registry entries whose transport is no longer open and
// prunes expired presence entries when the directory supports it.
func (s *Supervisor) Sweep(ctx context.Context) (removed int) {
	for _, sess := range s.registry.Sessions() {
		if sess.Open() {
			continue
		}
		if s.registry.DeregisterSession(sess) {
			removed++
			observability.StaleSwept.Inc()
		}
	}
	if p, ok := s.presence.(Pruner); ok {
		if n := p.PruneExpired(ctx); n > 0 {
			s.logger.Info("pruned expired presence", "count", n)
		}
	}
	if removed > 0 {
		s.logger.Info("swept stale sessions", "count", removed)
	}
	return removed
}
