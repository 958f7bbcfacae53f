package bus

import (
	"context"
	"log/slog"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/protocol"
	"github.com/example/ride-dispatch/internal/session"
)

// Fanout delivers to locally connected actors first and hands whatever is
// left to the bus. Envelopes coming back from the bus with this node's
// origin are ignored, so every recipient gets a message at most once.
type Fanout struct {
	registry *session.Registry
	bus      Bus
	nodeID   string
	logger   *slog.Logger
}

// NewFanout builds a fan-out for this node. A nil bus keeps delivery local.
func NewFanout(registry *session.Registry, b Bus, nodeID string, logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{registry: registry, bus: b, nodeID: nodeID, logger: logger}
}

func (f *Fanout) NodeID() string { return f.nodeID }

// ToActor delivers msg to a single actor wherever it is connected.
func (f *Fanout) ToActor(ctx context.Context, actorID string, msg protocol.Outbound) {
	if actorID == "" {
		return
	}
	if f.registry.Deliver(actorID, msg) {
		return
	}
	f.publish(ctx, Envelope{Type: UserMessage, TargetActorID: actorID, Payload: msg})
}

// ToActors delivers msg to each actor once.
func (f *Fanout) ToActors(ctx context.Context, actorIDs []string, msg protocol.Outbound) {
	var remote []string
	seen := make(map[string]struct{}, len(actorIDs))
	for _, id := range actorIDs {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		if !f.registry.Deliver(id, msg) {
			remote = append(remote, id)
		}
	}
	if len(remote) > 0 {
		f.publish(ctx, Envelope{Type: BulkMessage, TargetActorIDs: remote, Payload: msg})
	}
}

// ToRoom delivers msg to every member of room except exclude.
func (f *Fanout) ToRoom(ctx context.Context, room, exclude string, msg protocol.Outbound) {
	e := Envelope{Type: RoomMessage, RoomID: room, ExcludeActorID: exclude, Payload: msg}
	f.deliverLocal(e)
	f.publish(ctx, e)
}

// ToRole delivers msg to every connected actor with the given role.
func (f *Fanout) ToRole(ctx context.Context, role models.Role, msg protocol.Outbound) {
	kind := UserNotification
	if role == models.RoleDriver {
		kind = CaptainNotification
	}
	e := Envelope{Type: kind, Role: role, Payload: msg}
	f.deliverLocal(e)
	f.publish(ctx, e)
}

// Handle routes an envelope received from the bus to local sessions.
// broadcast_all envelopes are only ever received: other publishers on the
// shared channel send them, this node never does.
func (f *Fanout) Handle(_ context.Context, e Envelope) {
	if e.Origin == f.nodeID {
		return
	}
	observability.BusReceived.WithLabelValues(string(e.Type)).Inc()
	f.deliverLocal(e)
}

// Run subscribes Handle to the bus. It returns once subscribed.
func (f *Fanout) Run(ctx context.Context) error {
	if f.bus == nil {
		return nil
	}
	return f.bus.Subscribe(ctx, f.Handle)
}

func (f *Fanout) deliverLocal(e Envelope) int {
	n := 0
	switch e.Type {
	case UserMessage:
		if f.registry.Deliver(e.TargetActorID, e.Payload) {
			n++
		}
	case BulkMessage:
		for _, id := range e.TargetActorIDs {
			if f.registry.Deliver(id, e.Payload) {
				n++
			}
		}
	default:
		for _, s := range f.registry.Sessions() {
			if !matches(e, s) {
				continue
			}
			if f.registry.DeliverTo(s, e.Payload) {
				n++
			}
		}
	}
	return n
}

func matches(e Envelope, s *session.Session) bool {
	if e.ExcludeActorID != "" && s.ActorID == e.ExcludeActorID {
		return false
	}
	switch e.Type {
	case RoomMessage:
		return s.InRoom(e.RoomID)
	case BroadcastAll:
		return true
	case CaptainNotification:
		return s.Role == models.RoleDriver
	case UserNotification:
		return s.Role == models.RoleRider
	}
	return false
}

func (f *Fanout) publish(ctx context.Context, e Envelope) {
	if f.bus == nil {
		return
	}
	e.Origin = f.nodeID
	if err := f.bus.Publish(ctx, e); err != nil {
		f.logger.Warn("bus publish failed", "type", e.Type, "payload_type", e.Payload.Type, "error", err)
		return
	}
	observability.BusPublished.WithLabelValues(string(e.Type)).Inc()
}
