// Package bus carries outbound messages between dispatch nodes so that an
// actor connected to any node can be reached from every other node.
package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/protocol"
)

// Kind selects how a receiving node resolves the envelope's recipients.
type Kind string

const (
	UserMessage         Kind = "user_message"
	BulkMessage         Kind = "bulk_message"
	RoomMessage         Kind = "room_message"
	BroadcastAll        Kind = "broadcast_all"
	CaptainNotification Kind = "captain_notification"
	UserNotification    Kind = "user_notification"
)

// Envelope is the cross-node wire format. Payload is delivered to the
// resolved recipients unchanged.
type Envelope struct {
	Type           Kind              `json:"type"`
	TargetActorID  string            `json:"targetActorId,omitempty"`
	TargetActorIDs []string          `json:"targetActorIds,omitempty"`
	RoomID         string            `json:"roomId,omitempty"`
	ExcludeActorID string            `json:"excludeActorId,omitempty"`
	Role           models.Role       `json:"role,omitempty"`
	Origin         string            `json:"origin"`
	Payload        protocol.Outbound `json:"payload"`
}

func (e Envelope) Validate() error {
	switch e.Type {
	case UserMessage:
		if e.TargetActorID == "" {
			return fmt.Errorf("%s: missing targetActorId", e.Type)
		}
	case BulkMessage:
		if len(e.TargetActorIDs) == 0 {
			return fmt.Errorf("%s: missing targetActorIds", e.Type)
		}
	case RoomMessage:
		if e.RoomID == "" {
			return fmt.Errorf("%s: missing roomId", e.Type)
		}
	case BroadcastAll, CaptainNotification, UserNotification:
	default:
		return fmt.Errorf("unknown envelope type %q", e.Type)
	}
	if e.Payload.Type == "" {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	return nil
}

func encode(e Envelope) ([]byte, error) { return json.Marshal(e) }

func decode(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return e, fmt.Errorf("decode envelope: %w", err)
	}
	return e, e.Validate()
}

// Handler receives envelopes published by any node, including this one.
type Handler func(ctx context.Context, e Envelope)

// Bus is a best-effort broadcast channel shared by all nodes. There is no
// persistence or replay: a node that is not subscribed misses the envelope.
type Bus interface {
	Publish(ctx context.Context, e Envelope) error
	// Subscribe returns once the subscription is established. The handler
	// runs on a single goroutine until ctx is cancelled.
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}
