// Package chat relays trip-scoped messages between a rider and their driver.
package chat

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"github.com/example/ride-dispatch/internal/async"
	"github.com/example/ride-dispatch/internal/identity"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/protocol"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	DefaultMaxLength = 1000
	EventChat        = "trip.chat"
)

type Sender interface {
	ToActors(ctx context.Context, actorIDs []string, msg protocol.Outbound)
}

type EventPublisher interface {
	PublishTripEvent(ctx context.Context, e models.TripEvent) error
}

// Message is the chat_message payload delivered to both participants.
// SenderName is the sender's first name when the identity store has it.
type Message struct {
	TripID     string    `json:"tripId"`
	ID         string    `json:"id"`
	SenderID   string    `json:"sender"`
	SenderName string    `json:"senderName,omitempty"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

type Relay struct {
	store      storage.TripStore
	sender     Sender
	notifier   notify.Notifier
	events     EventPublisher
	identity   identity.Resolver
	background *async.Runner
	policy     *bluemonday.Policy
	maxLength  int
	logger     *slog.Logger
	now        func() time.Time
}

type Option func(*Relay)

func WithNotifier(n notify.Notifier) Option { return func(r *Relay) { r.notifier = n } }

func WithEvents(e EventPublisher) Option { return func(r *Relay) { r.events = e } }

// WithIdentity lets the relay put the sender's first name on each message.
func WithIdentity(res identity.Resolver) Option { return func(r *Relay) { r.identity = res } }

func WithBackground(b *async.Runner) Option { return func(r *Relay) { r.background = b } }

func WithMaxLength(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.maxLength = n
		}
	}
}

func WithLogger(l *slog.Logger) Option { return func(r *Relay) { r.logger = l } }

func NewRelay(store storage.TripStore, sender Sender, opts ...Option) *Relay {
	r := &Relay{
		store:     store,
		sender:    sender,
		notifier:  notify.Nop{},
		policy:    bluemonday.StrictPolicy(),
		maxLength: DefaultMaxLength,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Sanitize strips all markup and returns plain text: the policy's entity
// escaping is undone before trimming and capping at the relay's maximum
// length in runes.
func (r *Relay) Sanitize(text string) string {
	clean := strings.TrimSpace(html.UnescapeString(r.policy.Sanitize(text)))
	if utf8.RuneCountInString(clean) > r.maxLength {
		clean = string([]rune(clean)[:r.maxLength])
	}
	return clean
}

// SendMessage appends a chat entry to the trip and delivers it to the other
// participant, echoing it back to the sender.
func (r *Relay) SendMessage(ctx context.Context, senderID string, data protocol.ChatData) error {
	if err := data.Validate(); err != nil {
		return err
	}
	trip, err := r.store.GetTrip(ctx, data.TripID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return protocol.TripNotFound(data.TripID)
		}
		return protocol.Internal(err)
	}
	if !trip.IsParticipant(senderID) {
		r.logger.Warn("chat from non-participant", "trip_id", trip.ID, "actor_id", senderID)
		e := protocol.Unauthorized("only the trip's rider or driver may chat on it")
		e.TripID = trip.ID
		return e
	}
	text := r.Sanitize(data.Message)
	if text == "" {
		return protocol.Validation("message is empty after sanitizing")
	}

	entry := models.ChatEntry{ID: uuid.NewString(), SenderID: senderID, Text: text, Timestamp: r.now().UTC()}
	if err := r.store.AppendChatEntry(ctx, trip.ID, entry); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return protocol.TripNotFound(trip.ID)
		}
		return protocol.Internal(fmt.Errorf("append chat entry: %w", err))
	}
	observability.ChatMessages.Inc()

	msg := protocol.NewOutbound(protocol.TypeChatMessage, Message{
		TripID:     trip.ID,
		ID:         entry.ID,
		SenderID:   senderID,
		SenderName: r.senderName(ctx, trip, senderID),
		Message:    entry.Text,
		Timestamp:  entry.Timestamp,
	})
	recipients := []string{senderID}
	if other := trip.Counterpart(senderID); other != "" {
		recipients = append([]string{other}, recipients...)
		n := notify.Notification{ActorID: other, Title: "New message", Body: entry.Text, Data: map[string]string{"tripId": trip.ID}}
		r.background.Go(ctx, "push", func(ctx context.Context) error { return r.notifier.Notify(ctx, n) })
	}
	r.sender.ToActors(ctx, recipients, msg)

	if r.events != nil {
		e := models.TripEvent{Type: EventChat, TripID: trip.ID, ActorID: senderID, RiderID: trip.RiderID, DriverID: trip.DriverID, Status: trip.Status, At: entry.Timestamp}
		r.background.Go(ctx, "trip-event", func(ctx context.Context) error { return r.events.PublishTripEvent(ctx, e) })
	}
	r.logger.Debug("chat message relayed", "trip_id", trip.ID, "sender_id", senderID)
	return nil
}

func (r *Relay) senderName(ctx context.Context, trip *models.Trip, senderID string) string {
	if r.identity == nil {
		return ""
	}
	role := models.RoleDriver
	if senderID == trip.RiderID {
		role = models.RoleRider
	}
	actor, err := r.identity.FindActorByID(ctx, senderID, role)
	if err != nil {
		r.logger.Debug("chat sender lookup failed", "trip_id", trip.ID, "actor_id", senderID, "error", err)
		return ""
	}
	return actor.FullName.First
}
