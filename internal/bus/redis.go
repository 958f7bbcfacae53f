package bus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const DefaultChannel = "broadcast"

// RedisBus fans envelopes out over a single Redis pub/sub channel.
type RedisBus struct {
	client  redis.UniversalClient
	channel string
	logger  *slog.Logger
}

func NewRedisBus(client redis.UniversalClient, channel string, logger *slog.Logger) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{client: client, channel: channel, logger: logger}
}

func (r *RedisBus) Publish(ctx context.Context, e Envelope) error {
	b, err := encode(e)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, b).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (r *RedisBus) Subscribe(ctx context.Context, h Handler) error {
	ps := r.client.Subscribe(ctx, r.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("redis subscribe %s: %w", r.channel, err)
	}
	ch := ps.Channel()
	go func() {
		defer ps.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				e, err := decode([]byte(msg.Payload))
				if err != nil {
					r.logger.Warn("dropping malformed envelope", "channel", r.channel, "error", err)
					continue
				}
				h(ctx, e)
			}
		}
	}()
	return nil
}

// Close is a no-op; the client is owned by the caller.
func (r *RedisBus) Close() error { return nil }
