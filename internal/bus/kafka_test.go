package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/protocol"
)

// fakeTopic implements both messageWriter and messageReader over a channel.
type fakeTopic struct {
	ch       chan kafka.Message
	mu       sync.Mutex
	failNext int
}

func (f *fakeTopic) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		f.ch <- m
	}
	return nil
}

func (f *fakeTopic) ReadMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if f.failNext > 0 {
		f.failNext--
		f.mu.Unlock()
		return kafka.Message{}, errors.New("broker unavailable")
	}
	f.mu.Unlock()
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case m := <-f.ch:
		return m, nil
	}
}

func (f *fakeTopic) Close() error { return nil }

func TestKafkaBus_RoundTripWithReadRetry(t *testing.T) {
	topic := &fakeTopic{ch: make(chan kafka.Message, 4), failNext: 1}
	b := &KafkaBus{writer: topic, newReader: func() messageReader { return topic }, logger: slog.Default()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan Envelope, 1)
	require.NoError(t, b.Subscribe(ctx, func(_ context.Context, e Envelope) { got <- e }))

	require.NoError(t, b.Publish(ctx, Envelope{Type: BroadcastAll, Origin: "node-a", Payload: protocol.NewOutbound(protocol.TypePong, nil)}))

	select {
	case e := <-got:
		assert.Equal(t, BroadcastAll, e.Type)
		assert.Equal(t, "node-a", e.Origin)
	case <-time.After(2 * time.Second):
		t.Fatal("envelope not delivered")
	}
}
