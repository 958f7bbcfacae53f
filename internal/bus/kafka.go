package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaBus uses a topic as the broadcast channel. Every node reads with its
// own consumer group so each node sees every envelope.
type KafkaBus struct {
	writer    messageWriter
	newReader func() messageReader
	logger    *slog.Logger
}

func NewKafkaBus(brokers []string, topic, nodeID string, logger *slog.Logger) *KafkaBus {
	if logger == nil {
		logger = slog.Default()
	}
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.LeastBytes{}, BatchTimeout: 10 * time.Millisecond}
	return &KafkaBus{
		writer: w,
		newReader: func() messageReader {
			return kafka.NewReader(kafka.ReaderConfig{
				Brokers:     brokers,
				Topic:       topic,
				GroupID:     "ride-dispatch-bus-" + nodeID,
				StartOffset: kafka.LastOffset,
				MaxWait:     250 * time.Millisecond,
			})
		},
		logger: logger,
	}
}

func (k *KafkaBus) Publish(ctx context.Context, e Envelope) error {
	b, err := encode(e)
	if err != nil {
		return err
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(e.Origin), Value: b}); err != nil {
		return fmt.Errorf("kafka publish: %w", err)
	}
	return nil
}

func (k *KafkaBus) Subscribe(ctx context.Context, h Handler) error {
	r := k.newReader()
	go func() {
		defer r.Close()
		backoff := 100 * time.Millisecond
		const maxBackoff = 5 * time.Second
		for {
			m, err := r.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, context.Canceled) {
					return
				}
				k.logger.Warn("kafka bus read failed", "error", err, "backoff", backoff)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}
			backoff = 100 * time.Millisecond
			e, err := decode(m.Value)
			if err != nil {
				k.logger.Warn("dropping malformed envelope", "offset", m.Offset, "error", err)
				continue
			}
			h(ctx, e)
		}
	}()
	return nil
}

func (k *KafkaBus) Close() error { return k.writer.Close() }
