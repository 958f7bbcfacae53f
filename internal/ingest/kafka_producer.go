package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes driver locations and trip lifecycle events. Each
// message names its topic, so one writer serves both streams.
type KafkaProducer struct {
	writer         messageWriter
	locationTopic  string
	tripEventTopic string
}

func NewKafkaProducer(brokers []string, locationTopic, tripEventTopic string) *KafkaProducer {
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Balancer: &kafka.LeastBytes{}, BatchTimeout: 10 * time.Millisecond}
	return &KafkaProducer{writer: w, locationTopic: locationTopic, tripEventTopic: tripEventTopic}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, d models.DriverLocation) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Topic: k.locationTopic, Key: []byte(d.ID), Value: b})
}

// PublishTripEvent is a no-op when no trip event topic is configured.
func (k *KafkaProducer) PublishTripEvent(ctx context.Context, e models.TripEvent) error {
	if k.tripEventTopic == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Topic: k.tripEventTopic, Key: []byte(e.TripID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
