// Package ingest moves driver heartbeats and dispatch events through Kafka.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

const publishTimeout = 2 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// LocationProducer mirrors driver heartbeats onto the driver-locations topic,
// keyed by driver id so one driver's updates stay ordered.
type LocationProducer struct {
	writer messageWriter
}

func NewLocationProducer(brokers []string, topic string) *LocationProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
	}
	return &LocationProducer{writer: w}
}

func (k *LocationProducer) PublishLocation(ctx context.Context, d models.Driver) error {
	b, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode location %s: %w", d.ID, err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(d.ID), Value: b})
}

func (k *LocationProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// DecodeLocation parses a driver-locations message and rejects records that
// could not have come from a heartbeat.
func DecodeLocation(value []byte) (models.Driver, error) {
	var d models.Driver
	if err := json.Unmarshal(value, &d); err != nil {
		return models.Driver{}, fmt.Errorf("decode location: %w", err)
	}
	if d.ID == "" {
		return models.Driver{}, fmt.Errorf("decode location: missing driver id")
	}
	if !d.Loc.Valid() {
		return models.Driver{}, fmt.Errorf("decode location %s: coordinates out of range", d.ID)
	}
	return d, nil
}
