package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

// EventWriter is an outbox sink that writes envelopes to the dispatch-events
// topic, keyed by ride id, for other server instances to relay.
type EventWriter struct {
	writer messageWriter
}

func NewEventWriter(brokers []string, topic string) *EventWriter {
	return &EventWriter{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}}
}

func (w *EventWriter) Name() string { return "kafka" }

func (w *EventWriter) Deliver(ctx context.Context, env models.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope %s: %w", env.Event.ID, err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return w.writer.WriteMessages(ctx, kafka.Message{Key: []byte(env.Event.RideID), Value: b})
}

func (w *EventWriter) Close() error { return w.writer.Close() }

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Deliverer receives relayed envelopes; the realtime bus satisfies it.
type Deliverer interface {
	Deliver(ctx context.Context, env models.Envelope) error
}

// EventRelay reads dispatch-events and hands envelopes written by other
// instances to the local bus. Each instance uses its own consumer group so
// every instance sees every event.
type EventRelay struct {
	reader     messageReader
	target     Deliverer
	instanceID string
	log        *slog.Logger
}

func NewEventRelay(brokers []string, topic, instanceID string, target Deliverer, log *slog.Logger) *EventRelay {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     "ride-dispatch-relay-" + instanceID,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	return &EventRelay{reader: r, target: target, instanceID: instanceID, log: log.With("component", "relay")}
}

// Run relays until ctx is done.
func (r *EventRelay) Run(ctx context.Context) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 10 * time.Second
	for {
		m, err := r.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			r.log.Warn("kafka read failed", "err", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = 100 * time.Millisecond
		r.handle(ctx, m)
	}
}

func (r *EventRelay) handle(ctx context.Context, m kafka.Message) bool {
	var env models.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		r.log.Warn("invalid event envelope", "offset", m.Offset, "err", err)
		return false
	}
	if env.Event.Origin == r.instanceID {
		return false
	}
	if err := r.target.Deliver(ctx, env); err != nil {
		r.log.Warn("relay deliver failed", "event_id", env.Event.ID, "err", err)
		return false
	}
	return true
}

func (r *EventRelay) Close() error { return r.reader.Close() }
