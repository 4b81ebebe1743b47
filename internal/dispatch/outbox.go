package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Notifier receives envelopes after the transaction that produced them has
// committed. Implementations must not block the caller.
type Notifier interface {
	Notify(envs ...models.Envelope)
}

// Sink delivers committed events somewhere: the local realtime bus, Kafka,
// the payments hook.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, env models.Envelope) error
}

// Outbox decouples ride transitions from event delivery. Each sink gets its
// own queue and goroutine so a slow sink never delays the others; within a
// sink envelopes are delivered in the order they were enqueued.
type Outbox struct {
	log     *slog.Logger
	timeout time.Duration

	mu      sync.RWMutex
	closed  bool
	workers []*sinkWorker
	wg      sync.WaitGroup
}

type sinkWorker struct {
	sink  Sink
	queue chan models.Envelope
}

func NewOutbox(log *slog.Logger, buffer int, sinks ...Sink) *Outbox {
	if buffer <= 0 {
		buffer = 1024
	}
	o := &Outbox{log: log.With("component", "outbox"), timeout: 5 * time.Second}
	for _, s := range sinks {
		o.workers = append(o.workers, &sinkWorker{sink: s, queue: make(chan models.Envelope, buffer)})
	}
	return o
}

// Start launches one delivery goroutine per sink.
func (o *Outbox) Start(ctx context.Context) {
	for _, w := range o.workers {
		o.wg.Add(1)
		go o.run(ctx, w)
	}
}

func (o *Outbox) run(ctx context.Context, w *sinkWorker) {
	defer o.wg.Done()
	for env := range w.queue {
		dctx, cancel := context.WithTimeout(ctx, o.timeout)
		err := w.sink.Deliver(dctx, env)
		cancel()
		if err != nil {
			observability.EventsDropped.WithLabelValues("sink_error").Inc()
			o.log.Warn("event delivery failed",
				"sink", w.sink.Name(), "event_type", env.Event.Type, "ride_id", env.Event.RideID, "err", err)
		}
	}
}

// Notify enqueues envelopes on every sink. A full sink queue drops the
// envelope for that sink only.
func (o *Outbox) Notify(envs ...models.Envelope) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, env := range envs {
		if o.closed {
			observability.EventsDropped.WithLabelValues("closed").Inc()
			continue
		}
		observability.EventsPublished.WithLabelValues(string(env.Event.Type)).Inc()
		for _, w := range o.workers {
			select {
			case w.queue <- env:
			default:
				observability.EventsDropped.WithLabelValues("queue_full").Inc()
				o.log.Warn("outbox queue full, event dropped",
					"sink", w.sink.Name(), "event_type", env.Event.Type, "ride_id", env.Event.RideID)
			}
		}
	}
}

// Close stops accepting envelopes and waits for queued ones to be delivered.
func (o *Outbox) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	for _, w := range o.workers {
		close(w.queue)
	}
	o.mu.Unlock()
	o.wg.Wait()
}
