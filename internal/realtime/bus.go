// Package realtime fans dispatch events out to live connections. Topics are
// per ride (everyone who joined it) and per user (every connection of that
// user). Delivery is best effort with no replay.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Conn is the transport under one subscription.
type Conn interface {
	Send(msg []byte) error
	Close() error
}

// Subscription is one live connection and the rides it has joined.
type Subscription struct {
	ID     string
	UserID string
	Role   models.Role

	conn  Conn
	send  chan []byte
	rides map[string]struct{}
	done  chan struct{}
}

// Done is closed once the subscription has been removed from the bus.
func (s *Subscription) Done() <-chan struct{} { return s.done }

type Bus struct {
	log    *slog.Logger
	buffer int

	mu     sync.RWMutex
	subs   map[string]*Subscription
	byUser map[string]map[string]*Subscription
	byRide map[string]map[string]*Subscription
}

func NewBus(log *slog.Logger, buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		log:    log.With("component", "bus"),
		buffer: buffer,
		subs:   make(map[string]*Subscription),
		byUser: make(map[string]map[string]*Subscription),
		byRide: make(map[string]map[string]*Subscription),
	}
}

// Subscribe registers conn for userID and starts its writer.
func (b *Bus) Subscribe(conn Conn, userID string, role models.Role) *Subscription {
	s := &Subscription{
		ID:     uuid.NewString(),
		UserID: userID,
		Role:   role,
		conn:   conn,
		send:   make(chan []byte, b.buffer),
		rides:  make(map[string]struct{}),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[s.ID] = s
	addTo(b.byUser, userID, s)
	b.mu.Unlock()
	observability.WSConnections.Inc()

	go b.writer(s)
	return s
}

func (b *Bus) writer(s *Subscription) {
	defer s.conn.Close()
	for msg := range s.send {
		if err := s.conn.Send(msg); err != nil {
			b.log.Debug("send failed, dropping subscription", "sub_id", s.ID, "user_id", s.UserID, "err", err)
			b.Unsubscribe(s)
			return
		}
	}
}

// Join adds the subscription to a ride topic.
func (b *Bus) Join(s *Subscription, rideID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.ID]; !ok {
		return errors.New("subscription closed")
	}
	s.rides[rideID] = struct{}{}
	addTo(b.byRide, rideID, s)
	return nil
}

func (b *Bus) Leave(s *Subscription, rideID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(s.rides, rideID)
	removeFrom(b.byRide, rideID, s)
}

// Unsubscribe removes s from every topic and closes its connection once the
// writer has stopped. Safe to call more than once.
func (b *Bus) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	if _, ok := b.subs[s.ID]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.subs, s.ID)
	removeFrom(b.byUser, s.UserID, s)
	for rideID := range s.rides {
		removeFrom(b.byRide, rideID, s)
	}
	close(s.send)
	close(s.done)
	b.mu.Unlock()
	observability.WSConnections.Dec()
}

// Publish sends ev to every subscription addressed by topics. A connection
// reached through several topics receives the event once. It returns the
// number of connections the event was queued for.
func (b *Bus) Publish(ev models.Event, topics ...models.Topic) int {
	msg, err := json.Marshal(ev)
	if err != nil {
		b.log.Error("marshal event", "event_type", ev.Type, "err", err)
		return 0
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	seen := make(map[string]struct{})
	n := 0
	for _, t := range topics {
		var set map[string]*Subscription
		switch t.Kind {
		case models.TopicRide:
			set = b.byRide[t.ID]
		case models.TopicUser:
			set = b.byUser[t.ID]
		}
		for id, s := range set {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if b.enqueue(s, msg) {
				n++
			}
		}
	}
	return n
}

// SendDirect queues a reply for one subscription, outside any topic.
func (b *Bus) SendDirect(s *Subscription, v any) bool {
	msg, err := json.Marshal(v)
	if err != nil {
		return false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if _, ok := b.subs[s.ID]; !ok {
		return false
	}
	return b.enqueue(s, msg)
}

// enqueue must be called with b.mu held so s.send cannot be closed under it.
func (b *Bus) enqueue(s *Subscription, msg []byte) bool {
	select {
	case s.send <- msg:
		return true
	default:
		observability.EventsDropped.WithLabelValues("slow_consumer").Inc()
		b.log.Warn("subscriber queue full, event dropped", "sub_id", s.ID, "user_id", s.UserID)
		return false
	}
}

// Name and Deliver let the bus act as an outbox sink.
func (b *Bus) Name() string { return "realtime" }

func (b *Bus) Deliver(_ context.Context, env models.Envelope) error {
	b.Publish(env.Event, env.Topics...)
	return nil
}

// Connections reports the number of live subscriptions.
func (b *Bus) Connections() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func addTo(idx map[string]map[string]*Subscription, key string, s *Subscription) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]*Subscription)
		idx[key] = set
	}
	set[s.ID] = s
}

func removeFrom(idx map[string]map[string]*Subscription, key string, s *Subscription) {
	set := idx[key]
	delete(set, s.ID)
	if len(set) == 0 {
		delete(idx, key)
	}
}
