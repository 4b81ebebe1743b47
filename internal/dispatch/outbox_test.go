package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

type memSink struct {
	name  string
	mu    sync.Mutex
	ids   []string
	fail  bool
	block chan struct{}
}

func (s *memSink) Name() string { return s.name }

func (s *memSink) Deliver(_ context.Context, env models.Envelope) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, env.Event.ID)
	if s.fail {
		return errors.New("sink down")
	}
	return nil
}

func (s *memSink) delivered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...)
}

func envelope(id string) models.Envelope {
	return models.Envelope{Event: models.Event{ID: id, Type: models.EventNewBid, RideID: "r1"}}
}

func TestOutboxDeliversInOrderToEverySink(t *testing.T) {
	a := &memSink{name: "a"}
	b := &memSink{name: "b", fail: true}
	o := NewOutbox(logging.Discard(), 16, a, b)
	o.Start(context.Background())

	var want []string
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("e%d", i)
		want = append(want, id)
		o.Notify(envelope(id))
	}
	o.Close()

	assert.Equal(t, want, a.delivered())
	assert.Equal(t, want, b.delivered(), "a failing sink still sees every event")
}

func TestOutboxDropsWhenSinkQueueIsFull(t *testing.T) {
	slow := &memSink{name: "slow", block: make(chan struct{})}
	fast := &memSink{name: "fast"}
	o := NewOutbox(logging.Discard(), 2, slow, fast)
	o.Start(context.Background())

	for i := 0; i < 10; i++ {
		o.Notify(envelope(fmt.Sprintf("e%d", i)))
	}
	close(slow.block)
	o.Close()

	assert.Less(t, len(slow.delivered()), 10)
	assert.NotEmpty(t, slow.delivered())
}

func TestOutboxNotifyAfterCloseIsDropped(t *testing.T) {
	s := &memSink{name: "s"}
	o := NewOutbox(logging.Discard(), 4, s)
	o.Start(context.Background())
	o.Close()
	o.Notify(envelope("late"))
	o.Close()
	assert.Empty(t, s.delivered())
}
