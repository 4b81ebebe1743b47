package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/keylock"
	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore keeps everything in process. It is the default store when no
// PG_DSN is configured and the store used by engine tests.
type MemoryStore struct {
	mu         sync.RWMutex
	rides      map[string]*models.Ride
	bids       map[string]*models.Bid
	bidsByRide map[string][]string
	history    map[string][]models.Transition
	holds      map[string]PaymentHold

	locks *keylock.Map
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:      make(map[string]*models.Ride),
		bids:       make(map[string]*models.Bid),
		bidsByRide: make(map[string][]string),
		history:    make(map[string][]models.Transition),
		holds:      make(map[string]PaymentHold),
		locks:      keylock.New(),
	}
}

func (m *MemoryStore) CreateRide(_ context.Context, ride *models.Ride, history ...models.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[ride.ID]; ok {
		return fmt.Errorf("ride %s already exists", ride.ID)
	}
	m.rides[ride.ID] = ride.Clone()
	m.history[ride.ID] = append([]models.Transition(nil), history...)
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) ListPendingBids(_ context.Context, rideID string) ([]*models.Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.rides[rideID]; !ok {
		return nil, ErrNotFound
	}
	return m.pendingLocked(rideID, nil), nil
}

// pendingLocked lists pending bids of a ride in submission order, applying
// status overrides staged by an open transaction.
func (m *MemoryStore) pendingLocked(rideID string, overrides map[string]models.BidStatus) []*models.Bid {
	out := make([]*models.Bid, 0)
	for _, id := range m.bidsByRide[rideID] {
		b := m.bids[id]
		status := b.Status
		if s, ok := overrides[id]; ok {
			status = s
		}
		if status != models.BidPending {
			continue
		}
		c := b.Clone()
		c.Status = status
		out = append(out, c)
	}
	return out
}

func (m *MemoryStore) History(_ context.Context, rideID string) ([]models.Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.history[rideID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]models.Transition(nil), h...), nil
}

func (m *MemoryStore) ListOpenRides(_ context.Context, createdBefore time.Time) ([]*models.Ride, error) {
	m.mu.RLock()
	out := make([]*models.Ride, 0)
	for _, r := range m.rides {
		if r.Status.Open() && r.CreatedAt.Before(createdBefore) {
			out = append(out, r.Clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) InTx(ctx context.Context, rideID string, fn func(tx RideTx) error) error {
	unlock := m.locks.Lock(rideID)
	defer unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	r, ok := m.rides[rideID]
	if ok {
		r = r.Clone()
	}
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	tx := &memTx{store: m, ride: r, statuses: make(map[string]models.BidStatus)}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// memTx stages writes and applies them in one step on commit. The ride lock
// keeps other writers of the same ride out, so reads of committed bids made
// during the transaction stay valid until commit.
type memTx struct {
	store       *MemoryStore
	ride        *models.Ride
	rideDirty   bool
	newBids     []*models.Bid
	statuses    map[string]models.BidStatus
	transitions []models.Transition
}

func (t *memTx) Ride() *models.Ride { return t.ride.Clone() }

func (t *memTx) SaveRide(r *models.Ride) error {
	if r.ID != t.ride.ID {
		return fmt.Errorf("save ride %s inside transaction for %s", r.ID, t.ride.ID)
	}
	t.ride = r.Clone()
	t.rideDirty = true
	return nil
}

func (t *memTx) AppendTransition(tr models.Transition) error {
	t.transitions = append(t.transitions, tr)
	return nil
}

func (t *memTx) PendingBids() ([]*models.Bid, error) {
	t.store.mu.RLock()
	out := t.store.pendingLocked(t.ride.ID, t.statuses)
	t.store.mu.RUnlock()
	for _, b := range t.newBids {
		status := b.Status
		if s, ok := t.statuses[b.ID]; ok {
			status = s
		}
		if status == models.BidPending {
			c := b.Clone()
			c.Status = status
			out = append(out, c)
		}
	}
	return out, nil
}

func (t *memTx) GetBid(bidID string) (*models.Bid, error) {
	var b *models.Bid
	for _, nb := range t.newBids {
		if nb.ID == bidID {
			b = nb
		}
	}
	if b == nil {
		t.store.mu.RLock()
		b = t.store.bids[bidID]
		t.store.mu.RUnlock()
	}
	if b == nil || b.RideID != t.ride.ID {
		return nil, ErrNotFound
	}
	c := b.Clone()
	if s, ok := t.statuses[bidID]; ok {
		c.Status = s
	}
	return c, nil
}

func (t *memTx) InsertBid(b *models.Bid) error {
	if b.RideID != t.ride.ID {
		return fmt.Errorf("insert bid for ride %s inside transaction for %s", b.RideID, t.ride.ID)
	}
	// mirrors the bids_one_pending_per_driver partial unique index
	if b.Status == models.BidPending {
		pending, _ := t.PendingBids()
		for _, p := range pending {
			if p.DriverID == b.DriverID {
				return ErrDuplicateBid
			}
		}
	}
	t.newBids = append(t.newBids, b.Clone())
	return nil
}

func (t *memTx) SetBidStatus(bidID string, status models.BidStatus) error {
	if _, err := t.GetBid(bidID); err != nil {
		return err
	}
	t.statuses[bidID] = status
	return nil
}

func (t *memTx) commit() {
	m := t.store
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.rideDirty {
		m.rides[t.ride.ID] = t.ride
	}
	for _, b := range t.newBids {
		m.bids[b.ID] = b
		m.bidsByRide[b.RideID] = append(m.bidsByRide[b.RideID], b.ID)
	}
	for id, s := range t.statuses {
		m.bids[id].Status = s
	}
	m.history[t.ride.ID] = append(m.history[t.ride.ID], t.transitions...)
}
