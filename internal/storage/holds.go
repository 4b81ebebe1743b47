package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Payment hold states.
const (
	HoldHeld     = "held"
	HoldCaptured = "captured"
	HoldReleased = "released"
)

// PaymentHold is the fare authorization placed for an accepted ride. It
// outlives the process that placed it so any instance can settle the ride.
type PaymentHold struct {
	RideID    string    `db:"ride_id"`
	IntentID  string    `db:"intent_id"`
	Status    string    `db:"status"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (m *MemoryStore) SavePaymentHold(_ context.Context, h PaymentHold) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holds[h.RideID] = h
	return nil
}

func (m *MemoryStore) PaymentHold(_ context.Context, rideID string) (*PaymentHold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.holds[rideID]
	if !ok {
		return nil, ErrNotFound
	}
	return &h, nil
}

func (p *PostgresStore) SavePaymentHold(ctx context.Context, h PaymentHold) error {
	_, err := p.db.NamedExecContext(ctx, `INSERT INTO ride_payments (ride_id, intent_id, status, updated_at)
		VALUES (:ride_id, :intent_id, :status, :updated_at)
		ON CONFLICT (ride_id) DO UPDATE SET intent_id = EXCLUDED.intent_id,
			status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`, h)
	if err != nil {
		return fmt.Errorf("save payment hold %s: %w", h.RideID, err)
	}
	return nil
}

func (p *PostgresStore) PaymentHold(ctx context.Context, rideID string) (*PaymentHold, error) {
	var h PaymentHold
	err := p.db.GetContext(ctx, &h, `SELECT ride_id, intent_id, status, updated_at
		FROM ride_payments WHERE ride_id = $1`, rideID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payment hold %s: %w", rideID, err)
	}
	return &h, nil
}
