// Package bidding holds the per-ride bid rules: one pending bid per driver,
// a cap on pending bids, and atomic resolution of a winner.
package bidding

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	ErrDuplicateBid = errors.New("driver already has a pending bid")
	ErrCapExceeded  = errors.New("ride has reached its pending bid limit")
	ErrBidNotFound  = errors.New("no pending bid with that id on this ride")
)

const DefaultMaxPending = 10

// Ledger applies bid rules inside a ride transaction. Because every call
// runs under the ride's lock, Admit and Resolve on the same ride are
// linearizable.
type Ledger struct {
	MaxPending int
}

func New(maxPending int) Ledger {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return Ledger{MaxPending: maxPending}
}

// Admit stores b as a pending bid if the driver has none pending and the
// ride is below the cap.
func (l Ledger) Admit(tx storage.RideTx, b *models.Bid) error {
	pending, err := tx.PendingBids()
	if err != nil {
		return err
	}
	// a duplicate is reported ahead of the cap; InsertBid enforces the same
	// rule at the store level
	for _, p := range pending {
		if p.DriverID == b.DriverID {
			return ErrDuplicateBid
		}
	}
	if len(pending) >= l.MaxPending {
		return ErrCapExceeded
	}
	b.Status = models.BidPending
	if err := tx.InsertBid(b); err != nil {
		if errors.Is(err, storage.ErrDuplicateBid) {
			return ErrDuplicateBid
		}
		return fmt.Errorf("insert bid: %w", err)
	}
	return nil
}

// Resolve accepts winningBidID and rejects every other pending bid of the
// ride. It returns the winner and the bids it rejected.
func (l Ledger) Resolve(tx storage.RideTx, winningBidID string) (*models.Bid, []*models.Bid, error) {
	winner, err := tx.GetBid(winningBidID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, ErrBidNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	if winner.Status != models.BidPending {
		return nil, nil, ErrBidNotFound
	}
	pending, err := tx.PendingBids()
	if err != nil {
		return nil, nil, err
	}
	if err := tx.SetBidStatus(winner.ID, models.BidAccepted); err != nil {
		return nil, nil, err
	}
	winner.Status = models.BidAccepted

	rejected := make([]*models.Bid, 0, len(pending))
	for _, b := range pending {
		if b.ID == winner.ID {
			continue
		}
		if err := tx.SetBidStatus(b.ID, models.BidRejected); err != nil {
			return nil, nil, err
		}
		b.Status = models.BidRejected
		rejected = append(rejected, b)
	}
	return winner, rejected, nil
}

// RejectAll rejects every pending bid of the ride.
func (l Ledger) RejectAll(tx storage.RideTx) ([]*models.Bid, error) {
	pending, err := tx.PendingBids()
	if err != nil {
		return nil, err
	}
	for _, b := range pending {
		if err := tx.SetBidStatus(b.ID, models.BidRejected); err != nil {
			return nil, err
		}
		b.Status = models.BidRejected
	}
	return pending, nil
}

// ListPending returns the committed pending bids oldest first.
func (l Ledger) ListPending(ctx context.Context, s storage.Store, rideID string) ([]*models.Bid, error) {
	return s.ListPendingBids(ctx, rideID)
}
