// Package storage is the ride record store: rides, their bids and the log of
// committed status transitions, with a per-ride transactional primitive.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrDuplicateBid is returned by InsertBid when the driver already has a
	// pending bid on the ride.
	ErrDuplicateBid = errors.New("driver already has a pending bid on this ride")
)

// Store persists rides and bids. Reads outside InTx see committed state only.
type Store interface {
	CreateRide(ctx context.Context, ride *models.Ride, history ...models.Transition) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	ListPendingBids(ctx context.Context, rideID string) ([]*models.Bid, error)
	History(ctx context.Context, rideID string) ([]models.Transition, error)
	// ListOpenRides returns rides still in searching or bidding that were
	// created before the cutoff, oldest first.
	ListOpenRides(ctx context.Context, createdBefore time.Time) ([]*models.Ride, error)
	// InTx runs fn with the ride locked against every other InTx on the same
	// ride. Changes made through tx commit together when fn returns nil and are
	// discarded otherwise. A missing ride yields ErrNotFound without calling fn.
	InTx(ctx context.Context, rideID string, fn func(tx RideTx) error) error

	// SavePaymentHold upserts the hold recorded for a ride.
	SavePaymentHold(ctx context.Context, h PaymentHold) error
	// PaymentHold returns ErrNotFound when no hold was ever recorded.
	PaymentHold(ctx context.Context, rideID string) (*PaymentHold, error)
}

// RideTx is the view of one locked ride inside InTx.
type RideTx interface {
	// Ride returns a copy of the locked ride as of the start of the
	// transaction plus any SaveRide calls made since.
	Ride() *models.Ride
	SaveRide(r *models.Ride) error
	AppendTransition(t models.Transition) error
	// PendingBids lists the ride's pending bids oldest first.
	PendingBids() ([]*models.Bid, error)
	GetBid(bidID string) (*models.Bid, error)
	InsertBid(b *models.Bid) error
	SetBidStatus(bidID string, status models.BidStatus) error
}
