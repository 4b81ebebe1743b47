package dispatch

import (
	"errors"
	"fmt"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrInvalidState          = errors.New("invalid state")
	ErrDuplicateBid          = errors.New("duplicate bid")
	ErrBidCapExceeded        = errors.New("bid cap exceeded")
	ErrRideNotBiddable       = errors.New("ride not biddable")
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	ErrInvalidRequest        = errors.New("invalid request")

	// ErrBidNotFound matches ErrNotFound.
	ErrBidNotFound = fmt.Errorf("bid %w", ErrNotFound)
)

// Error is returned by every engine operation. It carries what a client needs
// to decide between refreshing and giving up: the ride, the status it was
// in and the operation that was refused.
type Error struct {
	Kind   error
	Op     string
	RideID string
	Status models.RideStatus
	Err    error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.RideID != "" {
		msg += " ride " + e.RideID
	}
	if e.Status != "" {
		msg += " (status " + string(e.Status) + ")"
	}
	msg += ": " + e.Kind.Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Is(target error) bool { return errors.Is(e.Kind, target) }

func (e *Error) Unwrap() error { return e.Err }

func newError(kind error, op string, r *models.Ride, cause error) *Error {
	e := &Error{Kind: kind, Op: op, Err: cause}
	if r != nil {
		e.RideID = r.ID
		e.Status = r.Status
	}
	return e
}
