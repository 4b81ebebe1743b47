package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

// ErrNoHold is returned when a ride that was accepted ends without a
// recorded fare hold to settle.
var ErrNoHold = errors.New("no fare hold recorded for ride")

// HoldStore persists the ride to payment intent mapping. Both ride stores
// implement it.
type HoldStore interface {
	SavePaymentHold(ctx context.Context, h storage.PaymentHold) error
	PaymentHold(ctx context.Context, rideID string) (*storage.PaymentHold, error)
}

// FareSink is an outbox sink driving the payment lifecycle from committed
// ride status events: accepted holds the final fare, completed captures it,
// cancelled releases it. Failures are logged by the outbox and never touch
// ride state.
type FareSink struct {
	holder   Holder
	holds    HoldStore
	currency string
	log      *slog.Logger
	now      func() time.Time
}

func NewFareSink(holder Holder, holds HoldStore, currency string, log *slog.Logger) *FareSink {
	return &FareSink{
		holder:   holder,
		holds:    holds,
		currency: currency,
		log:      log.With("component", "payments"),
		now:      time.Now,
	}
}

func (s *FareSink) Name() string { return "payments" }

func (s *FareSink) Deliver(ctx context.Context, env models.Envelope) error {
	ev := env.Event
	if ev.Type != models.EventRideStatusUpdate || ev.Ride == nil {
		return nil
	}
	switch ev.Status {
	case models.StatusAccepted:
		return s.hold(ctx, ev.Ride)
	case models.StatusCompleted:
		return s.settle(ctx, ev.Ride, storage.HoldCaptured)
	case models.StatusCancelled:
		// rides cancelled before acceptance never held a fare
		if ev.Ride.AcceptedAt == nil {
			return nil
		}
		return s.settle(ctx, ev.Ride, storage.HoldReleased)
	}
	return nil
}

func (s *FareSink) hold(ctx context.Context, r *models.Ride) error {
	if r.FinalFare == nil || *r.FinalFare <= 0 {
		return nil
	}
	amount := int64(math.Round(*r.FinalFare * 100))
	id, err := s.holder.Hold(ctx, amount, s.currency, r.ID)
	if err != nil {
		return fmt.Errorf("hold fare for ride %s: %w", r.ID, err)
	}
	h := storage.PaymentHold{RideID: r.ID, IntentID: id, Status: storage.HoldHeld, UpdatedAt: s.now()}
	if err := s.holds.SavePaymentHold(ctx, h); err != nil {
		return fmt.Errorf("record hold %s for ride %s: %w", id, r.ID, err)
	}
	s.log.Info("fare held", "ride_id", r.ID, "intent_id", id, "amount", amount, "currency", s.currency)
	return nil
}

func (s *FareSink) settle(ctx context.Context, r *models.Ride, outcome string) error {
	h, err := s.holds.PaymentHold(ctx, r.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("settle ride %s as %s: %w", r.ID, outcome, ErrNoHold)
	}
	if err != nil {
		return fmt.Errorf("settle ride %s: %w", r.ID, err)
	}
	if h.Status != storage.HoldHeld {
		s.log.Warn("fare already settled", "ride_id", r.ID, "intent_id", h.IntentID, "status", h.Status)
		return nil
	}

	if outcome == storage.HoldCaptured {
		err = s.holder.Capture(ctx, h.IntentID)
	} else {
		err = s.holder.Cancel(ctx, h.IntentID)
	}
	if err != nil {
		return fmt.Errorf("%s fare for ride %s: %w", outcome, r.ID, err)
	}

	h.Status = outcome
	h.UpdatedAt = s.now()
	if err := s.holds.SavePaymentHold(ctx, *h); err != nil {
		return fmt.Errorf("record %s hold for ride %s: %w", outcome, r.ID, err)
	}
	s.log.Info("fare "+outcome, "ride_id", r.ID, "intent_id", h.IntentID)
	return nil
}
