// Package payments holds the accepted fare on the passenger's card and
// settles it when the ride ends.
package payments

import (
	"context"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
)

// Holder places, captures and releases fare authorizations.
type Holder interface {
	Hold(ctx context.Context, amount int64, currency, rideID string) (string, error)
	Capture(ctx context.Context, intentID string) error
	Cancel(ctx context.Context, intentID string) error
}

// StripeClient is a thin wrapper around stripe-go PaymentIntents with
// capture_method=manual.
type StripeClient struct {
	api *client.API
}

func NewStripeClient(apiKey string) *StripeClient {
	return &StripeClient{api: client.New(apiKey, nil)}
}

// Hold authorizes amount (in the currency's minor unit) and returns the
// PaymentIntent id. The ride id is the idempotency key so a retried hold
// never authorizes twice.
func (s *StripeClient) Hold(ctx context.Context, amount int64, currency, rideID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amount),
		Currency:      stripe.String(currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	params.SetIdempotencyKey("hold-" + rideID)
	params.AddMetadata("ride_id", rideID)
	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

func (s *StripeClient) Capture(ctx context.Context, intentID string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	_, err := s.api.PaymentIntents.Capture(intentID, params)
	return err
}

func (s *StripeClient) Cancel(ctx context.Context, intentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := s.api.PaymentIntents.Cancel(intentID, params)
	return err
}
