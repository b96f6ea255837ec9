package payments

import (
	"context"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
)

// HoldRequest reserves the price of one seat until checkout.
type HoldRequest struct {
	Amount    int64
	Currency  string
	RideID    string
	RequestID string
}

// Processor holds, captures and releases seat payments.
type Processor interface {
	Hold(ctx context.Context, req HoldRequest) (string, error)
	Capture(ctx context.Context, paymentID string) error
	Cancel(ctx context.Context, paymentID string) error
}

// StripeClient is a thin wrapper around stripe-go for PaymentIntent hold/capture/cancel flows.
type StripeClient struct {
	api *client.API
}

func NewStripeClient(apiKey string) *StripeClient {
	return NewStripeClientWithBackends(apiKey, nil)
}

// NewStripeClientWithBackends lets tests point the client at a fake API.
func NewStripeClientWithBackends(apiKey string, backends *stripe.Backends) *StripeClient {
	api := &client.API{}
	api.Init(apiKey, backends)
	return &StripeClient{api: api}
}

// Hold creates a PaymentIntent with capture_method=manual to hold funds.
// The request id doubles as idempotency key so a retried accept never
// holds twice.
func (s *StripeClient) Hold(ctx context.Context, req HoldRequest) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(req.Currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	params.SetIdempotencyKey("hold-" + req.RequestID)
	params.AddMetadata("ride_id", req.RideID)
	params.AddMetadata("request_id", req.RequestID)
	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeClient) Capture(ctx context.Context, paymentID string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	_, err := s.api.PaymentIntents.Capture(paymentID, params)
	return err
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeClient) Cancel(ctx context.Context, paymentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := s.api.PaymentIntents.Cancel(paymentID, params)
	return err
}

// Noop is used when no payment provider is configured: every ride is free.
type Noop struct{}

func (Noop) Hold(context.Context, HoldRequest) (string, error) { return "", nil }
func (Noop) Capture(context.Context, string) error             { return nil }
func (Noop) Cancel(context.Context, string) error              { return nil }
