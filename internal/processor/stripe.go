package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"
)

// DefaultRequestTimeout bounds every outbound Stripe call.
const DefaultRequestTimeout = 10 * time.Second

// StripeClient implements Client against the Stripe Payouts API.
type StripeClient struct {
	api     *client.API
	timeout time.Duration
}

// NewStripeClient creates a Stripe-backed processor client.
func NewStripeClient(apiKey string) *StripeClient {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &StripeClient{api: api, timeout: DefaultRequestTimeout}
}

// WithTimeout overrides the per-request timeout.
func (s *StripeClient) WithTimeout(d time.Duration) *StripeClient {
	if d > 0 {
		s.timeout = d
	}
	return s
}

func (s *StripeClient) CreateTransfer(ctx context.Context, req CreateTransferRequest) (*Transfer, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := &stripe.PayoutParams{
		Amount:      stripe.Int64(req.AmountCents),
		Currency:    stripe.String(req.Currency),
		Destination: stripe.String(req.Destination),
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.IdempotencyKey = stripe.String(req.IdempotencyKey)
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}

	po, err := s.api.Payouts.New(params)
	if err != nil {
		return nil, wrapStripeErr("create transfer", err)
	}
	return fromStripePayout(po), nil
}

func (s *StripeClient) GetTransfer(ctx context.Context, id string) (*Transfer, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := &stripe.PayoutParams{}
	params.Context = ctx

	po, err := s.api.Payouts.Get(id, params)
	if err != nil {
		return nil, wrapStripeErr("get transfer", err)
	}
	return fromStripePayout(po), nil
}

// VerifyWebhook checks the Stripe signature on a raw webhook body and
// returns the normalized transfer event.
func VerifyWebhook(payload []byte, sigHeader, secret string) (*WebhookEvent, error) {
	event, err := webhook.ConstructEvent(payload, sigHeader, secret)
	if err != nil {
		return nil, fmt.Errorf("processor: webhook signature verification failed: %w", err)
	}

	var po stripe.Payout
	if err := json.Unmarshal(event.Data.Raw, &po); err != nil {
		return nil, fmt.Errorf("processor: failed to parse webhook payload: %w", err)
	}
	if po.ID == "" {
		return nil, fmt.Errorf("processor: webhook payload has no transfer id")
	}

	t := fromStripePayout(&po)
	return &WebhookEvent{
		TransferID:     t.ID,
		Status:         t.Status,
		AmountCents:    t.AmountCents,
		Currency:       t.Currency,
		Destination:    t.Destination,
		FailureCode:    t.FailureCode,
		FailureMessage: t.FailureMessage,
	}, nil
}

func fromStripePayout(po *stripe.Payout) *Transfer {
	t := &Transfer{
		ID:             po.ID,
		AmountCents:    po.Amount,
		Currency:       string(po.Currency),
		Status:         fromStripeStatus(po.Status),
		FailureCode:    string(po.FailureCode),
		FailureMessage: po.FailureMessage,
	}
	if po.Destination != nil {
		t.Destination = po.Destination.ID
	}
	return t
}

func fromStripeStatus(s stripe.PayoutStatus) TransferStatus {
	switch s {
	case stripe.PayoutStatusPending:
		return StatusPending
	case stripe.PayoutStatusInTransit:
		return StatusInTransit
	case stripe.PayoutStatusPaid:
		return StatusPaid
	case stripe.PayoutStatusCanceled:
		return StatusCanceled
	case stripe.PayoutStatusFailed:
		return StatusFailed
	default:
		return StatusPending
	}
}

func wrapStripeErr(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch stripeErr.Type {
		case stripe.ErrorTypeInvalidRequest, stripe.ErrorTypeCard:
			return fmt.Errorf("processor: %s rejected: %w", op, err)
		}
	}
	// Timeouts, 5xx, network faults: the caller must not assume the
	// transfer was or wasn't created.
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// Compile-time assertion that StripeClient implements Client.
var _ Client = (*StripeClient)(nil)
