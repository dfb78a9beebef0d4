// Package processor abstracts the external payment processor used for
// outbound transfers. The settlement state machine talks to the
// Client interface; the Stripe adapter and the in-memory mock both
// implement it.
package processor

import (
	"context"
	"errors"
)

var (
	ErrTransferNotFound = errors.New("processor: transfer not found")
	// ErrUnavailable wraps timeouts, 5xx and network failures. The local
	// payout stays pending; reconciliation resolves the true state later.
	ErrUnavailable = errors.New("processor: unavailable")
)

// TransferStatus is the normalized lifecycle of an outbound transfer.
type TransferStatus string

const (
	StatusPending   TransferStatus = "pending"
	StatusInTransit TransferStatus = "in_transit"
	StatusPaid      TransferStatus = "paid"
	StatusFailed    TransferStatus = "failed"
	StatusCanceled  TransferStatus = "canceled"
)

// Transfer is the processor's view of one outbound transfer.
type Transfer struct {
	ID             string
	AmountCents    int64
	Currency       string
	Destination    string
	Status         TransferStatus
	FailureCode    string
	FailureMessage string
}

// CreateTransferRequest contains the parameters for a new transfer.
// AmountCents is whole cents: the processor does not accept sub-cent
// precision.
type CreateTransferRequest struct {
	AmountCents    int64
	Currency       string
	Destination    string
	IdempotencyKey string
	Description    string
}

// Client is the outbound transfer interface.
type Client interface {
	// CreateTransfer initiates a transfer. The idempotency key makes a
	// retried creation return the original transfer instead of moving
	// money twice.
	CreateTransfer(ctx context.Context, req CreateTransferRequest) (*Transfer, error)

	// GetTransfer fetches a transfer's current state. Used by the
	// pending-reconcile loop to resolve stuck payouts.
	GetTransfer(ctx context.Context, id string) (*Transfer, error)
}

// WebhookEvent is the normalized payload of one processor callback,
// keyed by external transfer id.
type WebhookEvent struct {
	TransferID     string         `json:"transferId"`
	Status         TransferStatus `json:"status"`
	AmountCents    int64          `json:"amount"`
	Currency       string         `json:"currency"`
	Destination    string         `json:"destinationAccountId"`
	FailureCode    string         `json:"failureCode,omitempty"`
	FailureMessage string         `json:"failureMessage,omitempty"`
}
