// Package payments defines the payment gateway boundary used by billing
// task handlers, plus an in-process mock implementation for development
// and testing. Real provider integrations implement the Gateway interface.
package payments

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Common gateway errors.
var (
	// ErrGatewayUnavailable is returned when the provider cannot be reached.
	// Callers should treat this as retryable.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
)

// ChargeRequest describes a single capture attempt against a customer's
// payment method.
type ChargeRequest struct {
	TenantID uuid.UUID
	// IdempotencyKey deduplicates repeat submissions of the same charge.
	// Handlers derive it from the invoice ID so retries never double-charge.
	IdempotencyKey string
	CustomerID     uuid.UUID
	InvoiceID      uuid.UUID
	AmountCents    int64
	Currency       string
}

// ChargeResult is the provider's answer to a charge request. A declined
// charge is a successful gateway call with Approved = false; only transport
// or provider failures surface as errors.
type ChargeResult struct {
	Approved bool
	// ExternalRef is the provider's identifier for the charge.
	ExternalRef string
	// DeclineCode and DeclineReason are set when Approved is false.
	DeclineCode   string
	DeclineReason string
}

// Gateway is the boundary to the external payment provider.
type Gateway interface {
	// Charge submits a capture attempt. Returns an error only for
	// transport-level failures; business declines come back in the result.
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
}
