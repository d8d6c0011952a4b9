package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// InvoiceStatus represents the payment state of an invoice.
type InvoiceStatus string

// Possible invoice status values.
const (
	InvoiceStatusPending InvoiceStatus = "PENDING"
	InvoiceStatusPaid    InvoiceStatus = "PAID"
	InvoiceStatusVoid    InvoiceStatus = "VOID"
)

// PaymentAttemptStatus represents the outcome of a single capture attempt.
type PaymentAttemptStatus string

// Possible payment attempt status values.
const (
	PaymentAttemptProcessing PaymentAttemptStatus = "PROCESSING"
	PaymentAttemptSucceeded  PaymentAttemptStatus = "SUCCEEDED"
	PaymentAttemptFailed     PaymentAttemptStatus = "FAILED"
)

// Common validation errors for Invoice.
var (
	ErrEmptyInvoiceID       = errors.New("invoice ID cannot be empty")
	ErrEmptyInvoiceTenantID = errors.New("invoice tenant ID cannot be empty")
	ErrInvalidInvoiceAmount = errors.New("invoice amount cannot be negative")
)

// Invoice represents an amount owed for one billing period of a subscription.
type Invoice struct {
	ID             uuid.UUID     `json:"id"`
	TenantID       uuid.UUID     `json:"tenant_id"`
	CustomerID     uuid.UUID     `json:"customer_id"`
	SubscriptionID uuid.UUID     `json:"subscription_id"`
	Status         InvoiceStatus `json:"status"`
	TotalCents     int64         `json:"total_cents"`
	Currency       string        `json:"currency"`
	PeriodStart    time.Time     `json:"period_start"`
	PeriodEnd      time.Time     `json:"period_end"`
	PaidAt         *time.Time    `json:"paid_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// NewInvoice creates a PENDING invoice for one period of the given
// subscription. Returns an error if validation fails.
func NewInvoice(sub *Subscription, periodStart, periodEnd time.Time) (*Invoice, error) {
	now := time.Now().UTC()
	inv := &Invoice{
		ID:             uuid.New(),
		TenantID:       sub.TenantID,
		CustomerID:     sub.CustomerID,
		SubscriptionID: sub.ID,
		Status:         InvoiceStatusPending,
		TotalCents:     sub.AmountCents,
		Currency:       sub.Currency,
		PeriodStart:    periodStart,
		PeriodEnd:      periodEnd,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := inv.Validate(); err != nil {
		return nil, err
	}

	return inv, nil
}

// Validate checks if the Invoice has valid data.
func (i *Invoice) Validate() error {
	if i.ID == uuid.Nil {
		return ErrEmptyInvoiceID
	}

	if i.TenantID == uuid.Nil {
		return ErrEmptyInvoiceTenantID
	}

	if i.TotalCents < 0 {
		return ErrInvalidInvoiceAmount
	}

	if !isValidInvoiceStatus(i.Status) {
		return ErrInvalidInvoiceStatus
	}

	return nil
}

func isValidInvoiceStatus(status InvoiceStatus) bool {
	switch status {
	case InvoiceStatusPending, InvoiceStatusPaid, InvoiceStatusVoid:
		return true
	default:
		return false
	}
}

// PaymentAttempt is the ledger record of one payment capture attempt
// against an invoice. Attempts are never deleted; failed captures stay
// on record alongside the eventual success.
type PaymentAttempt struct {
	ID            uuid.UUID            `json:"id"`
	TenantID      uuid.UUID            `json:"tenant_id"`
	InvoiceID     uuid.UUID            `json:"invoice_id"`
	AmountCents   int64                `json:"amount_cents"`
	Currency      string               `json:"currency"`
	Status        PaymentAttemptStatus `json:"status"`
	ExternalRef   string               `json:"external_ref,omitempty"`
	FailureCode   string               `json:"failure_code,omitempty"`
	FailureReason string               `json:"failure_reason,omitempty"`
	AttemptedAt   time.Time            `json:"attempted_at"`
	CompletedAt   *time.Time           `json:"completed_at,omitempty"`
}
