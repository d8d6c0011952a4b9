package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/subscriptionengine/subworker/internal/domain"
)

// InvoiceStore defines the interface for invoice and payment attempt persistence.
type InvoiceStore interface {
	// Create saves a new invoice to the store.
	// The invoice must be valid according to domain validation rules.
	Create(ctx context.Context, inv *domain.Invoice) error

	// GetByID retrieves an invoice by its unique ID, scoped to the tenant.
	// Returns ErrInvoiceNotFound if the invoice does not exist or belongs
	// to a different tenant.
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (*domain.Invoice, error)

	// UpdateStatus performs a conditional status change on an invoice.
	// Returns ErrUpdateFailed if the invoice was not in the expected status.
	UpdateStatus(
		ctx context.Context,
		tenantID, id uuid.UUID,
		from, to domain.InvoiceStatus,
	) error

	// RecordPaymentAttempt appends a payment attempt to the invoice's
	// attempt ledger. Attempts are append-only; failed attempts are kept
	// as a permanent record of what the gateway was asked to do.
	RecordPaymentAttempt(ctx context.Context, attempt *domain.PaymentAttempt) error

	// ListPaymentAttempts returns all payment attempts for the invoice,
	// oldest first.
	ListPaymentAttempts(
		ctx context.Context,
		tenantID, invoiceID uuid.UUID,
	) ([]*domain.PaymentAttempt, error)

	// WithTx returns a new InvoiceStore instance that uses the provided transaction.
	WithTx(tx *sql.Tx) InvoiceStore
}
