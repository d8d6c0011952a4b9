package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/subscriptionengine/subworker/internal/domain"
	"github.com/subscriptionengine/subworker/internal/platform/logger"
	"github.com/subscriptionengine/subworker/internal/store"
)

// PostgresInvoiceStore implements the store.InvoiceStore interface
// using a PostgreSQL database as the storage backend.
type PostgresInvoiceStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresInvoiceStore creates a new PostgreSQL implementation of the
// InvoiceStore interface. It accepts a database connection or transaction
// that should be initialized and managed by the caller.
// If logger is nil, a default logger will be used.
func NewPostgresInvoiceStore(db store.DBTX, logger *slog.Logger) *PostgresInvoiceStore {
	// Validate inputs
	if db == nil {
		panic("db cannot be nil")
	}

	// Use provided logger or create default
	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresInvoiceStore{
		db:     db,
		logger: logger.With(slog.String("component", "invoice_store")),
	}
}

// Ensure PostgresInvoiceStore implements store.InvoiceStore interface
var _ store.InvoiceStore = (*PostgresInvoiceStore)(nil)

// WithTx implements store.InvoiceStore.WithTx
func (s *PostgresInvoiceStore) WithTx(tx *sql.Tx) store.InvoiceStore {
	return &PostgresInvoiceStore{
		db:     tx,
		logger: s.logger,
	}
}

// Create implements store.InvoiceStore.Create
func (s *PostgresInvoiceStore) Create(ctx context.Context, inv *domain.Invoice) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	// Validate invoice data
	if err := inv.Validate(); err != nil {
		log.Warn("invoice validation failed during create",
			slog.String("error", err.Error()),
			slog.String("invoice_id", inv.ID.String()))
		return err
	}

	query := `
		INSERT INTO invoices (id, tenant_id, customer_id, subscription_id, status,
			total_cents, currency, period_start, period_end, paid_at,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := s.db.ExecContext(
		ctx,
		query,
		inv.ID,
		inv.TenantID,
		inv.CustomerID,
		inv.SubscriptionID,
		inv.Status,
		inv.TotalCents,
		inv.Currency,
		inv.PeriodStart,
		inv.PeriodEnd,
		inv.PaidAt,
		inv.CreatedAt,
		inv.UpdatedAt,
	)
	if err != nil {
		log.Error("failed to create invoice",
			slog.String("error", err.Error()),
			slog.String("invoice_id", inv.ID.String()),
			slog.String("subscription_id", inv.SubscriptionID.String()))
		return MapError(err)
	}

	log.Info("invoice created",
		slog.String("invoice_id", inv.ID.String()),
		slog.String("subscription_id", inv.SubscriptionID.String()),
		slog.Int64("total_cents", inv.TotalCents))
	return nil
}

// GetByID implements store.InvoiceStore.GetByID
// Returns store.ErrInvoiceNotFound if the invoice does not exist for the tenant.
func (s *PostgresInvoiceStore) GetByID(
	ctx context.Context,
	tenantID, id uuid.UUID,
) (*domain.Invoice, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		SELECT id, tenant_id, customer_id, subscription_id, status, total_cents,
			currency, period_start, period_end, paid_at, created_at, updated_at
		FROM invoices
		WHERE tenant_id = $1 AND id = $2
	`

	var inv domain.Invoice
	var status string
	var paidAt sql.NullTime

	err := s.db.QueryRowContext(ctx, query, tenantID, id).Scan(
		&inv.ID,
		&inv.TenantID,
		&inv.CustomerID,
		&inv.SubscriptionID,
		&status,
		&inv.TotalCents,
		&inv.Currency,
		&inv.PeriodStart,
		&inv.PeriodEnd,
		&paidAt,
		&inv.CreatedAt,
		&inv.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Debug("invoice not found", slog.String("invoice_id", id.String()))
			return nil, store.ErrInvoiceNotFound
		}
		log.Error("failed to get invoice by ID",
			slog.String("error", err.Error()),
			slog.String("invoice_id", id.String()))
		return nil, MapError(err)
	}

	inv.Status = domain.InvoiceStatus(status)
	if paidAt.Valid {
		t := paidAt.Time
		inv.PaidAt = &t
	}

	return &inv, nil
}

// UpdateStatus implements store.InvoiceStore.UpdateStatus
// The PENDING to PAID transition also stamps paid_at.
func (s *PostgresInvoiceStore) UpdateStatus(
	ctx context.Context,
	tenantID, id uuid.UUID,
	from, to domain.InvoiceStatus,
) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	now := time.Now().UTC()

	query := `
		UPDATE invoices
		SET status = $1,
			paid_at = CASE WHEN $1 = $2 THEN $3 ELSE paid_at END,
			updated_at = $3
		WHERE tenant_id = $4 AND id = $5 AND status = $6
	`

	result, err := s.db.ExecContext(
		ctx,
		query,
		to,
		domain.InvoiceStatusPaid,
		now,
		tenantID,
		id,
		from,
	)
	if err != nil {
		log.Error("failed to update invoice status",
			slog.String("error", err.Error()),
			slog.String("invoice_id", id.String()))
		return MapError(err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		log.Warn("invoice status update condition did not hold",
			slog.String("invoice_id", id.String()),
			slog.String("from", string(from)),
			slog.String("to", string(to)))
		return fmt.Errorf("%w: invoice %s not in status %s",
			store.ErrUpdateFailed, id, from)
	}

	log.Info("invoice status updated",
		slog.String("invoice_id", id.String()),
		slog.String("from", string(from)),
		slog.String("to", string(to)))
	return nil
}

// RecordPaymentAttempt implements store.InvoiceStore.RecordPaymentAttempt
func (s *PostgresInvoiceStore) RecordPaymentAttempt(
	ctx context.Context,
	attempt *domain.PaymentAttempt,
) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		INSERT INTO payment_attempts (id, tenant_id, invoice_id, amount_cents,
			currency, status, external_ref, failure_code, failure_reason,
			attempted_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), $10, $11)
	`
	_, err := s.db.ExecContext(
		ctx,
		query,
		attempt.ID,
		attempt.TenantID,
		attempt.InvoiceID,
		attempt.AmountCents,
		attempt.Currency,
		attempt.Status,
		attempt.ExternalRef,
		attempt.FailureCode,
		attempt.FailureReason,
		attempt.AttemptedAt,
		attempt.CompletedAt,
	)
	if err != nil {
		log.Error("failed to record payment attempt",
			slog.String("error", err.Error()),
			slog.String("attempt_id", attempt.ID.String()),
			slog.String("invoice_id", attempt.InvoiceID.String()))
		return MapError(err)
	}

	log.Info("payment attempt recorded",
		slog.String("attempt_id", attempt.ID.String()),
		slog.String("invoice_id", attempt.InvoiceID.String()),
		slog.String("status", string(attempt.Status)))
	return nil
}

// ListPaymentAttempts implements store.InvoiceStore.ListPaymentAttempts
func (s *PostgresInvoiceStore) ListPaymentAttempts(
	ctx context.Context,
	tenantID, invoiceID uuid.UUID,
) ([]*domain.PaymentAttempt, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		SELECT id, tenant_id, invoice_id, amount_cents, currency, status,
			external_ref, failure_code, failure_reason, attempted_at, completed_at
		FROM payment_attempts
		WHERE tenant_id = $1 AND invoice_id = $2
		ORDER BY attempted_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, tenantID, invoiceID)
	if err != nil {
		log.Error("failed to query payment attempts",
			slog.String("error", err.Error()),
			slog.String("invoice_id", invoiceID.String()))
		return nil, MapError(err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Error("failed to close rows", slog.String("error", err.Error()))
		}
	}()

	var attempts []*domain.PaymentAttempt
	for rows.Next() {
		var a domain.PaymentAttempt
		var status string
		var externalRef, failureCode, failureReason sql.NullString
		var completedAt sql.NullTime

		err := rows.Scan(
			&a.ID,
			&a.TenantID,
			&a.InvoiceID,
			&a.AmountCents,
			&a.Currency,
			&status,
			&externalRef,
			&failureCode,
			&failureReason,
			&a.AttemptedAt,
			&completedAt,
		)
		if err != nil {
			log.Error("failed to scan payment attempt row",
				slog.String("error", err.Error()))
			return nil, MapError(err)
		}

		a.Status = domain.PaymentAttemptStatus(status)
		a.ExternalRef = externalRef.String
		a.FailureCode = failureCode.String
		a.FailureReason = failureReason.String
		if completedAt.Valid {
			t := completedAt.Time
			a.CompletedAt = &t
		}
		attempts = append(attempts, &a)
	}

	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}

	// Return empty slice instead of nil if no attempts found
	if attempts == nil {
		attempts = []*domain.PaymentAttempt{}
	}

	return attempts, nil
}
