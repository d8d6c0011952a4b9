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

// subscriptionColumns is the shared column list for subscription queries.
const subscriptionColumns = `id, tenant_id, customer_id, plan_ref, status,
	current_period_start, current_period_end, interval_days, amount_cents,
	currency, next_renewal_at, canceled_at, cancellation_reason,
	created_at, updated_at`

// PostgresSubscriptionStore implements the store.SubscriptionStore interface
// using a PostgreSQL database as the storage backend.
type PostgresSubscriptionStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresSubscriptionStore creates a new PostgreSQL implementation of the
// SubscriptionStore interface. It accepts a database connection or transaction
// that should be initialized and managed by the caller.
// If logger is nil, a default logger will be used.
func NewPostgresSubscriptionStore(db store.DBTX, logger *slog.Logger) *PostgresSubscriptionStore {
	// Validate inputs
	if db == nil {
		panic("db cannot be nil")
	}

	// Use provided logger or create default
	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresSubscriptionStore{
		db:     db,
		logger: logger.With(slog.String("component", "subscription_store")),
	}
}

// Ensure PostgresSubscriptionStore implements store.SubscriptionStore interface
var _ store.SubscriptionStore = (*PostgresSubscriptionStore)(nil)

// WithTx implements store.SubscriptionStore.WithTx
func (s *PostgresSubscriptionStore) WithTx(tx *sql.Tx) store.SubscriptionStore {
	return &PostgresSubscriptionStore{
		db:     tx,
		logger: s.logger,
	}
}

// Create implements store.SubscriptionStore.Create
func (s *PostgresSubscriptionStore) Create(ctx context.Context, sub *domain.Subscription) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	// Validate subscription data
	if err := sub.Validate(); err != nil {
		log.Warn("subscription validation failed during create",
			slog.String("error", err.Error()),
			slog.String("subscription_id", sub.ID.String()))
		return err
	}

	query := `
		INSERT INTO subscriptions (` + subscriptionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NULLIF($13, ''), $14, $15)
	`
	_, err := s.db.ExecContext(
		ctx,
		query,
		sub.ID,
		sub.TenantID,
		sub.CustomerID,
		sub.PlanRef,
		sub.Status,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.IntervalDays,
		sub.AmountCents,
		sub.Currency,
		sub.NextRenewalAt,
		sub.CanceledAt,
		sub.CancellationReason,
		sub.CreatedAt,
		sub.UpdatedAt,
	)
	if err != nil {
		log.Error("failed to create subscription",
			slog.String("error", err.Error()),
			slog.String("subscription_id", sub.ID.String()))
		return MapError(err)
	}

	log.Info("subscription created",
		slog.String("subscription_id", sub.ID.String()),
		slog.String("tenant_id", sub.TenantID.String()),
		slog.String("plan_ref", sub.PlanRef))
	return nil
}

// GetByID implements store.SubscriptionStore.GetByID
// Returns store.ErrSubscriptionNotFound if the subscription does not exist for the tenant.
func (s *PostgresSubscriptionStore) GetByID(
	ctx context.Context,
	tenantID, id uuid.UUID,
) (*domain.Subscription, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE tenant_id = $1 AND id = $2
	`

	var sub domain.Subscription
	var status string
	var nextRenewalAt sql.NullTime
	var canceledAt sql.NullTime
	var cancellationReason sql.NullString

	err := s.db.QueryRowContext(ctx, query, tenantID, id).Scan(
		&sub.ID,
		&sub.TenantID,
		&sub.CustomerID,
		&sub.PlanRef,
		&status,
		&sub.CurrentPeriodStart,
		&sub.CurrentPeriodEnd,
		&sub.IntervalDays,
		&sub.AmountCents,
		&sub.Currency,
		&nextRenewalAt,
		&canceledAt,
		&cancellationReason,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Debug("subscription not found",
				slog.String("subscription_id", id.String()))
			return nil, store.ErrSubscriptionNotFound
		}
		log.Error("failed to get subscription by ID",
			slog.String("error", err.Error()),
			slog.String("subscription_id", id.String()))
		return nil, MapError(err)
	}

	sub.Status = domain.SubscriptionStatus(status)
	sub.CancellationReason = cancellationReason.String
	if nextRenewalAt.Valid {
		t := nextRenewalAt.Time
		sub.NextRenewalAt = &t
	}
	if canceledAt.Valid {
		t := canceledAt.Time
		sub.CanceledAt = &t
	}

	return &sub, nil
}

// Update implements store.SubscriptionStore.Update
// Returns store.ErrSubscriptionNotFound if the subscription does not exist.
func (s *PostgresSubscriptionStore) Update(ctx context.Context, sub *domain.Subscription) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	// Validate subscription data
	if err := sub.Validate(); err != nil {
		log.Warn("subscription validation failed during update",
			slog.String("error", err.Error()),
			slog.String("subscription_id", sub.ID.String()))
		return err
	}

	query := `
		UPDATE subscriptions
		SET plan_ref = $1, status = $2, current_period_start = $3,
			current_period_end = $4, interval_days = $5, amount_cents = $6,
			currency = $7, next_renewal_at = $8, canceled_at = $9,
			cancellation_reason = NULLIF($10, ''), updated_at = $11
		WHERE tenant_id = $12 AND id = $13
	`

	result, err := s.db.ExecContext(
		ctx,
		query,
		sub.PlanRef,
		sub.Status,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.IntervalDays,
		sub.AmountCents,
		sub.Currency,
		sub.NextRenewalAt,
		sub.CanceledAt,
		sub.CancellationReason,
		time.Now().UTC(),
		sub.TenantID,
		sub.ID,
	)
	if err != nil {
		log.Error("failed to update subscription",
			slog.String("error", err.Error()),
			slog.String("subscription_id", sub.ID.String()))
		return MapError(err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		log.Debug("subscription not found for update",
			slog.String("subscription_id", sub.ID.String()))
		return store.ErrSubscriptionNotFound
	}

	log.Info("subscription updated",
		slog.String("subscription_id", sub.ID.String()),
		slog.String("status", string(sub.Status)))
	return nil
}

// UpdateStatus implements store.SubscriptionStore.UpdateStatus
// The conditional WHERE clause makes the transition safe under concurrency:
// the row changes only if it is still in the expected status.
func (s *PostgresSubscriptionStore) UpdateStatus(
	ctx context.Context,
	tenantID, id uuid.UUID,
	from, to domain.SubscriptionStatus,
) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		UPDATE subscriptions
		SET status = $1, updated_at = $2
		WHERE tenant_id = $3 AND id = $4 AND status = $5
	`

	result, err := s.db.ExecContext(
		ctx,
		query,
		to,
		time.Now().UTC(),
		tenantID,
		id,
		from,
	)
	if err != nil {
		log.Error("failed to update subscription status",
			slog.String("error", err.Error()),
			slog.String("subscription_id", id.String()))
		return MapError(err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		log.Warn("subscription status update condition did not hold",
			slog.String("subscription_id", id.String()),
			slog.String("from", string(from)),
			slog.String("to", string(to)))
		return fmt.Errorf("%w: subscription %s not in status %s",
			store.ErrUpdateFailed, id, from)
	}

	log.Info("subscription status updated",
		slog.String("subscription_id", id.String()),
		slog.String("from", string(from)),
		slog.String("to", string(to)))
	return nil
}
