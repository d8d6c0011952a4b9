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

// deliveryColumns is the shared column list for delivery instance queries.
const deliveryColumns = `id, tenant_id, subscription_id, invoice_id, cycle_key,
	status, snapshot, external_order_ref, cancellation_reason, canceled_at,
	created_at, updated_at`

// PostgresDeliveryStore implements the store.DeliveryStore interface
// using a PostgreSQL database as the storage backend.
type PostgresDeliveryStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresDeliveryStore creates a new PostgreSQL implementation of the
// DeliveryStore interface. It accepts a database connection or transaction
// that should be initialized and managed by the caller.
// If logger is nil, a default logger will be used.
func NewPostgresDeliveryStore(db store.DBTX, logger *slog.Logger) *PostgresDeliveryStore {
	// Validate inputs
	if db == nil {
		panic("db cannot be nil")
	}

	// Use provided logger or create default
	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresDeliveryStore{
		db:     db,
		logger: logger.With(slog.String("component", "delivery_store")),
	}
}

// Ensure PostgresDeliveryStore implements store.DeliveryStore interface
var _ store.DeliveryStore = (*PostgresDeliveryStore)(nil)

// WithTx implements store.DeliveryStore.WithTx
func (s *PostgresDeliveryStore) WithTx(tx *sql.Tx) store.DeliveryStore {
	return &PostgresDeliveryStore{
		db:     tx,
		logger: s.logger,
	}
}

// Create implements store.DeliveryStore.Create
// Returns store.ErrCycleKeyExists if a delivery for the same cycle already exists.
func (s *PostgresDeliveryStore) Create(ctx context.Context, d *domain.DeliveryInstance) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	// Validate delivery data
	if err := d.Validate(); err != nil {
		log.Warn("delivery validation failed during create",
			slog.String("error", err.Error()),
			slog.String("delivery_id", d.ID.String()))
		return err
	}

	query := `
		INSERT INTO delivery_instances (` + deliveryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''), $10, $11, $12)
	`
	_, err := s.db.ExecContext(
		ctx,
		query,
		d.ID,
		d.TenantID,
		d.SubscriptionID,
		d.InvoiceID,
		d.CycleKey,
		d.Status,
		[]byte(d.Snapshot),
		d.ExternalOrderRef,
		d.CancellationReason,
		d.CanceledAt,
		d.CreatedAt,
		d.UpdatedAt,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			log.Debug("delivery already exists for cycle",
				slog.String("cycle_key", d.CycleKey))
			return fmt.Errorf("%w: %s", store.ErrCycleKeyExists, d.CycleKey)
		}

		log.Error("failed to create delivery",
			slog.String("error", err.Error()),
			slog.String("delivery_id", d.ID.String()),
			slog.String("cycle_key", d.CycleKey))
		return MapError(err)
	}

	log.Info("delivery created",
		slog.String("delivery_id", d.ID.String()),
		slog.String("subscription_id", d.SubscriptionID.String()),
		slog.String("cycle_key", d.CycleKey))
	return nil
}

// GetByID implements store.DeliveryStore.GetByID
// Returns store.ErrDeliveryNotFound if the delivery does not exist for the tenant.
func (s *PostgresDeliveryStore) GetByID(
	ctx context.Context,
	tenantID, id uuid.UUID,
) (*domain.DeliveryInstance, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		SELECT ` + deliveryColumns + `
		FROM delivery_instances
		WHERE tenant_id = $1 AND id = $2
	`

	d, err := scanDelivery(s.db.QueryRowContext(ctx, query, tenantID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Debug("delivery not found", slog.String("delivery_id", id.String()))
			return nil, store.ErrDeliveryNotFound
		}
		log.Error("failed to get delivery by ID",
			slog.String("error", err.Error()),
			slog.String("delivery_id", id.String()))
		return nil, MapError(err)
	}

	return d, nil
}

// FindByCycleKey implements store.DeliveryStore.FindByCycleKey
func (s *PostgresDeliveryStore) FindByCycleKey(
	ctx context.Context,
	tenantID uuid.UUID,
	cycleKey string,
) (*domain.DeliveryInstance, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		SELECT ` + deliveryColumns + `
		FROM delivery_instances
		WHERE tenant_id = $1 AND cycle_key = $2
	`

	d, err := scanDelivery(s.db.QueryRowContext(ctx, query, tenantID, cycleKey))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrDeliveryNotFound
		}
		log.Error("failed to find delivery by cycle key",
			slog.String("error", err.Error()),
			slog.String("cycle_key", cycleKey))
		return nil, MapError(err)
	}

	return d, nil
}

// Cancel implements store.DeliveryStore.Cancel
// The conditional WHERE clause enforces the cancellation window: only
// PENDING deliveries with no external order can be canceled.
func (s *PostgresDeliveryStore) Cancel(
	ctx context.Context,
	tenantID, id uuid.UUID,
	reason string,
) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	now := time.Now().UTC()

	query := `
		UPDATE delivery_instances
		SET status = $1, cancellation_reason = $2, canceled_at = $3, updated_at = $3
		WHERE tenant_id = $4 AND id = $5 AND status = $6 AND external_order_ref IS NULL
	`

	result, err := s.db.ExecContext(
		ctx,
		query,
		domain.DeliveryStatusCanceled,
		reason,
		now,
		tenantID,
		id,
		domain.DeliveryStatusPending,
	)
	if err != nil {
		log.Error("failed to cancel delivery",
			slog.String("error", err.Error()),
			slog.String("delivery_id", id.String()))
		return MapError(err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		log.Warn("delivery not cancelable",
			slog.String("delivery_id", id.String()))
		return fmt.Errorf("%w: delivery %s is not pending or already has an order",
			store.ErrUpdateFailed, id)
	}

	log.Info("delivery canceled",
		slog.String("delivery_id", id.String()),
		slog.String("reason", reason))
	return nil
}

// CancelPending implements store.DeliveryStore.CancelPending
// Every PENDING delivery is canceled, including those that already carry an
// external order reference: the subscription is gone, so the order must not
// ship. Only the single-delivery Cancel honors the external-order window.
func (s *PostgresDeliveryStore) CancelPending(
	ctx context.Context,
	tenantID, subscriptionID uuid.UUID,
	reason string,
) ([]uuid.UUID, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	now := time.Now().UTC()

	query := `
		UPDATE delivery_instances
		SET status = $1, cancellation_reason = $2, canceled_at = $3, updated_at = $3
		WHERE tenant_id = $4 AND subscription_id = $5 AND status = $6
		RETURNING id
	`

	rows, err := s.db.QueryContext(
		ctx,
		query,
		domain.DeliveryStatusCanceled,
		reason,
		now,
		tenantID,
		subscriptionID,
		domain.DeliveryStatusPending,
	)
	if err != nil {
		log.Error("failed to cancel pending deliveries",
			slog.String("error", err.Error()),
			slog.String("subscription_id", subscriptionID.String()))
		return nil, MapError(err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Error("failed to close rows", slog.String("error", err.Error()))
		}
	}()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, MapError(err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}

	log.Info("canceled pending deliveries",
		slog.String("subscription_id", subscriptionID.String()),
		slog.Int("count", len(ids)))
	return ids, nil
}

// scanDelivery maps a delivery_instances row onto a domain.DeliveryInstance.
func scanDelivery(row rowScanner) (*domain.DeliveryInstance, error) {
	var d domain.DeliveryInstance
	var status string
	var snapshot []byte
	var externalOrderRef, cancellationReason sql.NullString
	var canceledAt sql.NullTime

	err := row.Scan(
		&d.ID,
		&d.TenantID,
		&d.SubscriptionID,
		&d.InvoiceID,
		&d.CycleKey,
		&status,
		&snapshot,
		&externalOrderRef,
		&cancellationReason,
		&canceledAt,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Status = domain.DeliveryStatus(status)
	d.Snapshot = snapshot
	d.ExternalOrderRef = externalOrderRef.String
	d.CancellationReason = cancellationReason.String
	if canceledAt.Valid {
		t := canceledAt.Time
		d.CanceledAt = &t
	}

	return &d, nil
}
