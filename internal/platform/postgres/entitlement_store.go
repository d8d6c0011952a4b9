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

// PostgresEntitlementStore implements the store.EntitlementStore interface
// using a PostgreSQL database as the storage backend.
type PostgresEntitlementStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresEntitlementStore creates a new PostgreSQL implementation of the
// EntitlementStore interface. If logger is nil, a default logger will be used.
func NewPostgresEntitlementStore(db store.DBTX, logger *slog.Logger) *PostgresEntitlementStore {
	// Validate inputs
	if db == nil {
		panic("db cannot be nil")
	}

	// Use provided logger or create default
	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresEntitlementStore{
		db:     db,
		logger: logger.With(slog.String("component", "entitlement_store")),
	}
}

// Ensure PostgresEntitlementStore implements store.EntitlementStore interface
var _ store.EntitlementStore = (*PostgresEntitlementStore)(nil)

// WithTx implements store.EntitlementStore.WithTx
func (s *PostgresEntitlementStore) WithTx(tx *sql.Tx) store.EntitlementStore {
	return &PostgresEntitlementStore{
		db:     tx,
		logger: s.logger,
	}
}

// Upsert implements store.EntitlementStore.Upsert
// ON CONFLICT DO NOTHING makes the grant idempotent: a retry of the same
// grant leaves the existing row untouched and reports created = false.
func (s *PostgresEntitlementStore) Upsert(
	ctx context.Context,
	ent *domain.Entitlement,
) (bool, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	// Validate entitlement data
	if err := ent.Validate(); err != nil {
		log.Warn("entitlement validation failed during upsert",
			slog.String("error", err.Error()),
			slog.String("entitlement_id", ent.ID.String()))
		return false, err
	}

	query := `
		INSERT INTO entitlements (id, tenant_id, customer_id, subscription_id,
			entitlement_key, status, valid_from, valid_until, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tenant_id, entitlement_key) DO NOTHING
	`
	result, err := s.db.ExecContext(
		ctx,
		query,
		ent.ID,
		ent.TenantID,
		ent.CustomerID,
		ent.SubscriptionID,
		ent.Key,
		ent.Status,
		ent.ValidFrom,
		ent.ValidUntil,
		ent.CreatedAt,
		ent.UpdatedAt,
	)
	if err != nil {
		log.Error("failed to upsert entitlement",
			slog.String("error", err.Error()),
			slog.String("entitlement_key", ent.Key))
		return false, MapError(err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	created := rowsAffected > 0
	if created {
		log.Info("entitlement granted",
			slog.String("entitlement_id", ent.ID.String()),
			slog.String("entitlement_key", ent.Key))
	} else {
		log.Debug("entitlement already granted",
			slog.String("entitlement_key", ent.Key))
	}
	return created, nil
}

// GetByKey implements store.EntitlementStore.GetByKey
// Returns store.ErrEntitlementNotFound if no entitlement with the key exists.
func (s *PostgresEntitlementStore) GetByKey(
	ctx context.Context,
	tenantID uuid.UUID,
	entitlementKey string,
) (*domain.Entitlement, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		SELECT id, tenant_id, customer_id, subscription_id, entitlement_key,
			status, valid_from, valid_until, created_at, updated_at
		FROM entitlements
		WHERE tenant_id = $1 AND entitlement_key = $2
	`

	var ent domain.Entitlement
	var status string

	err := s.db.QueryRowContext(ctx, query, tenantID, entitlementKey).Scan(
		&ent.ID,
		&ent.TenantID,
		&ent.CustomerID,
		&ent.SubscriptionID,
		&ent.Key,
		&status,
		&ent.ValidFrom,
		&ent.ValidUntil,
		&ent.CreatedAt,
		&ent.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrEntitlementNotFound
		}
		log.Error("failed to get entitlement by key",
			slog.String("error", err.Error()),
			slog.String("entitlement_key", entitlementKey))
		return nil, MapError(err)
	}

	ent.Status = domain.EntitlementStatus(status)
	return &ent, nil
}

// Revoke implements store.EntitlementStore.Revoke
func (s *PostgresEntitlementStore) Revoke(
	ctx context.Context,
	tenantID, subscriptionID uuid.UUID,
) (int, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		UPDATE entitlements
		SET status = $1, updated_at = $2
		WHERE tenant_id = $3 AND subscription_id = $4 AND status = $5
	`

	result, err := s.db.ExecContext(
		ctx,
		query,
		domain.EntitlementStatusRevoked,
		time.Now().UTC(),
		tenantID,
		subscriptionID,
		domain.EntitlementStatusActive,
	)
	if err != nil {
		log.Error("failed to revoke entitlements",
			slog.String("error", err.Error()),
			slog.String("subscription_id", subscriptionID.String()))
		return 0, MapError(err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected > 0 {
		log.Info("entitlements revoked",
			slog.String("subscription_id", subscriptionID.String()),
			slog.Int64("count", rowsAffected))
	}
	return int(rowsAffected), nil
}
