package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/subscriptionengine/subworker/internal/domain"
)

// EntitlementStore defines the interface for entitlement persistence.
type EntitlementStore interface {
	// Upsert saves an entitlement, keyed by its tenant-scoped entitlement
	// key. If an entitlement with the same key already exists it is left
	// unchanged, making grants idempotent across task retries.
	// Returns true if a new entitlement was created.
	Upsert(ctx context.Context, ent *domain.Entitlement) (bool, error)

	// GetByKey retrieves an entitlement by its tenant-scoped key.
	// Returns ErrEntitlementNotFound if none exists.
	GetByKey(
		ctx context.Context,
		tenantID uuid.UUID,
		entitlementKey string,
	) (*domain.Entitlement, error)

	// Revoke marks all ACTIVE entitlements for the subscription as REVOKED.
	// Returns the number of entitlements revoked.
	Revoke(ctx context.Context, tenantID, subscriptionID uuid.UUID) (int, error)

	// WithTx returns a new EntitlementStore instance that uses the provided transaction.
	WithTx(tx *sql.Tx) EntitlementStore
}
