package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/subscriptionengine/subworker/internal/domain"
)

// DeliveryStore defines the interface for delivery instance persistence.
type DeliveryStore interface {
	// Create saves a new delivery instance to the store.
	// Returns ErrCycleKeyExists if a delivery for the same subscription and
	// billing cycle already exists, which callers use to make delivery
	// creation idempotent across task retries.
	Create(ctx context.Context, d *domain.DeliveryInstance) error

	// GetByID retrieves a delivery instance by its unique ID, scoped to the tenant.
	// Returns ErrDeliveryNotFound if the delivery does not exist or belongs
	// to a different tenant.
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (*domain.DeliveryInstance, error)

	// FindByCycleKey retrieves the delivery instance for a billing cycle.
	// Returns ErrDeliveryNotFound if none exists.
	FindByCycleKey(
		ctx context.Context,
		tenantID uuid.UUID,
		cycleKey string,
	) (*domain.DeliveryInstance, error)

	// Cancel performs a conditional cancellation of a single delivery:
	// the delivery moves to CANCELED only if it is still PENDING and has
	// no external order reference. Returns ErrUpdateFailed otherwise.
	Cancel(ctx context.Context, tenantID, id uuid.UUID, reason string) error

	// CancelPending cancels all PENDING deliveries for the subscription,
	// recording reason. Every PENDING delivery is canceled, even when it
	// already carries an external order reference; the external-order
	// window applies only to single-delivery Cancel. Returns the IDs of
	// the deliveries that were canceled so callers can emit one event per
	// delivery.
	// Used by cascade cancellation; must run within the caller's transaction.
	CancelPending(
		ctx context.Context,
		tenantID, subscriptionID uuid.UUID,
		reason string,
	) ([]uuid.UUID, error)

	// WithTx returns a new DeliveryStore instance that uses the provided transaction.
	WithTx(tx *sql.Tx) DeliveryStore
}
