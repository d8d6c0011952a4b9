package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/subscriptionengine/subworker/internal/domain"
)

// SubscriptionStore defines the interface for subscription persistence.
type SubscriptionStore interface {
	// Create saves a new subscription to the store.
	// The subscription must be valid according to domain validation rules.
	Create(ctx context.Context, sub *domain.Subscription) error

	// GetByID retrieves a subscription by its unique ID, scoped to the tenant.
	// Returns ErrSubscriptionNotFound if the subscription does not exist or
	// belongs to a different tenant.
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (*domain.Subscription, error)

	// Update persists changes to an existing subscription.
	// Returns ErrSubscriptionNotFound if the subscription does not exist.
	Update(ctx context.Context, sub *domain.Subscription) error

	// UpdateStatus performs a conditional status change: the subscription
	// moves from the expected status to the new one only if its status is
	// still the expected value at update time. Returns ErrUpdateFailed if
	// the condition did not hold.
	UpdateStatus(
		ctx context.Context,
		tenantID, id uuid.UUID,
		from, to domain.SubscriptionStatus,
	) error

	// WithTx returns a new SubscriptionStore instance that uses the provided transaction.
	// This allows for multiple operations to be executed within a single transaction.
	WithTx(tx *sql.Tx) SubscriptionStore
}
