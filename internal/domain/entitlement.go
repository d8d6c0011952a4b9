package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EntitlementStatus represents whether an entitlement currently grants access.
type EntitlementStatus string

// Possible entitlement status values.
const (
	EntitlementStatusActive  EntitlementStatus = "ACTIVE"
	EntitlementStatusRevoked EntitlementStatus = "REVOKED"
)

// ErrEmptyEntitlementKey is returned when the idempotency key is blank.
var ErrEmptyEntitlementKey = errors.New("entitlement key cannot be empty")

// Entitlement grants a customer access to a plan's digital product for one
// billing period. The key makes grants idempotent per subscription, plan,
// and period.
type Entitlement struct {
	ID             uuid.UUID         `json:"id"`
	TenantID       uuid.UUID         `json:"tenant_id"`
	CustomerID     uuid.UUID         `json:"customer_id"`
	SubscriptionID uuid.UUID         `json:"subscription_id"`
	Key            string            `json:"key"`
	Status         EntitlementStatus `json:"status"`
	ValidFrom      time.Time         `json:"valid_from"`
	ValidUntil     time.Time         `json:"valid_until"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// EntitlementKey derives the idempotency key for an entitlement grant
// covering the billing period [start, end).
func EntitlementKey(subscriptionID uuid.UUID, planRef string, start, end time.Time) string {
	return fmt.Sprintf("%s_%s_%s_%s",
		subscriptionID,
		planRef,
		start.UTC().Format("2006-01-02"),
		end.UTC().Format("2006-01-02"))
}

// Validate checks if the Entitlement has valid data.
func (e *Entitlement) Validate() error {
	if e.ID == uuid.Nil {
		return ErrInvalidID
	}

	if e.TenantID == uuid.Nil || e.CustomerID == uuid.Nil {
		return ErrValidation
	}

	if e.Key == "" {
		return ErrEmptyEntitlementKey
	}

	return nil
}
