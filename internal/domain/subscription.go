package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus represents the lifecycle state of a subscription.
type SubscriptionStatus string

// Possible subscription status values.
const (
	SubscriptionStatusActive   SubscriptionStatus = "ACTIVE"
	SubscriptionStatusPaused   SubscriptionStatus = "PAUSED"
	SubscriptionStatusCanceled SubscriptionStatus = "CANCELED"
)

// Common validation errors for Subscription.
var (
	ErrEmptySubscriptionID       = errors.New("subscription ID cannot be empty")
	ErrEmptySubscriptionTenantID = errors.New("subscription tenant ID cannot be empty")
	ErrEmptyCustomerID           = errors.New("customer ID cannot be empty")
	ErrInvalidBillingInterval    = errors.New("billing interval must be positive")
)

// Subscription represents a recurring billing agreement between a tenant's
// customer and a plan. The current period window drives renewal, invoicing,
// and delivery scheduling.
type Subscription struct {
	ID                 uuid.UUID          `json:"id"`
	TenantID           uuid.UUID          `json:"tenant_id"`
	CustomerID         uuid.UUID          `json:"customer_id"`
	PlanRef            string             `json:"plan_ref"`
	Status             SubscriptionStatus `json:"status"`
	CurrentPeriodStart time.Time          `json:"current_period_start"`
	CurrentPeriodEnd   time.Time          `json:"current_period_end"`
	IntervalDays       int                `json:"interval_days"`
	AmountCents        int64              `json:"amount_cents"`
	Currency           string             `json:"currency"`
	NextRenewalAt      *time.Time         `json:"next_renewal_at,omitempty"`
	CanceledAt         *time.Time         `json:"canceled_at,omitempty"`
	CancellationReason string             `json:"cancellation_reason,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// Validate checks if the Subscription has valid data.
func (s *Subscription) Validate() error {
	if s.ID == uuid.Nil {
		return ErrEmptySubscriptionID
	}

	if s.TenantID == uuid.Nil {
		return ErrEmptySubscriptionTenantID
	}

	if s.CustomerID == uuid.Nil {
		return ErrEmptyCustomerID
	}

	if s.IntervalDays <= 0 {
		return ErrInvalidBillingInterval
	}

	if !isValidSubscriptionStatus(s.Status) {
		return ErrInvalidSubscriptionStatus
	}

	return nil
}

// Cancelable reports whether the subscription may be canceled from its
// current status.
func (s *Subscription) Cancelable() bool {
	return s.Status == SubscriptionStatusActive || s.Status == SubscriptionStatusPaused
}

// AdvancePeriod moves the billing window forward one interval and returns
// the new period. The new period starts where the old one ended.
func (s *Subscription) AdvancePeriod() (start, end time.Time) {
	start = s.CurrentPeriodEnd
	end = start.AddDate(0, 0, s.IntervalDays)
	s.CurrentPeriodStart = start
	s.CurrentPeriodEnd = end
	s.UpdatedAt = time.Now().UTC()
	return start, end
}

func isValidSubscriptionStatus(status SubscriptionStatus) bool {
	switch status {
	case SubscriptionStatusActive, SubscriptionStatusPaused, SubscriptionStatusCanceled:
		return true
	default:
		return false
	}
}
