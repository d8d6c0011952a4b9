package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DeliveryStatus represents the fulfillment state of a delivery instance.
type DeliveryStatus string

// Possible delivery status values.
const (
	DeliveryStatusPending      DeliveryStatus = "PENDING"
	DeliveryStatusOrderCreated DeliveryStatus = "ORDER_CREATED"
	DeliveryStatusShipped      DeliveryStatus = "SHIPPED"
	DeliveryStatusCanceled     DeliveryStatus = "CANCELED"
)

// Common validation errors for DeliveryInstance.
var (
	ErrEmptyDeliveryID       = errors.New("delivery ID cannot be empty")
	ErrEmptyDeliveryTenantID = errors.New("delivery tenant ID cannot be empty")
	ErrEmptyCycleKey         = errors.New("delivery cycle key cannot be empty")
)

// DeliveryInstance represents one physical fulfillment of a subscription for
// one billing cycle. The cycle key makes creation idempotent: at most one
// instance exists per (tenant, subscription, cycle).
type DeliveryInstance struct {
	ID                 uuid.UUID       `json:"id"`
	TenantID           uuid.UUID       `json:"tenant_id"`
	SubscriptionID     uuid.UUID       `json:"subscription_id"`
	InvoiceID          uuid.UUID       `json:"invoice_id"`
	CycleKey           string          `json:"cycle_key"`
	Status             DeliveryStatus  `json:"status"`
	Snapshot           json.RawMessage `json:"snapshot"`
	ExternalOrderRef   string          `json:"external_order_ref,omitempty"`
	CancellationReason string          `json:"cancellation_reason,omitempty"`
	CanceledAt         *time.Time      `json:"canceled_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// DeliveryCycleKey derives the idempotency key for a subscription's delivery
// in the billing period [start, end).
func DeliveryCycleKey(subscriptionID uuid.UUID, start, end time.Time) string {
	return fmt.Sprintf("%s_%s_%s",
		subscriptionID,
		start.UTC().Format("2006-01-02"),
		end.UTC().Format("2006-01-02"))
}

// NewDeliveryInstance creates a PENDING delivery for the invoice's billing
// cycle. Returns an error if validation fails.
func NewDeliveryInstance(inv *Invoice, snapshot json.RawMessage) (*DeliveryInstance, error) {
	now := time.Now().UTC()
	if snapshot == nil {
		snapshot = json.RawMessage("{}")
	}

	d := &DeliveryInstance{
		ID:             uuid.New(),
		TenantID:       inv.TenantID,
		SubscriptionID: inv.SubscriptionID,
		InvoiceID:      inv.ID,
		CycleKey:       DeliveryCycleKey(inv.SubscriptionID, inv.PeriodStart, inv.PeriodEnd),
		Status:         DeliveryStatusPending,
		Snapshot:       snapshot,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := d.Validate(); err != nil {
		return nil, err
	}

	return d, nil
}

// Validate checks if the DeliveryInstance has valid data.
func (d *DeliveryInstance) Validate() error {
	if d.ID == uuid.Nil {
		return ErrEmptyDeliveryID
	}

	if d.TenantID == uuid.Nil {
		return ErrEmptyDeliveryTenantID
	}

	if d.CycleKey == "" {
		return ErrEmptyCycleKey
	}

	if !isValidDeliveryStatus(d.Status) {
		return ErrInvalidDeliveryStatus
	}

	return nil
}

// Cancelable reports whether the delivery may still be canceled. Once an
// external order exists the cancellation window has closed.
func (d *DeliveryInstance) Cancelable() bool {
	return d.Status == DeliveryStatusPending && d.ExternalOrderRef == ""
}

func isValidDeliveryStatus(status DeliveryStatus) bool {
	switch status {
	case DeliveryStatusPending, DeliveryStatusOrderCreated, DeliveryStatusShipped, DeliveryStatusCanceled:
		return true
	default:
		return false
	}
}
