package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Domain event types emitted through the outbox.
const (
	EventSubscriptionRenewed  = "subscription.renewed"
	EventSubscriptionPaused   = "subscription.paused"
	EventSubscriptionResumed  = "subscription.resumed"
	EventSubscriptionCanceled = "subscription.canceled"
	EventDeliveryScheduled    = "delivery.scheduled"
	EventDeliveryCanceled     = "delivery.canceled"
	EventInvoicePaid          = "invoice.paid"
	EventInvoicePaymentFailed = "invoice.payment_failed"
	EventEntitlementGranted   = "entitlement.granted"
	EventEntitlementRevoked   = "entitlement.revoked"
)

// ErrEmptyEventTenantID is returned when an outbox event has no tenant.
var ErrEmptyEventTenantID = errors.New("event tenant ID cannot be empty")

// OutboxEvent is an append-only record of a domain event, written in the same
// transaction as the state change it reports. A separate webhook dispatcher
// reads and publishes these rows; the core never mutates a row after insert
// except to stamp published_at.
type OutboxEvent struct {
	ID          uuid.UUID       `json:"id"`
	TenantID    uuid.UUID       `json:"tenant_id"`
	EventType   string          `json:"event_type"`
	EventKey    string          `json:"event_key,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	PublishedAt *time.Time      `json:"published_at,omitempty"`
}

// NewOutboxEvent creates an event for the given tenant. The payload is
// marshalled immediately so serialization failures surface inside the
// emitting transaction, not at publish time. eventKey may be empty; when set
// it deduplicates repeat emissions of the same logical event.
func NewOutboxEvent(tenantID uuid.UUID, eventType, eventKey string, payload any) (*OutboxEvent, error) {
	if tenantID == uuid.Nil {
		return nil, ErrEmptyEventTenantID
	}

	if eventType == "" {
		return nil, ErrInvalidEventType
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &OutboxEvent{
		ID:        uuid.New(),
		TenantID:  tenantID,
		EventType: eventType,
		EventKey:  eventKey,
		Payload:   body,
		CreatedAt: time.Now().UTC(),
	}, nil
}
