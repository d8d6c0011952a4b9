package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/subscriptionengine/subworker/internal/domain"
	"github.com/subscriptionengine/subworker/internal/metrics"
	"github.com/subscriptionengine/subworker/internal/platform/logger"
	"github.com/subscriptionengine/subworker/internal/store"
)

// createDeliveryPayload is the typed view of a CREATE_DELIVERY task payload.
type createDeliveryPayload struct {
	InvoiceID      uuid.UUID `json:"invoice_id"`
	SubscriptionID uuid.UUID `json:"subscription_id"`
}

// CreateDeliveryHandler materializes the physical fulfillment record for one
// billing cycle. The cycle key keeps creation idempotent: a retried task
// finds the existing row and succeeds without a duplicate.
type CreateDeliveryHandler struct {
	logger *slog.Logger
}

// NewCreateDeliveryHandler creates the CREATE_DELIVERY handler.
// If logger is nil, a default logger will be used.
func NewCreateDeliveryHandler(log *slog.Logger) *CreateDeliveryHandler {
	if log == nil {
		log = slog.Default()
	}

	return &CreateDeliveryHandler{
		logger: log.With(slog.String("component", "create_delivery_handler")),
	}
}

// Type implements Handler.Type
func (h *CreateDeliveryHandler) Type() string {
	return domain.TaskTypeCreateDelivery
}

// Handle implements Handler.Handle
func (h *CreateDeliveryHandler) Handle(
	ctx context.Context,
	tc TenantContext,
	payload json.RawMessage,
	deps Deps,
) Result {
	log := logger.FromContextOrDefault(ctx, h.logger)

	var p createDeliveryPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Fail(fmt.Errorf("malformed payload: %w", err))
	}
	if p.InvoiceID == uuid.Nil || p.SubscriptionID == uuid.Nil {
		return Fail(fmt.Errorf("payload missing invoice_id or subscription_id"))
	}

	inv, err := deps.Invoices.GetByID(ctx, tc.TenantID, p.InvoiceID)
	if err != nil {
		if store.IsNotFoundError(err) {
			return Fail(fmt.Errorf("invoice %s not found for tenant", p.InvoiceID))
		}
		return Retry(fmt.Errorf("failed to load invoice: %w", err))
	}

	sub, err := deps.Subscriptions.GetByID(ctx, tc.TenantID, p.SubscriptionID)
	if err != nil {
		if store.IsNotFoundError(err) {
			return Fail(fmt.Errorf("subscription %s not found for tenant", p.SubscriptionID))
		}
		return Retry(fmt.Errorf("failed to load subscription: %w", err))
	}

	// The snapshot freezes what this delivery is for, so later plan edits
	// never change an already-scheduled fulfillment.
	snapshot, err := json.Marshal(map[string]any{
		"plan_ref":     sub.PlanRef,
		"customer_id":  sub.CustomerID,
		"period_start": inv.PeriodStart,
		"period_end":   inv.PeriodEnd,
	})
	if err != nil {
		return Fail(fmt.Errorf("failed to build snapshot: %w", err))
	}

	d, err := domain.NewDeliveryInstance(inv, snapshot)
	if err != nil {
		return Fail(fmt.Errorf("failed to build delivery: %w", err))
	}

	if err := deps.Deliveries.Create(ctx, d); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// A previous attempt already created this cycle's delivery.
			log.Info("delivery already exists for cycle",
				slog.String("cycle_key", d.CycleKey))
			return Success()
		}
		return Retry(fmt.Errorf("failed to create delivery: %w", err))
	}

	event, err := domain.NewOutboxEvent(tc.TenantID, domain.EventDeliveryScheduled,
		"delivery_"+d.ID.String(), map[string]any{
			"delivery_id":     d.ID,
			"subscription_id": d.SubscriptionID,
			"invoice_id":      d.InvoiceID,
			"cycle_key":       d.CycleKey,
		})
	if err != nil {
		return Retry(err)
	}
	if err := deps.Outbox.Append(ctx, event); err != nil {
		return Retry(fmt.Errorf("failed to append outbox event: %w", err))
	}
	metrics.RecordOutboxEvent(domain.EventDeliveryScheduled)

	log.Info("delivery scheduled",
		slog.String("delivery_id", d.ID.String()),
		slog.String("cycle_key", d.CycleKey))
	return Success()
}
