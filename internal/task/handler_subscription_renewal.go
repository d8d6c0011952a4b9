package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/subscriptionengine/subworker/internal/domain"
	"github.com/subscriptionengine/subworker/internal/metrics"
	"github.com/subscriptionengine/subworker/internal/platform/logger"
	"github.com/subscriptionengine/subworker/internal/store"
)

// subscriptionRenewalPayload is the typed view of a SUBSCRIPTION_RENEWAL
// task payload.
type subscriptionRenewalPayload struct {
	SubscriptionID uuid.UUID `json:"subscription_id"`
}

// SubscriptionRenewalHandler rolls an active subscription into its next
// billing period: it advances the period window, opens the period's invoice,
// and fans out the follow-up billing, delivery, and entitlement tasks.
type SubscriptionRenewalHandler struct {
	logger *slog.Logger
}

// NewSubscriptionRenewalHandler creates the SUBSCRIPTION_RENEWAL handler.
// If logger is nil, a default logger will be used.
func NewSubscriptionRenewalHandler(log *slog.Logger) *SubscriptionRenewalHandler {
	if log == nil {
		log = slog.Default()
	}

	return &SubscriptionRenewalHandler{
		logger: log.With(slog.String("component", "subscription_renewal_handler")),
	}
}

// Type implements Handler.Type
func (h *SubscriptionRenewalHandler) Type() string {
	return domain.TaskTypeSubscriptionRenewal
}

// Handle implements Handler.Handle
func (h *SubscriptionRenewalHandler) Handle(
	ctx context.Context,
	tc TenantContext,
	payload json.RawMessage,
	deps Deps,
) Result {
	log := logger.FromContextOrDefault(ctx, h.logger)

	var p subscriptionRenewalPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Fail(fmt.Errorf("malformed payload: %w", err))
	}
	if p.SubscriptionID == uuid.Nil {
		return Fail(fmt.Errorf("payload missing subscription_id"))
	}

	sub, err := deps.Subscriptions.GetByID(ctx, tc.TenantID, p.SubscriptionID)
	if err != nil {
		if store.IsNotFoundError(err) {
			return Fail(fmt.Errorf("subscription %s not found for tenant", p.SubscriptionID))
		}
		return Retry(fmt.Errorf("failed to load subscription: %w", err))
	}

	if sub.Status != domain.SubscriptionStatusActive {
		// A renewal that arrives after a pause or cancellation is stale.
		// It has nothing left to do.
		log.Info("skipping renewal for inactive subscription",
			slog.String("subscription_id", sub.ID.String()),
			slog.String("status", string(sub.Status)))
		return Success()
	}

	periodStart, periodEnd := sub.AdvancePeriod()
	sub.NextRenewalAt = &periodEnd
	if err := deps.Subscriptions.Update(ctx, sub); err != nil {
		return Retry(fmt.Errorf("failed to advance subscription period: %w", err))
	}

	inv, err := domain.NewInvoice(sub, periodStart, periodEnd)
	if err != nil {
		return Fail(fmt.Errorf("failed to build invoice: %w", err))
	}
	if err := deps.Invoices.Create(ctx, inv); err != nil {
		return Retry(fmt.Errorf("failed to create invoice: %w", err))
	}

	cycleKey := domain.DeliveryCycleKey(sub.ID, periodStart, periodEnd)
	entitlementKey := domain.EntitlementKey(sub.ID, sub.PlanRef, periodStart, periodEnd)
	followUps := []struct {
		taskType string
		taskKey  string
		payload  map[string]any
		dueAt    time.Time
	}{
		{
			taskType: domain.TaskTypeChargePayment,
			taskKey:  "charge_" + inv.ID.String(),
			payload: map[string]any{
				"invoice_id":      inv.ID,
				"subscription_id": sub.ID,
			},
			dueAt: time.Now().UTC(),
		},
		{
			taskType: domain.TaskTypeCreateDelivery,
			taskKey:  "delivery_" + cycleKey,
			payload: map[string]any{
				"invoice_id":      inv.ID,
				"subscription_id": sub.ID,
			},
			dueAt: time.Now().UTC(),
		},
		{
			taskType: domain.TaskTypeEntitlementGrant,
			taskKey:  "entitlement_" + entitlementKey,
			payload: map[string]any{
				"invoice_id":      inv.ID,
				"subscription_id": sub.ID,
				"action":          "GRANT",
			},
			dueAt: time.Now().UTC(),
		},
		{
			// The next renewal fires when the new period ends.
			taskType: domain.TaskTypeSubscriptionRenewal,
			taskKey: fmt.Sprintf("renewal_%s_%s",
				sub.ID, periodEnd.UTC().Format("2006-01-02")),
			payload: map[string]any{
				"subscription_id": sub.ID,
			},
			dueAt: periodEnd,
		},
	}

	for _, f := range followUps {
		if err := enqueueIdempotent(ctx, deps.Tasks, tc.TenantID, f.taskType, f.taskKey, f.payload, f.dueAt); err != nil {
			return Retry(fmt.Errorf("failed to enqueue %s task: %w", f.taskType, err))
		}
	}

	event, err := domain.NewOutboxEvent(tc.TenantID, domain.EventSubscriptionRenewed,
		"subscription_"+sub.ID.String(), map[string]any{
			"subscription_id": sub.ID,
			"invoice_id":      inv.ID,
			"period_start":    periodStart,
			"period_end":      periodEnd,
		})
	if err != nil {
		return Retry(err)
	}
	if err := deps.Outbox.Append(ctx, event); err != nil {
		return Retry(fmt.Errorf("failed to append outbox event: %w", err))
	}
	metrics.RecordOutboxEvent(domain.EventSubscriptionRenewed)

	log.Info("subscription renewed",
		slog.String("subscription_id", sub.ID.String()),
		slog.String("invoice_id", inv.ID.String()),
		slog.Time("period_end", periodEnd))
	return Success()
}

// enqueueIdempotent enqueues a task keyed for idempotent scheduling.
// An existing task with the same key is fine; a retried renewal must not
// duplicate its follow-up work.
func enqueueIdempotent(
	ctx context.Context,
	tasks store.TaskStore,
	tenantID uuid.UUID,
	taskType, taskKey string,
	payload map[string]any,
	dueAt time.Time,
) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	t, err := domain.NewScheduledTask(tenantID, taskType, taskKey, body, dueAt)
	if err != nil {
		return err
	}

	if err := tasks.Enqueue(ctx, t); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil
		}
		return err
	}
	return nil
}
