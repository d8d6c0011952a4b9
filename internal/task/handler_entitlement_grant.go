package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/subscriptionengine/subworker/internal/domain"
	"github.com/subscriptionengine/subworker/internal/metrics"
	"github.com/subscriptionengine/subworker/internal/platform/logger"
	"github.com/subscriptionengine/subworker/internal/store"
)

// Entitlement actions accepted in the task payload.
const (
	entitlementActionGrant  = "GRANT"
	entitlementActionRevoke = "REVOKE"
)

// entitlementGrantPayload is the typed view of an ENTITLEMENT_GRANT task
// payload. Action defaults to GRANT when absent.
type entitlementGrantPayload struct {
	InvoiceID      uuid.UUID `json:"invoice_id"`
	SubscriptionID uuid.UUID `json:"subscription_id"`
	Action         string    `json:"action"`
}

// EntitlementGrantHandler grants or revokes digital product access for a
// subscription's billing period. Grants are keyed per subscription, plan,
// and period, so a retried grant is a no-op.
type EntitlementGrantHandler struct {
	logger *slog.Logger
}

// NewEntitlementGrantHandler creates the ENTITLEMENT_GRANT handler.
// If logger is nil, a default logger will be used.
func NewEntitlementGrantHandler(log *slog.Logger) *EntitlementGrantHandler {
	if log == nil {
		log = slog.Default()
	}

	return &EntitlementGrantHandler{
		logger: log.With(slog.String("component", "entitlement_grant_handler")),
	}
}

// Type implements Handler.Type
func (h *EntitlementGrantHandler) Type() string {
	return domain.TaskTypeEntitlementGrant
}

// Handle implements Handler.Handle
func (h *EntitlementGrantHandler) Handle(
	ctx context.Context,
	tc TenantContext,
	payload json.RawMessage,
	deps Deps,
) Result {
	log := logger.FromContextOrDefault(ctx, h.logger)

	var p entitlementGrantPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Fail(fmt.Errorf("malformed payload: %w", err))
	}
	if p.SubscriptionID == uuid.Nil {
		return Fail(fmt.Errorf("payload missing subscription_id"))
	}

	action := p.Action
	if action == "" {
		action = entitlementActionGrant
	}

	switch action {
	case entitlementActionGrant:
		return h.grant(ctx, tc, p, deps, log)
	case entitlementActionRevoke:
		return h.revoke(ctx, tc, p, deps, log)
	default:
		return Fail(fmt.Errorf("unknown entitlement action %q", p.Action))
	}
}

func (h *EntitlementGrantHandler) grant(
	ctx context.Context,
	tc TenantContext,
	p entitlementGrantPayload,
	deps Deps,
	log *slog.Logger,
) Result {
	if p.InvoiceID == uuid.Nil {
		return Fail(fmt.Errorf("payload missing invoice_id"))
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

	now := time.Now().UTC()
	ent := &domain.Entitlement{
		ID:             uuid.New(),
		TenantID:       tc.TenantID,
		CustomerID:     sub.CustomerID,
		SubscriptionID: sub.ID,
		Key:            domain.EntitlementKey(sub.ID, sub.PlanRef, inv.PeriodStart, inv.PeriodEnd),
		Status:         domain.EntitlementStatusActive,
		ValidFrom:      inv.PeriodStart,
		ValidUntil:     inv.PeriodEnd,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	created, err := deps.Entitlements.Upsert(ctx, ent)
	if err != nil {
		return Retry(fmt.Errorf("failed to upsert entitlement: %w", err))
	}
	if !created {
		// A previous attempt already granted this period.
		log.Info("entitlement already granted",
			slog.String("entitlement_key", ent.Key))
		return Success()
	}

	event, err := domain.NewOutboxEvent(tc.TenantID, domain.EventEntitlementGranted,
		"entitlement_"+ent.Key, map[string]any{
			"entitlement_id":  ent.ID,
			"subscription_id": sub.ID,
			"customer_id":     sub.CustomerID,
			"valid_from":      ent.ValidFrom,
			"valid_until":     ent.ValidUntil,
		})
	if err != nil {
		return Retry(err)
	}
	if err := deps.Outbox.Append(ctx, event); err != nil {
		return Retry(fmt.Errorf("failed to append outbox event: %w", err))
	}
	metrics.RecordOutboxEvent(domain.EventEntitlementGranted)

	log.Info("entitlement granted",
		slog.String("entitlement_key", ent.Key))
	return Success()
}

func (h *EntitlementGrantHandler) revoke(
	ctx context.Context,
	tc TenantContext,
	p entitlementGrantPayload,
	deps Deps,
	log *slog.Logger,
) Result {
	revoked, err := deps.Entitlements.Revoke(ctx, tc.TenantID, p.SubscriptionID)
	if err != nil {
		return Retry(fmt.Errorf("failed to revoke entitlements: %w", err))
	}
	if revoked == 0 {
		// Nothing active to revoke; already done or never granted.
		return Success()
	}

	event, err := domain.NewOutboxEvent(tc.TenantID, domain.EventEntitlementRevoked,
		"subscription_"+p.SubscriptionID.String(), map[string]any{
			"subscription_id": p.SubscriptionID,
			"revoked_count":   revoked,
		})
	if err != nil {
		return Retry(err)
	}
	if err := deps.Outbox.Append(ctx, event); err != nil {
		return Retry(fmt.Errorf("failed to append outbox event: %w", err))
	}
	metrics.RecordOutboxEvent(domain.EventEntitlementRevoked)

	log.Info("entitlements revoked",
		slog.String("subscription_id", p.SubscriptionID.String()),
		slog.Int("count", revoked))
	return Success()
}
