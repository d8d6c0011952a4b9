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
	"github.com/subscriptionengine/subworker/internal/payments"
	"github.com/subscriptionengine/subworker/internal/platform/logger"
	"github.com/subscriptionengine/subworker/internal/store"
)

// chargePaymentPayload is the typed view of a CHARGE_PAYMENT task payload.
type chargePaymentPayload struct {
	InvoiceID      uuid.UUID `json:"invoice_id"`
	SubscriptionID uuid.UUID `json:"subscription_id"`
}

// ChargePaymentHandler captures payment for a pending invoice through the
// payment gateway. Every capture attempt is recorded in the payment ledger;
// a declined charge keeps its ledger row even though the task is retried.
type ChargePaymentHandler struct {
	gateway payments.Gateway
	logger  *slog.Logger
}

// NewChargePaymentHandler creates the CHARGE_PAYMENT handler.
// If logger is nil, a default logger will be used.
func NewChargePaymentHandler(gateway payments.Gateway, log *slog.Logger) *ChargePaymentHandler {
	if gateway == nil {
		panic("gateway cannot be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	return &ChargePaymentHandler{
		gateway: gateway,
		logger:  log.With(slog.String("component", "charge_payment_handler")),
	}
}

// Type implements Handler.Type
func (h *ChargePaymentHandler) Type() string {
	return domain.TaskTypeChargePayment
}

// Handle implements Handler.Handle
func (h *ChargePaymentHandler) Handle(
	ctx context.Context,
	tc TenantContext,
	payload json.RawMessage,
	deps Deps,
) Result {
	log := logger.FromContextOrDefault(ctx, h.logger)

	var p chargePaymentPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Fail(fmt.Errorf("malformed payload: %w", err))
	}
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

	switch inv.Status {
	case domain.InvoiceStatusPaid:
		// A previous attempt already captured payment.
		log.Info("invoice already paid",
			slog.String("invoice_id", inv.ID.String()))
		return Success()
	case domain.InvoiceStatusVoid:
		return Fail(fmt.Errorf("invoice %s is void", inv.ID))
	}

	result, err := h.gateway.Charge(ctx, payments.ChargeRequest{
		TenantID:       tc.TenantID,
		IdempotencyKey: "charge_" + inv.ID.String(),
		CustomerID:     inv.CustomerID,
		InvoiceID:      inv.ID,
		AmountCents:    inv.TotalCents,
		Currency:       inv.Currency,
	})
	if err != nil {
		// The charge may not have reached the provider at all. Nothing is
		// recorded; the idempotency key keeps a retry from double-charging.
		metrics.RecordCharge("error")
		return Retry(fmt.Errorf("payment gateway: %w", err))
	}

	now := time.Now().UTC()
	attempt := &domain.PaymentAttempt{
		ID:          uuid.New(),
		TenantID:    tc.TenantID,
		InvoiceID:   inv.ID,
		AmountCents: inv.TotalCents,
		Currency:    inv.Currency,
		ExternalRef: result.ExternalRef,
		AttemptedAt: now,
		CompletedAt: &now,
	}

	if !result.Approved {
		attempt.Status = domain.PaymentAttemptFailed
		attempt.FailureCode = result.DeclineCode
		attempt.FailureReason = result.DeclineReason
		if err := deps.Invoices.RecordPaymentAttempt(ctx, attempt); err != nil {
			return Retry(fmt.Errorf("failed to record payment attempt: %w", err))
		}

		event, err := domain.NewOutboxEvent(tc.TenantID, domain.EventInvoicePaymentFailed,
			"invoice_"+inv.ID.String(), map[string]any{
				"invoice_id":      inv.ID,
				"subscription_id": inv.SubscriptionID,
				"amount_cents":    inv.TotalCents,
				"currency":        inv.Currency,
				"decline_code":    result.DeclineCode,
				"decline_reason":  result.DeclineReason,
			})
		if err != nil {
			return Retry(err)
		}
		if err := deps.Outbox.Append(ctx, event); err != nil {
			return Retry(fmt.Errorf("failed to append outbox event: %w", err))
		}
		metrics.RecordOutboxEvent(domain.EventInvoicePaymentFailed)
		metrics.RecordCharge("declined")

		log.Warn("charge declined",
			slog.String("invoice_id", inv.ID.String()),
			slog.String("decline_code", result.DeclineCode))
		return Retry(fmt.Errorf("charge declined: %s", result.DeclineCode))
	}

	attempt.Status = domain.PaymentAttemptSucceeded
	if err := deps.Invoices.RecordPaymentAttempt(ctx, attempt); err != nil {
		return Retry(fmt.Errorf("failed to record payment attempt: %w", err))
	}

	if err := deps.Invoices.UpdateStatus(
		ctx, tc.TenantID, inv.ID,
		domain.InvoiceStatusPending, domain.InvoiceStatusPaid,
	); err != nil {
		return Retry(fmt.Errorf("failed to mark invoice paid: %w", err))
	}

	event, err := domain.NewOutboxEvent(tc.TenantID, domain.EventInvoicePaid,
		"invoice_"+inv.ID.String(), map[string]any{
			"invoice_id":      inv.ID,
			"subscription_id": inv.SubscriptionID,
			"amount_cents":    inv.TotalCents,
			"currency":        inv.Currency,
			"external_ref":    result.ExternalRef,
		})
	if err != nil {
		return Retry(err)
	}
	if err := deps.Outbox.Append(ctx, event); err != nil {
		return Retry(fmt.Errorf("failed to append outbox event: %w", err))
	}
	metrics.RecordOutboxEvent(domain.EventInvoicePaid)
	metrics.RecordCharge("approved")

	log.Info("invoice paid",
		slog.String("invoice_id", inv.ID.String()),
		slog.String("external_ref", result.ExternalRef))
	return Success()
}
