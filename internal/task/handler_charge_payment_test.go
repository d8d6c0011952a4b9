package task

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/subscriptionengine/subworker/internal/domain"
	"github.com/subscriptionengine/subworker/internal/payments"
)

// stubGateway is a payments.Gateway with scripted behavior.
type stubGateway struct {
	calls    atomic.Int64
	chargeFn func(ctx context.Context, req payments.ChargeRequest) (*payments.ChargeResult, error)
}

func (g *stubGateway) Charge(
	ctx context.Context,
	req payments.ChargeRequest,
) (*payments.ChargeResult, error) {
	g.calls.Add(1)
	if g.chargeFn == nil {
		return &payments.ChargeResult{Approved: true, ExternalRef: "ref_test"}, nil
	}
	return g.chargeFn(ctx, req)
}

// newTestSubscription builds a valid ACTIVE subscription for the tenant.
func newTestSubscription(tenantID uuid.UUID) *domain.Subscription {
	now := time.Now().UTC()
	return &domain.Subscription{
		ID:                 uuid.New(),
		TenantID:           tenantID,
		CustomerID:         uuid.New(),
		PlanRef:            "plan-coffee-monthly",
		Status:             domain.SubscriptionStatusActive,
		CurrentPeriodStart: now.AddDate(0, 0, -30),
		CurrentPeriodEnd:   now,
		IntervalDays:       30,
		AmountCents:        1999,
		Currency:           "USD",
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// seedInvoice creates and seeds a PENDING invoice for the subscription.
func seedInvoice(t *testing.T, env *testEnv, sub *domain.Subscription) *domain.Invoice {
	t.Helper()

	inv, err := domain.NewInvoice(sub, sub.CurrentPeriodStart, sub.CurrentPeriodEnd)
	require.NoError(t, err, "creating invoice should succeed")
	env.deps.Invoices.(*MockInvoiceStore).Seed(inv)
	return inv
}

func chargePayload(t *testing.T, invoiceID, subscriptionID uuid.UUID) json.RawMessage {
	t.Helper()

	body, err := json.Marshal(map[string]any{
		"invoice_id":      invoiceID,
		"subscription_id": subscriptionID,
	})
	require.NoError(t, err)
	return body
}

func TestChargePaymentApproved(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	tenantID := uuid.New()
	sub := newTestSubscription(tenantID)
	inv := seedInvoice(t, env, sub)

	gateway := &stubGateway{}
	handler := NewChargePaymentHandler(gateway, nil)

	res := handler.Handle(context.Background(), TenantContext{TenantID: tenantID},
		chargePayload(t, inv.ID, sub.ID), env.deps)

	assert.Equal(t, OutcomeSuccess, res.Outcome, "an approved charge completes the task")
	assert.Equal(t, int64(1), gateway.calls.Load())

	invoices := env.deps.Invoices.(*MockInvoiceStore)
	stored, ok := invoices.Get(inv.ID)
	require.True(t, ok)
	assert.Equal(t, domain.InvoiceStatusPaid, stored.Status, "invoice should be paid")
	require.NotNil(t, stored.PaidAt)

	attempts, err := invoices.ListPaymentAttempts(context.Background(), tenantID, inv.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1, "the capture should be on the ledger")
	assert.Equal(t, domain.PaymentAttemptSucceeded, attempts[0].Status)
	assert.Equal(t, "ref_test", attempts[0].ExternalRef)

	events := env.deps.Outbox.(*MockOutboxStore).EventsOfType(domain.EventInvoicePaid)
	require.Len(t, events, 1, "payment should emit invoice.paid")
	assert.Equal(t, tenantID, events[0].TenantID)
}

func TestChargePaymentDeclinedKeepsLedgerRow(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	tenantID := uuid.New()
	sub := newTestSubscription(tenantID)
	inv := seedInvoice(t, env, sub)

	gateway := &stubGateway{
		chargeFn: func(ctx context.Context, req payments.ChargeRequest) (*payments.ChargeResult, error) {
			return &payments.ChargeResult{
				Approved:      false,
				DeclineCode:   "card_declined",
				DeclineReason: "insufficient funds",
			}, nil
		},
	}
	handler := NewChargePaymentHandler(gateway, nil)

	res := handler.Handle(context.Background(), TenantContext{TenantID: tenantID},
		chargePayload(t, inv.ID, sub.ID), env.deps)

	assert.Equal(t, OutcomeRetry, res.Outcome, "a decline is retried")
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "card_declined")

	invoices := env.deps.Invoices.(*MockInvoiceStore)
	stored, ok := invoices.Get(inv.ID)
	require.True(t, ok)
	assert.Equal(t, domain.InvoiceStatusPending, stored.Status, "invoice stays pending")

	attempts, err := invoices.ListPaymentAttempts(context.Background(), tenantID, inv.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1, "the declined capture stays on the ledger")
	assert.Equal(t, domain.PaymentAttemptFailed, attempts[0].Status)
	assert.Equal(t, "card_declined", attempts[0].FailureCode)

	events := env.deps.Outbox.(*MockOutboxStore).EventsOfType(domain.EventInvoicePaymentFailed)
	require.Len(t, events, 1, "decline should emit invoice.payment_failed")
}

func TestChargePaymentAlreadyPaidIsNoOp(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	tenantID := uuid.New()
	sub := newTestSubscription(tenantID)
	inv := seedInvoice(t, env, sub)

	invoices := env.deps.Invoices.(*MockInvoiceStore)
	require.NoError(t, invoices.UpdateStatus(context.Background(), tenantID, inv.ID,
		domain.InvoiceStatusPending, domain.InvoiceStatusPaid))

	gateway := &stubGateway{}
	handler := NewChargePaymentHandler(gateway, nil)

	res := handler.Handle(context.Background(), TenantContext{TenantID: tenantID},
		chargePayload(t, inv.ID, sub.ID), env.deps)

	assert.Equal(t, OutcomeSuccess, res.Outcome, "a paid invoice completes without work")
	assert.Zero(t, gateway.calls.Load(), "no second charge should be attempted")

	attempts, err := invoices.ListPaymentAttempts(context.Background(), tenantID, inv.ID)
	require.NoError(t, err)
	assert.Empty(t, attempts, "no new ledger row should appear")
}

func TestChargePaymentVoidInvoiceFails(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	tenantID := uuid.New()
	sub := newTestSubscription(tenantID)
	inv := seedInvoice(t, env, sub)

	invoices := env.deps.Invoices.(*MockInvoiceStore)
	require.NoError(t, invoices.UpdateStatus(context.Background(), tenantID, inv.ID,
		domain.InvoiceStatusPending, domain.InvoiceStatusVoid))

	gateway := &stubGateway{}
	handler := NewChargePaymentHandler(gateway, nil)

	res := handler.Handle(context.Background(), TenantContext{TenantID: tenantID},
		chargePayload(t, inv.ID, sub.ID), env.deps)

	assert.Equal(t, OutcomeFail, res.Outcome, "charging a void invoice can never succeed")
	assert.Zero(t, gateway.calls.Load())
}

func TestChargePaymentGatewayErrorRetriesWithoutLedgerRow(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	tenantID := uuid.New()
	sub := newTestSubscription(tenantID)
	inv := seedInvoice(t, env, sub)

	gateway := &stubGateway{
		chargeFn: func(ctx context.Context, req payments.ChargeRequest) (*payments.ChargeResult, error) {
			return nil, errors.New("gateway timeout")
		},
	}
	handler := NewChargePaymentHandler(gateway, nil)

	res := handler.Handle(context.Background(), TenantContext{TenantID: tenantID},
		chargePayload(t, inv.ID, sub.ID), env.deps)

	assert.Equal(t, OutcomeRetry, res.Outcome, "a gateway failure is transient")

	invoices := env.deps.Invoices.(*MockInvoiceStore)
	attempts, err := invoices.ListPaymentAttempts(context.Background(), tenantID, inv.ID)
	require.NoError(t, err)
	assert.Empty(t, attempts, "nothing is recorded when the charge may not have reached the provider")
}

func TestChargePaymentMalformedPayload(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	handler := NewChargePaymentHandler(&stubGateway{}, nil)

	res := handler.Handle(context.Background(), TenantContext{TenantID: uuid.New()},
		json.RawMessage(`{not json`), env.deps)
	assert.Equal(t, OutcomeFail, res.Outcome, "malformed payload is permanent")

	res = handler.Handle(context.Background(), TenantContext{TenantID: uuid.New()},
		json.RawMessage(`{}`), env.deps)
	assert.Equal(t, OutcomeFail, res.Outcome, "missing invoice_id is permanent")
}

func TestChargePaymentForeignTenantInvoice(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ownerTenant := uuid.New()
	sub := newTestSubscription(ownerTenant)
	inv := seedInvoice(t, env, sub)

	gateway := &stubGateway{}
	handler := NewChargePaymentHandler(gateway, nil)

	// A task from another tenant must not see this invoice.
	res := handler.Handle(context.Background(), TenantContext{TenantID: uuid.New()},
		chargePayload(t, inv.ID, sub.ID), env.deps)

	assert.Equal(t, OutcomeFail, res.Outcome, "an invoice outside the tenant does not exist")
	assert.Zero(t, gateway.calls.Load())

	stored, ok := env.deps.Invoices.(*MockInvoiceStore).Get(inv.ID)
	require.True(t, ok)
	assert.Equal(t, domain.InvoiceStatusPending, stored.Status, "the other tenant's invoice is untouched")
}
