package task

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/subscriptionengine/subworker/internal/domain"
)

func deliveryPayload(t *testing.T, invoiceID, subscriptionID uuid.UUID) json.RawMessage {
	t.Helper()

	body, err := json.Marshal(map[string]any{
		"invoice_id":      invoiceID,
		"subscription_id": subscriptionID,
	})
	require.NoError(t, err)
	return body
}

func TestCreateDeliverySchedulesInstance(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	tenantID := uuid.New()
	sub := newTestSubscription(tenantID)
	env.deps.Subscriptions.(*MockSubscriptionStore).Seed(sub)
	inv := seedInvoice(t, env, sub)

	handler := NewCreateDeliveryHandler(nil)
	res := handler.Handle(context.Background(), TenantContext{TenantID: tenantID},
		deliveryPayload(t, inv.ID, sub.ID), env.deps)
	require.Equal(t, OutcomeSuccess, res.Outcome, "delivery creation should succeed: %v", res.Err)

	cycleKey := domain.DeliveryCycleKey(sub.ID, inv.PeriodStart, inv.PeriodEnd)
	d, err := env.deps.Deliveries.FindByCycleKey(context.Background(), tenantID, cycleKey)
	require.NoError(t, err, "the cycle's delivery should exist")
	assert.Equal(t, domain.DeliveryStatusPending, d.Status)
	assert.Equal(t, sub.ID, d.SubscriptionID)
	assert.Equal(t, inv.ID, d.InvoiceID)

	// The snapshot freezes what this fulfillment is for.
	var snapshot map[string]any
	require.NoError(t, json.Unmarshal(d.Snapshot, &snapshot))
	assert.Equal(t, sub.PlanRef, snapshot["plan_ref"])

	events := env.deps.Outbox.(*MockOutboxStore).EventsOfType(domain.EventDeliveryScheduled)
	require.Len(t, events, 1, "scheduling should emit delivery.scheduled")
	assert.Equal(t, "delivery_"+d.ID.String(), events[0].EventKey)
}

func TestCreateDeliveryDuplicateCycleIsNoOp(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	tenantID := uuid.New()
	sub := newTestSubscription(tenantID)
	env.deps.Subscriptions.(*MockSubscriptionStore).Seed(sub)
	inv := seedInvoice(t, env, sub)

	handler := NewCreateDeliveryHandler(nil)
	payload := deliveryPayload(t, inv.ID, sub.ID)
	tc := TenantContext{TenantID: tenantID}

	res := handler.Handle(context.Background(), tc, payload, env.deps)
	require.Equal(t, OutcomeSuccess, res.Outcome)

	// A retried task finds the existing row and succeeds quietly.
	res = handler.Handle(context.Background(), tc, payload, env.deps)
	assert.Equal(t, OutcomeSuccess, res.Outcome, "a duplicate cycle is not an error")

	events := env.deps.Outbox.(*MockOutboxStore).EventsOfType(domain.EventDeliveryScheduled)
	assert.Len(t, events, 1, "only the first creation emits an event")
}

func TestCreateDeliveryMissingEntities(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	tenantID := uuid.New()
	sub := newTestSubscription(tenantID)
	env.deps.Subscriptions.(*MockSubscriptionStore).Seed(sub)
	inv := seedInvoice(t, env, sub)
	handler := NewCreateDeliveryHandler(nil)
	tc := TenantContext{TenantID: tenantID}

	res := handler.Handle(context.Background(), tc,
		deliveryPayload(t, uuid.New(), sub.ID), env.deps)
	assert.Equal(t, OutcomeFail, res.Outcome, "a missing invoice is permanent")

	res = handler.Handle(context.Background(), tc,
		deliveryPayload(t, inv.ID, uuid.New()), env.deps)
	assert.Equal(t, OutcomeFail, res.Outcome, "a missing subscription is permanent")
}

func TestCreateDeliveryMalformedPayload(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	handler := NewCreateDeliveryHandler(nil)
	tc := TenantContext{TenantID: uuid.New()}

	res := handler.Handle(context.Background(), tc, json.RawMessage(`[`), env.deps)
	assert.Equal(t, OutcomeFail, res.Outcome)

	res = handler.Handle(context.Background(), tc, json.RawMessage(`{}`), env.deps)
	assert.Equal(t, OutcomeFail, res.Outcome, "missing IDs are permanent")
}
