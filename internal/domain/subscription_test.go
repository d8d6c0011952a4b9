package domain_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subscriptionengine/subworker/internal/domain"
)

func validSubscription() *domain.Subscription {
	now := time.Now().UTC()
	return &domain.Subscription{
		ID:                 uuid.New(),
		TenantID:           uuid.New(),
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

func TestSubscriptionValidate(t *testing.T) {
	t.Parallel()

	t.Run("accepts a well-formed subscription", func(t *testing.T) {
		t.Parallel()
		assert.NoError(t, validSubscription().Validate())
	})

	t.Run("rejects non-positive billing interval", func(t *testing.T) {
		t.Parallel()
		sub := validSubscription()
		sub.IntervalDays = 0
		assert.ErrorIs(t, sub.Validate(), domain.ErrInvalidBillingInterval)
	})

	t.Run("rejects unknown status", func(t *testing.T) {
		t.Parallel()
		sub := validSubscription()
		sub.Status = "DORMANT"
		assert.ErrorIs(t, sub.Validate(), domain.ErrInvalidSubscriptionStatus)
	})
}

func TestSubscriptionCancelable(t *testing.T) {
	t.Parallel()

	sub := validSubscription()
	assert.True(t, sub.Cancelable(), "active subscriptions are cancelable")

	sub.Status = domain.SubscriptionStatusPaused
	assert.True(t, sub.Cancelable(), "paused subscriptions are cancelable")

	sub.Status = domain.SubscriptionStatusCanceled
	assert.False(t, sub.Cancelable(), "cancellation is not repeatable")
}

func TestSubscriptionAdvancePeriod(t *testing.T) {
	t.Parallel()

	sub := validSubscription()
	oldEnd := sub.CurrentPeriodEnd

	start, end := sub.AdvancePeriod()

	assert.True(t, start.Equal(oldEnd), "new period should start where the old one ended")
	assert.True(t, end.Equal(oldEnd.AddDate(0, 0, sub.IntervalDays)),
		"new period should span one billing interval")
	assert.True(t, sub.CurrentPeriodStart.Equal(start))
	assert.True(t, sub.CurrentPeriodEnd.Equal(end))

	// A second advance continues from the new boundary.
	start2, end2 := sub.AdvancePeriod()
	assert.True(t, start2.Equal(end), "consecutive periods must be contiguous")
	assert.True(t, end2.Equal(end.AddDate(0, 0, sub.IntervalDays)))
}

func TestNewInvoiceFromSubscription(t *testing.T) {
	t.Parallel()

	sub := validSubscription()
	periodStart := sub.CurrentPeriodEnd
	periodEnd := periodStart.AddDate(0, 0, sub.IntervalDays)

	inv, err := domain.NewInvoice(sub, periodStart, periodEnd)
	require.NoError(t, err)

	assert.Equal(t, sub.TenantID, inv.TenantID)
	assert.Equal(t, sub.CustomerID, inv.CustomerID)
	assert.Equal(t, sub.ID, inv.SubscriptionID)
	assert.Equal(t, domain.InvoiceStatusPending, inv.Status, "new invoices start PENDING")
	assert.Equal(t, sub.AmountCents, inv.TotalCents, "invoice total comes from the subscription")
	assert.Equal(t, sub.Currency, inv.Currency)
	assert.True(t, inv.PeriodStart.Equal(periodStart))
	assert.True(t, inv.PeriodEnd.Equal(periodEnd))
	assert.Nil(t, inv.PaidAt)
}

func TestInvoiceValidate(t *testing.T) {
	t.Parallel()

	sub := validSubscription()
	inv, err := domain.NewInvoice(sub, sub.CurrentPeriodStart, sub.CurrentPeriodEnd)
	require.NoError(t, err)

	t.Run("rejects negative total", func(t *testing.T) {
		t.Parallel()
		bad := *inv
		bad.TotalCents = -1
		assert.ErrorIs(t, bad.Validate(), domain.ErrInvalidInvoiceAmount)
	})

	t.Run("rejects unknown status", func(t *testing.T) {
		t.Parallel()
		bad := *inv
		bad.Status = "DISPUTED"
		assert.ErrorIs(t, bad.Validate(), domain.ErrInvalidInvoiceStatus)
	})
}
