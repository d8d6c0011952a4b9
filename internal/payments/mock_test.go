package payments

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRequest(key string) ChargeRequest {
	return ChargeRequest{
		TenantID:       uuid.New(),
		IdempotencyKey: key,
		CustomerID:     uuid.New(),
		InvoiceID:      uuid.New(),
		AmountCents:    2500,
		Currency:       "USD",
	}
}

// TestMockGatewayApprovesByDefault verifies that a zero decline rate
// approves every charge.
func TestMockGatewayApprovesByDefault(t *testing.T) {
	t.Parallel()

	gateway := NewMockGateway(0, nil)

	for i := 0; i < 10; i++ {
		result, err := gateway.Charge(context.Background(), newRequest(uuid.NewString()))
		require.NoError(t, err)
		assert.True(t, result.Approved, "charge should be approved with zero decline rate")
		assert.NotEmpty(t, result.ExternalRef, "approved charge should carry a provider reference")
	}
}

// TestMockGatewayDeclinesEverything verifies that a decline rate of 1
// declines every charge with a decline code.
func TestMockGatewayDeclinesEverything(t *testing.T) {
	t.Parallel()

	gateway := NewMockGateway(1, nil)

	result, err := gateway.Charge(context.Background(), newRequest("always-declined"))
	require.NoError(t, err)
	assert.False(t, result.Approved)
	assert.Equal(t, "card_declined", result.DeclineCode)
	assert.NotEmpty(t, result.DeclineReason)
}

// TestMockGatewayIdempotency verifies that repeat charges with the same
// idempotency key replay the original result, external reference included.
func TestMockGatewayIdempotency(t *testing.T) {
	t.Parallel()

	gateway := NewMockGateway(0.5, nil)
	req := newRequest("stable-key")

	first, err := gateway.Charge(context.Background(), req)
	require.NoError(t, err)

	second, err := gateway.Charge(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first, second, "same idempotency key should replay the same result")
}

// TestMockGatewayForceResult verifies that a forced outcome overrides the
// hash decision.
func TestMockGatewayForceResult(t *testing.T) {
	t.Parallel()

	gateway := NewMockGateway(0, nil)
	gateway.ForceResult("forced-decline", &ChargeResult{
		Approved:      false,
		DeclineCode:   "expired_card",
		DeclineReason: "card expired",
	})

	result, err := gateway.Charge(context.Background(), newRequest("forced-decline"))
	require.NoError(t, err)
	assert.False(t, result.Approved)
	assert.Equal(t, "expired_card", result.DeclineCode)
}

// TestMockGatewayCanceledContext verifies that a canceled context surfaces
// as a retryable gateway error.
func TestMockGatewayCanceledContext(t *testing.T) {
	t.Parallel()

	gateway := NewMockGateway(0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := gateway.Charge(ctx, newRequest("canceled"))
	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
}
