package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterAndResolve(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	handler := &stubHandler{taskType: "CHARGE_PAYMENT"}

	require.NoError(t, registry.Register(handler), "first registration should succeed")

	resolved, ok := registry.Resolve("CHARGE_PAYMENT")
	require.True(t, ok, "registered type should resolve")
	assert.Same(t, handler, resolved, "resolve should return the registered handler")

	_, ok = registry.Resolve("SUBSCRIPTION_RENEWAL")
	assert.False(t, ok, "unregistered type should not resolve")
}

func TestRegistryRejectsDuplicateType(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	require.NoError(t, registry.Register(&stubHandler{taskType: "CHARGE_PAYMENT"}))

	err := registry.Register(&stubHandler{taskType: "CHARGE_PAYMENT"})
	assert.Error(t, err, "duplicate registration should fail")
	assert.Contains(t, err.Error(), "CHARGE_PAYMENT")
}

func TestRegistryRejectsInvalidHandlers(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	assert.Error(t, registry.Register(nil), "nil handler should be rejected")
	assert.Error(t, registry.Register(&stubHandler{taskType: ""}), "empty type should be rejected")
}

func TestRegistryTypesSorted(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	require.NoError(t, registry.Register(&stubHandler{taskType: "SUBSCRIPTION_RENEWAL"}))
	require.NoError(t, registry.Register(&stubHandler{taskType: "CHARGE_PAYMENT"}))
	require.NoError(t, registry.Register(&stubHandler{taskType: "ENTITLEMENT_GRANT"}))

	assert.Equal(t,
		[]string{"CHARGE_PAYMENT", "ENTITLEMENT_GRANT", "SUBSCRIPTION_RENEWAL"},
		registry.Types(),
		"types should be sorted")
}
