package store_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/subscriptionengine/subworker/internal/store"
)

func TestIsNotFoundError(t *testing.T) {
	t.Parallel()

	assert.True(t, store.IsNotFoundError(store.ErrNotFound))
	assert.True(t, store.IsNotFoundError(store.ErrTaskNotFound),
		"entity-specific not found errors wrap ErrNotFound")
	assert.True(t, store.IsNotFoundError(store.ErrSubscriptionNotFound))
	assert.True(t, store.IsNotFoundError(fmt.Errorf("looking up invoice: %w", store.ErrInvoiceNotFound)),
		"wrapped not found errors should still match")

	assert.False(t, store.IsNotFoundError(store.ErrDuplicate))
	assert.False(t, store.IsNotFoundError(errors.New("something else")))
	assert.False(t, store.IsNotFoundError(nil))
}

func TestIsDuplicateError(t *testing.T) {
	t.Parallel()

	assert.True(t, store.IsDuplicateError(store.ErrDuplicate))
	assert.True(t, store.IsDuplicateError(store.ErrTaskKeyExists))
	assert.True(t, store.IsDuplicateError(store.ErrCycleKeyExists))
	assert.True(t, store.IsDuplicateError(fmt.Errorf("enqueue: %w", store.ErrTaskKeyExists)))

	assert.False(t, store.IsDuplicateError(store.ErrNotFound))
	assert.False(t, store.IsDuplicateError(nil))
}

func TestStoreError(t *testing.T) {
	t.Parallel()

	t.Run("formats with wrapped error", func(t *testing.T) {
		t.Parallel()

		inner := errors.New("connection reset")
		err := store.NewStoreError("task", "lease", "conditional update failed", inner)

		assert.Equal(t,
			"lease operation on task failed: conditional update failed: connection reset",
			err.Error())
		assert.ErrorIs(t, err, inner, "Unwrap should expose the original error")
	})

	t.Run("formats without wrapped error", func(t *testing.T) {
		t.Parallel()

		err := store.NewStoreError("invoice", "create", "validation failed", nil)
		assert.Equal(t, "create operation on invoice failed: validation failed", err.Error())
		assert.Nil(t, err.Unwrap())
	})

	t.Run("supports errors.Is through sentinel chains", func(t *testing.T) {
		t.Parallel()

		err := store.NewStoreError("delivery", "cancel", "no matching row", store.ErrUpdateFailed)
		assert.ErrorIs(t, err, store.ErrUpdateFailed)
	})
}
