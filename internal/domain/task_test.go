package domain_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subscriptionengine/subworker/internal/domain"
)

func TestNewScheduledTask(t *testing.T) {
	t.Parallel()

	tenantID := uuid.New()
	dueAt := time.Now().Add(time.Hour)

	t.Run("creates a READY task with defaults", func(t *testing.T) {
		t.Parallel()

		task, err := domain.NewScheduledTask(
			tenantID,
			domain.TaskTypeChargePayment,
			"charge_abc",
			json.RawMessage(`{"invoice_id":"x"}`),
			dueAt,
		)
		require.NoError(t, err, "valid task should be created without error")

		assert.NotEqual(t, uuid.Nil, task.ID, "ID should be generated")
		assert.Equal(t, tenantID, task.TenantID)
		assert.Equal(t, domain.TaskStatusReady, task.Status, "new tasks start READY")
		assert.Equal(t, domain.DefaultMaxAttempts, task.MaxAttempts)
		assert.Zero(t, task.AttemptCount)
		assert.Empty(t, task.LockOwner, "new tasks carry no lease")
		assert.Nil(t, task.LockedUntil)
		assert.True(t, task.DueAt.Equal(dueAt.UTC()), "due time should be stored in UTC")
	})

	t.Run("defaults nil payload to empty object", func(t *testing.T) {
		t.Parallel()

		task, err := domain.NewScheduledTask(tenantID, domain.TaskTypeCreateDelivery, "", nil, dueAt)
		require.NoError(t, err)
		assert.JSONEq(t, `{}`, string(task.Payload))
	})

	t.Run("rejects invalid input", func(t *testing.T) {
		t.Parallel()

		_, err := domain.NewScheduledTask(uuid.Nil, domain.TaskTypeChargePayment, "", nil, dueAt)
		assert.ErrorIs(t, err, domain.ErrEmptyTaskTenantID, "nil tenant should be rejected")

		_, err = domain.NewScheduledTask(tenantID, "", "", nil, dueAt)
		assert.ErrorIs(t, err, domain.ErrEmptyTaskType, "empty type should be rejected")
	})
}

func TestScheduledTaskValidate(t *testing.T) {
	t.Parallel()

	valid := func() *domain.ScheduledTask {
		return &domain.ScheduledTask{
			ID:          uuid.New(),
			TenantID:    uuid.New(),
			Type:        domain.TaskTypeSubscriptionRenewal,
			Status:      domain.TaskStatusReady,
			MaxAttempts: domain.DefaultMaxAttempts,
		}
	}

	t.Run("accepts a well-formed task", func(t *testing.T) {
		t.Parallel()
		assert.NoError(t, valid().Validate())
	})

	t.Run("rejects unknown status", func(t *testing.T) {
		t.Parallel()
		task := valid()
		task.Status = "SLEEPING"
		assert.ErrorIs(t, task.Validate(), domain.ErrInvalidTaskStatus)
	})

	t.Run("rejects lock owner without a lease", func(t *testing.T) {
		t.Parallel()
		task := valid()
		task.LockOwner = "worker-1"
		assert.ErrorIs(t, task.Validate(), domain.ErrLockOwnerNotLease,
			"a lock owner on a non-LEASED task is inconsistent")

		task.Status = domain.TaskStatusLeased
		assert.NoError(t, task.Validate(), "lock owner with LEASED status is fine")
	})
}

func TestScheduledTaskCanTransition(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		from    domain.TaskStatus
		to      domain.TaskStatus
		allowed bool
	}{
		{"ready can be leased", domain.TaskStatusReady, domain.TaskStatusLeased, true},
		{"ready cannot complete directly", domain.TaskStatusReady, domain.TaskStatusCompleted, false},
		{"ready cannot fail directly", domain.TaskStatusReady, domain.TaskStatusFailed, false},
		{"leased can complete", domain.TaskStatusLeased, domain.TaskStatusCompleted, true},
		{"leased can fail", domain.TaskStatusLeased, domain.TaskStatusFailed, true},
		{"leased can release back to ready", domain.TaskStatusLeased, domain.TaskStatusReady, true},
		{"completed is terminal", domain.TaskStatusCompleted, domain.TaskStatusReady, false},
		{"failed is terminal", domain.TaskStatusFailed, domain.TaskStatusLeased, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			task := &domain.ScheduledTask{Status: tc.from}
			assert.Equal(t, tc.allowed, task.CanTransition(tc.to))
		})
	}
}

func TestScheduledTaskTerminal(t *testing.T) {
	t.Parallel()

	assert.False(t, (&domain.ScheduledTask{Status: domain.TaskStatusReady}).Terminal())
	assert.False(t, (&domain.ScheduledTask{Status: domain.TaskStatusLeased}).Terminal())
	assert.True(t, (&domain.ScheduledTask{Status: domain.TaskStatusCompleted}).Terminal())
	assert.True(t, (&domain.ScheduledTask{Status: domain.TaskStatusFailed}).Terminal())
}
