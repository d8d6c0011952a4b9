package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the current state of a scheduled task.
type TaskStatus string

// Possible task status values.
const (
	TaskStatusReady     TaskStatus = "READY"
	TaskStatusLeased    TaskStatus = "LEASED"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusFailed    TaskStatus = "FAILED"
)

// Task type constants. The set is open: tasks of unregistered types may
// appear in the store and must survive a processing cycle untouched.
const (
	TaskTypeChargePayment       = "CHARGE_PAYMENT"
	TaskTypeSubscriptionRenewal = "SUBSCRIPTION_RENEWAL"
	TaskTypeCreateDelivery      = "CREATE_DELIVERY"
	TaskTypeEntitlementGrant    = "ENTITLEMENT_GRANT"
)

// DefaultMaxAttempts is the attempt budget assigned to newly enqueued tasks.
const DefaultMaxAttempts = 3

// Common validation errors for ScheduledTask.
var (
	ErrEmptyTaskID       = errors.New("task ID cannot be empty")
	ErrEmptyTaskTenantID = errors.New("task tenant ID cannot be empty")
	ErrEmptyTaskType     = errors.New("task type cannot be empty")
	ErrLockOwnerNotLease = errors.New("lock owner set on a task that is not leased")
)

// ScheduledTask represents a unit of background work queued for asynchronous
// execution. Tasks are created READY by the scheduling layer, claimed by
// exactly one worker at a time via the leasing protocol, and driven to a
// terminal status by the task processor. TenantID is immutable after creation.
type ScheduledTask struct {
	ID           uuid.UUID       `json:"id"`
	TenantID     uuid.UUID       `json:"tenant_id"`
	Type         string          `json:"type"`
	TaskKey      string          `json:"task_key"`
	Payload      json.RawMessage `json:"payload"`
	Status       TaskStatus      `json:"status"`
	DueAt        time.Time       `json:"due_at"`
	AttemptCount int             `json:"attempt_count"`
	MaxAttempts  int             `json:"max_attempts"`
	LastError    string          `json:"last_error,omitempty"`
	LockOwner    string          `json:"lock_owner,omitempty"`
	LockedUntil  *time.Time      `json:"locked_until,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// NewScheduledTask creates a READY task for the given tenant, due at dueAt.
// It generates a new UUID for the task ID and sets the attempt budget to
// DefaultMaxAttempts. Returns an error if validation fails.
func NewScheduledTask(
	tenantID uuid.UUID,
	taskType string,
	taskKey string,
	payload json.RawMessage,
	dueAt time.Time,
) (*ScheduledTask, error) {
	now := time.Now().UTC()
	if payload == nil {
		payload = json.RawMessage("{}")
	}

	task := &ScheduledTask{
		ID:          uuid.New(),
		TenantID:    tenantID,
		Type:        taskType,
		TaskKey:     taskKey,
		Payload:     payload,
		Status:      TaskStatusReady,
		DueAt:       dueAt.UTC(),
		MaxAttempts: DefaultMaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := task.Validate(); err != nil {
		return nil, err
	}

	return task, nil
}

// Validate checks if the ScheduledTask has valid data.
// Returns an error if any field fails validation.
func (t *ScheduledTask) Validate() error {
	if t.ID == uuid.Nil {
		return ErrEmptyTaskID
	}

	if t.TenantID == uuid.Nil {
		return ErrEmptyTaskTenantID
	}

	if t.Type == "" {
		return ErrEmptyTaskType
	}

	if !isValidTaskStatus(t.Status) {
		return ErrInvalidTaskStatus
	}

	// A lock owner implies an active lease.
	if t.LockOwner != "" && t.Status != TaskStatusLeased {
		return ErrLockOwnerNotLease
	}

	return nil
}

// Terminal reports whether the task has reached a final status.
func (t *ScheduledTask) Terminal() bool {
	return t.Status == TaskStatusCompleted || t.Status == TaskStatusFailed
}

// CanTransition reports whether the state machine permits moving from the
// task's current status to the target status. READY→LEASED is the lease
// claim; LEASED→COMPLETED/FAILED finalizes; LEASED→READY releases a task
// back for retry.
func (t *ScheduledTask) CanTransition(to TaskStatus) bool {
	switch t.Status {
	case TaskStatusReady:
		return to == TaskStatusLeased
	case TaskStatusLeased:
		return to == TaskStatusCompleted || to == TaskStatusFailed || to == TaskStatusReady
	default:
		return false
	}
}

// isValidTaskStatus checks if the given status is a valid TaskStatus.
func isValidTaskStatus(status TaskStatus) bool {
	switch status {
	case TaskStatusReady, TaskStatusLeased, TaskStatusCompleted, TaskStatusFailed:
		return true
	default:
		return false
	}
}
