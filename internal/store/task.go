package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/subscriptionengine/subworker/internal/domain"
)

// TaskStore defines the interface for scheduled task persistence.
// All mutating operations are implemented as conditional updates on the
// task's current status, so concurrent workers never double-process a task.
type TaskStore interface {
	// Enqueue saves a new task to the store.
	// The task must be valid according to domain validation rules.
	// Returns ErrTaskKeyExists if a task with the same tenant and task key
	// already exists, which callers use for idempotent scheduling.
	Enqueue(ctx context.Context, task *domain.ScheduledTask) error

	// GetByID retrieves a task by its unique ID, scoped to the tenant.
	// Returns ErrTaskNotFound if the task does not exist or belongs to
	// a different tenant.
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (*domain.ScheduledTask, error)

	// FindByKey retrieves a task by its tenant-scoped task key.
	// Returns ErrTaskNotFound if no task with that key exists.
	FindByKey(ctx context.Context, tenantID uuid.UUID, taskKey string) (*domain.ScheduledTask, error)

	// FindEligible returns up to limit tasks that are ready to run: status
	// READY and due_at at or before now. Results are ordered by due_at so
	// the oldest work is attempted first. The returned tasks are NOT leased;
	// callers must win a Lease call before processing any of them.
	FindEligible(ctx context.Context, now time.Time, limit int) ([]*domain.ScheduledTask, error)

	// Lease attempts to claim a READY task for the given owner. It is a
	// conditional update: the task moves to LEASED only if its status is
	// still READY at update time. Returns true if this caller won the
	// lease, false if another worker got there first or the task no
	// longer exists.
	Lease(ctx context.Context, id uuid.UUID, owner string, until time.Time) (bool, error)

	// Complete transitions a LEASED task held by owner to COMPLETED and
	// clears its lock fields. Returns ErrUpdateFailed if the task is not
	// LEASED by that owner.
	Complete(ctx context.Context, id uuid.UUID, owner string) error

	// Fail transitions a LEASED task held by owner to FAILED, recording
	// lastError. Returns ErrUpdateFailed if the task is not LEASED by
	// that owner.
	Fail(ctx context.Context, id uuid.UUID, owner string, lastError string) error

	// Release returns a LEASED task held by owner to READY for a retry,
	// incrementing its attempt count and recording lastError. If the
	// incremented attempt count reaches the task's max attempts the task
	// is moved to FAILED instead. Returns the resulting status.
	Release(
		ctx context.Context,
		id uuid.UUID,
		owner string,
		lastError string,
	) (domain.TaskStatus, error)

	// ReleaseUntouched returns a LEASED task held by owner to READY
	// without incrementing its attempt count or recording an error.
	// Used when a worker leased a task it cannot handle.
	ReleaseUntouched(ctx context.Context, id uuid.UUID, owner string) error

	// ReclaimExpired moves LEASED tasks whose locked_until has passed
	// back to READY so another worker can pick them up. Returns the
	// number of tasks reclaimed.
	ReclaimExpired(ctx context.Context, now time.Time) (int, error)

	// FailForSubscription moves all non-terminal tasks of the given type
	// that reference the subscription to FAILED, recording reason.
	// Returns the IDs of the tasks that were failed.
	// Used by cascade cancellation; must run within the caller's transaction.
	FailForSubscription(
		ctx context.Context,
		tenantID, subscriptionID uuid.UUID,
		taskType string,
		reason string,
	) ([]uuid.UUID, error)

	// CountByStatus returns the number of tasks in each status for the tenant.
	CountByStatus(ctx context.Context, tenantID uuid.UUID) (map[domain.TaskStatus]int, error)

	// CountAll returns the total number of tasks for the tenant across
	// all statuses.
	CountAll(ctx context.Context, tenantID uuid.UUID) (int, error)

	// WithTx returns a new TaskStore instance that uses the provided transaction.
	// This allows for multiple operations to be executed within a single transaction.
	// The transaction should be created and managed by the caller (typically a service).
	WithTx(tx *sql.Tx) TaskStore
}
