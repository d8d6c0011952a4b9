package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/subscriptionengine/subworker/internal/domain"
	"github.com/subscriptionengine/subworker/internal/platform/logger"
	"github.com/subscriptionengine/subworker/internal/store"
)

// taskColumns is the shared column list for scheduled task queries.
const taskColumns = `id, tenant_id, type, task_key, payload, status, due_at,
	attempt_count, max_attempts, last_error, lock_owner, locked_until,
	created_at, updated_at, completed_at`

// PostgresTaskStore implements the store.TaskStore interface
// using a PostgreSQL database as the storage backend.
type PostgresTaskStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresTaskStore creates a new PostgreSQL implementation of the TaskStore interface.
// It accepts a database connection or transaction that should be initialized and managed by the caller.
// If logger is nil, a default logger will be used.
func NewPostgresTaskStore(db store.DBTX, logger *slog.Logger) *PostgresTaskStore {
	// Validate inputs
	if db == nil {
		panic("db cannot be nil")
	}

	// Use provided logger or create default
	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresTaskStore{
		db:     db,
		logger: logger.With(slog.String("component", "task_store")),
	}
}

// Ensure PostgresTaskStore implements store.TaskStore interface
var _ store.TaskStore = (*PostgresTaskStore)(nil)

// WithTx implements store.TaskStore.WithTx
func (s *PostgresTaskStore) WithTx(tx *sql.Tx) store.TaskStore {
	return &PostgresTaskStore{
		db:     tx,
		logger: s.logger,
	}
}

// Enqueue implements store.TaskStore.Enqueue
// It saves a new task to the database, handling domain validation.
// Returns store.ErrTaskKeyExists if the tenant already has a task with the same key.
func (s *PostgresTaskStore) Enqueue(ctx context.Context, task *domain.ScheduledTask) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	// Validate task data
	if err := task.Validate(); err != nil {
		log.Warn("task validation failed during enqueue",
			slog.String("error", err.Error()),
			slog.String("task_id", task.ID.String()))
		return err
	}

	query := `
		INSERT INTO scheduled_tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, NULLIF($11, ''), $12, $13, $14, $15)
	`
	_, err := s.db.ExecContext(
		ctx,
		query,
		task.ID,
		task.TenantID,
		task.Type,
		task.TaskKey,
		[]byte(task.Payload),
		task.Status,
		task.DueAt,
		task.AttemptCount,
		task.MaxAttempts,
		task.LastError,
		task.LockOwner,
		task.LockedUntil,
		task.CreatedAt,
		task.UpdatedAt,
		task.CompletedAt,
	)

	if err != nil {
		if IsUniqueViolation(err) {
			log.Debug("task key already exists",
				slog.String("tenant_id", task.TenantID.String()),
				slog.String("task_key", task.TaskKey))
			return fmt.Errorf("%w: %s", store.ErrTaskKeyExists, task.TaskKey)
		}

		log.Error("failed to enqueue task",
			slog.String("error", err.Error()),
			slog.String("task_id", task.ID.String()),
			slog.String("task_type", task.Type))
		return MapError(err)
	}

	log.Info("task enqueued",
		slog.String("task_id", task.ID.String()),
		slog.String("tenant_id", task.TenantID.String()),
		slog.String("task_type", task.Type),
		slog.Time("due_at", task.DueAt))
	return nil
}

// GetByID implements store.TaskStore.GetByID
// Returns store.ErrTaskNotFound if the task does not exist for the tenant.
func (s *PostgresTaskStore) GetByID(
	ctx context.Context,
	tenantID, id uuid.UUID,
) (*domain.ScheduledTask, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		SELECT ` + taskColumns + `
		FROM scheduled_tasks
		WHERE tenant_id = $1 AND id = $2
	`

	task, err := scanTask(s.db.QueryRowContext(ctx, query, tenantID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Debug("task not found", slog.String("task_id", id.String()))
			return nil, store.ErrTaskNotFound
		}
		log.Error("failed to get task by ID",
			slog.String("error", err.Error()),
			slog.String("task_id", id.String()))
		return nil, MapError(err)
	}

	return task, nil
}

// FindByKey implements store.TaskStore.FindByKey
func (s *PostgresTaskStore) FindByKey(
	ctx context.Context,
	tenantID uuid.UUID,
	taskKey string,
) (*domain.ScheduledTask, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		SELECT ` + taskColumns + `
		FROM scheduled_tasks
		WHERE tenant_id = $1 AND task_key = $2
	`

	task, err := scanTask(s.db.QueryRowContext(ctx, query, tenantID, taskKey))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrTaskNotFound
		}
		log.Error("failed to find task by key",
			slog.String("error", err.Error()),
			slog.String("task_key", taskKey))
		return nil, MapError(err)
	}

	return task, nil
}

// FindEligible implements store.TaskStore.FindEligible
// Eligible tasks are READY with due_at at or before now, oldest first.
// The query does not lock rows; winners are decided by Lease.
func (s *PostgresTaskStore) FindEligible(
	ctx context.Context,
	now time.Time,
	limit int,
) ([]*domain.ScheduledTask, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT ` + taskColumns + `
		FROM scheduled_tasks
		WHERE status = $1 AND due_at <= $2
		ORDER BY due_at ASC, created_at ASC
		LIMIT $3
	`

	rows, err := s.db.QueryContext(ctx, query, domain.TaskStatusReady, now.UTC(), limit)
	if err != nil {
		log.Error("failed to query eligible tasks",
			slog.String("error", err.Error()))
		return nil, MapError(err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Error("failed to close rows", slog.String("error", err.Error()))
		}
	}()

	var tasks []*domain.ScheduledTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			log.Error("failed to scan task row",
				slog.String("error", err.Error()))
			return nil, MapError(err)
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		log.Error("error after scanning task rows",
			slog.String("error", err.Error()))
		return nil, MapError(err)
	}

	// Return empty slice instead of nil if no tasks found
	if tasks == nil {
		tasks = []*domain.ScheduledTask{}
	}

	log.Debug("found eligible tasks", slog.Int("count", len(tasks)))
	return tasks, nil
}

// Lease implements store.TaskStore.Lease
// The conditional WHERE clause is the concurrency control: only one caller
// can observe the READY status and flip it to LEASED.
func (s *PostgresTaskStore) Lease(
	ctx context.Context,
	id uuid.UUID,
	owner string,
	until time.Time,
) (bool, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		UPDATE scheduled_tasks
		SET status = $1, lock_owner = $2, locked_until = $3, updated_at = $4
		WHERE id = $5 AND status = $6
	`

	result, err := s.db.ExecContext(
		ctx,
		query,
		domain.TaskStatusLeased,
		owner,
		until.UTC(),
		time.Now().UTC(),
		id,
		domain.TaskStatusReady,
	)
	if err != nil {
		log.Error("failed to lease task",
			slog.String("error", err.Error()),
			slog.String("task_id", id.String()),
			slog.String("owner", owner))
		return false, MapError(err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		log.Error("failed to get rows affected",
			slog.String("error", err.Error()),
			slog.String("task_id", id.String()))
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		// Another worker won the lease or the task no longer exists.
		log.Debug("lease not acquired",
			slog.String("task_id", id.String()),
			slog.String("owner", owner))
		return false, nil
	}

	log.Debug("lease acquired",
		slog.String("task_id", id.String()),
		slog.String("owner", owner),
		slog.Time("locked_until", until))
	return true, nil
}

// Complete implements store.TaskStore.Complete
// Returns store.ErrUpdateFailed if the task is not leased by the given owner.
func (s *PostgresTaskStore) Complete(ctx context.Context, id uuid.UUID, owner string) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	now := time.Now().UTC()

	query := `
		UPDATE scheduled_tasks
		SET status = $1, lock_owner = NULL, locked_until = NULL,
			completed_at = $2, updated_at = $2
		WHERE id = $3 AND status = $4 AND lock_owner = $5
	`

	result, err := s.db.ExecContext(
		ctx,
		query,
		domain.TaskStatusCompleted,
		now,
		id,
		domain.TaskStatusLeased,
		owner,
	)
	if err != nil {
		log.Error("failed to complete task",
			slog.String("error", err.Error()),
			slog.String("task_id", id.String()))
		return MapError(err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		log.Warn("complete did not match a leased task",
			slog.String("task_id", id.String()),
			slog.String("owner", owner))
		return fmt.Errorf("%w: task %s not leased by %s", store.ErrUpdateFailed, id, owner)
	}

	log.Info("task completed",
		slog.String("task_id", id.String()),
		slog.String("owner", owner))
	return nil
}

// Fail implements store.TaskStore.Fail
// Returns store.ErrUpdateFailed if the task is not leased by the given owner.
func (s *PostgresTaskStore) Fail(
	ctx context.Context,
	id uuid.UUID,
	owner string,
	lastError string,
) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		UPDATE scheduled_tasks
		SET status = $1, lock_owner = NULL, locked_until = NULL,
			last_error = $2, updated_at = $3
		WHERE id = $4 AND status = $5 AND lock_owner = $6
	`

	result, err := s.db.ExecContext(
		ctx,
		query,
		domain.TaskStatusFailed,
		lastError,
		time.Now().UTC(),
		id,
		domain.TaskStatusLeased,
		owner,
	)
	if err != nil {
		log.Error("failed to fail task",
			slog.String("error", err.Error()),
			slog.String("task_id", id.String()))
		return MapError(err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		log.Warn("fail did not match a leased task",
			slog.String("task_id", id.String()),
			slog.String("owner", owner))
		return fmt.Errorf("%w: task %s not leased by %s", store.ErrUpdateFailed, id, owner)
	}

	log.Info("task failed",
		slog.String("task_id", id.String()),
		slog.String("owner", owner),
		slog.String("last_error", lastError))
	return nil
}

// Release implements store.TaskStore.Release
// The attempt count is incremented in SQL so the budget check and the status
// update happen in a single statement.
func (s *PostgresTaskStore) Release(
	ctx context.Context,
	id uuid.UUID,
	owner string,
	lastError string,
) (domain.TaskStatus, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		UPDATE scheduled_tasks
		SET attempt_count = attempt_count + 1,
			status = CASE WHEN attempt_count + 1 >= max_attempts THEN $1 ELSE $2 END,
			lock_owner = NULL, locked_until = NULL,
			last_error = $3, updated_at = $4
		WHERE id = $5 AND status = $6 AND lock_owner = $7
		RETURNING status
	`

	var status domain.TaskStatus
	err := s.db.QueryRowContext(
		ctx,
		query,
		domain.TaskStatusFailed,
		domain.TaskStatusReady,
		lastError,
		time.Now().UTC(),
		id,
		domain.TaskStatusLeased,
		owner,
	).Scan(&status)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Warn("release did not match a leased task",
				slog.String("task_id", id.String()),
				slog.String("owner", owner))
			return "", fmt.Errorf("%w: task %s not leased by %s", store.ErrUpdateFailed, id, owner)
		}
		log.Error("failed to release task",
			slog.String("error", err.Error()),
			slog.String("task_id", id.String()))
		return "", MapError(err)
	}

	log.Info("task released",
		slog.String("task_id", id.String()),
		slog.String("owner", owner),
		slog.String("status", string(status)),
		slog.String("last_error", lastError))
	return status, nil
}

// ReleaseUntouched implements store.TaskStore.ReleaseUntouched
// The task goes back to READY with its attempt count and last error intact.
func (s *PostgresTaskStore) ReleaseUntouched(ctx context.Context, id uuid.UUID, owner string) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		UPDATE scheduled_tasks
		SET status = $1, lock_owner = NULL, locked_until = NULL, updated_at = $2
		WHERE id = $3 AND status = $4 AND lock_owner = $5
	`

	result, err := s.db.ExecContext(
		ctx,
		query,
		domain.TaskStatusReady,
		time.Now().UTC(),
		id,
		domain.TaskStatusLeased,
		owner,
	)
	if err != nil {
		log.Error("failed to release task untouched",
			slog.String("error", err.Error()),
			slog.String("task_id", id.String()))
		return MapError(err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: task %s not leased by %s", store.ErrUpdateFailed, id, owner)
	}

	return nil
}

// ReclaimExpired implements store.TaskStore.ReclaimExpired
// Leases are considered expired when locked_until has passed. Reclaimed
// tasks keep their attempt counts; the original failure is unknowable here.
func (s *PostgresTaskStore) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		UPDATE scheduled_tasks
		SET status = $1, lock_owner = NULL, locked_until = NULL, updated_at = $2
		WHERE status = $3 AND locked_until IS NOT NULL AND locked_until < $4
	`

	result, err := s.db.ExecContext(
		ctx,
		query,
		domain.TaskStatusReady,
		now.UTC(),
		domain.TaskStatusLeased,
		now.UTC(),
	)
	if err != nil {
		log.Error("failed to reclaim expired leases",
			slog.String("error", err.Error()))
		return 0, MapError(err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected > 0 {
		log.Warn("reclaimed expired task leases",
			slog.Int64("count", rowsAffected))
	}
	return int(rowsAffected), nil
}

// FailForSubscription implements store.TaskStore.FailForSubscription
// Tasks reference their subscription through the payload, so the match is
// on the payload's subscription_id field.
func (s *PostgresTaskStore) FailForSubscription(
	ctx context.Context,
	tenantID, subscriptionID uuid.UUID,
	taskType string,
	reason string,
) ([]uuid.UUID, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		UPDATE scheduled_tasks
		SET status = $1, lock_owner = NULL, locked_until = NULL,
			last_error = $2, updated_at = $3
		WHERE tenant_id = $4
			AND type = $5
			AND status IN ($6, $7)
			AND payload->>'subscription_id' = $8
		RETURNING id
	`

	rows, err := s.db.QueryContext(
		ctx,
		query,
		domain.TaskStatusFailed,
		reason,
		time.Now().UTC(),
		tenantID,
		taskType,
		domain.TaskStatusReady,
		domain.TaskStatusLeased,
		subscriptionID.String(),
	)
	if err != nil {
		log.Error("failed to fail tasks for subscription",
			slog.String("error", err.Error()),
			slog.String("subscription_id", subscriptionID.String()))
		return nil, MapError(err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Error("failed to close rows", slog.String("error", err.Error()))
		}
	}()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, MapError(err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}

	log.Info("failed tasks for subscription",
		slog.String("subscription_id", subscriptionID.String()),
		slog.String("task_type", taskType),
		slog.Int("count", len(ids)))
	return ids, nil
}

// CountByStatus implements store.TaskStore.CountByStatus
func (s *PostgresTaskStore) CountByStatus(
	ctx context.Context,
	tenantID uuid.UUID,
) (map[domain.TaskStatus]int, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		SELECT status, COUNT(*)
		FROM scheduled_tasks
		WHERE tenant_id = $1
		GROUP BY status
	`

	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		log.Error("failed to count tasks by status",
			slog.String("error", err.Error()))
		return nil, MapError(err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Error("failed to close rows", slog.String("error", err.Error()))
		}
	}()

	counts := make(map[domain.TaskStatus]int)
	for rows.Next() {
		var status domain.TaskStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, MapError(err)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}

	return counts, nil
}

// CountAll implements store.TaskStore.CountAll
func (s *PostgresTaskStore) CountAll(ctx context.Context, tenantID uuid.UUID) (int, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		SELECT COUNT(*)
		FROM scheduled_tasks
		WHERE tenant_id = $1
	`

	var count int
	if err := s.db.QueryRowContext(ctx, query, tenantID).Scan(&count); err != nil {
		log.Error("failed to count tasks",
			slog.String("error", err.Error()))
		return 0, MapError(err)
	}

	return count, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanTask maps a scheduled_tasks row onto a domain.ScheduledTask.
func scanTask(row rowScanner) (*domain.ScheduledTask, error) {
	var task domain.ScheduledTask
	var taskKey sql.NullString
	var payload []byte
	var status string
	var lastError sql.NullString
	var lockOwner sql.NullString
	var lockedUntil sql.NullTime
	var completedAt sql.NullTime

	err := row.Scan(
		&task.ID,
		&task.TenantID,
		&task.Type,
		&taskKey,
		&payload,
		&status,
		&task.DueAt,
		&task.AttemptCount,
		&task.MaxAttempts,
		&lastError,
		&lockOwner,
		&lockedUntil,
		&task.CreatedAt,
		&task.UpdatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	task.TaskKey = taskKey.String
	task.Payload = payload
	task.Status = domain.TaskStatus(status)
	task.LastError = lastError.String
	task.LockOwner = lockOwner.String
	if lockedUntil.Valid {
		t := lockedUntil.Time
		task.LockedUntil = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		task.CompletedAt = &t
	}

	return &task, nil
}
