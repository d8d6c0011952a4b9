package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/subscriptionengine/subworker/internal/domain"
	"github.com/subscriptionengine/subworker/internal/platform/logger"
	"github.com/subscriptionengine/subworker/internal/store"
)

// SchedulerServiceError is a custom error type for scheduler service errors.
type SchedulerServiceError struct {
	Operation string
	Message   string
	Err       error
}

// Error implements the error interface for SchedulerServiceError.
func (e *SchedulerServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("scheduler service %s failed: %s: %v", e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("scheduler service %s failed: %s", e.Operation, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *SchedulerServiceError) Unwrap() error {
	return e.Err
}

// NewSchedulerServiceError creates a new SchedulerServiceError.
func NewSchedulerServiceError(operation, message string, err error) *SchedulerServiceError {
	return &SchedulerServiceError{
		Operation: operation,
		Message:   message,
		Err:       err,
	}
}

// SchedulerService enqueues background work keyed for idempotent scheduling.
type SchedulerService interface {
	// Schedule enqueues a task with the given type, key, and payload, due at
	// dueAt. Scheduling is an upsert on (tenant, task key): when a task with
	// the same key already exists, the existing task is returned and no new
	// row is created.
	Schedule(
		ctx context.Context,
		tenantID uuid.UUID,
		taskType, taskKey string,
		payload any,
		dueAt time.Time,
	) (*domain.ScheduledTask, error)

	// ScheduleRenewal enqueues the renewal task for a subscription, due at
	// runAt. The task key is derived from the subscription and due date, so
	// re-scheduling the same renewal reuses the existing task.
	ScheduleRenewal(
		ctx context.Context,
		tenantID, subscriptionID uuid.UUID,
		runAt time.Time,
	) (*domain.ScheduledTask, error)
}

// schedulerServiceImpl implements the SchedulerService interface.
type schedulerServiceImpl struct {
	tasks  store.TaskStore
	logger *slog.Logger
}

// NewSchedulerService creates a new SchedulerService.
// It returns an error if the task store is nil.
func NewSchedulerService(tasks store.TaskStore, log *slog.Logger) (SchedulerService, error) {
	if tasks == nil {
		return nil, fmt.Errorf("task store cannot be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	return &schedulerServiceImpl{
		tasks:  tasks,
		logger: log.With(slog.String("component", "scheduler_service")),
	}, nil
}

// Schedule implements SchedulerService.Schedule
func (s *schedulerServiceImpl) Schedule(
	ctx context.Context,
	tenantID uuid.UUID,
	taskType, taskKey string,
	payload any,
	dueAt time.Time,
) (*domain.ScheduledTask, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, NewSchedulerServiceError("schedule", "failed to marshal payload", err)
	}

	t, err := domain.NewScheduledTask(tenantID, taskType, taskKey, body, dueAt)
	if err != nil {
		return nil, NewSchedulerServiceError("schedule", "invalid task", err)
	}

	if err := s.tasks.Enqueue(ctx, t); err != nil {
		if errors.Is(err, store.ErrDuplicate) && taskKey != "" {
			existing, findErr := s.tasks.FindByKey(ctx, tenantID, taskKey)
			if findErr != nil {
				return nil, NewSchedulerServiceError("schedule",
					"failed to load existing task for key", findErr)
			}
			log.Debug("task already scheduled",
				slog.String("task_key", taskKey),
				slog.String("task_id", existing.ID.String()))
			return existing, nil
		}
		return nil, NewSchedulerServiceError("schedule", "failed to enqueue task", err)
	}

	log.Info("task scheduled",
		slog.String("task_id", t.ID.String()),
		slog.String("task_type", taskType),
		slog.String("task_key", taskKey),
		slog.Time("due_at", t.DueAt))
	return t, nil
}

// ScheduleRenewal implements SchedulerService.ScheduleRenewal
func (s *schedulerServiceImpl) ScheduleRenewal(
	ctx context.Context,
	tenantID, subscriptionID uuid.UUID,
	runAt time.Time,
) (*domain.ScheduledTask, error) {
	taskKey := RenewalTaskKey(subscriptionID, runAt)
	return s.Schedule(ctx, tenantID, domain.TaskTypeSubscriptionRenewal, taskKey,
		map[string]any{"subscription_id": subscriptionID}, runAt)
}

// RenewalTaskKey derives the idempotency key for a subscription's renewal
// due on the given date.
func RenewalTaskKey(subscriptionID uuid.UUID, runAt time.Time) string {
	return fmt.Sprintf("renewal_%s_%s", subscriptionID, runAt.UTC().Format("2006-01-02"))
}
