package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/subscriptionengine/subworker/internal/domain"
	"github.com/subscriptionengine/subworker/internal/metrics"
	"github.com/subscriptionengine/subworker/internal/platform/logger"
	"github.com/subscriptionengine/subworker/internal/store"
)

// SubscriptionServiceError is a custom error type for subscription service errors.
type SubscriptionServiceError struct {
	Operation string
	Message   string
	Err       error
}

// Error implements the error interface for SubscriptionServiceError.
func (e *SubscriptionServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("subscription service %s failed: %s: %v", e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("subscription service %s failed: %s", e.Operation, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *SubscriptionServiceError) Unwrap() error {
	return e.Err
}

// NewSubscriptionServiceError creates a new SubscriptionServiceError.
func NewSubscriptionServiceError(operation, message string, err error) *SubscriptionServiceError {
	return &SubscriptionServiceError{
		Operation: operation,
		Message:   message,
		Err:       err,
	}
}

// SubscriptionService drives subscription lifecycle transitions. Every
// transition and its side effects commit in one transaction: pending work is
// failed, deliveries are canceled, and the outbox events land together with
// the status change or not at all.
type SubscriptionService interface {
	// CancelSubscription cancels the subscription and cascades: it fails
	// pending renewal tasks, cancels every still-pending delivery, records
	// the cancellation reason, and appends subscription.canceled plus one
	// delivery.canceled event per canceled delivery.
	// Returns ErrSubscriptionNotCancelable if the subscription is neither
	// ACTIVE nor PAUSED.
	CancelSubscription(ctx context.Context, tenantID, subscriptionID uuid.UUID, reason string) error

	// PauseSubscription moves an ACTIVE subscription to PAUSED and fails
	// its pending renewal tasks. Returns ErrSubscriptionNotPausable if the
	// subscription is not ACTIVE.
	PauseSubscription(ctx context.Context, tenantID, subscriptionID uuid.UUID) error

	// ResumeSubscription moves a PAUSED subscription back to ACTIVE and
	// schedules the next renewal at the current period end. Returns
	// ErrSubscriptionNotPaused if the subscription is not PAUSED.
	ResumeSubscription(ctx context.Context, tenantID, subscriptionID uuid.UUID) error
}

// subscriptionServiceImpl implements the SubscriptionService interface.
type subscriptionServiceImpl struct {
	txRunner      store.TxRunner
	subscriptions store.SubscriptionStore
	tasks         store.TaskStore
	deliveries    store.DeliveryStore
	outbox        store.OutboxStore
	logger        *slog.Logger
}

// NewSubscriptionService creates a new SubscriptionService.
// It returns an error if any of the required dependencies are nil.
func NewSubscriptionService(
	txRunner store.TxRunner,
	subscriptions store.SubscriptionStore,
	tasks store.TaskStore,
	deliveries store.DeliveryStore,
	outbox store.OutboxStore,
	log *slog.Logger,
) (SubscriptionService, error) {
	if txRunner == nil {
		return nil, fmt.Errorf("txRunner cannot be nil")
	}
	if subscriptions == nil {
		return nil, fmt.Errorf("subscription store cannot be nil")
	}
	if tasks == nil {
		return nil, fmt.Errorf("task store cannot be nil")
	}
	if deliveries == nil {
		return nil, fmt.Errorf("delivery store cannot be nil")
	}
	if outbox == nil {
		return nil, fmt.Errorf("outbox store cannot be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	return &subscriptionServiceImpl{
		txRunner:      txRunner,
		subscriptions: subscriptions,
		tasks:         tasks,
		deliveries:    deliveries,
		outbox:        outbox,
		logger:        log.With(slog.String("component", "subscription_service")),
	}, nil
}

// CancelSubscription implements SubscriptionService.CancelSubscription
func (s *subscriptionServiceImpl) CancelSubscription(
	ctx context.Context,
	tenantID, subscriptionID uuid.UUID,
	reason string,
) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	err := s.txRunner.RunInTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		subs := s.subscriptions.WithTx(tx)
		tasks := s.tasks.WithTx(tx)
		deliveries := s.deliveries.WithTx(tx)
		outbox := s.outbox.WithTx(tx)

		sub, err := subs.GetByID(ctx, tenantID, subscriptionID)
		if err != nil {
			return err
		}
		if !sub.Cancelable() {
			return fmt.Errorf("%w: status %s", ErrSubscriptionNotCancelable, sub.Status)
		}

		// Renewal tasks for a canceled subscription must never run again.
		failedTasks, err := tasks.FailForSubscription(ctx, tenantID, subscriptionID,
			domain.TaskTypeSubscriptionRenewal, "subscription canceled")
		if err != nil {
			return fmt.Errorf("failed to fail pending renewal tasks: %w", err)
		}

		now := time.Now().UTC()
		priorStatus := sub.Status
		sub.Status = domain.SubscriptionStatusCanceled
		sub.CanceledAt = &now
		sub.CancellationReason = reason
		sub.UpdatedAt = now
		if err := subs.Update(ctx, sub); err != nil {
			return fmt.Errorf("failed to mark subscription canceled: %w", err)
		}

		canceledDeliveries, err := deliveries.CancelPending(ctx, tenantID, subscriptionID, reason)
		if err != nil {
			return fmt.Errorf("failed to cancel pending deliveries: %w", err)
		}

		event, err := domain.NewOutboxEvent(tenantID, domain.EventSubscriptionCanceled,
			"subscription_"+subscriptionID.String(), map[string]any{
				"subscription_id": subscriptionID,
				"prior_status":    priorStatus,
				"reason":          reason,
				"canceled_at":     now,
			})
		if err != nil {
			return err
		}
		if err := outbox.Append(ctx, event); err != nil {
			return fmt.Errorf("failed to append outbox event: %w", err)
		}
		metrics.RecordOutboxEvent(domain.EventSubscriptionCanceled)

		for _, deliveryID := range canceledDeliveries {
			event, err := domain.NewOutboxEvent(tenantID, domain.EventDeliveryCanceled,
				"delivery_"+deliveryID.String(), map[string]any{
					"delivery_id":     deliveryID,
					"subscription_id": subscriptionID,
					"reason":          reason,
				})
			if err != nil {
				return err
			}
			if err := outbox.Append(ctx, event); err != nil {
				return fmt.Errorf("failed to append outbox event: %w", err)
			}
			metrics.RecordOutboxEvent(domain.EventDeliveryCanceled)
		}

		log.Info("subscription canceled",
			slog.String("subscription_id", subscriptionID.String()),
			slog.Int("failed_tasks", len(failedTasks)),
			slog.Int("canceled_deliveries", len(canceledDeliveries)))
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotCancelable) || store.IsNotFoundError(err) {
			return err
		}
		return NewSubscriptionServiceError("cancel", "cascade did not commit", err)
	}
	return nil
}

// PauseSubscription implements SubscriptionService.PauseSubscription
func (s *subscriptionServiceImpl) PauseSubscription(
	ctx context.Context,
	tenantID, subscriptionID uuid.UUID,
) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	err := s.txRunner.RunInTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		subs := s.subscriptions.WithTx(tx)
		tasks := s.tasks.WithTx(tx)
		outbox := s.outbox.WithTx(tx)

		if err := subs.UpdateStatus(ctx, tenantID, subscriptionID,
			domain.SubscriptionStatusActive, domain.SubscriptionStatusPaused); err != nil {
			if errors.Is(err, store.ErrUpdateFailed) {
				return fmt.Errorf("%w: subscription %s", ErrSubscriptionNotPausable, subscriptionID)
			}
			return err
		}

		// A paused subscription does not renew.
		if _, err := tasks.FailForSubscription(ctx, tenantID, subscriptionID,
			domain.TaskTypeSubscriptionRenewal, "subscription paused"); err != nil {
			return fmt.Errorf("failed to fail pending renewal tasks: %w", err)
		}

		event, err := domain.NewOutboxEvent(tenantID, domain.EventSubscriptionPaused,
			"subscription_"+subscriptionID.String(), map[string]any{
				"subscription_id": subscriptionID,
			})
		if err != nil {
			return err
		}
		if err := outbox.Append(ctx, event); err != nil {
			return fmt.Errorf("failed to append outbox event: %w", err)
		}
		metrics.RecordOutboxEvent(domain.EventSubscriptionPaused)

		log.Info("subscription paused",
			slog.String("subscription_id", subscriptionID.String()))
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotPausable) || store.IsNotFoundError(err) {
			return err
		}
		return NewSubscriptionServiceError("pause", "pause did not commit", err)
	}
	return nil
}

// ResumeSubscription implements SubscriptionService.ResumeSubscription
func (s *subscriptionServiceImpl) ResumeSubscription(
	ctx context.Context,
	tenantID, subscriptionID uuid.UUID,
) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	err := s.txRunner.RunInTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		subs := s.subscriptions.WithTx(tx)
		tasks := s.tasks.WithTx(tx)
		outbox := s.outbox.WithTx(tx)

		sub, err := subs.GetByID(ctx, tenantID, subscriptionID)
		if err != nil {
			return err
		}
		if sub.Status != domain.SubscriptionStatusPaused {
			return fmt.Errorf("%w: status %s", ErrSubscriptionNotPaused, sub.Status)
		}

		if err := subs.UpdateStatus(ctx, tenantID, subscriptionID,
			domain.SubscriptionStatusPaused, domain.SubscriptionStatusActive); err != nil {
			return err
		}

		// Renewal picks back up at the end of the current period.
		if err := s.scheduleRenewal(ctx, tasks, tenantID, subscriptionID, sub.CurrentPeriodEnd); err != nil {
			return fmt.Errorf("failed to schedule renewal: %w", err)
		}

		event, err := domain.NewOutboxEvent(tenantID, domain.EventSubscriptionResumed,
			"subscription_"+subscriptionID.String(), map[string]any{
				"subscription_id": subscriptionID,
				"next_renewal_at": sub.CurrentPeriodEnd,
			})
		if err != nil {
			return err
		}
		if err := outbox.Append(ctx, event); err != nil {
			return fmt.Errorf("failed to append outbox event: %w", err)
		}
		metrics.RecordOutboxEvent(domain.EventSubscriptionResumed)

		log.Info("subscription resumed",
			slog.String("subscription_id", subscriptionID.String()),
			slog.Time("next_renewal_at", sub.CurrentPeriodEnd))
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotPaused) || store.IsNotFoundError(err) {
			return err
		}
		return NewSubscriptionServiceError("resume", "resume did not commit", err)
	}
	return nil
}

// scheduleRenewal enqueues the subscription's renewal task through the given
// transaction-bound store. An existing task with the same key is reused.
func (s *subscriptionServiceImpl) scheduleRenewal(
	ctx context.Context,
	tasks store.TaskStore,
	tenantID, subscriptionID uuid.UUID,
	runAt time.Time,
) error {
	payload, err := json.Marshal(map[string]any{"subscription_id": subscriptionID})
	if err != nil {
		return err
	}

	t, err := domain.NewScheduledTask(tenantID, domain.TaskTypeSubscriptionRenewal,
		RenewalTaskKey(subscriptionID, runAt), payload, runAt)
	if err != nil {
		return err
	}

	if err := tasks.Enqueue(ctx, t); err != nil && !errors.Is(err, store.ErrDuplicate) {
		return err
	}
	return nil
}
