package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/subscriptionengine/subworker/internal/domain"
	"github.com/subscriptionengine/subworker/internal/metrics"
	"github.com/subscriptionengine/subworker/internal/platform/logger"
	"github.com/subscriptionengine/subworker/internal/store"
)

// DeliveryServiceError is a custom error type for delivery service errors.
type DeliveryServiceError struct {
	Operation string
	Message   string
	Err       error
}

// Error implements the error interface for DeliveryServiceError.
func (e *DeliveryServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("delivery service %s failed: %s: %v", e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("delivery service %s failed: %s", e.Operation, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *DeliveryServiceError) Unwrap() error {
	return e.Err
}

// NewDeliveryServiceError creates a new DeliveryServiceError.
func NewDeliveryServiceError(operation, message string, err error) *DeliveryServiceError {
	return &DeliveryServiceError{
		Operation: operation,
		Message:   message,
		Err:       err,
	}
}

// DeliveryService manages individual delivery instances.
type DeliveryService interface {
	// CancelDelivery cancels a single delivery. A delivery is cancelable
	// only while it is PENDING and no external order has been placed for
	// it. Returns ErrDeliveryNotCancelable once that window has closed.
	CancelDelivery(ctx context.Context, tenantID, deliveryID uuid.UUID, reason string) error
}

// deliveryServiceImpl implements the DeliveryService interface.
type deliveryServiceImpl struct {
	txRunner   store.TxRunner
	deliveries store.DeliveryStore
	outbox     store.OutboxStore
	logger     *slog.Logger
}

// NewDeliveryService creates a new DeliveryService.
// It returns an error if any of the required dependencies are nil.
func NewDeliveryService(
	txRunner store.TxRunner,
	deliveries store.DeliveryStore,
	outbox store.OutboxStore,
	log *slog.Logger,
) (DeliveryService, error) {
	if txRunner == nil {
		return nil, fmt.Errorf("txRunner cannot be nil")
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

	return &deliveryServiceImpl{
		txRunner:   txRunner,
		deliveries: deliveries,
		outbox:     outbox,
		logger:     log.With(slog.String("component", "delivery_service")),
	}, nil
}

// CancelDelivery implements DeliveryService.CancelDelivery
func (s *deliveryServiceImpl) CancelDelivery(
	ctx context.Context,
	tenantID, deliveryID uuid.UUID,
	reason string,
) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	err := s.txRunner.RunInTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		deliveries := s.deliveries.WithTx(tx)
		outbox := s.outbox.WithTx(tx)

		d, err := deliveries.GetByID(ctx, tenantID, deliveryID)
		if err != nil {
			return err
		}
		if !d.Cancelable() {
			return fmt.Errorf("%w: status %s", ErrDeliveryNotCancelable, d.Status)
		}

		// The conditional update is the real gate; the check above only
		// produces a better error for callers.
		if err := deliveries.Cancel(ctx, tenantID, deliveryID, reason); err != nil {
			if errors.Is(err, store.ErrUpdateFailed) {
				return fmt.Errorf("%w: delivery %s", ErrDeliveryNotCancelable, deliveryID)
			}
			return err
		}

		event, err := domain.NewOutboxEvent(tenantID, domain.EventDeliveryCanceled,
			"delivery_"+deliveryID.String(), map[string]any{
				"delivery_id":     deliveryID,
				"subscription_id": d.SubscriptionID,
				"reason":          reason,
			})
		if err != nil {
			return err
		}
		if err := outbox.Append(ctx, event); err != nil {
			return fmt.Errorf("failed to append outbox event: %w", err)
		}
		metrics.RecordOutboxEvent(domain.EventDeliveryCanceled)

		log.Info("delivery canceled",
			slog.String("delivery_id", deliveryID.String()),
			slog.String("reason", reason))
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrDeliveryNotCancelable) || store.IsNotFoundError(err) {
			return err
		}
		return NewDeliveryServiceError("cancel", "cancellation did not commit", err)
	}
	return nil
}
