package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/subscriptionengine/subworker/internal/domain"
)

// OutboxStore defines the interface for outbox event persistence.
// Events are appended in the same transaction as the state change they
// describe and later relayed to external consumers by a publisher.
type OutboxStore interface {
	// Append saves a new outbox event. Events are append-only; there is
	// no update or delete operation.
	Append(ctx context.Context, event *domain.OutboxEvent) error

	// ListUnpublished returns up to limit events that have not yet been
	// published, oldest first.
	ListUnpublished(ctx context.Context, limit int) ([]*domain.OutboxEvent, error)

	// MarkPublished records that the event was handed to the external
	// relay at the given time.
	MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error

	// ListByEventKey returns all events recorded for the given tenant and
	// event key, oldest first.
	ListByEventKey(
		ctx context.Context,
		tenantID uuid.UUID,
		eventKey string,
	) ([]*domain.OutboxEvent, error)

	// ListByType returns up to limit events of the given type for the
	// tenant, oldest first. The read surface for external consumers that
	// follow one event stream.
	ListByType(
		ctx context.Context,
		tenantID uuid.UUID,
		eventType string,
		limit int,
	) ([]*domain.OutboxEvent, error)

	// WithTx returns a new OutboxStore instance that uses the provided transaction.
	WithTx(tx *sql.Tx) OutboxStore
}
