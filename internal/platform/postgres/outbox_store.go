package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/subscriptionengine/subworker/internal/domain"
	"github.com/subscriptionengine/subworker/internal/platform/logger"
	"github.com/subscriptionengine/subworker/internal/store"
)

// PostgresOutboxStore implements the store.OutboxStore interface
// using a PostgreSQL database as the storage backend.
type PostgresOutboxStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresOutboxStore creates a new PostgreSQL implementation of the
// OutboxStore interface. If logger is nil, a default logger will be used.
func NewPostgresOutboxStore(db store.DBTX, logger *slog.Logger) *PostgresOutboxStore {
	// Validate inputs
	if db == nil {
		panic("db cannot be nil")
	}

	// Use provided logger or create default
	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresOutboxStore{
		db:     db,
		logger: logger.With(slog.String("component", "outbox_store")),
	}
}

// Ensure PostgresOutboxStore implements store.OutboxStore interface
var _ store.OutboxStore = (*PostgresOutboxStore)(nil)

// WithTx implements store.OutboxStore.WithTx
func (s *PostgresOutboxStore) WithTx(tx *sql.Tx) store.OutboxStore {
	return &PostgresOutboxStore{
		db:     tx,
		logger: s.logger,
	}
}

// Append implements store.OutboxStore.Append
func (s *PostgresOutboxStore) Append(ctx context.Context, event *domain.OutboxEvent) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		INSERT INTO outbox_events (id, tenant_id, event_type, event_key,
			payload, created_at, published_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7)
	`
	_, err := s.db.ExecContext(
		ctx,
		query,
		event.ID,
		event.TenantID,
		event.EventType,
		event.EventKey,
		[]byte(event.Payload),
		event.CreatedAt,
		event.PublishedAt,
	)
	if err != nil {
		log.Error("failed to append outbox event",
			slog.String("error", err.Error()),
			slog.String("event_id", event.ID.String()),
			slog.String("event_type", event.EventType))
		return MapError(err)
	}

	log.Debug("outbox event appended",
		slog.String("event_id", event.ID.String()),
		slog.String("tenant_id", event.TenantID.String()),
		slog.String("event_type", event.EventType))
	return nil
}

// ListUnpublished implements store.OutboxStore.ListUnpublished
func (s *PostgresOutboxStore) ListUnpublished(
	ctx context.Context,
	limit int,
) ([]*domain.OutboxEvent, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, tenant_id, event_type, event_key, payload, created_at, published_at
		FROM outbox_events
		WHERE published_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		log.Error("failed to query unpublished events",
			slog.String("error", err.Error()))
		return nil, MapError(err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Error("failed to close rows", slog.String("error", err.Error()))
		}
	}()

	events, err := scanEvents(rows)
	if err != nil {
		log.Error("failed to scan outbox events",
			slog.String("error", err.Error()))
		return nil, MapError(err)
	}

	return events, nil
}

// MarkPublished implements store.OutboxStore.MarkPublished
func (s *PostgresOutboxStore) MarkPublished(
	ctx context.Context,
	id uuid.UUID,
	publishedAt time.Time,
) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		UPDATE outbox_events
		SET published_at = $1
		WHERE id = $2 AND published_at IS NULL
	`

	result, err := s.db.ExecContext(ctx, query, publishedAt.UTC(), id)
	if err != nil {
		log.Error("failed to mark event published",
			slog.String("error", err.Error()),
			slog.String("event_id", id.String()))
		return MapError(err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: event %s not found or already published",
			store.ErrUpdateFailed, id)
	}

	return nil
}

// ListByEventKey implements store.OutboxStore.ListByEventKey
func (s *PostgresOutboxStore) ListByEventKey(
	ctx context.Context,
	tenantID uuid.UUID,
	eventKey string,
) ([]*domain.OutboxEvent, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		SELECT id, tenant_id, event_type, event_key, payload, created_at, published_at
		FROM outbox_events
		WHERE tenant_id = $1 AND event_key = $2
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, tenantID, eventKey)
	if err != nil {
		log.Error("failed to query events by key",
			slog.String("error", err.Error()),
			slog.String("event_key", eventKey))
		return nil, MapError(err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Error("failed to close rows", slog.String("error", err.Error()))
		}
	}()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, MapError(err)
	}

	return events, nil
}

// ListByType implements store.OutboxStore.ListByType
func (s *PostgresOutboxStore) ListByType(
	ctx context.Context,
	tenantID uuid.UUID,
	eventType string,
	limit int,
) ([]*domain.OutboxEvent, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, tenant_id, event_type, event_key, payload, created_at, published_at
		FROM outbox_events
		WHERE tenant_id = $1 AND event_type = $2
		ORDER BY created_at ASC
		LIMIT $3
	`

	rows, err := s.db.QueryContext(ctx, query, tenantID, eventType, limit)
	if err != nil {
		log.Error("failed to query events by type",
			slog.String("error", err.Error()),
			slog.String("event_type", eventType))
		return nil, MapError(err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Error("failed to close rows", slog.String("error", err.Error()))
		}
	}()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, MapError(err)
	}

	return events, nil
}

// scanEvents drains the rows into outbox events.
func scanEvents(rows *sql.Rows) ([]*domain.OutboxEvent, error) {
	var events []*domain.OutboxEvent
	for rows.Next() {
		var e domain.OutboxEvent
		var eventKey sql.NullString
		var payload []byte
		var publishedAt sql.NullTime

		err := rows.Scan(
			&e.ID,
			&e.TenantID,
			&e.EventType,
			&eventKey,
			&payload,
			&e.CreatedAt,
			&publishedAt,
		)
		if err != nil {
			return nil, err
		}

		e.EventKey = eventKey.String
		e.Payload = payload
		if publishedAt.Valid {
			t := publishedAt.Time
			e.PublishedAt = &t
		}
		events = append(events, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Return empty slice instead of nil if no events found
	if events == nil {
		events = []*domain.OutboxEvent{}
	}
	return events, nil
}
