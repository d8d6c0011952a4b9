package task

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/subscriptionengine/subworker/internal/domain"
	"github.com/subscriptionengine/subworker/internal/metrics"
	"github.com/subscriptionengine/subworker/internal/platform/logger"
	"github.com/subscriptionengine/subworker/internal/store"
)

// ProcessorConfig holds configuration for the task processor.
type ProcessorConfig struct {
	// Owner identifies this worker instance in task leases.
	Owner string

	// BatchSize is the maximum number of tasks considered per cycle.
	BatchSize int

	// LeaseDuration is how long a claimed task is protected from other
	// workers before the stale-lease sweep may reclaim it.
	LeaseDuration time.Duration
}

// DefaultProcessorConfig returns a ProcessorConfig with reasonable defaults.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		Owner:         "worker-" + uuid.NewString(),
		BatchSize:     20,
		LeaseDuration: 2 * time.Minute,
	}
}

// Processor drives scheduled tasks through the lease protocol: it finds
// eligible work, claims each task with a conditional status update, invokes
// the registered handler, and finalizes the outcome inside one transaction.
type Processor struct {
	tasks    store.TaskStore
	txRunner store.TxRunner
	deps     Deps
	registry *Registry
	config   ProcessorConfig
	logger   *slog.Logger
}

// NewProcessor creates a Processor. If logger is nil, a default logger
// will be used. Zero config fields fall back to defaults.
func NewProcessor(
	tasks store.TaskStore,
	txRunner store.TxRunner,
	deps Deps,
	registry *Registry,
	config ProcessorConfig,
	log *slog.Logger,
) *Processor {
	if tasks == nil {
		panic("tasks cannot be nil")
	}
	if txRunner == nil {
		panic("txRunner cannot be nil")
	}
	if registry == nil {
		panic("registry cannot be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	defaults := DefaultProcessorConfig()
	if config.Owner == "" {
		config.Owner = defaults.Owner
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.LeaseDuration <= 0 {
		config.LeaseDuration = defaults.LeaseDuration
	}

	return &Processor{
		tasks:    tasks,
		txRunner: txRunner,
		deps:     deps,
		registry: registry,
		config:   config,
		logger:   log.With(slog.String("component", "processor"), slog.String("owner", config.Owner)),
	}
}

// Owner returns this processor's lease owner identifier.
func (p *Processor) Owner() string {
	return p.config.Owner
}

// ProcessAvailableTasks runs one processing cycle: reclaim expired leases,
// find eligible tasks, and drive each claimed task to an outcome. It returns
// the number of tasks that reached a terminal status this cycle. Tasks that
// stay in the queue, lose their lease race, or have no registered handler
// are not counted. An error is returned only when the cycle itself could not
// run; per-task failures are absorbed into task state.
func (p *Processor) ProcessAvailableTasks(ctx context.Context) (int, error) {
	log := logger.FromContextOrDefault(ctx, p.logger)
	now := time.Now().UTC()

	// Sweep abandoned leases first so their tasks are eligible this cycle.
	reclaimed, err := p.tasks.ReclaimExpired(ctx, now)
	if err != nil {
		log.Error("failed to reclaim expired leases",
			slog.String("error", err.Error()))
	} else if reclaimed > 0 {
		metrics.RecordLeasesReclaimed(reclaimed)
	}

	candidates, err := p.tasks.FindEligible(ctx, now, p.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to find eligible tasks: %w", err)
	}

	processed := 0
	for _, t := range candidates {
		if err := ctx.Err(); err != nil {
			return processed, err
		}

		handler, ok := p.registry.Resolve(t.Type)
		if !ok {
			// No handler for this type: leave the task alone. It was
			// never claimed, keeps its payload and attempts, and stays
			// eligible for a worker that does know the type.
			log.Warn("no handler registered for task type",
				slog.String("task_id", t.ID.String()),
				slog.String("task_type", t.Type))
			continue
		}

		won, err := p.tasks.Lease(ctx, t.ID, p.config.Owner, now.Add(p.config.LeaseDuration))
		if err != nil {
			log.Error("failed to lease task",
				slog.String("error", err.Error()),
				slog.String("task_id", t.ID.String()))
			continue
		}
		if !won {
			metrics.RecordLeaseContention()
			continue
		}

		if p.finalize(ctx, t, handler) {
			processed++
		}
	}

	if processed > 0 || len(candidates) > 0 {
		log.Info("processing cycle finished",
			slog.Int("candidates", len(candidates)),
			slog.Int("processed", processed))
	}
	return processed, nil
}

// finalize runs the handler and commits its outcome. It returns true if the
// task reached a terminal status.
func (p *Processor) finalize(ctx context.Context, t *domain.ScheduledTask, h Handler) bool {
	log := logger.FromContextOrDefault(ctx, p.logger).With(
		slog.String("task_id", t.ID.String()),
		slog.String("task_type", t.Type),
		slog.String("tenant_id", t.TenantID.String()),
	)
	ctx = logger.WithLogger(ctx, log)

	start := time.Now()
	status, panicked, err := p.runInTransaction(ctx, t, h)
	metrics.ObserveTaskDuration(t.Type, time.Since(start))

	if err != nil {
		if panicked {
			// The transaction rolled back; nothing the handler wrote
			// survived. The panic is a permanent failure for this task.
			log.Error("handler panicked", slog.String("error", err.Error()))
			if failErr := p.tasks.Fail(ctx, t.ID, p.config.Owner, err.Error()); failErr != nil {
				log.Error("failed to mark panicked task failed",
					slog.String("error", failErr.Error()))
				return false
			}
			metrics.RecordTaskProcessed(t.Type, "failed")
			return true
		}

		// The finalization transaction itself failed. Hand the task back
		// so another cycle can retry it; if even that fails, the stale
		// lease sweep will recover it once the lease expires.
		log.Error("task finalization failed", slog.String("error", err.Error()))
		if relErr := p.tasks.ReleaseUntouched(ctx, t.ID, p.config.Owner); relErr != nil {
			log.Error("failed to release task after transaction failure",
				slog.String("error", relErr.Error()))
		}
		return false
	}

	switch status {
	case domain.TaskStatusCompleted:
		metrics.RecordTaskProcessed(t.Type, "completed")
		return true
	case domain.TaskStatusFailed:
		metrics.RecordTaskProcessed(t.Type, "failed")
		return true
	default:
		// Released back to ready for another attempt.
		metrics.RecordTaskReleased(t.Type)
		return false
	}
}

// runInTransaction invokes the handler and the status transition within one
// transaction. Handler writes commit together with the transition, including
// on failure outcomes: a declined charge keeps its ledger row. Panics roll
// everything back and are reported with panicked = true.
func (p *Processor) runInTransaction(
	ctx context.Context,
	t *domain.ScheduledTask,
	h Handler,
) (status domain.TaskStatus, panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	err = p.txRunner.RunInTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		txDeps := p.deps.WithTx(tx)
		txTasks := p.tasks.WithTx(tx)

		result := h.Handle(ctx, TenantContext{TenantID: t.TenantID}, t.Payload, txDeps)

		switch result.Outcome {
		case OutcomeSuccess:
			status = domain.TaskStatusCompleted
			return txTasks.Complete(ctx, t.ID, p.config.Owner)
		case OutcomeRetry:
			released, err := txTasks.Release(ctx, t.ID, p.config.Owner, errString(result.Err))
			if err != nil {
				return err
			}
			status = released
			return nil
		default:
			status = domain.TaskStatusFailed
			return txTasks.Fail(ctx, t.ID, p.config.Owner, errString(result.Err))
		}
	})
	return status, false, err
}

// errString renders a handler error for the last_error column.
func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
