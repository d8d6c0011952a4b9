package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/subscriptionengine/subworker/internal/domain"
	"github.com/subscriptionengine/subworker/internal/store"
)

const testTaskType = "TEST_TASK"

// stubHandler is a configurable handler for processor tests.
type stubHandler struct {
	taskType string
	calls    atomic.Int64
	handleFn func(ctx context.Context, tc TenantContext, payload json.RawMessage, deps Deps) Result
}

func (h *stubHandler) Type() string {
	return h.taskType
}

func (h *stubHandler) Handle(
	ctx context.Context,
	tc TenantContext,
	payload json.RawMessage,
	deps Deps,
) Result {
	h.calls.Add(1)
	if h.handleFn == nil {
		return Success()
	}
	return h.handleFn(ctx, tc, payload, deps)
}

// testEnv bundles the mocks a processor test works against.
type testEnv struct {
	tasks     *MockTaskStore
	txRunner  *MockTxRunner
	registry  *Registry
	deps      Deps
	processor *Processor
}

func newTestEnv(t *testing.T, handlers ...Handler) *testEnv {
	t.Helper()

	tasks := NewMockTaskStore()
	txRunner := NewMockTxRunner()
	registry := NewRegistry()
	for _, h := range handlers {
		require.NoError(t, registry.Register(h), "registering handler should succeed")
	}

	deps := Deps{
		Tasks:         tasks,
		Subscriptions: NewMockSubscriptionStore(),
		Invoices:      NewMockInvoiceStore(),
		Deliveries:    NewMockDeliveryStore(),
		Entitlements:  NewMockEntitlementStore(),
		Outbox:        NewMockOutboxStore(),
	}

	config := ProcessorConfig{
		Owner:         "worker-test",
		BatchSize:     20,
		LeaseDuration: 2 * time.Minute,
	}

	return &testEnv{
		tasks:     tasks,
		txRunner:  txRunner,
		registry:  registry,
		deps:      deps,
		processor: NewProcessor(tasks, txRunner, deps, registry, config, nil),
	}
}

// seedReadyTask creates a READY task due in the past and stores it.
func (e *testEnv) seedReadyTask(t *testing.T, tenantID uuid.UUID, taskType string) *domain.ScheduledTask {
	t.Helper()

	task, err := domain.NewScheduledTask(
		tenantID,
		taskType,
		"",
		json.RawMessage(`{}`),
		time.Now().UTC().Add(-time.Minute),
	)
	require.NoError(t, err, "creating task should succeed")
	e.tasks.Seed(task)
	return task
}

func TestProcessAvailableTasksCompletesReadyTasks(t *testing.T) {
	t.Parallel()

	handler := &stubHandler{taskType: testTaskType}
	env := newTestEnv(t, handler)
	tenantID := uuid.New()

	var seeded []*domain.ScheduledTask
	for i := 0; i < 3; i++ {
		seeded = append(seeded, env.seedReadyTask(t, tenantID, testTaskType))
	}

	processed, err := env.processor.ProcessAvailableTasks(context.Background())
	require.NoError(t, err, "processing cycle should succeed")
	assert.Equal(t, 3, processed, "all ready tasks should be processed")
	assert.Equal(t, int64(3), handler.calls.Load(), "handler should run once per task")

	for _, seededTask := range seeded {
		stored, ok := env.tasks.Get(seededTask.ID)
		require.True(t, ok, "task should still exist")
		assert.Equal(t, domain.TaskStatusCompleted, stored.Status, "task should be completed")
		assert.Empty(t, stored.LockOwner, "lease should be cleared on completion")
		assert.NotNil(t, stored.CompletedAt, "completion time should be recorded")
	}
}

func TestProcessAvailableTasksEmptyQueue(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &stubHandler{taskType: testTaskType})

	processed, err := env.processor.ProcessAvailableTasks(context.Background())
	require.NoError(t, err, "an empty queue is not an error")
	assert.Zero(t, processed, "nothing should be processed")
}

func TestProcessAvailableTasksSkipsFutureTasks(t *testing.T) {
	t.Parallel()

	handler := &stubHandler{taskType: testTaskType}
	env := newTestEnv(t, handler)

	future, err := domain.NewScheduledTask(
		uuid.New(),
		testTaskType,
		"",
		json.RawMessage(`{}`),
		time.Now().UTC().Add(time.Hour),
	)
	require.NoError(t, err)
	env.tasks.Seed(future)

	processed, err := env.processor.ProcessAvailableTasks(context.Background())
	require.NoError(t, err)
	assert.Zero(t, processed, "a task due in the future is not eligible")
	assert.Zero(t, handler.calls.Load(), "handler should not run")
}

func TestProcessAvailableTasksUnknownTypeStaysReady(t *testing.T) {
	t.Parallel()

	// Only TEST_TASK is registered; the seeded type is not.
	env := newTestEnv(t, &stubHandler{taskType: testTaskType})
	seeded := env.seedReadyTask(t, uuid.New(), "UNKNOWN_TYPE")

	processed, err := env.processor.ProcessAvailableTasks(context.Background())
	require.NoError(t, err, "an unknown type does not fail the cycle")
	assert.Zero(t, processed, "a skipped task is not counted")

	stored, ok := env.tasks.Get(seeded.ID)
	require.True(t, ok)
	assert.Equal(t, domain.TaskStatusReady, stored.Status, "task should remain ready")
	assert.Empty(t, stored.LockOwner, "task should never have been leased")
	assert.Zero(t, stored.AttemptCount, "no attempt should be consumed")
}

func TestProcessAvailableTasksLostLeaseRace(t *testing.T) {
	t.Parallel()

	handler := &stubHandler{taskType: testTaskType}
	env := newTestEnv(t, handler)
	env.seedReadyTask(t, uuid.New(), testTaskType)

	// Another worker wins every lease.
	env.tasks.LeaseFn = func(ctx context.Context, id uuid.UUID, owner string, until time.Time) (bool, error) {
		return false, nil
	}

	processed, err := env.processor.ProcessAvailableTasks(context.Background())
	require.NoError(t, err)
	assert.Zero(t, processed, "a lost lease race is not counted")
	assert.Zero(t, handler.calls.Load(), "handler must not run without a lease")
}

func TestProcessAvailableTasksHandlerPanicFailsTask(t *testing.T) {
	t.Parallel()

	handler := &stubHandler{
		taskType: testTaskType,
		handleFn: func(ctx context.Context, tc TenantContext, payload json.RawMessage, deps Deps) Result {
			panic("boom")
		},
	}
	env := newTestEnv(t, handler)
	seeded := env.seedReadyTask(t, uuid.New(), testTaskType)

	processed, err := env.processor.ProcessAvailableTasks(context.Background())
	require.NoError(t, err, "a panicking handler does not fail the cycle")
	assert.Equal(t, 1, processed, "a panicked task reaches a terminal status and is counted")

	stored, ok := env.tasks.Get(seeded.ID)
	require.True(t, ok)
	assert.Equal(t, domain.TaskStatusFailed, stored.Status, "panicked task should be failed")
	assert.Contains(t, stored.LastError, "handler panic", "panic detail should be recorded")
}

func TestProcessAvailableTasksRetryConsumesAttempts(t *testing.T) {
	t.Parallel()

	handler := &stubHandler{
		taskType: testTaskType,
		handleFn: func(ctx context.Context, tc TenantContext, payload json.RawMessage, deps Deps) Result {
			return Retry(errors.New("gateway unavailable"))
		},
	}
	env := newTestEnv(t, handler)
	seeded := env.seedReadyTask(t, uuid.New(), testTaskType)
	require.Equal(t, domain.DefaultMaxAttempts, seeded.MaxAttempts)

	// Each cycle consumes one attempt until the budget is spent.
	for attempt := 1; attempt < seeded.MaxAttempts; attempt++ {
		processed, err := env.processor.ProcessAvailableTasks(context.Background())
		require.NoError(t, err)
		assert.Zero(t, processed, "a released task is not counted on attempt %d", attempt)

		stored, ok := env.tasks.Get(seeded.ID)
		require.True(t, ok)
		assert.Equal(t, domain.TaskStatusReady, stored.Status, "task should be ready again")
		assert.Equal(t, attempt, stored.AttemptCount, "attempt count should increment")
		assert.Equal(t, "gateway unavailable", stored.LastError)
	}

	processed, err := env.processor.ProcessAvailableTasks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, processed, "exhausting the attempt budget is terminal and counted")

	stored, ok := env.tasks.Get(seeded.ID)
	require.True(t, ok)
	assert.Equal(t, domain.TaskStatusFailed, stored.Status, "task should fail at max attempts")
	assert.Equal(t, stored.MaxAttempts, stored.AttemptCount)
}

func TestProcessAvailableTasksTransactionFailureReleasesUntouched(t *testing.T) {
	t.Parallel()

	handler := &stubHandler{taskType: testTaskType}
	env := newTestEnv(t, handler)
	seeded := env.seedReadyTask(t, uuid.New(), testTaskType)

	env.txRunner.RunFn = func(ctx context.Context, fn store.TxFn) error {
		return fmt.Errorf("begin transaction: connection refused")
	}

	processed, err := env.processor.ProcessAvailableTasks(context.Background())
	require.NoError(t, err, "a finalization failure does not fail the cycle")
	assert.Zero(t, processed, "a task released untouched is not counted")

	stored, ok := env.tasks.Get(seeded.ID)
	require.True(t, ok)
	assert.Equal(t, domain.TaskStatusReady, stored.Status, "task should be handed back")
	assert.Zero(t, stored.AttemptCount, "an infrastructure failure must not consume an attempt")
	assert.Empty(t, stored.LockOwner, "lease should be cleared")
}

func TestProcessAvailableTasksFindEligibleError(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &stubHandler{taskType: testTaskType})
	env.tasks.FindEligibleFn = func(ctx context.Context, now time.Time, limit int) ([]*domain.ScheduledTask, error) {
		return nil, errors.New("connection reset")
	}

	processed, err := env.processor.ProcessAvailableTasks(context.Background())
	assert.Error(t, err, "a failed query fails the cycle")
	assert.Zero(t, processed)
}

func TestProcessAvailableTasksReclaimsExpiredLeases(t *testing.T) {
	t.Parallel()

	handler := &stubHandler{taskType: testTaskType}
	env := newTestEnv(t, handler)

	// A task abandoned by a crashed worker: leased, lease long expired.
	abandoned, err := domain.NewScheduledTask(
		uuid.New(),
		testTaskType,
		"",
		json.RawMessage(`{}`),
		time.Now().UTC().Add(-time.Hour),
	)
	require.NoError(t, err)
	expired := time.Now().UTC().Add(-10 * time.Minute)
	abandoned.Status = domain.TaskStatusLeased
	abandoned.LockOwner = "worker-crashed"
	abandoned.LockedUntil = &expired
	env.tasks.Seed(abandoned)

	processed, err := env.processor.ProcessAvailableTasks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, processed, "a reclaimed task should be processed in the same cycle")

	stored, ok := env.tasks.Get(abandoned.ID)
	require.True(t, ok)
	assert.Equal(t, domain.TaskStatusCompleted, stored.Status)
}

func TestProcessAvailableTasksHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	handler := &stubHandler{
		taskType: testTaskType,
		handleFn: func(ctx context.Context, tc TenantContext, payload json.RawMessage, deps Deps) Result {
			cancel()
			return Success()
		},
	}
	env := newTestEnv(t, handler)
	env.seedReadyTask(t, uuid.New(), testTaskType)
	env.seedReadyTask(t, uuid.New(), testTaskType)

	processed, err := env.processor.ProcessAvailableTasks(ctx)
	assert.ErrorIs(t, err, context.Canceled, "cancellation should stop the cycle")
	assert.Equal(t, 1, processed, "the first task finishes before the check")
	assert.Equal(t, int64(1), handler.calls.Load(), "the second task should not start")
}

func TestProcessAvailableTasksHandlerWritesVisibleThroughDeps(t *testing.T) {
	t.Parallel()

	tenantID := uuid.New()
	handler := &stubHandler{
		taskType: testTaskType,
		handleFn: func(ctx context.Context, tc TenantContext, payload json.RawMessage, deps Deps) Result {
			event, err := domain.NewOutboxEvent(tc.TenantID, domain.EventInvoicePaid, "", nil)
			if err != nil {
				return Fail(err)
			}
			if err := deps.Outbox.Append(ctx, event); err != nil {
				return Retry(err)
			}
			return Success()
		},
	}
	env := newTestEnv(t, handler)
	env.seedReadyTask(t, tenantID, testTaskType)

	processed, err := env.processor.ProcessAvailableTasks(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, processed)

	outbox := env.deps.Outbox.(*MockOutboxStore)
	events := outbox.Events()
	require.Len(t, events, 1, "the handler's event should be recorded")
	assert.Equal(t, tenantID, events[0].TenantID, "event should carry the task's tenant")
}

func TestFindEligibleOrdersOldestFirst(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	tenantID := uuid.New()
	now := time.Now().UTC()

	later := env.seedReadyTask(t, tenantID, testTaskType)
	laterStored, ok := env.tasks.Get(later.ID)
	require.True(t, ok)
	laterStored.DueAt = now.Add(-time.Minute)
	env.tasks.Seed(laterStored)

	earlier := env.seedReadyTask(t, tenantID, testTaskType)
	earlierStored, ok := env.tasks.Get(earlier.ID)
	require.True(t, ok)
	earlierStored.DueAt = now.Add(-time.Hour)
	env.tasks.Seed(earlierStored)

	// Same due time as later, but enqueued first: created_at breaks the tie.
	tied := env.seedReadyTask(t, tenantID, testTaskType)
	tiedStored, ok := env.tasks.Get(tied.ID)
	require.True(t, ok)
	tiedStored.DueAt = now.Add(-time.Minute)
	tiedStored.CreatedAt = laterStored.CreatedAt.Add(-time.Second)
	env.tasks.Seed(tiedStored)

	eligible, err := env.tasks.FindEligible(context.Background(), now, 10)
	require.NoError(t, err)
	require.Len(t, eligible, 3)

	assert.Equal(t, earlier.ID, eligible[0].ID, "earliest due task comes first")
	assert.Equal(t, tied.ID, eligible[1].ID, "equal due times order by creation")
	assert.Equal(t, later.ID, eligible[2].ID)
}

func TestConcurrentProcessorsNeverDoubleExecute(t *testing.T) {
	t.Parallel()

	handler := &stubHandler{taskType: testTaskType}
	env := newTestEnv(t, handler)
	tenantID := uuid.New()

	const seeded = 12
	for i := 0; i < seeded; i++ {
		env.seedReadyTask(t, tenantID, testTaskType)
	}

	// A second worker with its own identity competes over the same store.
	// The lease CAS decides who runs each task; the loser skips it.
	rival := NewProcessor(env.tasks, env.txRunner, env.deps, env.registry, ProcessorConfig{
		Owner:         "worker-rival",
		BatchSize:     20,
		LeaseDuration: 2 * time.Minute,
	}, nil)

	var total atomic.Int64
	var wg sync.WaitGroup
	for _, p := range []*Processor{env.processor, rival} {
		wg.Add(1)
		go func(p *Processor) {
			defer wg.Done()
			processed, err := p.ProcessAvailableTasks(context.Background())
			assert.NoError(t, err, "concurrent cycle should succeed")
			total.Add(int64(processed))
		}(p)
	}
	wg.Wait()

	assert.Equal(t, int64(seeded), total.Load(),
		"each task counts toward exactly one worker's cycle")
	assert.Equal(t, int64(seeded), handler.calls.Load(),
		"each task must run exactly once across both workers")

	counts, err := env.tasks.CountByStatus(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, seeded, counts[domain.TaskStatusCompleted], "every task should complete")

	all, err := env.tasks.CountAll(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, seeded, all)
}

func TestOutboxListByTypeFiltersTenantAndType(t *testing.T) {
	t.Parallel()

	outbox := NewMockOutboxStore()
	tenantA := uuid.New()
	tenantB := uuid.New()

	appendEvent := func(tenantID uuid.UUID, eventType, key string) {
		event, err := domain.NewOutboxEvent(tenantID, eventType, key, nil)
		require.NoError(t, err)
		require.NoError(t, outbox.Append(context.Background(), event))
	}

	appendEvent(tenantA, domain.EventInvoicePaid, "invoice_1")
	appendEvent(tenantA, domain.EventInvoicePaid, "invoice_2")
	appendEvent(tenantA, domain.EventDeliveryScheduled, "delivery_1")
	appendEvent(tenantB, domain.EventInvoicePaid, "invoice_3")

	events, err := outbox.ListByType(context.Background(), tenantA, domain.EventInvoicePaid, 0)
	require.NoError(t, err)
	require.Len(t, events, 2, "only tenant A's invoice.paid events")
	for _, e := range events {
		assert.Equal(t, tenantA, e.TenantID)
		assert.Equal(t, domain.EventInvoicePaid, e.EventType)
	}

	limited, err := outbox.ListByType(context.Background(), tenantA, domain.EventInvoicePaid, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1, "limit caps the result")
}

func TestNewProcessorDefaults(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	p := NewProcessor(env.tasks, env.txRunner, env.deps, env.registry, ProcessorConfig{}, nil)
	assert.NotEmpty(t, p.Owner(), "a default owner should be generated")
}

func TestNewProcessorPanicsOnNilStores(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	assert.Panics(t, func() {
		NewProcessor(nil, env.txRunner, env.deps, env.registry, ProcessorConfig{}, nil)
	}, "nil task store should panic")
	assert.Panics(t, func() {
		NewProcessor(env.tasks, nil, env.deps, env.registry, ProcessorConfig{}, nil)
	}, "nil tx runner should panic")
	assert.Panics(t, func() {
		NewProcessor(env.tasks, env.txRunner, env.deps, nil, ProcessorConfig{}, nil)
	}, "nil registry should panic")
}
