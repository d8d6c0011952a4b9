package task

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/subscriptionengine/subworker/internal/domain"
	"github.com/subscriptionengine/subworker/internal/store"
)

// MockTaskStore implements store.TaskStore in memory for testing.
// The leasing methods keep the real conditional-update semantics: a Lease
// call succeeds only when the task is still READY, and the finalization
// methods only match a task leased by the calling owner.
type MockTaskStore struct {
	mutex sync.Mutex
	tasks map[uuid.UUID]*domain.ScheduledTask

	// Optional overrides for failure injection.
	EnqueueFn      func(ctx context.Context, t *domain.ScheduledTask) error
	FindEligibleFn func(ctx context.Context, now time.Time, limit int) ([]*domain.ScheduledTask, error)
	LeaseFn        func(ctx context.Context, id uuid.UUID, owner string, until time.Time) (bool, error)
	CompleteFn     func(ctx context.Context, id uuid.UUID, owner string) error
	FailFn         func(ctx context.Context, id uuid.UUID, owner string, lastError string) error
}

// NewMockTaskStore creates an empty in-memory task store.
func NewMockTaskStore() *MockTaskStore {
	return &MockTaskStore{
		tasks: make(map[uuid.UUID]*domain.ScheduledTask),
	}
}

// Ensure MockTaskStore implements store.TaskStore
var _ store.TaskStore = (*MockTaskStore)(nil)

// Seed inserts a task directly, bypassing validation and key checks.
func (s *MockTaskStore) Seed(t *domain.ScheduledTask) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	copied := *t
	s.tasks[t.ID] = &copied
}

// Get returns the stored task by ID, for assertions.
func (s *MockTaskStore) Get(id uuid.UUID) (*domain.ScheduledTask, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	copied := *t
	return &copied, true
}

// Enqueue implements store.TaskStore.Enqueue
func (s *MockTaskStore) Enqueue(ctx context.Context, t *domain.ScheduledTask) error {
	if s.EnqueueFn != nil {
		return s.EnqueueFn(ctx, t)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if t.TaskKey != "" {
		for _, existing := range s.tasks {
			if existing.TenantID == t.TenantID && existing.TaskKey == t.TaskKey {
				return fmt.Errorf("%w: %s", store.ErrTaskKeyExists, t.TaskKey)
			}
		}
	}

	copied := *t
	s.tasks[t.ID] = &copied
	return nil
}

// GetByID implements store.TaskStore.GetByID
func (s *MockTaskStore) GetByID(
	ctx context.Context,
	tenantID, id uuid.UUID,
) (*domain.ScheduledTask, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	t, ok := s.tasks[id]
	if !ok || t.TenantID != tenantID {
		return nil, store.ErrTaskNotFound
	}
	copied := *t
	return &copied, nil
}

// FindByKey implements store.TaskStore.FindByKey
func (s *MockTaskStore) FindByKey(
	ctx context.Context,
	tenantID uuid.UUID,
	taskKey string,
) (*domain.ScheduledTask, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, t := range s.tasks {
		if t.TenantID == tenantID && t.TaskKey == taskKey {
			copied := *t
			return &copied, nil
		}
	}
	return nil, store.ErrTaskNotFound
}

// FindEligible implements store.TaskStore.FindEligible
func (s *MockTaskStore) FindEligible(
	ctx context.Context,
	now time.Time,
	limit int,
) ([]*domain.ScheduledTask, error) {
	if s.FindEligibleFn != nil {
		return s.FindEligibleFn(ctx, now, limit)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	var eligible []*domain.ScheduledTask
	for _, t := range s.tasks {
		if t.Status == domain.TaskStatusReady && !t.DueAt.After(now) {
			copied := *t
			eligible = append(eligible, &copied)
		}
	}

	// Oldest work first: due_at, then created_at as the tiebreaker.
	sort.Slice(eligible, func(i, j int) bool {
		if !eligible[i].DueAt.Equal(eligible[j].DueAt) {
			return eligible[i].DueAt.Before(eligible[j].DueAt)
		}
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})

	if limit > 0 && len(eligible) > limit {
		eligible = eligible[:limit]
	}
	return eligible, nil
}

// Lease implements store.TaskStore.Lease
func (s *MockTaskStore) Lease(
	ctx context.Context,
	id uuid.UUID,
	owner string,
	until time.Time,
) (bool, error) {
	if s.LeaseFn != nil {
		return s.LeaseFn(ctx, id, owner, until)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	t, ok := s.tasks[id]
	if !ok || t.Status != domain.TaskStatusReady {
		return false, nil
	}

	t.Status = domain.TaskStatusLeased
	t.LockOwner = owner
	u := until
	t.LockedUntil = &u
	t.UpdatedAt = time.Now().UTC()
	return true, nil
}

// Complete implements store.TaskStore.Complete
func (s *MockTaskStore) Complete(ctx context.Context, id uuid.UUID, owner string) error {
	if s.CompleteFn != nil {
		return s.CompleteFn(ctx, id, owner)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	t, ok := s.tasks[id]
	if !ok || t.Status != domain.TaskStatusLeased || t.LockOwner != owner {
		return fmt.Errorf("%w: task %s not leased by %s", store.ErrUpdateFailed, id, owner)
	}

	now := time.Now().UTC()
	t.Status = domain.TaskStatusCompleted
	t.LockOwner = ""
	t.LockedUntil = nil
	t.CompletedAt = &now
	t.UpdatedAt = now
	return nil
}

// Fail implements store.TaskStore.Fail
func (s *MockTaskStore) Fail(ctx context.Context, id uuid.UUID, owner string, lastError string) error {
	if s.FailFn != nil {
		return s.FailFn(ctx, id, owner, lastError)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	t, ok := s.tasks[id]
	if !ok || t.Status != domain.TaskStatusLeased || t.LockOwner != owner {
		return fmt.Errorf("%w: task %s not leased by %s", store.ErrUpdateFailed, id, owner)
	}

	t.Status = domain.TaskStatusFailed
	t.LockOwner = ""
	t.LockedUntil = nil
	t.LastError = lastError
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// Release implements store.TaskStore.Release
func (s *MockTaskStore) Release(
	ctx context.Context,
	id uuid.UUID,
	owner string,
	lastError string,
) (domain.TaskStatus, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	t, ok := s.tasks[id]
	if !ok || t.Status != domain.TaskStatusLeased || t.LockOwner != owner {
		return "", fmt.Errorf("%w: task %s not leased by %s", store.ErrUpdateFailed, id, owner)
	}

	t.AttemptCount++
	t.LastError = lastError
	t.LockOwner = ""
	t.LockedUntil = nil
	t.UpdatedAt = time.Now().UTC()
	if t.AttemptCount >= t.MaxAttempts {
		t.Status = domain.TaskStatusFailed
	} else {
		t.Status = domain.TaskStatusReady
	}
	return t.Status, nil
}

// ReleaseUntouched implements store.TaskStore.ReleaseUntouched
func (s *MockTaskStore) ReleaseUntouched(ctx context.Context, id uuid.UUID, owner string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	t, ok := s.tasks[id]
	if !ok || t.Status != domain.TaskStatusLeased || t.LockOwner != owner {
		return fmt.Errorf("%w: task %s not leased by %s", store.ErrUpdateFailed, id, owner)
	}

	t.Status = domain.TaskStatusReady
	t.LockOwner = ""
	t.LockedUntil = nil
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// ReclaimExpired implements store.TaskStore.ReclaimExpired
func (s *MockTaskStore) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	count := 0
	for _, t := range s.tasks {
		if t.Status == domain.TaskStatusLeased && t.LockedUntil != nil && t.LockedUntil.Before(now) {
			t.Status = domain.TaskStatusReady
			t.LockOwner = ""
			t.LockedUntil = nil
			t.UpdatedAt = now
			count++
		}
	}
	return count, nil
}

// FailForSubscription implements store.TaskStore.FailForSubscription
func (s *MockTaskStore) FailForSubscription(
	ctx context.Context,
	tenantID, subscriptionID uuid.UUID,
	taskType string,
	reason string,
) ([]uuid.UUID, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var ids []uuid.UUID
	match := fmt.Sprintf("%q:%q", "subscription_id", subscriptionID.String())
	for _, t := range s.tasks {
		if t.TenantID != tenantID || t.Type != taskType || t.Terminal() {
			continue
		}
		if !payloadContains(t.Payload, match) {
			continue
		}
		t.Status = domain.TaskStatusFailed
		t.LastError = reason
		t.LockOwner = ""
		t.LockedUntil = nil
		t.UpdatedAt = time.Now().UTC()
		ids = append(ids, t.ID)
	}
	return ids, nil
}

// CountByStatus implements store.TaskStore.CountByStatus
func (s *MockTaskStore) CountByStatus(
	ctx context.Context,
	tenantID uuid.UUID,
) (map[domain.TaskStatus]int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	counts := make(map[domain.TaskStatus]int)
	for _, t := range s.tasks {
		if t.TenantID == tenantID {
			counts[t.Status]++
		}
	}
	return counts, nil
}

// CountAll implements store.TaskStore.CountAll
func (s *MockTaskStore) CountAll(ctx context.Context, tenantID uuid.UUID) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	count := 0
	for _, t := range s.tasks {
		if t.TenantID == tenantID {
			count++
		}
	}
	return count, nil
}

// WithTx implements store.TaskStore.WithTx
// The mock has no transactions; it returns itself.
func (s *MockTaskStore) WithTx(tx *sql.Tx) store.TaskStore {
	return s
}

// payloadContains reports whether the raw JSON contains the given
// key-value fragment. Good enough for the mock's payload matching.
func payloadContains(payload []byte, fragment string) bool {
	return len(payload) > 0 && strings.Contains(string(payload), fragment)
}
