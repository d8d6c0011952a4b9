package task

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/subscriptionengine/subworker/internal/domain"
	"github.com/subscriptionengine/subworker/internal/store"
)

// MockTxRunner implements store.TxRunner without a database. It invokes
// the function with a nil transaction; the mock stores ignore WithTx so
// this still exercises the same code paths.
type MockTxRunner struct {
	// RunFn overrides the default behavior when set.
	RunFn func(ctx context.Context, fn store.TxFn) error
}

// NewMockTxRunner creates a runner that simply invokes the function.
func NewMockTxRunner() *MockTxRunner {
	return &MockTxRunner{}
}

var _ store.TxRunner = (*MockTxRunner)(nil)

// RunInTransaction implements store.TxRunner.RunInTransaction
func (r *MockTxRunner) RunInTransaction(ctx context.Context, fn store.TxFn) error {
	if r.RunFn != nil {
		return r.RunFn(ctx, fn)
	}
	return fn(ctx, nil)
}

// MockSubscriptionStore implements store.SubscriptionStore in memory.
type MockSubscriptionStore struct {
	mutex sync.Mutex
	subs  map[uuid.UUID]*domain.Subscription

	UpdateFn func(ctx context.Context, sub *domain.Subscription) error
}

// NewMockSubscriptionStore creates an empty in-memory subscription store.
func NewMockSubscriptionStore() *MockSubscriptionStore {
	return &MockSubscriptionStore{subs: make(map[uuid.UUID]*domain.Subscription)}
}

var _ store.SubscriptionStore = (*MockSubscriptionStore)(nil)

// Seed inserts a subscription directly.
func (s *MockSubscriptionStore) Seed(sub *domain.Subscription) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	copied := *sub
	s.subs[sub.ID] = &copied
}

// Get returns the stored subscription by ID, for assertions.
func (s *MockSubscriptionStore) Get(id uuid.UUID) (*domain.Subscription, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, false
	}
	copied := *sub
	return &copied, true
}

// Create implements store.SubscriptionStore.Create
func (s *MockSubscriptionStore) Create(ctx context.Context, sub *domain.Subscription) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, exists := s.subs[sub.ID]; exists {
		return store.ErrDuplicate
	}
	copied := *sub
	s.subs[sub.ID] = &copied
	return nil
}

// GetByID implements store.SubscriptionStore.GetByID
func (s *MockSubscriptionStore) GetByID(
	ctx context.Context,
	tenantID, id uuid.UUID,
) (*domain.Subscription, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	sub, ok := s.subs[id]
	if !ok || sub.TenantID != tenantID {
		return nil, store.ErrSubscriptionNotFound
	}
	copied := *sub
	return &copied, nil
}

// Update implements store.SubscriptionStore.Update
func (s *MockSubscriptionStore) Update(ctx context.Context, sub *domain.Subscription) error {
	if s.UpdateFn != nil {
		return s.UpdateFn(ctx, sub)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	existing, ok := s.subs[sub.ID]
	if !ok || existing.TenantID != sub.TenantID {
		return store.ErrSubscriptionNotFound
	}
	copied := *sub
	s.subs[sub.ID] = &copied
	return nil
}

// UpdateStatus implements store.SubscriptionStore.UpdateStatus
func (s *MockSubscriptionStore) UpdateStatus(
	ctx context.Context,
	tenantID, id uuid.UUID,
	from, to domain.SubscriptionStatus,
) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	sub, ok := s.subs[id]
	if !ok || sub.TenantID != tenantID || sub.Status != from {
		return fmt.Errorf("%w: subscription %s not in status %s", store.ErrUpdateFailed, id, from)
	}
	sub.Status = to
	sub.UpdatedAt = time.Now().UTC()
	return nil
}

// WithTx implements store.SubscriptionStore.WithTx
func (s *MockSubscriptionStore) WithTx(tx *sql.Tx) store.SubscriptionStore {
	return s
}

// MockInvoiceStore implements store.InvoiceStore in memory.
type MockInvoiceStore struct {
	mutex    sync.Mutex
	invoices map[uuid.UUID]*domain.Invoice
	attempts []*domain.PaymentAttempt

	CreateFn       func(ctx context.Context, inv *domain.Invoice) error
	UpdateStatusFn func(ctx context.Context, tenantID, id uuid.UUID, from, to domain.InvoiceStatus) error
}

// NewMockInvoiceStore creates an empty in-memory invoice store.
func NewMockInvoiceStore() *MockInvoiceStore {
	return &MockInvoiceStore{invoices: make(map[uuid.UUID]*domain.Invoice)}
}

var _ store.InvoiceStore = (*MockInvoiceStore)(nil)

// Seed inserts an invoice directly.
func (s *MockInvoiceStore) Seed(inv *domain.Invoice) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	copied := *inv
	s.invoices[inv.ID] = &copied
}

// Get returns the stored invoice by ID, for assertions.
func (s *MockInvoiceStore) Get(id uuid.UUID) (*domain.Invoice, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return nil, false
	}
	copied := *inv
	return &copied, true
}

// All returns copies of every stored invoice.
func (s *MockInvoiceStore) All() []*domain.Invoice {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	out := make([]*domain.Invoice, 0, len(s.invoices))
	for _, inv := range s.invoices {
		copied := *inv
		out = append(out, &copied)
	}
	return out
}

// Create implements store.InvoiceStore.Create
func (s *MockInvoiceStore) Create(ctx context.Context, inv *domain.Invoice) error {
	if s.CreateFn != nil {
		return s.CreateFn(ctx, inv)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, exists := s.invoices[inv.ID]; exists {
		return store.ErrDuplicate
	}
	copied := *inv
	s.invoices[inv.ID] = &copied
	return nil
}

// GetByID implements store.InvoiceStore.GetByID
func (s *MockInvoiceStore) GetByID(
	ctx context.Context,
	tenantID, id uuid.UUID,
) (*domain.Invoice, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	inv, ok := s.invoices[id]
	if !ok || inv.TenantID != tenantID {
		return nil, store.ErrInvoiceNotFound
	}
	copied := *inv
	return &copied, nil
}

// UpdateStatus implements store.InvoiceStore.UpdateStatus
func (s *MockInvoiceStore) UpdateStatus(
	ctx context.Context,
	tenantID, id uuid.UUID,
	from, to domain.InvoiceStatus,
) error {
	if s.UpdateStatusFn != nil {
		return s.UpdateStatusFn(ctx, tenantID, id, from, to)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	inv, ok := s.invoices[id]
	if !ok || inv.TenantID != tenantID || inv.Status != from {
		return fmt.Errorf("%w: invoice %s not in status %s", store.ErrUpdateFailed, id, from)
	}
	now := time.Now().UTC()
	inv.Status = to
	if to == domain.InvoiceStatusPaid {
		inv.PaidAt = &now
	}
	inv.UpdatedAt = now
	return nil
}

// RecordPaymentAttempt implements store.InvoiceStore.RecordPaymentAttempt
func (s *MockInvoiceStore) RecordPaymentAttempt(
	ctx context.Context,
	attempt *domain.PaymentAttempt,
) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	copied := *attempt
	s.attempts = append(s.attempts, &copied)
	return nil
}

// ListPaymentAttempts implements store.InvoiceStore.ListPaymentAttempts
func (s *MockInvoiceStore) ListPaymentAttempts(
	ctx context.Context,
	tenantID, invoiceID uuid.UUID,
) ([]*domain.PaymentAttempt, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	var out []*domain.PaymentAttempt
	for _, a := range s.attempts {
		if a.TenantID == tenantID && a.InvoiceID == invoiceID {
			copied := *a
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptedAt.Before(out[j].AttemptedAt) })
	return out, nil
}

// WithTx implements store.InvoiceStore.WithTx
func (s *MockInvoiceStore) WithTx(tx *sql.Tx) store.InvoiceStore {
	return s
}

// MockDeliveryStore implements store.DeliveryStore in memory.
type MockDeliveryStore struct {
	mutex      sync.Mutex
	deliveries map[uuid.UUID]*domain.DeliveryInstance

	CreateFn        func(ctx context.Context, d *domain.DeliveryInstance) error
	CancelPendingFn func(ctx context.Context, tenantID, subscriptionID uuid.UUID, reason string) ([]uuid.UUID, error)
}

// NewMockDeliveryStore creates an empty in-memory delivery store.
func NewMockDeliveryStore() *MockDeliveryStore {
	return &MockDeliveryStore{deliveries: make(map[uuid.UUID]*domain.DeliveryInstance)}
}

var _ store.DeliveryStore = (*MockDeliveryStore)(nil)

// Seed inserts a delivery directly.
func (s *MockDeliveryStore) Seed(d *domain.DeliveryInstance) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	copied := *d
	s.deliveries[d.ID] = &copied
}

// Get returns the stored delivery by ID, for assertions.
func (s *MockDeliveryStore) Get(id uuid.UUID) (*domain.DeliveryInstance, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return nil, false
	}
	copied := *d
	return &copied, true
}

// Create implements store.DeliveryStore.Create
func (s *MockDeliveryStore) Create(ctx context.Context, d *domain.DeliveryInstance) error {
	if s.CreateFn != nil {
		return s.CreateFn(ctx, d)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, existing := range s.deliveries {
		if existing.TenantID == d.TenantID && existing.CycleKey == d.CycleKey {
			return fmt.Errorf("%w: %s", store.ErrCycleKeyExists, d.CycleKey)
		}
	}
	copied := *d
	s.deliveries[d.ID] = &copied
	return nil
}

// GetByID implements store.DeliveryStore.GetByID
func (s *MockDeliveryStore) GetByID(
	ctx context.Context,
	tenantID, id uuid.UUID,
) (*domain.DeliveryInstance, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	d, ok := s.deliveries[id]
	if !ok || d.TenantID != tenantID {
		return nil, store.ErrDeliveryNotFound
	}
	copied := *d
	return &copied, nil
}

// FindByCycleKey implements store.DeliveryStore.FindByCycleKey
func (s *MockDeliveryStore) FindByCycleKey(
	ctx context.Context,
	tenantID uuid.UUID,
	cycleKey string,
) (*domain.DeliveryInstance, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, d := range s.deliveries {
		if d.TenantID == tenantID && d.CycleKey == cycleKey {
			copied := *d
			return &copied, nil
		}
	}
	return nil, store.ErrDeliveryNotFound
}

// Cancel implements store.DeliveryStore.Cancel
func (s *MockDeliveryStore) Cancel(
	ctx context.Context,
	tenantID, id uuid.UUID,
	reason string,
) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	d, ok := s.deliveries[id]
	if !ok || d.TenantID != tenantID || !d.Cancelable() {
		return fmt.Errorf("%w: delivery %s is not cancelable", store.ErrUpdateFailed, id)
	}
	now := time.Now().UTC()
	d.Status = domain.DeliveryStatusCanceled
	d.CancellationReason = reason
	d.CanceledAt = &now
	d.UpdatedAt = now
	return nil
}

// CancelPending implements store.DeliveryStore.CancelPending
func (s *MockDeliveryStore) CancelPending(
	ctx context.Context,
	tenantID, subscriptionID uuid.UUID,
	reason string,
) ([]uuid.UUID, error) {
	if s.CancelPendingFn != nil {
		return s.CancelPendingFn(ctx, tenantID, subscriptionID, reason)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	var ids []uuid.UUID
	now := time.Now().UTC()
	for _, d := range s.deliveries {
		if d.TenantID != tenantID || d.SubscriptionID != subscriptionID ||
			d.Status != domain.DeliveryStatusPending {
			continue
		}
		d.Status = domain.DeliveryStatusCanceled
		d.CancellationReason = reason
		d.CanceledAt = &now
		d.UpdatedAt = now
		ids = append(ids, d.ID)
	}
	return ids, nil
}

// WithTx implements store.DeliveryStore.WithTx
func (s *MockDeliveryStore) WithTx(tx *sql.Tx) store.DeliveryStore {
	return s
}

// MockEntitlementStore implements store.EntitlementStore in memory.
type MockEntitlementStore struct {
	mutex        sync.Mutex
	entitlements map[string]*domain.Entitlement
}

// NewMockEntitlementStore creates an empty in-memory entitlement store.
func NewMockEntitlementStore() *MockEntitlementStore {
	return &MockEntitlementStore{entitlements: make(map[string]*domain.Entitlement)}
}

var _ store.EntitlementStore = (*MockEntitlementStore)(nil)

// Seed inserts an entitlement directly.
func (s *MockEntitlementStore) Seed(ent *domain.Entitlement) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	copied := *ent
	s.entitlements[entitlementMapKey(ent.TenantID, ent.Key)] = &copied
}

// Upsert implements store.EntitlementStore.Upsert
func (s *MockEntitlementStore) Upsert(ctx context.Context, ent *domain.Entitlement) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	key := entitlementMapKey(ent.TenantID, ent.Key)
	if _, exists := s.entitlements[key]; exists {
		return false, nil
	}
	copied := *ent
	s.entitlements[key] = &copied
	return true, nil
}

// GetByKey implements store.EntitlementStore.GetByKey
func (s *MockEntitlementStore) GetByKey(
	ctx context.Context,
	tenantID uuid.UUID,
	entitlementKey string,
) (*domain.Entitlement, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	ent, ok := s.entitlements[entitlementMapKey(tenantID, entitlementKey)]
	if !ok {
		return nil, store.ErrEntitlementNotFound
	}
	copied := *ent
	return &copied, nil
}

// Revoke implements store.EntitlementStore.Revoke
func (s *MockEntitlementStore) Revoke(
	ctx context.Context,
	tenantID, subscriptionID uuid.UUID,
) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	count := 0
	for _, ent := range s.entitlements {
		if ent.TenantID == tenantID &&
			ent.SubscriptionID == subscriptionID &&
			ent.Status == domain.EntitlementStatusActive {
			ent.Status = domain.EntitlementStatusRevoked
			ent.UpdatedAt = time.Now().UTC()
			count++
		}
	}
	return count, nil
}

// WithTx implements store.EntitlementStore.WithTx
func (s *MockEntitlementStore) WithTx(tx *sql.Tx) store.EntitlementStore {
	return s
}

func entitlementMapKey(tenantID uuid.UUID, key string) string {
	return tenantID.String() + "/" + key
}

// MockOutboxStore implements store.OutboxStore in memory.
type MockOutboxStore struct {
	mutex  sync.Mutex
	events []*domain.OutboxEvent

	AppendFn func(ctx context.Context, event *domain.OutboxEvent) error
}

// NewMockOutboxStore creates an empty in-memory outbox store.
func NewMockOutboxStore() *MockOutboxStore {
	return &MockOutboxStore{}
}

var _ store.OutboxStore = (*MockOutboxStore)(nil)

// Events returns copies of all recorded events in append order.
func (s *MockOutboxStore) Events() []*domain.OutboxEvent {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	out := make([]*domain.OutboxEvent, 0, len(s.events))
	for _, e := range s.events {
		copied := *e
		out = append(out, &copied)
	}
	return out
}

// EventsOfType returns copies of recorded events with the given type.
func (s *MockOutboxStore) EventsOfType(eventType string) []*domain.OutboxEvent {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	var out []*domain.OutboxEvent
	for _, e := range s.events {
		if e.EventType == eventType {
			copied := *e
			out = append(out, &copied)
		}
	}
	return out
}

// Append implements store.OutboxStore.Append
func (s *MockOutboxStore) Append(ctx context.Context, event *domain.OutboxEvent) error {
	if s.AppendFn != nil {
		return s.AppendFn(ctx, event)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	copied := *event
	s.events = append(s.events, &copied)
	return nil
}

// ListUnpublished implements store.OutboxStore.ListUnpublished
func (s *MockOutboxStore) ListUnpublished(
	ctx context.Context,
	limit int,
) ([]*domain.OutboxEvent, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	var out []*domain.OutboxEvent
	for _, e := range s.events {
		if e.PublishedAt == nil {
			copied := *e
			out = append(out, &copied)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// MarkPublished implements store.OutboxStore.MarkPublished
func (s *MockOutboxStore) MarkPublished(
	ctx context.Context,
	id uuid.UUID,
	publishedAt time.Time,
) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, e := range s.events {
		if e.ID == id && e.PublishedAt == nil {
			t := publishedAt
			e.PublishedAt = &t
			return nil
		}
	}
	return fmt.Errorf("%w: event %s not found or already published", store.ErrUpdateFailed, id)
}

// ListByEventKey implements store.OutboxStore.ListByEventKey
func (s *MockOutboxStore) ListByEventKey(
	ctx context.Context,
	tenantID uuid.UUID,
	eventKey string,
) ([]*domain.OutboxEvent, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	var out []*domain.OutboxEvent
	for _, e := range s.events {
		if e.TenantID == tenantID && e.EventKey == eventKey {
			copied := *e
			out = append(out, &copied)
		}
	}
	return out, nil
}

// ListByType implements store.OutboxStore.ListByType
func (s *MockOutboxStore) ListByType(
	ctx context.Context,
	tenantID uuid.UUID,
	eventType string,
	limit int,
) ([]*domain.OutboxEvent, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	var out []*domain.OutboxEvent
	for _, e := range s.events {
		if e.TenantID == tenantID && e.EventType == eventType {
			copied := *e
			out = append(out, &copied)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// WithTx implements store.OutboxStore.WithTx
func (s *MockOutboxStore) WithTx(tx *sql.Tx) store.OutboxStore {
	return s
}
