package task

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/subscriptionengine/subworker/internal/store"
)

// TenantContext is the explicit tenant binding passed to every handler
// invocation. Handlers receive it as a value and must scope every store
// call with its TenantID; there is no ambient tenant state anywhere in
// the worker.
type TenantContext struct {
	TenantID uuid.UUID
}

// Outcome classifies how a handler invocation ended.
type Outcome int

// Possible handler outcomes.
const (
	// OutcomeSuccess means the task's work is done and it should complete.
	OutcomeSuccess Outcome = iota

	// OutcomeRetry means the work failed in a way that may succeed later.
	// The task is released back to ready, consuming one attempt.
	OutcomeRetry

	// OutcomeFail means the work can never succeed and the task should
	// move to failed immediately.
	OutcomeFail
)

// Result is a handler's report of what happened. Err carries detail for
// the task's last_error column; it is nil only for OutcomeSuccess.
type Result struct {
	Outcome Outcome
	Err     error
}

// Success reports a completed invocation.
func Success() Result {
	return Result{Outcome: OutcomeSuccess}
}

// Retry reports a transient failure worth another attempt.
func Retry(err error) Result {
	return Result{Outcome: OutcomeRetry, Err: err}
}

// Fail reports a permanent failure.
func Fail(err error) Result {
	return Result{Outcome: OutcomeFail, Err: err}
}

// Handler executes the business logic for one task type. Implementations
// decode their own payload view and must treat malformed payloads as a
// permanent failure, never a panic. All store writes go through deps, which
// is transaction-scoped: whatever a handler writes commits or rolls back
// together with the task's status transition.
type Handler interface {
	// Type returns the task type this handler serves.
	Type() string

	// Handle runs the task. The returned Result decides the task's fate.
	Handle(ctx context.Context, tc TenantContext, payload json.RawMessage, deps Deps) Result
}

// Deps bundles the store ports handlers work against. The processor rebinds
// the bundle to the finalization transaction before each invocation.
type Deps struct {
	Tasks         store.TaskStore
	Subscriptions store.SubscriptionStore
	Invoices      store.InvoiceStore
	Deliveries    store.DeliveryStore
	Entitlements  store.EntitlementStore
	Outbox        store.OutboxStore
}

// WithTx returns a copy of the bundle with every store bound to the
// given transaction.
func (d Deps) WithTx(tx *sql.Tx) Deps {
	return Deps{
		Tasks:         d.Tasks.WithTx(tx),
		Subscriptions: d.Subscriptions.WithTx(tx),
		Invoices:      d.Invoices.WithTx(tx),
		Deliveries:    d.Deliveries.WithTx(tx),
		Entitlements:  d.Entitlements.WithTx(tx),
		Outbox:        d.Outbox.WithTx(tx),
	}
}
