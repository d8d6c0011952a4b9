// Package service contains the application-specific use cases of the worker.
// It orchestrates interactions between domain objects and the stores defined
// in internal/store to fulfill subscription lifecycle features.
//
// Key components:
//
// 1. SchedulerService:
//   - Idempotent task scheduling keyed by (tenant, task key)
//   - Entry point for enqueueing renewals and ad hoc background work
//
// 2. SubscriptionService:
//   - Lifecycle transitions: pause, resume, cancel
//   - The cancellation cascade, which fails pending renewal work, cancels
//     undelivered cycles, and emits the corresponding outbox events inside
//     one transaction
//
// 3. DeliveryService:
//   - Single delivery cancellation with its eligibility rules
//
// Services receive dependencies through constructor injection and apply
// transactional boundaries when an operation spans multiple stores. They
// depend on domain entities and store interfaces, never on a specific
// database implementation.
package service
