package service

import "errors"

// Common service errors - sentinel errors used across service implementations.
// Callers check for these with errors.Is(); unexpected errors are wrapped in
// service-specific error types instead.
var (
	// ErrSubscriptionNotCancelable indicates the subscription is not in a
	// status that permits cancellation.
	ErrSubscriptionNotCancelable = errors.New("subscription cannot be canceled from its current status")

	// ErrSubscriptionNotPausable indicates the subscription is not ACTIVE
	// and therefore cannot be paused.
	ErrSubscriptionNotPausable = errors.New("subscription cannot be paused from its current status")

	// ErrSubscriptionNotPaused indicates a resume was requested for a
	// subscription that is not PAUSED.
	ErrSubscriptionNotPaused = errors.New("subscription is not paused")

	// ErrDeliveryNotCancelable indicates the delivery has left the
	// cancellation window, either by status or because an external order
	// already exists.
	ErrDeliveryNotCancelable = errors.New("delivery is no longer cancelable")
)
