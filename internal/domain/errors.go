// Package domain defines the core business entities and errors.
package domain

import "errors"

// Common domain errors used across the application.
var (
	// ErrValidation is returned when a domain entity fails validation.
	// This is often wrapped with a more specific error message.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidID is returned when an ID is malformed or invalid.
	ErrInvalidID = errors.New("invalid ID")

	// ErrInvalidTaskStatus is returned when a task status is not valid.
	ErrInvalidTaskStatus = errors.New("invalid task status")

	// ErrInvalidTransition is returned when a status transition is not
	// allowed by the task state machine.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidSubscriptionStatus is returned when a subscription status is not valid.
	ErrInvalidSubscriptionStatus = errors.New("invalid subscription status")

	// ErrInvalidInvoiceStatus is returned when an invoice status is not valid.
	ErrInvalidInvoiceStatus = errors.New("invalid invoice status")

	// ErrInvalidDeliveryStatus is returned when a delivery status is not valid.
	ErrInvalidDeliveryStatus = errors.New("invalid delivery status")

	// ErrInvalidEventType is returned when an outbox event type is empty or malformed.
	ErrInvalidEventType = errors.New("invalid event type")
)
