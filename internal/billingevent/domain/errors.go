package domain

import "errors"

var (
	ErrInvalidPayload      = errors.New("invalid_webhook_payload")
	ErrInvalidOutcome      = errors.New("invalid_outcome")
	ErrInvalidTimestamp    = errors.New("invalid_timestamp")
	ErrInvalidSubscription = errors.New("invalid_subscription")
	ErrInvalidLimit        = errors.New("invalid_limit")
	ErrEventInProgress     = errors.New("billing_event_in_progress")
	ErrBatchTooLarge       = errors.New("batch_too_large")
)
