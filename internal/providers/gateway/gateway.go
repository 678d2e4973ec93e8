// Package gateway is the payment gateway collaborator used for retry charges.
package gateway

import (
	"context"
	"errors"
	"fmt"
)

// ChargeRequest asks the gateway to collect one invoice amount.
type ChargeRequest struct {
	SubscriptionID string
	Amount         int64
	Currency       string
	Attempt        int
	// IdempotencyKey is stable per (subscription, attempt) so a redelivered
	// retry never charges twice.
	IdempotencyKey string
}

type Client interface {
	Charge(ctx context.Context, req ChargeRequest) error
}

// DeclineCode mirrors the gateway webhook outcomes that reject a charge.
type DeclineCode string

const (
	DeclineGeneric           DeclineCode = "declined"
	DeclineInsufficientFunds DeclineCode = "insufficient_funds"
	DeclineCardExpired       DeclineCode = "card_expired"
)

// DeclineError is a definitive rejection by the issuer.
type DeclineError struct {
	Code DeclineCode
}

func (e *DeclineError) Error() string {
	return fmt.Sprintf("gateway declined charge: %s", e.Code)
}

// TransientGatewayError wraps failures where retrying later may succeed:
// timeouts, 5xx responses and network errors.
type TransientGatewayError struct {
	Err error
}

func (e *TransientGatewayError) Error() string {
	return fmt.Sprintf("transient gateway error: %v", e.Err)
}

func (e *TransientGatewayError) Unwrap() error { return e.Err }

// PermanentGatewayError means the payment method can never be charged again.
type PermanentGatewayError struct {
	Err error
}

func (e *PermanentGatewayError) Error() string {
	return fmt.Sprintf("permanent gateway error: %v", e.Err)
}

func (e *PermanentGatewayError) Unwrap() error { return e.Err }

// Classification is the normalized view of a Charge error.
type Classification string

const (
	ClassSucceeded Classification = "succeeded"
	ClassDeclined  Classification = "declined"
	ClassTransient Classification = "transient"
	ClassPermanent Classification = "permanent"
)

// Classify maps a Charge error. Deadline and cancellation count as transient;
// unknown errors are treated as transient too since nothing was confirmed.
func Classify(err error) (Classification, DeclineCode) {
	if err == nil {
		return ClassSucceeded, ""
	}

	var decline *DeclineError
	if errors.As(err, &decline) {
		return ClassDeclined, decline.Code
	}
	var permanent *PermanentGatewayError
	if errors.As(err, &permanent) {
		return ClassPermanent, ""
	}
	return ClassTransient, ""
}
