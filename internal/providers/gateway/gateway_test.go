package gateway

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		class Classification
		code  DeclineCode
	}{
		{name: "success", err: nil, class: ClassSucceeded},
		{name: "decline", err: &DeclineError{Code: DeclineInsufficientFunds}, class: ClassDeclined, code: DeclineInsufficientFunds},
		{name: "wrapped decline", err: fmt.Errorf("charge: %w", &DeclineError{Code: DeclineCardExpired}), class: ClassDeclined, code: DeclineCardExpired},
		{name: "permanent", err: &PermanentGatewayError{Err: errors.New("card closed")}, class: ClassPermanent},
		{name: "transient", err: &TransientGatewayError{Err: errors.New("503")}, class: ClassTransient},
		{name: "timeout", err: context.DeadlineExceeded, class: ClassTransient},
		{name: "unknown", err: errors.New("eof"), class: ClassTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			class, code := Classify(tc.err)
			assert.Equal(t, tc.class, class)
			assert.Equal(t, tc.code, code)
		})
	}
}

func TestSimulatedScriptsAndIdempotency(t *testing.T) {
	sim := NewSimulated()
	sim.Script("sub-1", &DeclineError{Code: DeclineGeneric}, nil)

	ctx := context.Background()
	err := sim.Charge(ctx, ChargeRequest{SubscriptionID: "sub-1", Attempt: 1, IdempotencyKey: "sub-1:1"})
	var decline *DeclineError
	require.ErrorAs(t, err, &decline)

	again := sim.Charge(ctx, ChargeRequest{SubscriptionID: "sub-1", Attempt: 1, IdempotencyKey: "sub-1:1"})
	assert.Equal(t, err, again)

	assert.NoError(t, sim.Charge(ctx, ChargeRequest{SubscriptionID: "sub-1", Attempt: 2, IdempotencyKey: "sub-1:2"}))
	assert.Len(t, sim.Charges(), 2)
}

func TestSimulatedHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewSimulated().Charge(ctx, ChargeRequest{SubscriptionID: "sub-1"})
	var transient *TransientGatewayError
	assert.ErrorAs(t, err, &transient)
}
