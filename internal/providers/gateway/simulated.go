package gateway

import (
	"context"
	"errors"
	"sync"
)

var ErrSimulatedOutage = errors.New("simulated_gateway_outage")

// Simulated is an in-memory gateway. Each subscription can be scripted with a
// queue of results; unscripted charges succeed.
type Simulated struct {
	mu      sync.Mutex
	scripts map[string][]error
	charges []ChargeRequest
	seen    map[string]error
}

func NewSimulated() *Simulated {
	return &Simulated{
		scripts: make(map[string][]error),
		seen:    make(map[string]error),
	}
}

// Script queues results for subscriptionID, consumed one per charge.
func (s *Simulated) Script(subscriptionID string, results ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[subscriptionID] = append(s.scripts[subscriptionID], results...)
}

func (s *Simulated) Charge(ctx context.Context, req ChargeRequest) error {
	select {
	case <-ctx.Done():
		return &TransientGatewayError{Err: ctx.Err()}
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if req.IdempotencyKey != "" {
		if err, ok := s.seen[req.IdempotencyKey]; ok {
			return err
		}
	}

	var result error
	if queue := s.scripts[req.SubscriptionID]; len(queue) > 0 {
		result = queue[0]
		s.scripts[req.SubscriptionID] = queue[1:]
	}

	s.charges = append(s.charges, req)
	if req.IdempotencyKey != "" {
		s.seen[req.IdempotencyKey] = result
	}
	return result
}

// Charges returns the charges that reached the gateway.
func (s *Simulated) Charges() []ChargeRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChargeRequest, len(s.charges))
	copy(out, s.charges)
	return out
}
