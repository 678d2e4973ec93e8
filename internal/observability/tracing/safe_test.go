package tracing

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributesDropsPaymentDetails(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("http.route", "/v1/subscriptions/:id/state"),
		attribute.String("payment_method_last4", "4242"),
	)
	assert.Len(t, attrs, 1)
	assert.Equal(t, attribute.Key("http.route"), attrs[0].Key)
}

func TestSafeError(t *testing.T) {
	assert.Nil(t, SafeError(nil))
	assert.EqualError(t, SafeError(errors.New("stale_write_rejected")), "stale_write_rejected")
}

func TestSamplerBounds(t *testing.T) {
	assert.Contains(t, sampler(0).Description(), "AlwaysOff")
	assert.Contains(t, sampler(1).Description(), "AlwaysOn")
	assert.Contains(t, sampler(0.5).Description(), "TraceIDRatioBased")
}
