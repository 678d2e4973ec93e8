package metrics

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("subscription_id", "123"),
		attribute.String("from", "active"),
		attribute.String("event", "payment_failed"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	for _, attr := range attrs {
		if attr.Key == "subscription_id" {
			t.Fatalf("expected subscription_id to be dropped")
		}
	}
}

func TestRecordTransition(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := New(Config{ServiceName: "dunningd"}, provider)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}

	ctx := context.Background()
	m.RecordTransition(ctx, "active", "payment_retry", "payment_failed")
	m.RecordTransition(ctx, "active", "payment_retry", "payment_failed")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}

	var total int64
	for _, scope := range rm.ScopeMetrics {
		for _, metric := range scope.Metrics {
			if metric.Name != "dunningd_lifecycle_transitions_total" {
				continue
			}
			sum, ok := metric.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", metric.Data)
			}
			for _, point := range sum.DataPoints {
				total += point.Value
			}
		}
	}
	if total != 2 {
		t.Fatalf("expected 2 transitions, got %d", total)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordRejected(context.Background(), "payment_failed", "invalid_transition")
	m.RecordDispatchDropped(context.Background(), "dunning_send")
}
