package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const exportInterval = 10 * time.Second

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes lifecycle engine instruments.
type Metrics struct {
	transitions   metric.Int64Counter
	rejected      metric.Int64Counter
	retriesFired  metric.Int64Counter
	gateway       metric.Int64Counter
	notifications metric.Int64Counter
	dispatchDrops metric.Int64Counter
	rateLimited   metric.Int64Counter
}

// NewProvider installs the global meter provider: a noop one when OTLP
// export is disabled, otherwise a periodic OTLP exporter flushed on stop.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(exportInterval))),
	)
	otel.SetMeterProvider(provider)

	if log == nil {
		log = zap.NewNop()
	}
	log.Info("otlp metrics enabled",
		zap.String("endpoint", cfg.ExporterEndpoint),
		zap.String("protocol", cfg.ExporterProtocol),
	)
	if lc != nil {
		lc.Append(fx.Hook{OnStop: provider.Shutdown})
	}
	return provider, nil
}

// New registers the lifecycle instruments on provider.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "dunningd"
	}
	c := counters{meter: provider.Meter(name)}

	m := &Metrics{
		transitions:   c.add("dunningd_lifecycle_transitions_total", "Subscription state transitions by from, to and event."),
		rejected:      c.add("dunningd_lifecycle_rejected_events_total", "Lifecycle events rejected or discarded by reason."),
		retriesFired:  c.add("dunningd_retries_fired_total", "Retries handed to the gateway by plan tier."),
		gateway:       c.add("dunningd_gateway_outcomes_total", "Gateway outcomes received, from webhooks and retry calls."),
		notifications: c.add("dunningd_notifications_sent_total", "Dunning and win-back messages sent."),
		dispatchDrops: c.add("dunningd_dispatch_dropped_total", "Queued side effects dropped after their subscription was cancelled."),
		rateLimited:   c.add("dunningd_webhook_rate_limited_total", "Webhook deliveries rejected by the ingest rate limiter."),
	}
	if c.err != nil {
		return nil, c.err
	}
	return m, nil
}

// counters collects the first instrument registration error.
type counters struct {
	meter metric.Meter
	err   error
}

func (c *counters) add(name, description string) metric.Int64Counter {
	counter, err := c.meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil && c.err == nil {
		c.err = fmt.Errorf("register %s: %w", name, err)
	}
	return counter
}

func (m *Metrics) RecordTransition(ctx context.Context, from, to, event string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
		attribute.String("event", event),
	)
	m.transitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRejected counts events that did not apply: invalid transitions, stale
// writes, chargeback conflicts and discarded retry results.
func (m *Metrics) RecordRejected(ctx context.Context, event, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("event", event),
		attribute.String("reason", reason),
	)
	m.rejected.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordRetryFired(ctx context.Context, planTier string) {
	if m == nil {
		return
	}
	m.retriesFired.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("plan_tier", planTier))...))
}

func (m *Metrics) RecordGatewayOutcome(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.gateway.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("outcome", outcome))...))
}

func (m *Metrics) RecordNotification(ctx context.Context, kind, template string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("kind", kind),
		attribute.String("template", template),
	)
	m.notifications.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordDispatchDropped(ctx context.Context, task string) {
	if m == nil {
		return
	}
	m.dispatchDrops.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("task", task))...))
}

func (m *Metrics) RecordRateLimited(ctx context.Context, endpoint, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("reason", reason),
	)
	m.rateLimited.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"from":        {},
	"to":          {},
	"event":       {},
	"reason":      {},
	"plan_tier":   {},
	"outcome":     {},
	"kind":        {},
	"template":    {},
	"task":        {},
	"endpoint":    {},
	"status_code": {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
