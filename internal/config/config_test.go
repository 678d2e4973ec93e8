package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("OTLP_ENDPOINT", "")
	t.Setenv("REDIS_ADDR", "")

	cfg := Load()

	assert.Equal(t, "dunningd", cfg.AppName)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.False(t, cfg.Redis.Enabled())
	assert.False(t, cfg.Telemetry.OTLPEnabled)
	assert.Equal(t, "grpc", cfg.Telemetry.OTLPProtocol)
	assert.Equal(t, int64(1), cfg.SnowflakeNode)
	assert.Equal(t, 50, cfg.Scheduler.BatchSize)
}

func TestLoadTelemetryFromOtelVariables(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", "HTTP/protobuf")
	t.Setenv("OTEL_SAMPLING_RATIO", "0.5")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg := Load()

	assert.True(t, cfg.Telemetry.OTLPEnabled)
	assert.Equal(t, "collector:4318", cfg.Telemetry.OTLPEndpoint)
	assert.Equal(t, "http/protobuf", cfg.Telemetry.OTLPProtocol)
	assert.Equal(t, 0.5, cfg.Telemetry.SamplingRatio)
	assert.Equal(t, "debug", cfg.Telemetry.LogLevel)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("OTEL_ENABLED", "off")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("RATE_LIMIT_SUBSCRIPTION_BURST", "not-a-number")
	t.Setenv("DEPLOYMENT_ENV", "production")

	cfg := Load()

	assert.False(t, cfg.Telemetry.OTLPEnabled)
	assert.Equal(t, 20, cfg.RateLimit.SubscriptionBurst)
	assert.True(t, cfg.IsProduction())
}
