package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadReadsKafkaSettings(t *testing.T) {
	t.Setenv("KAFKA_BOOTSTRAP_SERVERS", "broker-1:9092, broker-2:9092,")
	t.Setenv("KAFKA_PAYMENT_EVENTS_TOPIC", "payments.succeeded")
	t.Setenv("KAFKA_RETRY_BACKOFF_MS", "250")
	t.Setenv("STRIPE_WEBHOOK_SECRET", " whsec_test ")
	t.Setenv("OUTBOX_ENABLED", "yes")
	t.Setenv("HTTP_TRUSTED_PROXIES", "10.0.0.0/8, 192.168.1.10")

	cfg := Load()

	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.Kafka.BootstrapServers)
	assert.Equal(t, "payments.succeeded", cfg.Kafka.PaymentEventsTopic)
	assert.Equal(t, 250*time.Millisecond, cfg.Kafka.RetryBackoff)
	assert.Equal(t, "whsec_test", cfg.StripeWebhookSecret)
	assert.True(t, cfg.OutboxEnabled)
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.1.10"}, cfg.TrustedProxies)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HTTP_PORT", "")
	t.Setenv("KAFKA_CLIENT_ID", "")
	t.Setenv("HTTP_TRUSTED_PROXIES", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("OTEL_ENABLED", "")
	t.Setenv("OTEL_SAMPLING_RATIO", "lots")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("OTLP_ENDPOINT", "otel:4317")
	t.Setenv("WEBHOOK_REQUEST_TIMEOUT_SECONDS", "not-a-number")

	cfg := Load()

	assert.Equal(t, "8004", cfg.HTTPPort)
	assert.Equal(t, "payment_service_producer", cfg.Kafka.ClientID)
	assert.Equal(t, 10*time.Second, cfg.WebhookRequestTimeout)
	assert.Equal(t, 3, cfg.Kafka.RecordRetries)
	assert.Empty(t, cfg.TrustedProxies)
	assert.Equal(t, "info", cfg.Telemetry.LogLevel)
	assert.False(t, cfg.Telemetry.OtelEnabled)
	assert.Equal(t, 0.1, cfg.Telemetry.OtelSamplingRatio)
	assert.Equal(t, "otel:4317", cfg.OTLPEndpoint)
}
