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

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	webhookNotifications metric.Int64Counter
	paymentTransitions   metric.Int64Counter
	eventsPublished      metric.Int64Counter
	reconcileAnomalies   metric.Int64Counter
	webhookRateLimited   metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
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

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "paymentd"
	}
	meter := provider.Meter(name)

	webhookNotifications, err := meter.Int64Counter("paymentd_webhook_notifications_total",
		metric.WithDescription("Inbound provider notifications by event type and outcome."))
	if err != nil {
		return nil, err
	}
	paymentTransitions, err := meter.Int64Counter("paymentd_payment_transitions_total",
		metric.WithDescription("Conditional payment status transitions by outcome."))
	if err != nil {
		return nil, err
	}
	eventsPublished, err := meter.Int64Counter("paymentd_events_published_total",
		metric.WithDescription("Domain event publish attempts by outcome."))
	if err != nil {
		return nil, err
	}
	reconcileAnomalies, err := meter.Int64Counter("paymentd_reconcile_anomalies_total",
		metric.WithDescription("Notifications acknowledged without a matching pending payment."))
	if err != nil {
		return nil, err
	}

	webhookRateLimited, err := meter.Int64Counter("paymentd_webhook_rate_limited_total",
		metric.WithDescription("Webhook deliveries rejected by the ingress limiter."))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		webhookNotifications: webhookNotifications,
		paymentTransitions:   paymentTransitions,
		eventsPublished:      eventsPublished,
		reconcileAnomalies:   reconcileAnomalies,
		webhookRateLimited:   webhookRateLimited,
	}, nil
}

// RecordWebhookNotification counts a processed notification.
func (m *Metrics) RecordWebhookNotification(ctx context.Context, eventType, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", "stripe"),
		attribute.String("event_type", strings.TrimSpace(eventType)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.webhookNotifications.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordPaymentTransition counts a repository transition result.
func (m *Metrics) RecordPaymentTransition(ctx context.Context, targetStatus, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("status", strings.TrimSpace(targetStatus)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.paymentTransitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordEventPublished counts a publish attempt.
func (m *Metrics) RecordEventPublished(ctx context.Context, eventType, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("event_type", strings.TrimSpace(eventType)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.eventsPublished.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordWebhookRateLimited counts a delivery rejected with 429.
func (m *Metrics) RecordWebhookRateLimited(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("endpoint", strings.TrimSpace(endpoint)))
	m.webhookRateLimited.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordReconcileAnomaly counts notifications that could not be applied.
func (m *Metrics) RecordReconcileAnomaly(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.reconcileAnomalies.Add(ctx, 1, metric.WithAttributes(attrs...))
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
	"endpoint":    {},
	"status_code": {},
	"provider":    {},
	"event_type":  {},
	"outcome":     {},
	"status":      {},
	"reason":      {},
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
