package observability

import (
	"github.com/smallbiznis/paymentd/internal/observability/logger"
	"github.com/smallbiznis/paymentd/internal/observability/metrics"
	"github.com/smallbiznis/paymentd/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		Config.Logger,
		Config.Tracing,
		Config.Metrics,
		logger.New,
		tracing.NewProvider,
		metrics.NewProvider,
		metrics.New,
		metrics.NewHTTPMetrics,
		metrics.ReconcileWithConfig,
	),
	// Spans are started through the global provider, so nothing injects it.
	fx.Invoke(func(*sdktrace.TracerProvider) {}),
)
