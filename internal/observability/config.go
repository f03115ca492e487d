package observability

import (
	"strings"

	"github.com/smallbiznis/paymentd/internal/config"
	"github.com/smallbiznis/paymentd/internal/observability/logger"
	"github.com/smallbiznis/paymentd/internal/observability/metrics"
	"github.com/smallbiznis/paymentd/internal/observability/tracing"
)

const defaultServiceName = "paymentd"

// Config is the telemetry view of the service configuration. The logger,
// tracer and meter settings are all derived from it.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	OtelEnabled       bool
	OtelEndpoint      string
	OtelProtocol      string
	OtelSamplingRatio float64
}

func LoadConfig(cfg config.Config) Config {
	name := strings.TrimSpace(cfg.AppName)
	if name == "" {
		name = defaultServiceName
	}
	t := cfg.Telemetry
	return Config{
		ServiceName:       name,
		Environment:       strings.TrimSpace(cfg.Environment),
		Version:           strings.TrimSpace(cfg.AppVersion),
		LogLevel:          normalize(t.LogLevel),
		LogFormat:         normalize(t.LogFormat),
		OtelEnabled:       t.OtelEnabled,
		OtelEndpoint:      strings.TrimSpace(cfg.OTLPEndpoint),
		OtelProtocol:      normalize(t.OtelProtocol),
		OtelSamplingRatio: clampRatio(t.OtelSamplingRatio),
	}
}

// Debug turns on verbose request logging and error stacks outside
// deployed environments.
func (c Config) Debug() bool {
	if c.LogLevel == "debug" {
		return true
	}
	switch normalize(c.Environment) {
	case "dev", "development", "local", "test":
		return true
	}
	return false
}

func (c Config) Logger() logger.Config {
	return logger.Config{
		ServiceName:         c.ServiceName,
		Environment:         c.Environment,
		Version:             c.Version,
		Level:               c.LogLevel,
		Format:              c.LogFormat,
		Debug:               c.Debug(),
		IncludeCaller:       true,
		IncludeStackOnError: c.Debug(),
	}
}

func (c Config) Tracing() tracing.Config {
	return tracing.Config{
		Enabled:          c.OtelEnabled,
		ServiceName:      c.ServiceName,
		ServiceVersion:   c.Version,
		Environment:      c.Environment,
		ExporterEndpoint: c.OtelEndpoint,
		ExporterProtocol: c.OtelProtocol,
		SamplingRatio:    c.OtelSamplingRatio,
	}
}

func (c Config) Metrics() metrics.Config {
	return metrics.Config{
		Enabled:          c.OtelEnabled,
		ExporterEndpoint: c.OtelEndpoint,
		ExporterProtocol: c.OtelProtocol,
		ServiceName:      c.ServiceName,
		Environment:      c.Environment,
	}
}

func normalize(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

func clampRatio(r float64) float64 {
	switch {
	case r < 0:
		return 0
	case r > 1:
		return 1
	}
	return r
}
