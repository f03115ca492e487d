package events

import (
	"github.com/smallbiznis/paymentd/internal/clock"
	"github.com/smallbiznis/paymentd/internal/config"
	"github.com/smallbiznis/paymentd/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("events",
	fx.Provide(NewKafkaPublisher),
	fx.Provide(func(p *KafkaPublisher) Publisher { return p }),
	fx.Invoke(registerLifecycle),
)

type Params struct {
	fx.In

	Cfg     config.Config
	Log     *zap.Logger
	Clock   clock.Clock
	Metrics *metrics.ReconcileMetrics `optional:"true"`
}

func NewKafkaPublisher(p Params) (*KafkaPublisher, error) {
	client, err := NewKafkaClient(p.Cfg)
	if err != nil {
		return nil, err
	}
	return newKafkaPublisher(client, p.Log, p.Clock, p.Metrics, p.Cfg.Kafka.FlushTimeout), nil
}

// registerLifecycle makes broker reachability a startup requirement.
func registerLifecycle(lc fx.Lifecycle, publisher *KafkaPublisher) {
	lc.Append(fx.Hook{
		OnStart: publisher.Start,
		OnStop:  publisher.Stop,
	})
}
