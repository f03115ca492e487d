package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/smallbiznis/paymentd/internal/config"
	"github.com/smallbiznis/paymentd/internal/events"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("outbox",
	fx.Provide(NewStore),
	fx.Provide(New),
	fx.Provide(NewDispatcher),
	fx.Invoke(run),
)

func run(lc fx.Lifecycle, cfg config.Config, runtime *config.RuntimeHolder, ob *Outbox, dispatcher *Dispatcher, publisher *events.KafkaPublisher) {
	if !cfg.OutboxEnabled || ob == nil {
		return
	}
	publisher.OnDelivery(ob.HandleDelivery)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			wg.Add(2)
			go func() {
				defer wg.Done()
				ob.RunAcker(ctx)
			}()
			go func() {
				defer wg.Done()
				pollLoop(ctx, runtime, dispatcher)
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			wg.Wait()
			return nil
		},
	})
}

// pollLoop re-reads the interval every cycle so reloads take effect.
func pollLoop(ctx context.Context, runtime *config.RuntimeHolder, dispatcher *Dispatcher) {
	for {
		if _, err := dispatcher.DispatchPending(ctx); err != nil && ctx.Err() == nil {
			dispatcher.log.Error("outbox poll failed", zap.Error(err))
		}

		interval := runtime.Get().Outbox.PollInterval
		if interval <= 0 {
			interval = 5 * time.Second
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
