package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/smallbiznis/paymentd/internal/clock"
	"github.com/smallbiznis/paymentd/internal/config"
	"github.com/smallbiznis/paymentd/internal/events"
	"github.com/smallbiznis/paymentd/internal/observability/metrics"
	"github.com/smallbiznis/paymentd/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const dispatchLockKey = "paymentd:outbox:dispatch"

// Dispatcher republishes outbox rows the broker has not acknowledged.
type Dispatcher struct {
	db        *gorm.DB
	store     *Store
	publisher events.Publisher
	locker    *ratelimit.Locker
	runtime   *config.RuntimeHolder
	clock     clock.Clock
	log       *zap.Logger
	metrics   *metrics.ReconcileMetrics
}

type DispatcherParams struct {
	fx.In

	DB        *gorm.DB
	Store     *Store
	Publisher events.Publisher
	Locker    *ratelimit.Locker `optional:"true"`
	Runtime   *config.RuntimeHolder
	Clock     clock.Clock
	Log       *zap.Logger
	Metrics   *metrics.ReconcileMetrics `optional:"true"`
}

func NewDispatcher(p DispatcherParams) *Dispatcher {
	return &Dispatcher{
		db:        p.DB,
		store:     p.Store,
		publisher: p.Publisher,
		locker:    p.Locker,
		runtime:   p.Runtime,
		clock:     p.Clock,
		log:       p.Log.Named("outbox.dispatcher"),
		metrics:   p.Metrics,
	}
}

// DispatchPending runs one cycle. Only the replica holding the Redis lease
// dispatches; without Redis every replica does, which is still at-least-once.
func (d *Dispatcher) DispatchPending(ctx context.Context) (int, error) {
	cfg := d.runtime.Get().Outbox

	var dispatched int
	ran, err := d.locker.WithLock(ctx, dispatchLockKey, cfg.LockTTL, func(ctx context.Context) error {
		n, err := d.dispatch(ctx, cfg)
		dispatched = n
		return err
	})
	if err != nil {
		return dispatched, err
	}
	if !ran {
		d.log.Debug("outbox dispatch held by another replica")
	}
	return dispatched, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, cfg config.OutboxConfig) (int, error) {
	started := time.Now()
	defer func() { d.metrics.ObserveOutboxCycle(time.Since(started)) }()

	now := d.clock.Now()
	if err := d.deadLetterExhausted(ctx, cfg, now); err != nil {
		return 0, err
	}

	rows, err := d.store.ListDue(ctx, d.db, now, cfg.MaxAttempts, cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	republished := 0
	for i, row := range rows {
		outcome := d.publisher.Publish(ctx, row.Topic, events.RawEvent{
			Type:    row.EventType,
			Key:     row.PartitionKey,
			Payload: json.RawMessage(row.Payload),
		}, events.WithHeader(events.HeaderOutboxID, row.ID.String()))

		// The producer took nothing, so the row keeps its attempt budget and
		// the rest of the batch waits for the next cycle.
		if outcome.Kind == events.OutcomeUnavailable {
			if err := d.store.Defer(ctx, d.db, row.ID, outcome.Reason, now.Add(cfg.RetryBackoff)); err != nil {
				d.log.Error("failed to defer outbox row", zap.String("outbox_id", row.ID.String()), zap.Error(err))
			}
			d.log.Warn("outbox dispatch deferred, producer unavailable",
				zap.String("outbox_id", row.ID.String()),
				zap.String("reason", outcome.Reason),
				zap.Int("remaining", len(rows)-i),
			)
			d.metrics.IncPublishFailure("outbox", string(outcome.Kind))
			d.metrics.AddOutboxRows(metrics.OutboxResultSkipped, len(rows)-i)
			break
		}

		attempts := row.Attempts + 1
		next := now.Add(cfg.RetryBackoff * time.Duration(attempts))
		if err := d.store.MarkAttempt(ctx, d.db, row.ID, outcome.Reason, next); err != nil {
			d.log.Error("failed to record outbox attempt", zap.String("outbox_id", row.ID.String()), zap.Error(err))
			continue
		}

		if outcome.Delivered() {
			republished++
		} else {
			d.log.Warn("outbox republish not enqueued",
				zap.String("outbox_id", row.ID.String()),
				zap.String("outcome", string(outcome.Kind)),
				zap.String("reason", outcome.Reason),
			)
			d.metrics.IncPublishFailure("outbox", string(outcome.Kind))
		}
	}
	d.metrics.AddOutboxRows(metrics.OutboxResultRepublished, republished)

	if backlog, err := d.store.CountPending(ctx, d.db); err == nil {
		d.metrics.SetOutboxBacklog(int(backlog))
	}
	return republished, nil
}

// deadLetterExhausted retires rows whose final attempt went unacknowledged
// for a full backoff window.
func (d *Dispatcher) deadLetterExhausted(ctx context.Context, cfg config.OutboxConfig, now time.Time) error {
	rows, err := d.store.ListExhausted(ctx, d.db, now, cfg.MaxAttempts, cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, row := range rows {
		retired, err := d.store.MarkDeadLettered(ctx, d.db, row.ID, now)
		if err != nil {
			d.log.Error("failed to dead-letter outbox row", zap.String("outbox_id", row.ID.String()), zap.Error(err))
			continue
		}
		if !retired {
			continue
		}
		d.log.Error("outbox row exhausted retries",
			zap.String("outbox_id", row.ID.String()),
			zap.String("event_type", row.EventType),
			zap.String("partition_key", row.PartitionKey),
			zap.Int("attempts", row.Attempts),
		)
		d.metrics.AddOutboxRows(metrics.OutboxResultDeadLetter, 1)
	}
	return nil
}
