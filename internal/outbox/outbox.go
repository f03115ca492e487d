package outbox

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/paymentd/internal/clock"
	"github.com/smallbiznis/paymentd/internal/config"
	"github.com/smallbiznis/paymentd/internal/events"
	"github.com/smallbiznis/paymentd/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const ackBuffer = 1024

// Outbox persists events inside the caller's transaction and clears them
// once the broker acknowledges delivery.
type Outbox struct {
	db      *gorm.DB
	store   *Store
	runtime *config.RuntimeHolder
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.ReconcileMetrics

	acks chan snowflake.ID
}

type Params struct {
	fx.In

	Cfg     config.Config
	DB      *gorm.DB
	Store   *Store
	Runtime *config.RuntimeHolder
	Clock   clock.Clock
	Log     *zap.Logger
	Metrics *metrics.ReconcileMetrics `optional:"true"`
}

// New returns nil when the outbox is disabled.
func New(p Params) *Outbox {
	if !p.Cfg.OutboxEnabled {
		return nil
	}
	return newOutbox(p.DB, p.Store, p.Runtime, p.Clock, p.Log, p.Metrics)
}

func newOutbox(db *gorm.DB, store *Store, runtime *config.RuntimeHolder, clk clock.Clock, log *zap.Logger, m *metrics.ReconcileMetrics) *Outbox {
	return &Outbox{
		db:      db,
		store:   store,
		runtime: runtime,
		clock:   clk,
		log:     log.Named("outbox"),
		metrics: m,
		acks:    make(chan snowflake.ID, ackBuffer),
	}
}

// Enqueue writes ev on tx. The dispatcher will not pick the row up until the
// grace period has passed, leaving room for the direct publish to be acked.
func (o *Outbox) Enqueue(ctx context.Context, tx *gorm.DB, topic string, ev events.Event) (*Record, error) {
	now := o.clock.Now()
	grace := o.runtime.Get().Outbox.Grace
	return o.store.Insert(ctx, tx, topic, ev, now.Add(grace), now)
}

// HandleDelivery is registered as a publisher delivery listener. It runs on
// the producer callback goroutine, so it only queues the id.
func (o *Outbox) HandleDelivery(d events.Delivery) {
	if d.Err != nil {
		return
	}
	raw, ok := d.Headers[events.HeaderOutboxID]
	if !ok || raw == "" {
		return
	}
	id, err := snowflake.ParseString(raw)
	if err != nil {
		o.log.Warn("invalid outbox id on delivery", zap.String("outbox_id", raw))
		return
	}
	select {
	case o.acks <- id:
	default:
		o.log.Warn("outbox ack queue full; row will be redelivered", zap.String("outbox_id", raw))
	}
}

// RunAcker marks acknowledged rows delivered until ctx is done, then drains
// whatever is already queued.
func (o *Outbox) RunAcker(ctx context.Context) {
	for {
		select {
		case id := <-o.acks:
			o.markDelivered(ctx, id)
		case <-ctx.Done():
			for {
				select {
				case id := <-o.acks:
					o.markDelivered(context.WithoutCancel(ctx), id)
				default:
					return
				}
			}
		}
	}
}

func (o *Outbox) markDelivered(ctx context.Context, id snowflake.ID) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	updated, err := o.store.MarkDelivered(ctx, o.db, id, o.clock.Now())
	if err != nil {
		o.log.Error("failed to mark outbox row delivered", zap.String("outbox_id", id.String()), zap.Error(err))
		o.metrics.IncPublishFailure("outbox_ack", metrics.ClassifyReason(err))
		return
	}
	if updated {
		o.metrics.AddOutboxRows(metrics.OutboxResultDelivered, 1)
	}
}
