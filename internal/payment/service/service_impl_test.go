package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/smallbiznis/paymentd/internal/clock"
	"github.com/smallbiznis/paymentd/internal/config"
	"github.com/smallbiznis/paymentd/internal/events"
	"github.com/smallbiznis/paymentd/internal/events/eventstest"
	"github.com/smallbiznis/paymentd/internal/outbox"
	paymentdomain "github.com/smallbiznis/paymentd/internal/payment/domain"
	"github.com/smallbiznis/paymentd/internal/payment/repository"
	"github.com/smallbiznis/paymentd/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	db        *gorm.DB
	repo      paymentdomain.Repository
	publisher *eventstest.Recorder
	clock     *clock.FakeClock
	svc       *Service
	logs      *observer.ObservedLogs
	outbox    *outbox.Outbox
}

func newFixture(t *testing.T, withOutbox bool) *fixture {
	t.Helper()

	core, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(core)
	db := testutil.NewDB(t)
	repo := repository.Provide()
	publisher := eventstest.NewRecorder()
	clk := clock.NewFakeClock(now)
	runtime := config.NewStaticRuntimeHolder(config.DefaultRuntimeConfig())
	cfg := config.Config{
		OutboxEnabled: withOutbox,
		Kafka:         config.KafkaConfig{PaymentEventsTopic: "payment_events"},
	}

	var ob *outbox.Outbox
	if withOutbox {
		node, err := snowflake.NewNode(1)
		require.NoError(t, err)
		ob = outbox.New(outbox.Params{
			Cfg:     cfg,
			DB:      db,
			Store:   outbox.NewStore(node),
			Runtime: runtime,
			Clock:   clk,
			Log:     log,
		})
	}

	svc := NewService(Params{
		DB:        db,
		Log:       log,
		Cfg:       cfg,
		Runtime:   runtime,
		Clock:     clk,
		Repo:      repo,
		Publisher: publisher,
		Outbox:    ob,
	})
	return &fixture{db: db, repo: repo, publisher: publisher, clock: clk, svc: svc, logs: logs, outbox: ob}
}

func (f *fixture) seed(t *testing.T, key string) *paymentdomain.Payment {
	t.Helper()
	payment := &paymentdomain.Payment{
		ID:                      uuid.NewString(),
		UserID:                  uuid.NewString(),
		TierID:                  uuid.NewString(),
		StripeCheckoutSessionID: key,
		Amount:                  1999,
		Currency:                "usd",
		CreatedAt:               now.Add(-time.Hour),
		UpdatedAt:               now.Add(-time.Hour),
	}
	created, err := f.repo.CreatePending(context.Background(), f.db, payment)
	require.NoError(t, err)
	require.True(t, created)
	return payment
}

func (f *fixture) load(t *testing.T, key string) *paymentdomain.Payment {
	t.Helper()
	stored, err := f.repo.FindByIdempotencyKey(context.Background(), f.db, key)
	require.NoError(t, err)
	require.NotNil(t, stored)
	return stored
}

func paid(eventID, key, ref string) paymentdomain.CheckoutCompleted {
	return paymentdomain.CheckoutCompleted{
		EventID:       eventID,
		EventType:     paymentdomain.EventCheckoutSessionCompleted,
		SessionID:     key,
		PaymentStatus: paymentdomain.PaymentStatusPaid,
		SettlementRef: ref,
	}
}

func TestReconcilePaidCheckoutScenario(t *testing.T) {
	f := newFixture(t, false)
	seeded := f.seed(t, "cs_abc")

	require.NoError(t, f.svc.Reconcile(context.Background(), paid("evt_1", "cs_abc", "pi_123")))

	stored := f.load(t, "cs_abc")
	assert.Equal(t, paymentdomain.StatusSucceeded, stored.Status)
	assert.Equal(t, "pi_123", stored.SettlementRef())
	assert.True(t, stored.UpdatedAt.Equal(now))

	published := f.publisher.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "payment_events", published[0].Topic)
	assert.Equal(t, seeded.UserID, published[0].Key)
	assert.Equal(t, paymentdomain.EventTypePaymentSucceeded, published[0].EventType)

	var event paymentdomain.PaymentSucceededEvent
	require.NoError(t, json.Unmarshal(published[0].Payload, &event))
	assert.Equal(t, seeded.ID, event.PaymentID)
	assert.Equal(t, seeded.UserID, event.UserID)
	assert.Equal(t, seeded.TierID, event.TierID)
	assert.Equal(t, int64(1999), event.Amount)
	assert.Equal(t, "usd", event.Currency)
	assert.Equal(t, "pi_123", event.StripePaymentIntentID)
	assert.Equal(t, "cs_abc", event.StripeCheckoutSessionID)
	assert.True(t, event.PaidAt.Equal(now))

	f.clock.Advance(time.Minute)
	require.NoError(t, f.svc.Reconcile(context.Background(), paid("evt_1", "cs_abc", "pi_123")))
	assert.Len(t, f.publisher.Published(), 1, "redelivery must not publish again")
	assert.True(t, f.load(t, "cs_abc").UpdatedAt.Equal(now))
}

func TestReconcileIsIdempotentAcrossReplays(t *testing.T) {
	f := newFixture(t, false)
	f.seed(t, "cs_abc")

	for i := 0; i < 10; i++ {
		f.clock.Advance(time.Second)
		require.NoError(t, f.svc.Reconcile(context.Background(), paid("evt_1", "cs_abc", "pi_123")))
	}

	assert.Len(t, f.publisher.Published(), 1)
	assert.Equal(t, 9, f.logs.FilterMessage("payment already succeeded; redelivery acknowledged").Len())
	assert.Equal(t, 1, f.logs.FilterMessage("payment succeeded").Len())
}

func TestConcurrentReplaysPublishOnce(t *testing.T) {
	f := newFixture(t, false)
	f.seed(t, "cs_abc")

	const workers = 12
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.svc.Reconcile(context.Background(), paid("evt_1", "cs_abc", "pi_123"))
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Len(t, f.publisher.Published(), 1)
	assert.Equal(t, paymentdomain.StatusSucceeded, f.load(t, "cs_abc").Status)
}

func TestPublishFailureDoesNotUndoTransition(t *testing.T) {
	for _, outcome := range []events.Outcome{
		events.Unavailable("producer not started"),
		events.Rejected("empty partition key"),
	} {
		t.Run(string(outcome.Kind), func(t *testing.T) {
			f := newFixture(t, false)
			f.seed(t, "cs_abc")
			f.publisher.SetOutcome(outcome)

			err := f.svc.Reconcile(context.Background(), paid("evt_1", "cs_abc", "pi_123"))
			require.NoError(t, err)

			stored := f.load(t, "cs_abc")
			assert.Equal(t, paymentdomain.StatusSucceeded, stored.Status)
			assert.Equal(t, "pi_123", stored.SettlementRef())
			assert.Equal(t, 1, f.logs.FilterMessage("payment event not published").Len())
		})
	}
}

func TestNonSuccessTerminalStatesNeverRegress(t *testing.T) {
	tests := []struct {
		name  string
		close paymentdomain.Notification
		prior paymentdomain.Status
	}{
		{name: "failed", close: paymentdomain.CheckoutFailed{EventID: "evt_f", SessionID: "cs_abc"}, prior: paymentdomain.StatusFailed},
		{name: "expired", close: paymentdomain.CheckoutExpired{EventID: "evt_e", SessionID: "cs_abc"}, prior: paymentdomain.StatusCanceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, false)
			f.seed(t, "cs_abc")

			require.NoError(t, f.svc.Reconcile(context.Background(), tt.close))
			assert.Equal(t, tt.prior, f.load(t, "cs_abc").Status)

			require.NoError(t, f.svc.Reconcile(context.Background(), paid("evt_1", "cs_abc", "pi_123")))
			stored := f.load(t, "cs_abc")
			assert.Equal(t, tt.prior, stored.Status)
			assert.Nil(t, stored.StripePaymentIntentID)
			assert.Empty(t, f.publisher.Published())

			anomalies := f.logs.FilterMessage("notification cannot be applied; acknowledged for manual review").All()
			require.Len(t, anomalies, 1)
			fields := anomalies[0].ContextMap()
			assert.Equal(t, string(paymentdomain.TransitionInvalidPriorState), fields["outcome"])
			assert.Equal(t, string(tt.prior), fields["prior_status"])
			assert.Equal(t, "cs_abc", fields["checkout_session_id"])
			assert.Equal(t, zapcore.WarnLevel, anomalies[0].Level)
		})
	}
}

func TestUnknownPaymentIsAcknowledgedAsAnomaly(t *testing.T) {
	f := newFixture(t, false)

	require.NoError(t, f.svc.Reconcile(context.Background(), paid("evt_1", "cs_missing", "pi_123")))
	assert.Empty(t, f.publisher.Published())

	anomalies := f.logs.FilterMessage("notification cannot be applied; acknowledged for manual review").All()
	require.Len(t, anomalies, 1)
	assert.Equal(t, string(paymentdomain.TransitionNotFound), anomalies[0].ContextMap()["outcome"])
}

func TestUnpaidCheckoutIsAcknowledgedWithoutMutation(t *testing.T) {
	f := newFixture(t, false)
	f.seed(t, "cs_abc")

	n := paid("evt_1", "cs_abc", "")
	n.PaymentStatus = "unpaid"
	require.NoError(t, f.svc.Reconcile(context.Background(), n))

	stored := f.load(t, "cs_abc")
	assert.Equal(t, paymentdomain.StatusPending, stored.Status)
	assert.True(t, stored.UpdatedAt.Equal(now.Add(-time.Hour)))
	assert.Empty(t, f.publisher.Published())
}

func TestPaidWithoutSettlementReferenceIsRejected(t *testing.T) {
	f := newFixture(t, false)
	f.seed(t, "cs_abc")

	err := f.svc.Reconcile(context.Background(), paid("evt_1", "cs_abc", ""))
	assert.ErrorIs(t, err, paymentdomain.ErrMissingSettlementReference)
	assert.Equal(t, paymentdomain.StatusPending, f.load(t, "cs_abc").Status)

	entries := f.logs.FilterMessage("paid checkout carries no payment intent").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
}

func TestUnhandledTypeIsAcknowledged(t *testing.T) {
	f := newFixture(t, false)
	f.seed(t, "cs_abc")

	require.NoError(t, f.svc.Reconcile(context.Background(), paymentdomain.Unhandled{EventID: "evt_9", Type: "customer.created"}))
	assert.Equal(t, paymentdomain.StatusPending, f.load(t, "cs_abc").Status)
	assert.Empty(t, f.publisher.Published())

	assert.ErrorIs(t, f.svc.Reconcile(context.Background(), nil), paymentdomain.ErrMalformedPayload)
}

func TestAsyncPaymentSucceededPublishes(t *testing.T) {
	f := newFixture(t, false)
	f.seed(t, "cs_async")

	n := paid("evt_2", "cs_async", "pi_async")
	n.EventType = paymentdomain.EventCheckoutSessionAsyncPaymentSucceeded
	require.NoError(t, f.svc.Reconcile(context.Background(), n))

	assert.Equal(t, paymentdomain.StatusSucceeded, f.load(t, "cs_async").Status)
	assert.Len(t, f.publisher.Published(), 1)
}

func TestPersistenceErrorIsNotAcknowledged(t *testing.T) {
	f := newFixture(t, false)
	f.seed(t, "cs_abc")

	sqlDB, err := f.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	err = f.svc.Reconcile(context.Background(), paid("evt_1", "cs_abc", "pi_123"))
	assert.ErrorIs(t, err, paymentdomain.ErrPersistence)
	assert.Empty(t, f.publisher.Published())

	err = f.svc.Reconcile(context.Background(), paymentdomain.CheckoutFailed{EventID: "evt_f", SessionID: "cs_abc"})
	assert.ErrorIs(t, err, paymentdomain.ErrPersistence)
}

func TestExpiredRequestContextIsNotAcknowledged(t *testing.T) {
	f := newFixture(t, false)
	f.seed(t, "cs_abc")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.svc.Reconcile(ctx, paid("evt_1", "cs_abc", "pi_123"))
	assert.ErrorIs(t, err, paymentdomain.ErrPersistence)
	assert.Equal(t, paymentdomain.StatusPending, f.load(t, "cs_abc").Status)
	assert.Empty(t, f.publisher.Published())
}

func TestOutboxRowWrittenWithTransition(t *testing.T) {
	f := newFixture(t, true)
	f.seed(t, "cs_abc")
	f.publisher.SetOutcome(events.Unavailable("producer not started"))

	require.NoError(t, f.svc.Reconcile(context.Background(), paid("evt_1", "cs_abc", "pi_123")))

	published := f.publisher.Published()
	require.Len(t, published, 1)
	outboxID := published[0].Headers[events.HeaderOutboxID]
	require.NotEmpty(t, outboxID)

	id, err := snowflake.ParseString(outboxID)
	require.NoError(t, err)
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	row, err := outbox.NewStore(node).Get(context.Background(), f.db, id)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Nil(t, row.DeliveredAt)
	assert.Equal(t, "payment_events", row.Topic)
	assert.JSONEq(t, string(published[0].Payload), string(row.Payload))

	require.NoError(t, f.svc.Reconcile(context.Background(), paid("evt_1", "cs_abc", "pi_123")))
	var rows int64
	require.NoError(t, f.db.Raw(`SELECT COUNT(1) FROM payment_outbox`).Scan(&rows).Error)
	assert.Equal(t, int64(1), rows, "redelivery writes no further outbox rows")
}
