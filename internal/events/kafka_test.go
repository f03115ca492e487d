package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/smallbiznis/paymentd/internal/clock"
	"github.com/smallbiznis/paymentd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeProducer struct {
	mu         sync.Mutex
	records    []*kgo.Record
	pingErr    error
	deliverErr error
	flushErr   error
	buffered   int64
	hold       bool
	pending    []func()
	flushed    bool
	closed     bool
	afterClose int
}

func (f *fakeProducer) TryProduce(_ context.Context, r *kgo.Record, promise func(*kgo.Record, error)) {
	f.mu.Lock()
	if f.closed {
		f.afterClose++
		f.mu.Unlock()
		promise(r, kgo.ErrClientClosed)
		return
	}
	f.records = append(f.records, r)
	r.Partition = 0
	r.Offset = int64(len(f.records) - 1)
	deliver := func() { promise(r, f.deliverErr) }
	if f.hold {
		f.pending = append(f.pending, deliver)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	deliver()
}

func (f *fakeProducer) Flush(context.Context) error {
	f.mu.Lock()
	pending := f.pending
	f.pending = nil
	f.flushed = true
	f.mu.Unlock()
	for _, deliver := range pending {
		deliver()
	}
	return f.flushErr
}

func (f *fakeProducer) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeProducer) Ping(context.Context) error { return f.pingErr }

func (f *fakeProducer) BufferedProduceRecords() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buffered
}

type userEvent struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
}

func (userEvent) EventType() string      { return "user.charged" }
func (e userEvent) PartitionKey() string { return e.UserID }

type unencodable struct{}

func (unencodable) EventType() string    { return "bad" }
func (unencodable) PartitionKey() string { return "k" }
func (unencodable) MarshalJSON() ([]byte, error) {
	return nil, errors.New("cannot encode")
}

func startedPublisher(t *testing.T, producer *fakeProducer) *KafkaPublisher {
	t.Helper()
	p := newKafkaPublisher(producer, zap.NewNop(), clock.NewFakeClock(time.Unix(0, 0)), nil, time.Second)
	require.NoError(t, p.Start(context.Background()))
	return p
}

func headerValue(r *kgo.Record, key string) string {
	for _, h := range r.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestPublishBeforeStartIsUnavailable(t *testing.T) {
	producer := &fakeProducer{}
	p := newKafkaPublisher(producer, zap.NewNop(), nil, nil, time.Second)

	outcome := p.Publish(context.Background(), "payment_events", userEvent{UserID: "u1"})
	assert.Equal(t, OutcomeUnavailable, outcome.Kind)
	assert.Empty(t, producer.records)

	var nilPublisher *KafkaPublisher
	assert.Equal(t, OutcomeUnavailable, nilPublisher.Publish(context.Background(), "t", userEvent{UserID: "u1"}).Kind)
}

func TestStartFailsWhenBrokerUnreachable(t *testing.T) {
	producer := &fakeProducer{pingErr: errors.New("dial tcp: connection refused")}
	p := newKafkaPublisher(producer, zap.NewNop(), nil, nil, time.Second)

	err := p.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, OutcomeUnavailable, p.Publish(context.Background(), "t", userEvent{UserID: "u1"}).Kind)
}

func TestPublishEnqueuesKeyedRecord(t *testing.T) {
	producer := &fakeProducer{}
	p := startedPublisher(t, producer)

	outcome := p.Publish(context.Background(), "payment_events", userEvent{UserID: "user-1", Amount: 1999},
		WithHeader(HeaderOutboxID, "42"),
		WithHeader(HeaderMessageID, "spoofed"),
	)
	require.True(t, outcome.Delivered())

	require.Len(t, producer.records, 1)
	record := producer.records[0]
	assert.Equal(t, "payment_events", record.Topic)
	assert.Equal(t, "user-1", string(record.Key))
	assert.JSONEq(t, `{"user_id":"user-1","amount":1999}`, string(record.Value))
	assert.Equal(t, "user.charged", headerValue(record, HeaderEventType))
	assert.Equal(t, "42", headerValue(record, HeaderOutboxID))
	assert.Len(t, headerValue(record, HeaderMessageID), 26)
	assert.NotEqual(t, "spoofed", headerValue(record, HeaderMessageID))
}

func TestPublishRejections(t *testing.T) {
	producer := &fakeProducer{}
	p := startedPublisher(t, producer)
	ctx := context.Background()

	assert.Equal(t, OutcomeRejected, p.Publish(ctx, " ", userEvent{UserID: "u1"}).Kind)
	assert.Equal(t, OutcomeRejected, p.Publish(ctx, "payment_events", nil).Kind)
	assert.Equal(t, OutcomeRejected, p.Publish(ctx, "payment_events", userEvent{}).Kind)

	outcome := p.Publish(ctx, "payment_events", unencodable{})
	assert.Equal(t, OutcomeRejected, outcome.Kind)
	assert.Contains(t, outcome.Reason, "encode")

	assert.Empty(t, producer.records)
}

func TestPublishUnavailableWhenBufferFullOrContextDone(t *testing.T) {
	producer := &fakeProducer{hold: true}
	p := startedPublisher(t, producer)
	p.maxBuffered = 1

	require.True(t, p.Publish(context.Background(), "payment_events", userEvent{UserID: "u1"}).Delivered())
	full := p.Publish(context.Background(), "payment_events", userEvent{UserID: "u2"})
	assert.Equal(t, OutcomeUnavailable, full.Kind)
	assert.Equal(t, "producer buffer full", full.Reason)
	assert.Len(t, producer.records, 1)

	require.NoError(t, producer.Flush(context.Background()))
	assert.Equal(t, int64(0), p.inflight.Load())
	require.True(t, p.Publish(context.Background(), "payment_events", userEvent{UserID: "u3"}).Delivered())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, OutcomeUnavailable, p.Publish(ctx, "payment_events", userEvent{UserID: "u4"}).Kind)
	assert.Len(t, producer.records, 2)
}

func TestConcurrentPublishesNeverExceedBufferBound(t *testing.T) {
	producer := &fakeProducer{hold: true}
	p := startedPublisher(t, producer)
	p.maxBuffered = 5

	var wg sync.WaitGroup
	var mu sync.Mutex
	delivered := 0
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p.Publish(context.Background(), "payment_events", userEvent{UserID: "u1"}).Delivered() {
				mu.Lock()
				delivered++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, delivered)
	assert.Len(t, producer.records, 5)
}

func TestRecordRefusedByClientReachesListeners(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	producer := &fakeProducer{deliverErr: kgo.ErrMaxBuffered}
	p := newKafkaPublisher(producer, zap.New(core), clock.NewFakeClock(time.Unix(0, 0)), nil, time.Second)
	require.NoError(t, p.Start(context.Background()))

	var got []Delivery
	p.OnDelivery(func(d Delivery) { got = append(got, d) })

	p.Publish(context.Background(), "payment_events", userEvent{UserID: "u1"}, WithHeader(HeaderOutboxID, "9"))

	require.Len(t, got, 1)
	assert.ErrorIs(t, got[0].Err, kgo.ErrMaxBuffered)
	assert.Equal(t, "9", got[0].Headers[HeaderOutboxID])
	assert.Equal(t, int64(0), p.inflight.Load())
	assert.Equal(t, 1, logs.FilterMessage("kafka record refused before buffering").Len())
}

func TestStopWaitsForInProgressPublishes(t *testing.T) {
	producer := &fakeProducer{}
	p := startedPublisher(t, producer)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Publish(context.Background(), "payment_events", userEvent{UserID: "u1"})
		}()
	}
	require.NoError(t, p.Stop(context.Background()))
	wg.Wait()

	producer.mu.Lock()
	defer producer.mu.Unlock()
	assert.Zero(t, producer.afterClose)
}

func TestDeliveryListenersReceiveAcksAndFailures(t *testing.T) {
	producer := &fakeProducer{}
	p := startedPublisher(t, producer)

	var mu sync.Mutex
	var deliveries []Delivery
	p.OnDelivery(func(d Delivery) {
		mu.Lock()
		deliveries = append(deliveries, d)
		mu.Unlock()
	})
	p.OnDelivery(nil)

	require.True(t, p.Publish(context.Background(), "payment_events", userEvent{UserID: "u1"}, WithHeader(HeaderOutboxID, "7")).Delivered())

	producer.deliverErr = errors.New("NOT_ENOUGH_REPLICAS")
	outcome := p.Publish(context.Background(), "payment_events", userEvent{UserID: "u2"})
	assert.True(t, outcome.Delivered(), "broker failures never change the synchronous outcome")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, deliveries, 2)
	assert.NoError(t, deliveries[0].Err)
	assert.Equal(t, "7", deliveries[0].Headers[HeaderOutboxID])
	assert.Equal(t, "user.charged", deliveries[0].EventType)
	assert.NotEmpty(t, deliveries[0].MessageID)
	assert.Equal(t, "u1", deliveries[0].Key)
	assert.Error(t, deliveries[1].Err)
	assert.Equal(t, "u2", deliveries[1].Key)
}

func TestStopFlushesAndCloses(t *testing.T) {
	producer := &fakeProducer{hold: true}
	p := startedPublisher(t, producer)

	var delivered int
	p.OnDelivery(func(Delivery) { delivered++ })
	require.True(t, p.Publish(context.Background(), "payment_events", userEvent{UserID: "u1"}).Delivered())
	assert.Equal(t, 0, delivered)

	require.NoError(t, p.Stop(context.Background()))
	assert.True(t, producer.flushed)
	assert.True(t, producer.closed)
	assert.Equal(t, 1, delivered)

	assert.Equal(t, OutcomeUnavailable, p.Publish(context.Background(), "payment_events", userEvent{UserID: "u1"}).Kind)
	assert.ErrorIs(t, p.Start(context.Background()), ErrPublisherClosed)
	require.NoError(t, p.Stop(context.Background()))
}

func TestStopLogsRemainingOnFlushTimeout(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	producer := &fakeProducer{flushErr: context.DeadlineExceeded, buffered: 3}
	p := newKafkaPublisher(producer, zap.New(core), nil, nil, time.Millisecond)
	require.NoError(t, p.Start(context.Background()))

	require.NoError(t, p.Stop(context.Background()))
	assert.True(t, producer.closed)

	entries := logs.FilterMessage("kafka flush incomplete").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(3), entries[0].ContextMap()["remaining"])
}

func TestRawEventPassesPayloadThrough(t *testing.T) {
	producer := &fakeProducer{}
	p := startedPublisher(t, producer)

	raw := RawEvent{Type: "payment.succeeded", Key: "user-9", Payload: json.RawMessage(`{"payment_id":"p1"}`)}
	require.True(t, p.Publish(context.Background(), "payment_events", raw).Delivered())
	require.Len(t, producer.records, 1)
	assert.JSONEq(t, `{"payment_id":"p1"}`, string(producer.records[0].Value))
	assert.Equal(t, "user-9", string(producer.records[0].Key))
	assert.Equal(t, "payment.succeeded", headerValue(producer.records[0], HeaderEventType))
}

func TestNewKafkaClientRequiresBrokers(t *testing.T) {
	_, err := NewKafkaClient(config.Config{})
	assert.Error(t, err)
}
