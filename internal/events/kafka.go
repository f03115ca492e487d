package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/paymentd/internal/clock"
	"github.com/smallbiznis/paymentd/internal/config"
	"github.com/smallbiznis/paymentd/internal/observability/metrics"
	"github.com/smallbiznis/paymentd/internal/observability/tracing"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const defaultMaxBufferedRecords = 10000

// clientBufferHeadroom keeps the kgo buffer larger than the publisher's own
// reservation bound, so TryProduce never refuses a reserved record.
const clientBufferHeadroom = 2

var ErrPublisherClosed = errors.New("publisher closed")

// producer is the subset of *kgo.Client used by KafkaPublisher.
type producer interface {
	TryProduce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	Flush(ctx context.Context) error
	Close()
	Ping(ctx context.Context) error
	BufferedProduceRecords() int64
}

// KafkaPublisher enqueues events on a shared franz-go client. It is safe for
// concurrent use once started.
type KafkaPublisher struct {
	client       producer
	log          *zap.Logger
	clock        clock.Clock
	metrics      *metrics.ReconcileMetrics
	flushTimeout time.Duration
	maxBuffered  int64

	started  atomic.Bool
	closed   atomic.Bool
	inflight atomic.Int64

	// produceMu orders Stop after any TryProduce already in progress.
	produceMu sync.RWMutex

	mu        sync.RWMutex
	listeners []DeliveryListener
}

func NewKafkaClient(cfg config.Config) (*kgo.Client, error) {
	kafkaCfg := cfg.Kafka
	if len(kafkaCfg.BootstrapServers) == 0 {
		return nil, errors.New("kafka bootstrap servers are required")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(kafkaCfg.BootstrapServers...),
		kgo.ClientID(kafkaCfg.ClientID),
		kgo.RecordRetries(kafkaCfg.RecordRetries),
		kgo.MaxBufferedRecords(defaultMaxBufferedRecords * clientBufferHeadroom),
		kgo.ProducerBatchCompression(kgo.Lz4Compression(), kgo.NoCompression()),
	}
	if kafkaCfg.RetryBackoff > 0 {
		backoff := kafkaCfg.RetryBackoff
		opts = append(opts, kgo.RetryBackoffFn(func(int) time.Duration { return backoff }))
	}
	if kafkaCfg.RequiredAcksAll {
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	} else {
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return client, nil
}

func newKafkaPublisher(client producer, log *zap.Logger, clk clock.Clock, m *metrics.ReconcileMetrics, flushTimeout time.Duration) *KafkaPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	if flushTimeout <= 0 {
		flushTimeout = 10 * time.Second
	}
	return &KafkaPublisher{
		client:       client,
		log:          log.Named("events.kafka"),
		clock:        clk,
		metrics:      m,
		flushTimeout: flushTimeout,
		maxBuffered:  defaultMaxBufferedRecords,
	}
}

// Start verifies broker connectivity. Publishing is refused until it succeeds.
func (p *KafkaPublisher) Start(ctx context.Context) error {
	if p.closed.Load() {
		return ErrPublisherClosed
	}
	if err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("kafka ping: %w", err)
	}
	p.started.Store(true)
	p.log.Info("kafka producer started")
	return nil
}

// Stop drains buffered records within the flush timeout, then closes the
// client. Records still buffered after the timeout are lost and logged.
func (p *KafkaPublisher) Stop(ctx context.Context) error {
	p.produceMu.Lock()
	swapped := p.closed.CompareAndSwap(false, true)
	p.started.Store(false)
	p.produceMu.Unlock()
	if !swapped {
		return nil
	}

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.flushTimeout)
	defer cancel()

	if err := p.client.Flush(flushCtx); err != nil {
		p.log.Warn("kafka flush incomplete",
			zap.Int64("remaining", p.client.BufferedProduceRecords()),
			zap.Duration("timeout", p.flushTimeout),
			zap.Error(err),
		)
	}
	p.client.Close()
	p.log.Info("kafka producer closed")
	return nil
}

// OnDelivery registers a listener for asynchronous broker results. Listeners
// run on the producer's callback goroutine and must not block.
func (p *KafkaPublisher) OnDelivery(listener DeliveryListener) {
	if listener == nil {
		return
	}
	p.mu.Lock()
	p.listeners = append(p.listeners, listener)
	p.mu.Unlock()
}

func (p *KafkaPublisher) Publish(ctx context.Context, topic string, ev Event, opts ...PublishOption) Outcome {
	if p == nil {
		return Unavailable("producer not started")
	}
	p.produceMu.RLock()
	defer p.produceMu.RUnlock()
	if !p.started.Load() || p.closed.Load() {
		return Unavailable("producer not started")
	}

	topic = strings.TrimSpace(topic)
	if topic == "" {
		return Rejected("empty topic")
	}
	if ev == nil {
		return Rejected("nil event")
	}
	key := strings.TrimSpace(ev.PartitionKey())
	if key == "" {
		return Rejected("empty partition key")
	}

	ctx, span := tracing.Tracer().Start(ctx, "events.publish")
	defer span.End()
	span.SetAttributes(tracing.SafeAttributes(
		attribute.String("messaging.destination", topic),
		attribute.String("event_type", ev.EventType()),
	)...)

	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, "context done")
		return Unavailable("context done")
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		span.RecordError(tracing.SafeError(err))
		span.SetStatus(codes.Error, "encode")
		return Rejected(fmt.Sprintf("encode: %v", err))
	}

	// A slot is held from enqueue until the promise fires, so Delivered is
	// only returned for records the client has room to buffer.
	if p.inflight.Add(1) > p.maxBuffered {
		p.inflight.Add(-1)
		span.SetStatus(codes.Error, "buffer full")
		return Unavailable("producer buffer full")
	}

	messageID := ulid.Make().String()
	record := &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: HeaderMessageID, Value: []byte(messageID)},
			{Key: HeaderEventType, Value: []byte(ev.EventType())},
		},
	}
	for k, v := range Headers(opts...) {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	enqueuedAt := p.clock.Now()
	// The record outlives the request; only values are carried over.
	p.client.TryProduce(context.WithoutCancel(ctx), record, func(r *kgo.Record, err error) {
		p.inflight.Add(-1)
		p.onDelivery(r, err, enqueuedAt)
	})

	p.log.Debug("event enqueued",
		zap.String("topic", topic),
		zap.String("event_type", ev.EventType()),
		zap.String("message_id", messageID),
	)
	return Delivered()
}

func (p *KafkaPublisher) onDelivery(r *kgo.Record, err error, enqueuedAt time.Time) {
	delivery := Delivery{
		Topic:     r.Topic,
		Key:       string(r.Key),
		Headers:   make(map[string]string, len(r.Headers)),
		Partition: r.Partition,
		Offset:    r.Offset,
		Latency:   p.clock.Now().Sub(enqueuedAt),
		Err:       err,
	}
	for _, h := range r.Headers {
		delivery.Headers[h.Key] = string(h.Value)
	}
	delivery.MessageID = delivery.Headers[HeaderMessageID]
	delivery.EventType = delivery.Headers[HeaderEventType]

	switch {
	case errors.Is(err, kgo.ErrMaxBuffered), errors.Is(err, kgo.ErrClientClosed):
		p.log.Error("kafka record refused before buffering",
			zap.String("topic", delivery.Topic),
			zap.String("message_id", delivery.MessageID),
			zap.Error(err),
		)
		p.metrics.IncPublishFailure("enqueue", metrics.ReasonBroker)
	case err != nil:
		p.log.Error("kafka delivery failed",
			zap.String("topic", delivery.Topic),
			zap.String("event_type", delivery.EventType),
			zap.String("message_id", delivery.MessageID),
			zap.Error(err),
		)
		p.metrics.IncPublishFailure("ack", metrics.ReasonBroker)
	default:
		p.log.Debug("kafka delivery acknowledged",
			zap.String("topic", delivery.Topic),
			zap.String("message_id", delivery.MessageID),
			zap.Int32("partition", delivery.Partition),
			zap.Int64("offset", delivery.Offset),
		)
		p.metrics.ObserveBrokerAck(delivery.Latency)
	}

	p.mu.RLock()
	listeners := append([]DeliveryListener(nil), p.listeners...)
	p.mu.RUnlock()
	for _, listener := range listeners {
		listener(delivery)
	}
}

var _ Publisher = (*KafkaPublisher)(nil)
