package events

import (
	"context"
	"encoding/json"
	"time"
)

const (
	HeaderMessageID = "message_id"
	HeaderEventType = "event_type"
	HeaderOutboxID  = "outbox_id"
)

// Event is a domain fact published to the bus. All events sharing a
// partition key are ordered relative to each other.
type Event interface {
	EventType() string
	PartitionKey() string
}

// RawEvent carries an already encoded payload, as stored in the outbox.
type RawEvent struct {
	Type    string
	Key     string
	Payload json.RawMessage
}

func (e RawEvent) EventType() string    { return e.Type }
func (e RawEvent) PartitionKey() string { return e.Key }

func (e RawEvent) MarshalJSON() ([]byte, error) {
	if len(e.Payload) == 0 {
		return []byte("null"), nil
	}
	return e.Payload, nil
}

type OutcomeKind string

const (
	OutcomeDelivered   OutcomeKind = "delivered"
	OutcomeRejected    OutcomeKind = "rejected"
	OutcomeUnavailable OutcomeKind = "unavailable"
)

// Outcome is the synchronous result of Publish. Delivered means the record
// was handed to the producer buffer, not that the broker stored it.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
}

func Delivered() Outcome { return Outcome{Kind: OutcomeDelivered} }

func Rejected(reason string) Outcome {
	return Outcome{Kind: OutcomeRejected, Reason: reason}
}

func Unavailable(reason string) Outcome {
	return Outcome{Kind: OutcomeUnavailable, Reason: reason}
}

func (o Outcome) Delivered() bool { return o.Kind == OutcomeDelivered }

type Publisher interface {
	Publish(ctx context.Context, topic string, ev Event, opts ...PublishOption) Outcome
}

type PublishOption func(*publishOptions)

type publishOptions struct {
	headers map[string]string
}

// WithHeader attaches a record header. Reserved headers cannot be overridden.
func WithHeader(key, value string) PublishOption {
	return func(o *publishOptions) {
		if key == "" || key == HeaderMessageID || key == HeaderEventType {
			return
		}
		if o.headers == nil {
			o.headers = make(map[string]string)
		}
		o.headers[key] = value
	}
}

// Delivery is the broker's asynchronous verdict on one record.
type Delivery struct {
	Topic     string
	Key       string
	EventType string
	MessageID string
	Headers   map[string]string
	Partition int32
	Offset    int64
	Latency   time.Duration
	Err       error
}

type DeliveryListener func(Delivery)

// Headers resolves opts into the caller-supplied header set.
func Headers(opts ...PublishOption) map[string]string {
	options := publishOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	return options.headers
}
