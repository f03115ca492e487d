// Package eventstest provides an in-memory events.Publisher for tests.
package eventstest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/smallbiznis/paymentd/internal/events"
)

type Published struct {
	Topic     string
	EventType string
	Key       string
	Payload   json.RawMessage
	Headers   map[string]string
}

// Recorder records every Publish call and answers with a fixed outcome.
type Recorder struct {
	mu        sync.Mutex
	outcome   events.Outcome
	published []Published
}

func NewRecorder() *Recorder {
	return &Recorder{outcome: events.Delivered()}
}

// SetOutcome changes the answer for subsequent calls.
func (r *Recorder) SetOutcome(outcome events.Outcome) {
	r.mu.Lock()
	r.outcome = outcome
	r.mu.Unlock()
}

func (r *Recorder) Publish(_ context.Context, topic string, ev events.Event, opts ...events.PublishOption) events.Outcome {
	payload, _ := json.Marshal(ev)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, Published{
		Topic:     topic,
		EventType: ev.EventType(),
		Key:       ev.PartitionKey(),
		Payload:   payload,
		Headers:   events.Headers(opts...),
	})
	return r.outcome
}

func (r *Recorder) Published() []Published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Published(nil), r.published...)
}

var _ events.Publisher = (*Recorder)(nil)
