package domain

import (
	"context"
	"net/http"
)

// Verifier authenticates a raw provider payload.
type Verifier interface {
	Verify(payload []byte, signatureHeader string) (*VerifiedEvent, error)
}

// Parser decodes a verified envelope into a Notification.
type Parser interface {
	Decode(event *VerifiedEvent) (Notification, error)
}

// Reconciler applies a notification to local state. A nil error means the
// notification may be acknowledged.
type Reconciler interface {
	Reconcile(ctx context.Context, notification Notification) error
}

// Receipt identifies the notification a webhook delivery carried. It is
// empty when verification failed.
type Receipt struct {
	EventID   string
	EventType string
}

// Service ingests one webhook delivery end to end.
type Service interface {
	IngestWebhook(ctx context.Context, payload []byte, headers http.Header) (Receipt, error)
}
