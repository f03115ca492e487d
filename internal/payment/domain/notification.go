package domain

import "encoding/json"

const (
	EventCheckoutSessionCompleted             = "checkout.session.completed"
	EventCheckoutSessionAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
	EventCheckoutSessionAsyncPaymentFailed    = "checkout.session.async_payment_failed"
	EventCheckoutSessionExpired               = "checkout.session.expired"
	PaymentStatusPaid                         = "paid"
)

// VerifiedEvent is a provider envelope whose signature has been checked.
type VerifiedEvent struct {
	ID      string
	Type    string
	Created int64
	Object  json.RawMessage
}

// Notification is the decoded form of a verified provider event. The
// concrete type selects the reconciliation path.
type Notification interface {
	NotificationEventID() string
	NotificationType() string
	isNotification()
}

// CheckoutCompleted carries a finished checkout session. SettlementRef is
// empty when the provider omitted the payment intent.
type CheckoutCompleted struct {
	EventID       string
	EventType     string
	SessionID     string
	PaymentStatus string
	SettlementRef string
}

// CheckoutFailed carries a checkout whose delayed payment failed.
type CheckoutFailed struct {
	EventID   string
	SessionID string
}

// CheckoutExpired carries a checkout session that expired unpaid.
type CheckoutExpired struct {
	EventID   string
	SessionID string
}

// Unhandled is any event type this service acknowledges without acting on.
type Unhandled struct {
	EventID string
	Type    string
}

func (n CheckoutCompleted) NotificationEventID() string { return n.EventID }
func (n CheckoutCompleted) NotificationType() string {
	if n.EventType == "" {
		return EventCheckoutSessionCompleted
	}
	return n.EventType
}
func (CheckoutCompleted) isNotification() {}

// Paid reports whether the provider marked the session as paid.
func (n CheckoutCompleted) Paid() bool { return n.PaymentStatus == PaymentStatusPaid }

func (n CheckoutFailed) NotificationEventID() string { return n.EventID }
func (CheckoutFailed) NotificationType() string      { return EventCheckoutSessionAsyncPaymentFailed }
func (CheckoutFailed) isNotification()               {}

func (n CheckoutExpired) NotificationEventID() string { return n.EventID }
func (CheckoutExpired) NotificationType() string      { return EventCheckoutSessionExpired }
func (CheckoutExpired) isNotification()               {}

func (n Unhandled) NotificationEventID() string { return n.EventID }
func (n Unhandled) NotificationType() string    { return n.Type }
func (Unhandled) isNotification()               {}
