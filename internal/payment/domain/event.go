package domain

import "time"

const EventTypePaymentSucceeded = "payment.succeeded"

// PaymentSucceededEvent is published once per applied success transition.
// PaidAt is the emission time, not a gateway timestamp.
type PaymentSucceededEvent struct {
	PaymentID               string    `json:"payment_id"`
	UserID                  string    `json:"user_id"`
	TierID                  string    `json:"tier_id"`
	Amount                  int64     `json:"amount"`
	Currency                string    `json:"currency"`
	PaidAt                  time.Time `json:"paid_at"`
	StripePaymentIntentID   string    `json:"stripe_payment_intent_id"`
	StripeCheckoutSessionID string    `json:"stripe_checkout_session_id"`
}

// NewPaymentSucceededEvent snapshots a succeeded payment.
func NewPaymentSucceededEvent(p *Payment, paidAt time.Time) PaymentSucceededEvent {
	return PaymentSucceededEvent{
		PaymentID:               p.ID,
		UserID:                  p.UserID,
		TierID:                  p.TierID,
		Amount:                  p.Amount,
		Currency:                p.Currency,
		PaidAt:                  paidAt.UTC(),
		StripePaymentIntentID:   p.SettlementRef(),
		StripeCheckoutSessionID: p.StripeCheckoutSessionID,
	}
}

// PartitionKey orders all events of one user on the same partition.
func (e PaymentSucceededEvent) PartitionKey() string { return e.UserID }

func (PaymentSucceededEvent) EventType() string { return EventTypePaymentSucceeded }
