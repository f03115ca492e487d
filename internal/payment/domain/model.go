package domain

import (
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Payment is one checkout attempt keyed by the gateway checkout session id.
type Payment struct {
	ID                      string    `json:"id" gorm:"column:id;primaryKey"`
	UserID                  string    `json:"user_id" gorm:"column:user_id"`
	SubscriptionID          *string   `json:"subscription_id,omitempty" gorm:"column:subscription_id"`
	TierID                  string    `json:"tier_id" gorm:"column:tier_id"`
	StripeCheckoutSessionID string    `json:"stripe_checkout_session_id" gorm:"column:stripe_checkout_session_id"`
	StripePaymentIntentID   *string   `json:"stripe_payment_intent_id,omitempty" gorm:"column:stripe_payment_intent_id"`
	Amount                  int64     `json:"amount" gorm:"column:amount"`
	Currency                string    `json:"currency" gorm:"column:currency"`
	Status                  Status    `json:"status" gorm:"column:status"`
	CreatedAt               time.Time `json:"created_at" gorm:"column:created_at"`
	UpdatedAt               time.Time `json:"updated_at" gorm:"column:updated_at"`
}

func (Payment) TableName() string { return "payments" }

// SettlementRef returns the payment intent id or an empty string.
func (p *Payment) SettlementRef() string {
	if p == nil || p.StripePaymentIntentID == nil {
		return ""
	}
	return *p.StripePaymentIntentID
}
