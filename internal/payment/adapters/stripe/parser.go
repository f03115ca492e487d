package stripe

import (
	"bytes"
	"encoding/json"
	"strings"

	paymentdomain "github.com/smallbiznis/paymentd/internal/payment/domain"
)

// Parser maps verified Stripe events onto payment notifications.
type Parser struct{}

func NewParser() *Parser {
	return &Parser{}
}

type checkoutSession struct {
	ID            string          `json:"id"`
	Status        string          `json:"status"`
	PaymentStatus string          `json:"payment_status"`
	PaymentIntent json.RawMessage `json:"payment_intent"`
}

func (p *Parser) Decode(event *paymentdomain.VerifiedEvent) (paymentdomain.Notification, error) {
	if event == nil {
		return nil, paymentdomain.ErrMalformedPayload
	}

	eventType := strings.TrimSpace(event.Type)
	switch eventType {
	case paymentdomain.EventCheckoutSessionCompleted,
		paymentdomain.EventCheckoutSessionAsyncPaymentSucceeded:
		session, err := decodeSession(event.Object)
		if err != nil {
			return nil, err
		}
		ref, err := settlementRef(session.PaymentIntent)
		if err != nil {
			return nil, err
		}
		return paymentdomain.CheckoutCompleted{
			EventID:       event.ID,
			EventType:     eventType,
			SessionID:     session.ID,
			PaymentStatus: strings.TrimSpace(session.PaymentStatus),
			SettlementRef: ref,
		}, nil
	case paymentdomain.EventCheckoutSessionAsyncPaymentFailed:
		session, err := decodeSession(event.Object)
		if err != nil {
			return nil, err
		}
		return paymentdomain.CheckoutFailed{EventID: event.ID, SessionID: session.ID}, nil
	case paymentdomain.EventCheckoutSessionExpired:
		session, err := decodeSession(event.Object)
		if err != nil {
			return nil, err
		}
		return paymentdomain.CheckoutExpired{EventID: event.ID, SessionID: session.ID}, nil
	default:
		return paymentdomain.Unhandled{EventID: event.ID, Type: eventType}, nil
	}
}

func decodeSession(raw json.RawMessage) (checkoutSession, error) {
	var session checkoutSession
	if len(raw) == 0 {
		return session, paymentdomain.ErrMalformedPayload
	}
	if err := json.Unmarshal(raw, &session); err != nil {
		return session, paymentdomain.ErrMalformedPayload
	}
	session.ID = strings.TrimSpace(session.ID)
	if session.ID == "" {
		return session, paymentdomain.ErrMalformedPayload
	}
	return session, nil
}

// settlementRef accepts payment_intent as an id string or an expanded object.
func settlementRef(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	switch raw[0] {
	case '"':
		var id string
		if err := json.Unmarshal(raw, &id); err != nil {
			return "", paymentdomain.ErrMalformedPayload
		}
		return strings.TrimSpace(id), nil
	case '{':
		var intent struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &intent); err != nil {
			return "", paymentdomain.ErrMalformedPayload
		}
		return strings.TrimSpace(intent.ID), nil
	default:
		return "", paymentdomain.ErrMalformedPayload
	}
}
