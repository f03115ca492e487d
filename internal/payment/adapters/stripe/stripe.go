package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/paymentd/internal/clock"
	"github.com/smallbiznis/paymentd/internal/config"
	paymentdomain "github.com/smallbiznis/paymentd/internal/payment/domain"
)

const SignatureHeader = "Stripe-Signature"

// Verifier checks Stripe-Signature headers against the endpoint secret.
type Verifier struct {
	secret    []byte
	tolerance func() time.Duration
	clock     clock.Clock
}

func NewVerifier(cfg config.Config, runtime *config.RuntimeHolder, clk clock.Clock) (*Verifier, error) {
	secret := strings.TrimSpace(cfg.StripeWebhookSecret)
	if secret == "" {
		return nil, fmt.Errorf("%w: STRIPE_WEBHOOK_SECRET is required", paymentdomain.ErrInvalidConfig)
	}
	return newVerifier(secret, func() time.Duration {
		return runtime.Get().Signature.Tolerance
	}, clk), nil
}

func newVerifier(secret string, tolerance func() time.Duration, clk clock.Clock) *Verifier {
	if clk == nil {
		clk = clock.New()
	}
	return &Verifier{
		secret:    []byte(secret),
		tolerance: tolerance,
		clock:     clk,
	}
}

// Verify authenticates payload and decodes its envelope. The body is not
// parsed until a signature matches.
func (v *Verifier) Verify(payload []byte, header string) (*paymentdomain.VerifiedEvent, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, paymentdomain.ErrMissingSignature
	}

	timestamp, signatures, err := parseStripeSignature(header)
	if err != nil {
		return nil, paymentdomain.ErrInvalidSignature
	}

	expected := computeSignature(v.secret, timestamp, payload)
	matched := false
	for _, signature := range signatures {
		decoded, err := hex.DecodeString(signature)
		if err != nil {
			continue
		}
		if hmac.Equal(decoded, expected) {
			matched = true
		}
	}
	if !matched {
		return nil, paymentdomain.ErrInvalidSignature
	}

	if err := v.checkTolerance(timestamp); err != nil {
		return nil, err
	}

	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrMalformedPayload
	}
	if strings.TrimSpace(event.ID) == "" || strings.TrimSpace(event.Type) == "" {
		return nil, paymentdomain.ErrMalformedPayload
	}

	return &paymentdomain.VerifiedEvent{
		ID:      event.ID,
		Type:    event.Type,
		Created: event.Created,
		Object:  event.Data.Object,
	}, nil
}

func (v *Verifier) checkTolerance(timestamp string) error {
	if v.tolerance == nil {
		return nil
	}
	tolerance := v.tolerance()
	if tolerance <= 0 {
		return nil
	}
	signedAt, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}
	skew := v.clock.Now().Sub(time.Unix(signedAt, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", paymentdomain.ErrInvalidSignature)
	}
	return nil
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

func computeSignature(secret []byte, timestamp string, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(payload)
	return mac.Sum(nil)
}

func parseStripeSignature(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}
