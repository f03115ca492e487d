package webhook

import (
	"context"
	"errors"
	"net/http"

	obscontext "github.com/smallbiznis/paymentd/internal/observability/context"
	"github.com/smallbiznis/paymentd/internal/observability/logger"
	"github.com/smallbiznis/paymentd/internal/payment/adapters/stripe"
	paymentdomain "github.com/smallbiznis/paymentd/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	Verifier   paymentdomain.Verifier
	Parser     paymentdomain.Parser
	Reconciler paymentdomain.Reconciler
}

type Service struct {
	log        *zap.Logger
	verifier   paymentdomain.Verifier
	parser     paymentdomain.Parser
	reconciler paymentdomain.Reconciler
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		log:        p.Log.Named("payment.webhook"),
		verifier:   p.Verifier,
		parser:     p.Parser,
		reconciler: p.Reconciler,
	}
}

// IngestWebhook verifies, decodes and reconciles one delivery. Nothing in the
// body is read before the signature checks out.
func (s *Service) IngestWebhook(ctx context.Context, payload []byte, headers http.Header) (paymentdomain.Receipt, error) {
	verified, err := s.verifier.Verify(payload, headers.Get(stripe.SignatureHeader))
	if err != nil {
		logger.WithContext(ctx, s.log).Warn("webhook rejected", zap.Error(err))
		return paymentdomain.Receipt{}, err
	}

	receipt := paymentdomain.Receipt{EventID: verified.ID, EventType: verified.Type}
	ctx = obscontext.WithEventID(ctx, verified.ID)

	notification, err := s.parser.Decode(verified)
	if err != nil {
		logger.WithContext(ctx, s.log).Warn("webhook payload could not be decoded",
			zap.String("event_type", verified.Type),
			zap.Error(err),
		)
		return receipt, err
	}

	if err := s.reconciler.Reconcile(ctx, notification); err != nil {
		if errors.Is(err, paymentdomain.ErrPersistence) {
			logger.WithContext(ctx, s.log).Error("webhook not acknowledged; provider will redeliver",
				zap.String("event_type", verified.Type),
				zap.Error(err),
			)
		}
		return receipt, err
	}
	return receipt, nil
}
