package payment

import (
	"github.com/smallbiznis/paymentd/internal/payment/adapters/stripe"
	paymentdomain "github.com/smallbiznis/paymentd/internal/payment/domain"
	"github.com/smallbiznis/paymentd/internal/payment/repository"
	paymentservice "github.com/smallbiznis/paymentd/internal/payment/service"
	"github.com/smallbiznis/paymentd/internal/payment/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(
		fx.Annotate(stripe.NewVerifier, fx.As(new(paymentdomain.Verifier))),
		fx.Annotate(stripe.NewParser, fx.As(new(paymentdomain.Parser))),
	),
	fx.Provide(
		paymentservice.NewService,
		func(s *paymentservice.Service) paymentdomain.Reconciler { return s },
	),
	fx.Provide(webhook.NewService),
)
