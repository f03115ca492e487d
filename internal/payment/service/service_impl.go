package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smallbiznis/paymentd/internal/clock"
	"github.com/smallbiznis/paymentd/internal/config"
	"github.com/smallbiznis/paymentd/internal/events"
	obscontext "github.com/smallbiznis/paymentd/internal/observability/context"
	"github.com/smallbiznis/paymentd/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/paymentd/internal/observability/metrics"
	"github.com/smallbiznis/paymentd/internal/observability/tracing"
	"github.com/smallbiznis/paymentd/internal/outbox"
	paymentdomain "github.com/smallbiznis/paymentd/internal/payment/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB               *gorm.DB
	Log              *zap.Logger
	Cfg              config.Config
	Runtime          *config.RuntimeHolder
	Clock            clock.Clock
	Repo             paymentdomain.Repository
	Publisher        events.Publisher
	Outbox           *outbox.Outbox               `optional:"true"`
	ObsMetrics       *obsmetrics.Metrics          `optional:"true"`
	ReconcileMetrics *obsmetrics.ReconcileMetrics `optional:"true"`
}

// Service is the reconciliation state machine. Storage decides concurrent
// races; the service never locks.
type Service struct {
	db               *gorm.DB
	log              *zap.Logger
	runtime          *config.RuntimeHolder
	clock            clock.Clock
	repo             paymentdomain.Repository
	publisher        events.Publisher
	outbox           *outbox.Outbox
	topic            string
	obsMetrics       *obsmetrics.Metrics
	reconcileMetrics *obsmetrics.ReconcileMetrics
}

func NewService(p Params) *Service {
	return &Service{
		db:               p.DB,
		log:              p.Log.Named("payment.reconcile"),
		runtime:          p.Runtime,
		clock:            p.Clock,
		repo:             p.Repo,
		publisher:        p.Publisher,
		outbox:           p.Outbox,
		topic:            p.Cfg.Kafka.PaymentEventsTopic,
		obsMetrics:       p.ObsMetrics,
		reconcileMetrics: p.ReconcileMetrics,
	}
}

type transitionFunc func(ctx context.Context, tx *gorm.DB) (paymentdomain.TransitionResult, error)

func (s *Service) Reconcile(ctx context.Context, notification paymentdomain.Notification) error {
	switch n := notification.(type) {
	case paymentdomain.CheckoutCompleted:
		return s.reconcileCompleted(ctx, n)
	case paymentdomain.CheckoutFailed:
		return s.reconcileClosed(ctx, n, n.SessionID, paymentdomain.StatusFailed, s.repo.TransitionToFailed)
	case paymentdomain.CheckoutExpired:
		return s.reconcileClosed(ctx, n, n.SessionID, paymentdomain.StatusCanceled, s.repo.TransitionToCanceled)
	case paymentdomain.Unhandled:
		logger.WithContext(ctx, s.log).Debug("unhandled event type acknowledged", zap.String("event_type", n.Type))
		s.obsMetrics.RecordWebhookNotification(ctx, n.Type, "ignored")
		return nil
	default:
		return paymentdomain.ErrMalformedPayload
	}
}

func (s *Service) reconcileCompleted(ctx context.Context, n paymentdomain.CheckoutCompleted) error {
	ctx, span := tracing.Tracer().Start(ctx, "payment.reconcile")
	defer span.End()
	span.SetAttributes(tracing.SafeAttributes(attribute.String("event_type", n.NotificationType()))...)

	log := s.notificationLogger(ctx, n, n.SessionID)

	if !n.Paid() {
		log.Info("checkout not paid; acknowledged without mutation", zap.String("payment_status", n.PaymentStatus))
		s.obsMetrics.RecordWebhookNotification(ctx, n.NotificationType(), "not_paid")
		return nil
	}
	if n.SettlementRef == "" {
		log.Error("paid checkout carries no payment intent")
		s.obsMetrics.RecordWebhookNotification(ctx, n.NotificationType(), "missing_settlement_reference")
		return paymentdomain.ErrMissingSettlementReference
	}

	var (
		event    paymentdomain.PaymentSucceededEvent
		outboxID string
	)
	result, err := s.transition(ctx, paymentdomain.StatusSucceeded, func(ctx context.Context, tx *gorm.DB) (paymentdomain.TransitionResult, error) {
		now := s.clock.Now()
		result, err := s.repo.TransitionToSucceeded(ctx, tx, n.SessionID, n.SettlementRef, now)
		if err != nil || result.Outcome != paymentdomain.TransitionApplied {
			return result, err
		}

		event = paymentdomain.NewPaymentSucceededEvent(result.Record, now)
		if s.outbox != nil {
			record, err := s.outbox.Enqueue(ctx, tx, s.topic, event)
			if err != nil {
				return paymentdomain.TransitionResult{Outcome: paymentdomain.TransitionPersistenceError},
					fmt.Errorf("%w: %w", paymentdomain.ErrPersistence, err)
			}
			outboxID = record.ID.String()
		}
		return result, nil
	})
	if err != nil {
		span.RecordError(tracing.SafeError(err))
		span.SetStatus(codes.Error, "persistence")
		log.Error("payment transition failed", zap.Error(err))
		s.obsMetrics.RecordWebhookNotification(ctx, n.NotificationType(), "persistence_error")
		return err
	}

	switch result.Outcome {
	case paymentdomain.TransitionApplied:
		log.Info("payment succeeded",
			zap.String("payment_id", result.Record.ID),
			zap.String("stripe_payment_intent_id", n.SettlementRef),
		)
		s.publish(ctx, log, event, outboxID)
	case paymentdomain.TransitionAlreadyApplied:
		log.Info("payment already succeeded; redelivery acknowledged", zap.String("payment_id", result.Record.ID))
	default:
		s.anomaly(ctx, log, result)
	}
	s.obsMetrics.RecordWebhookNotification(ctx, n.NotificationType(), string(result.Outcome))
	return nil
}

func (s *Service) reconcileClosed(ctx context.Context, n paymentdomain.Notification, sessionID string, target paymentdomain.Status, apply func(context.Context, *gorm.DB, string, time.Time) (paymentdomain.TransitionResult, error)) error {
	log := s.notificationLogger(ctx, n, sessionID)

	result, err := s.transition(ctx, target, func(ctx context.Context, tx *gorm.DB) (paymentdomain.TransitionResult, error) {
		return apply(ctx, tx, sessionID, s.clock.Now())
	})
	if err != nil {
		log.Error("payment transition failed", zap.String("target_status", string(target)), zap.Error(err))
		s.obsMetrics.RecordWebhookNotification(ctx, n.NotificationType(), "persistence_error")
		return err
	}

	switch result.Outcome {
	case paymentdomain.TransitionApplied:
		log.Info("payment closed", zap.String("payment_id", result.Record.ID), zap.String("status", string(target)))
	case paymentdomain.TransitionAlreadyApplied:
		log.Debug("payment already closed; redelivery acknowledged", zap.String("status", string(target)))
	default:
		s.anomaly(ctx, log, result)
	}
	s.obsMetrics.RecordWebhookNotification(ctx, n.NotificationType(), string(result.Outcome))
	return nil
}

// transition runs fn in its own transaction and normalizes every failure to
// ErrPersistence, so a timeout before commit is never acknowledged.
func (s *Service) transition(ctx context.Context, target paymentdomain.Status, fn transitionFunc) (paymentdomain.TransitionResult, error) {
	var result paymentdomain.TransitionResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := fn(ctx, tx)
		result = r
		return err
	})
	if err != nil {
		if !errors.Is(err, paymentdomain.ErrPersistence) {
			err = fmt.Errorf("%w: %w", paymentdomain.ErrPersistence, err)
		}
		result = paymentdomain.TransitionResult{Outcome: paymentdomain.TransitionPersistenceError}
		s.reconcileMetrics.IncPersistenceError(err)
	}
	s.obsMetrics.RecordPaymentTransition(ctx, string(target), string(result.Outcome))
	return result, err
}

// publish never fails the notification: the committed transition is the
// source of truth and the outbox, when enabled, retries.
func (s *Service) publish(ctx context.Context, log *zap.Logger, event paymentdomain.PaymentSucceededEvent, outboxID string) {
	timeout := s.runtime.Get().Publish.EnqueueTimeout
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	var opts []events.PublishOption
	if outboxID != "" {
		opts = append(opts, events.WithHeader(events.HeaderOutboxID, outboxID))
	}

	outcome := s.publisher.Publish(pubCtx, s.topic, event, opts...)
	s.obsMetrics.RecordEventPublished(ctx, event.EventType(), string(outcome.Kind))
	if outcome.Delivered() {
		return
	}

	log.Error("payment event not published",
		zap.String("payment_id", event.PaymentID),
		zap.String("outcome", string(outcome.Kind)),
		zap.String("reason", outcome.Reason),
		zap.Bool("outbox", outboxID != ""),
	)
	s.reconcileMetrics.IncPublishFailure("enqueue", string(outcome.Kind))
}

func (s *Service) anomaly(ctx context.Context, log *zap.Logger, result paymentdomain.TransitionResult) {
	fields := []zap.Field{zap.String("outcome", string(result.Outcome))}
	if result.PriorStatus != "" {
		fields = append(fields, zap.String("prior_status", string(result.PriorStatus)))
	}
	log.Warn("notification cannot be applied; acknowledged for manual review", fields...)
	s.obsMetrics.RecordReconcileAnomaly(ctx, string(result.Outcome))
}

func (s *Service) notificationLogger(ctx context.Context, n paymentdomain.Notification, sessionID string) *zap.Logger {
	log := logger.WithPayment(logger.WithContext(ctx, s.log), sessionID).With(
		zap.String("event_type", n.NotificationType()),
	)
	if obscontext.EventIDFromContext(ctx) == "" {
		log = log.With(zap.String("event_id", n.NotificationEventID()))
	}
	return log
}

var _ paymentdomain.Reconciler = (*Service)(nil)
