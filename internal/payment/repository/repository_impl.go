package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/smallbiznis/paymentd/internal/payment/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const paymentColumns = `id, user_id, subscription_id, tier_id, stripe_checkout_session_id,
	stripe_payment_intent_id, amount, currency, status, created_at, updated_at`

func (r *repo) FindByIdempotencyKey(ctx context.Context, db *gorm.DB, key string) (*domain.Payment, error) {
	var item domain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT `+paymentColumns+`
		 FROM payments
		 WHERE stripe_checkout_session_id = ?
		 LIMIT 1`,
		key,
	).Scan(&item).Error
	if err != nil {
		return nil, persistenceErr(err)
	}
	if item.ID == "" {
		return nil, nil
	}
	return &item, nil
}

// CreatePending inserts a pending record unless one already exists for the
// checkout session. The conflict clause is rendered per dialect.
func (r *repo) CreatePending(ctx context.Context, db *gorm.DB, payment *domain.Payment) (bool, error) {
	row := *payment
	row.Status = domain.StatusPending
	row.StripePaymentIntentID = nil

	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "stripe_checkout_session_id"}},
			DoNothing: true,
		}).
		Create(&row)
	if res.Error != nil {
		return false, persistenceErr(res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) TransitionToSucceeded(ctx context.Context, db *gorm.DB, key, settlementRef string, at time.Time) (domain.TransitionResult, error) {
	return r.transitionFromPending(ctx, db, key, domain.StatusSucceeded,
		`UPDATE payments
		 SET status = ?, stripe_payment_intent_id = ?, updated_at = ?
		 WHERE stripe_checkout_session_id = ? AND status = ?`,
		domain.StatusSucceeded, settlementRef, at, key, domain.StatusPending,
	)
}

func (r *repo) TransitionToFailed(ctx context.Context, db *gorm.DB, key string, at time.Time) (domain.TransitionResult, error) {
	return r.transitionTo(ctx, db, key, domain.StatusFailed, at)
}

func (r *repo) TransitionToCanceled(ctx context.Context, db *gorm.DB, key string, at time.Time) (domain.TransitionResult, error) {
	return r.transitionTo(ctx, db, key, domain.StatusCanceled, at)
}

func (r *repo) transitionTo(ctx context.Context, db *gorm.DB, key string, target domain.Status, at time.Time) (domain.TransitionResult, error) {
	return r.transitionFromPending(ctx, db, key, target,
		`UPDATE payments
		 SET status = ?, updated_at = ?
		 WHERE stripe_checkout_session_id = ? AND status = ?`,
		target, at, key, domain.StatusPending,
	)
}

// transitionFromPending runs a status-guarded update and classifies the
// result by re-reading the row. Only one concurrent caller can match the
// pending predicate for a given key.
func (r *repo) transitionFromPending(ctx context.Context, db *gorm.DB, key string, target domain.Status, query string, args ...any) (domain.TransitionResult, error) {
	failed := domain.TransitionResult{Outcome: domain.TransitionPersistenceError}

	res := db.WithContext(ctx).Exec(query, args...)
	if res.Error != nil {
		return failed, persistenceErr(res.Error)
	}

	current, err := r.FindByIdempotencyKey(ctx, db, key)
	if err != nil {
		return failed, err
	}

	if res.RowsAffected == 1 {
		if current == nil {
			return failed, persistenceErr(fmt.Errorf("payment %s vanished after transition", key))
		}
		return domain.TransitionResult{Outcome: domain.TransitionApplied, Record: current}, nil
	}

	switch {
	case current == nil:
		return domain.TransitionResult{Outcome: domain.TransitionNotFound}, nil
	case current.Status == target:
		return domain.TransitionResult{Outcome: domain.TransitionAlreadyApplied, Record: current}, nil
	default:
		return domain.TransitionResult{
			Outcome:     domain.TransitionInvalidPriorState,
			Record:      current,
			PriorStatus: current.Status,
		}, nil
	}
}

func persistenceErr(err error) error {
	return fmt.Errorf("%w: %w", domain.ErrPersistence, err)
}
