package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Repository stores payments. Every method runs on the handle it is given so
// callers can compose it inside a transaction.
type Repository interface {
	FindByIdempotencyKey(ctx context.Context, db *gorm.DB, key string) (*Payment, error)
	CreatePending(ctx context.Context, db *gorm.DB, payment *Payment) (bool, error)
	TransitionToSucceeded(ctx context.Context, db *gorm.DB, key, settlementRef string, at time.Time) (TransitionResult, error)
	TransitionToFailed(ctx context.Context, db *gorm.DB, key string, at time.Time) (TransitionResult, error)
	TransitionToCanceled(ctx context.Context, db *gorm.DB, key string, at time.Time) (TransitionResult, error)
}
