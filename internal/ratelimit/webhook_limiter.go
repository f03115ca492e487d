package ratelimit

import (
	"context"
	"fmt"
	"strings"

	"github.com/smallbiznis/paymentd/internal/config"
	"go.uber.org/zap"
)

const keyWebhookIngress = "paymentd:webhook:ingress:%s"

// WebhookLimiter throttles inbound provider notifications per source. Rate
// and burst are read from the runtime config on every call.
type WebhookLimiter struct {
	bucket  *TokenBucket
	runtime *config.RuntimeHolder
	log     *zap.Logger
}

func NewWebhookLimiter(cfg config.Config, bucket *TokenBucket, runtime *config.RuntimeHolder, log *zap.Logger) *WebhookLimiter {
	if !cfg.RateLimitEnabled {
		return nil
	}
	if bucket == nil {
		log.Warn("webhook rate limit enabled without redis; limiter disabled")
		return nil
	}
	return &WebhookLimiter{
		bucket:  bucket,
		runtime: runtime,
		log:     log.Named("ratelimit.webhook"),
	}
}

func (l *WebhookLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

// Allow fails open: a Redis error lets the request through so a limiter
// outage never blocks payment notifications.
func (l *WebhookLimiter) Allow(ctx context.Context, source string) (*RateLimitResult, bool) {
	if !l.Enabled() {
		return nil, true
	}

	source = strings.TrimSpace(source)
	if source == "" {
		source = "unknown"
	}

	limits := l.runtime.Get().RateLimit
	result, err := l.bucket.Allow(ctx, fmt.Sprintf(keyWebhookIngress, source), limits.Rate, limits.Burst)
	if err != nil {
		l.log.Warn("webhook rate limit check failed", zap.String("source", source), zap.Error(err))
		return nil, true
	}
	return result, result.Allowed
}
