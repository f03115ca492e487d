package server

import (
	"math"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/paymentd/internal/observability/logger"
	"go.uber.org/zap"
)

// WebhookRateLimit applies the Redis token bucket per client address. A
// limiter outage lets the request through.
func (s *Server) WebhookRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.webhookLimiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		result, allowed := s.webhookLimiter.Allow(ctx, c.ClientIP())
		if allowed {
			c.Next()
			return
		}

		endpoint := c.FullPath()
		logger.WithContext(ctx, s.log).Warn("webhook rate limit exceeded",
			zap.String("endpoint", endpoint),
		)
		s.obsMetrics.RecordWebhookRateLimited(ctx, endpoint)

		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(result.RetryAfter)))
		c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		AbortWithError(c, ErrRateLimited)
	}
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
