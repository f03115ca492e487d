package server

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// maxWebhookBody caps a single delivery; Stripe payloads are far smaller.
const maxWebhookBody = 1 << 20

func (s *Server) HandleStripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	ctx := c.Request.Context()
	if s.cfg.WebhookRequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.WebhookRequestTimeout)
		defer cancel()
	}

	receipt, err := s.paymentSvc.IngestWebhook(ctx, payload, c.Request.Header)
	if receipt.EventType != "" {
		c.Set("event_type", receipt.EventType)
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
