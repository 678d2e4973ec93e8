package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/dunningd/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/dunningd/internal/observability/metrics"
	"github.com/smallbiznis/dunningd/internal/ratelimit"
	"go.uber.org/zap"
)

const (
	rateLimitReasonEndpointRate     = "endpoint-rate"
	rateLimitReasonSubscriptionRate = "subscription-rate"
)

type webhookRateLimitKey struct {
	SubscriptionID string `json:"subscriptionId"`
}

// WebhookRateLimit throttles gateway deliveries per route and, for single
// deliveries, per subscription.
func (s *Server) WebhookRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.webhookLimiter.Enabled() {
			c.Next()
			return
		}

		endpoint := normalizeRateLimitEndpoint(c)
		ctx := c.Request.Context()

		decision, err := s.webhookLimiter.AllowEndpoint(ctx, endpoint)
		if err != nil {
			logger.FromContext(ctx).Warn("webhook endpoint rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !decision.Allowed {
			denyWebhookRateLimit(c, endpoint, rateLimitReasonEndpointRate, decision, s.obsMetrics)
			return
		}

		subscriptionID, err := readWebhookRateLimitKey(c)
		if err != nil {
			logger.FromContext(ctx).Warn("webhook rate limit read body failed", zap.Error(err))
			AbortWithError(c, invalidRequestError())
			return
		}

		decision, err = s.webhookLimiter.AllowSubscription(ctx, subscriptionID)
		if err != nil {
			logger.FromContext(ctx).Warn("webhook subscription rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !decision.Allowed {
			denyWebhookRateLimit(c, endpoint, rateLimitReasonSubscriptionRate, decision, s.obsMetrics)
			return
		}

		c.Next()
	}
}

func denyWebhookRateLimit(c *gin.Context, endpoint, reason string, decision ratelimit.Decision, metrics *obsmetrics.Metrics) {
	ctx := c.Request.Context()
	logger.FromContext(ctx).Warn("webhook rate limit exceeded",
		zap.String("reason", reason),
		zap.String("endpoint", endpoint),
	)
	recordRateLimited(ctx, endpoint, reason, metrics)

	c.Header("Retry-After", retryAfterSeconds(decision.RetryAfter))
	c.Header("X-Rate-Limited-Reason", reason)
	AbortWithError(c, ErrRateLimited)
}

func recordRateLimited(ctx context.Context, endpoint, reason string, metrics *obsmetrics.Metrics) {
	if metrics == nil {
		return
	}
	metrics.RecordRateLimited(ctx, endpoint, reason)
}

func retryAfterSeconds(d time.Duration) string {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

// readWebhookRateLimitKey peeks at the subscription id and restores the body
// for the handler. Batch bodies are arrays and yield no key.
func readWebhookRateLimitKey(c *gin.Context) (string, error) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return "", err
	}
	c.Request.Body = io.NopCloser(bytes.NewBuffer(body))
	if len(body) == 0 {
		return "", nil
	}

	var payload webhookRateLimitKey
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", nil
	}
	return strings.TrimSpace(payload.SubscriptionID), nil
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
