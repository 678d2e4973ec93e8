package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/dunningd/internal/config"
)

const (
	keyWebhookEndpoint     = "dunningd:webhook:endpoint:%s"
	keyWebhookSubscription = "dunningd:webhook:subscription:%s"
)

// WebhookLimiter throttles gateway webhook deliveries per endpoint and per
// subscription so a misbehaving gateway cannot starve the lifecycle engine.
type WebhookLimiter struct {
	bucket *TokenBucket

	endpointRate      float64
	endpointBurst     int
	subscriptionRate  float64
	subscriptionBurst int
}

// NewWebhookLimiter returns nil when rate limiting is disabled.
func NewWebhookLimiter(cfg config.Config, client *redis.Client) (*WebhookLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}
	if client == nil {
		return nil, errors.New("webhook rate limit requires redis")
	}
	if limitCfg.WebhookRate <= 0 || limitCfg.WebhookBurst <= 0 {
		return nil, errors.New("webhook endpoint rate limit must be positive")
	}
	if limitCfg.SubscriptionRate <= 0 || limitCfg.SubscriptionBurst <= 0 {
		return nil, errors.New("webhook subscription rate limit must be positive")
	}

	return &WebhookLimiter{
		bucket:            NewTokenBucket(client),
		endpointRate:      limitCfg.WebhookRate,
		endpointBurst:     limitCfg.WebhookBurst,
		subscriptionRate:  limitCfg.SubscriptionRate,
		subscriptionBurst: limitCfg.SubscriptionBurst,
	}, nil
}

func (l *WebhookLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *WebhookLimiter) AllowEndpoint(ctx context.Context, endpoint string) (Decision, error) {
	if !l.Enabled() {
		return Decision{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyWebhookEndpoint, strings.TrimSpace(endpoint)), l.endpointRate, l.endpointBurst)
}

func (l *WebhookLimiter) AllowSubscription(ctx context.Context, subscriptionID string) (Decision, error) {
	if !l.Enabled() || strings.TrimSpace(subscriptionID) == "" {
		return Decision{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyWebhookSubscription, strings.TrimSpace(subscriptionID)), l.subscriptionRate, l.subscriptionBurst)
}
