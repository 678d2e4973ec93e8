// Package retry computes when a failed subscription charge is attempted again.
package retry

import (
	"math/rand/v2"
	"time"

	"github.com/smallbiznis/dunningd/internal/config"
	subscriptiondomain "github.com/smallbiznis/dunningd/internal/subscription/domain"
)

// Policy is the exponential backoff applied to one plan tier.
type Policy struct {
	BackoffBase time.Duration
	MaxInterval time.Duration
	JitterRatio float64
}

// JitterSource returns a duration in [0, max).
type JitterSource func(max time.Duration) time.Duration

func RandomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max)))
}

func NoJitter(time.Duration) time.Duration { return 0 }

type Backoff struct {
	policies map[subscriptiondomain.PlanTier]Policy
	fallback Policy
	jitter   JitterSource
}

func NewBackoff(cfg config.LifecycleConfig, jitter JitterSource) *Backoff {
	cfg = cfg.WithDefaults()
	if jitter == nil {
		jitter = RandomJitter
	}
	b := &Backoff{
		policies: make(map[subscriptiondomain.PlanTier]Policy, len(cfg.RetryPolicies)),
		jitter:   jitter,
	}
	for tier, p := range cfg.RetryPolicies {
		policy := Policy{BackoffBase: p.BackoffBase, MaxInterval: p.MaxInterval, JitterRatio: p.JitterRatio}
		if tier == config.DefaultRetryPolicyKey {
			b.fallback = policy
			continue
		}
		b.policies[subscriptiondomain.PlanTier(tier)] = policy
	}
	return b
}

func (b *Backoff) PolicyFor(tier subscriptiondomain.PlanTier) Policy {
	if p, ok := b.policies[tier]; ok {
		return p
	}
	return b.fallback
}

// Delay returns backoffBase * 2^(attempt-1) + jitter, capped at the policy's max interval.
func (b *Backoff) Delay(tier subscriptiondomain.PlanTier, attempt int) time.Duration {
	p := b.PolicyFor(tier)
	if attempt < 1 {
		attempt = 1
	}

	delay := p.BackoffBase
	for i := 1; i < attempt; i++ {
		if p.MaxInterval > 0 && delay >= p.MaxInterval {
			break
		}
		if delay > time.Duration(1<<62)/2 {
			break
		}
		delay *= 2
	}

	delay += b.jitter(time.Duration(float64(p.BackoffBase) * p.JitterRatio))

	if p.MaxInterval > 0 && delay > p.MaxInterval {
		delay = p.MaxInterval
	}
	return delay
}

func (b *Backoff) NextRetryAt(tier subscriptiondomain.PlanTier, attempt int, now time.Time) time.Time {
	return now.Add(b.Delay(tier, attempt))
}
