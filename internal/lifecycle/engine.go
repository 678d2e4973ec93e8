package lifecycle

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/dunningd/internal/clock"
	"github.com/smallbiznis/dunningd/internal/config"
	"github.com/smallbiznis/dunningd/internal/dispatch"
	"github.com/smallbiznis/dunningd/internal/dunning"
	"github.com/smallbiznis/dunningd/internal/notification"
	"github.com/smallbiznis/dunningd/internal/observability/logger"
	"github.com/smallbiznis/dunningd/internal/observability/metrics"
	"github.com/smallbiznis/dunningd/internal/observability/tracing"
	"github.com/smallbiznis/dunningd/internal/retry"
	"github.com/smallbiznis/dunningd/internal/risk"
	subscriptiondomain "github.com/smallbiznis/dunningd/internal/subscription/domain"
	"github.com/smallbiznis/dunningd/internal/winback"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// reclaimSlack is added to twice the gateway timeout before a fired retry
// whose outcome never arrived becomes due again.
const reclaimSlack = time.Minute

type Params struct {
	fx.In

	DB      *gorm.DB
	Repo    subscriptiondomain.Repository
	Config  *config.LifecycleConfigHolder
	Clock   clock.Clock
	Node    *snowflake.Node
	Locker  Locker
	Pool    *dispatch.Pool
	Dunning *dunning.Dispatcher
	Sender  *notification.Sender
	Metrics *metrics.Metrics `optional:"true"`
	Log     *zap.Logger
}

// Engine is the only writer of subscription state. Every mutation runs under
// the subscription lock and is persisted with a compare-and-swap on
// (status, version); side effects are dispatched after the write commits.
type Engine struct {
	db      *gorm.DB
	repo    subscriptiondomain.Repository
	cfg     *config.LifecycleConfigHolder
	clock   clock.Clock
	ids     IDGenerator
	locker  Locker
	pool    *dispatch.Pool
	dunning *dunning.Dispatcher
	sender  *notification.Sender
	metrics *metrics.Metrics
	log     *zap.Logger
	tracer  trace.Tracer
	jitter  retry.JitterSource
}

func NewEngine(p Params) *Engine {
	return &Engine{
		db:      p.DB,
		repo:    p.Repo,
		cfg:     p.Config,
		clock:   p.Clock,
		ids:     p.Node,
		locker:  p.Locker,
		pool:    p.Pool,
		dunning: p.Dunning,
		sender:  p.Sender,
		metrics: p.Metrics,
		log:     p.Log.Named("lifecycle.engine"),
		tracer:  otel.Tracer("dunningd/lifecycle"),
		jitter:  retry.RandomJitter,
	}
}

func (e *Engine) policy() Policy {
	return NewPolicy(e.cfg.Get(), e.ids, e.jitter)
}

// mutation returns the next state and its effects, or a nil state when
// nothing should be written.
type mutation func(prev *subscriptiondomain.State, now time.Time) (*subscriptiondomain.State, []Effect, error)

func (e *Engine) withState(ctx context.Context, id snowflake.ID, fn mutation) error {
	if id == 0 {
		return subscriptiondomain.ErrInvalidSubscription
	}

	unlock, err := e.locker.Lock(ctx, id.String())
	if err != nil {
		return err
	}
	defer unlock()

	prev, err := e.repo.LoadState(ctx, e.db, id)
	if err != nil {
		return err
	}
	if prev == nil {
		return subscriptiondomain.ErrSubscriptionNotFound
	}

	next, effects, err := fn(prev, e.clock.Now())
	if err != nil || next == nil {
		return err
	}
	if err := e.repo.SaveState(ctx, e.db, prev, next); err != nil {
		return err
	}

	e.dispatch(ctx, next.Subscription.ID, effects)
	return nil
}

// Apply runs one canonical event through the state machine.
func (e *Engine) Apply(ctx context.Context, ev subscriptiondomain.Event) (subscriptiondomain.Result, error) {
	ctx, span := e.tracer.Start(ctx, "lifecycle.Apply", trace.WithAttributes(tracing.SafeAttributes(
		attribute.String("subscription_id", ev.SubscriptionID.String()),
		attribute.String("event", string(ev.Type)),
	)...))
	defer span.End()

	log := logger.WithSubscription(logger.WithContext(ctx, e.log), ev.SubscriptionID.String())
	res := subscriptiondomain.Result{SubscriptionID: ev.SubscriptionID}

	err := e.withState(ctx, ev.SubscriptionID, func(prev *subscriptiondomain.State, now time.Time) (*subscriptiondomain.State, []Effect, error) {
		res.From = prev.Subscription.Status
		res.To = prev.Subscription.Status

		outcome, err := Transition(prev, ev, e.policy(), now)
		if err != nil {
			return nil, nil, err
		}
		res.Exhausted = outcome.Exhausted
		if outcome.NoOp {
			return nil, nil, nil
		}
		res.To = outcome.Next.Subscription.Status
		res.Changed = true
		return outcome.Next, outcome.Effects, nil
	})
	if err != nil {
		reason := RejectReason(err)
		e.metrics.RecordRejected(ctx, string(ev.Type), reason)
		span.SetStatus(codes.Error, reason)
		span.RecordError(tracing.SafeError(err))

		fields := []zap.Field{
			zap.String("event", string(ev.Type)),
			zap.String("from", string(res.From)),
			zap.String("reason", reason),
			zap.Error(err),
		}
		switch {
		case errors.Is(err, subscriptiondomain.ErrChargebackConflict):
			log.Warn("chargeback on closed subscription", fields...)
		case errors.Is(err, subscriptiondomain.ErrStaleRetryResult):
			log.Info("discarded stale retry result", append(fields, zap.Int("retry_attempt", ev.RetryAttempt))...)
		default:
			log.Warn("lifecycle event rejected", fields...)
		}
		return res, err
	}

	span.SetAttributes(attribute.String("from", string(res.From)), attribute.String("to", string(res.To)))
	if !res.Changed {
		log.Debug("lifecycle event was a no-op",
			zap.String("event", string(ev.Type)),
			zap.String("status", string(res.From)),
		)
		return res, nil
	}

	e.metrics.RecordTransition(ctx, string(res.From), string(res.To), string(ev.Type))
	log.Info("subscription transitioned",
		zap.String("event", string(ev.Type)),
		zap.String("from", string(res.From)),
		zap.String("to", string(res.To)),
		zap.Bool("exhausted", res.Exhausted),
	)
	return res, nil
}

// dispatch hands effects to the worker pool in order. Failures to enqueue
// are logged; the committed state is not rolled back.
func (e *Engine) dispatch(ctx context.Context, id snowflake.ID, effects []Effect) {
	for _, effect := range effects {
		var err error
		switch effect.Kind {
		case EffectCancelPending:
			e.pool.Cancel(id.String())
		case EffectSendDunning:
			err = e.dunning.Dispatch(ctx, id, *effect.Step)
		case EffectSendWinBack:
			err = e.sender.Enqueue(ctx, notification.KindWinBack, id, effect.Offer.Index, winback.TemplateFor(effect.Offer.Type))
		case EffectSendRecovery:
			err = e.sender.Enqueue(ctx, notification.KindRecovery, id, 0, TemplatePaymentRecovered)
		}
		if err != nil {
			e.log.Warn("side effect not dispatched",
				zap.String("subscription_id", id.String()),
				zap.String("effect", string(effect.Kind)),
				zap.Error(err),
			)
		}
	}
}

// Create stores a new active subscription.
func (e *Engine) Create(ctx context.Context, req subscriptiondomain.CreateRequest) (subscriptiondomain.Subscription, error) {
	businessID, err := snowflake.ParseString(strings.TrimSpace(req.BusinessID))
	if err != nil || businessID == 0 {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidBusiness
	}
	tier := subscriptiondomain.PlanTier(strings.ToLower(strings.TrimSpace(req.PlanTier)))
	if !tier.Valid() {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidPlanTier
	}
	if req.MonthlyPrice <= 0 || req.LTV < 0 {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidPrice
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if len(currency) != 3 {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidCurrency
	}
	if req.FeatureUsage < 0 || req.FeatureUsage > 100 {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidActivity
	}

	now := e.clock.Now()
	state := &subscriptiondomain.State{Subscription: subscriptiondomain.Subscription{
		ID:                  e.ids.Generate(),
		BusinessID:          businessID,
		PlanTier:            tier,
		MonthlyPrice:        req.MonthlyPrice,
		Currency:            currency,
		Status:              subscriptiondomain.StatusActive,
		PaymentMethodBrand:  strings.TrimSpace(req.PaymentMethodBrand),
		PaymentMethodLast4:  strings.TrimSpace(req.PaymentMethodLast4),
		PaymentMethodExpiry: strings.TrimSpace(req.PaymentMethodExpiry),
		MRR:                 req.MonthlyPrice,
		LTV:                 req.LTV,
		FeatureUsage:        req.FeatureUsage,
		LastLoginAt:         req.LastLoginAt,
		CreatedAt:           now,
		UpdatedAt:           now,
	}}
	risk.Apply(state, now)

	if err := e.repo.Insert(ctx, e.db, &state.Subscription); err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	e.log.Info("subscription created",
		zap.String("subscription_id", state.Subscription.ID.String()),
		zap.String("plan_tier", string(tier)),
	)
	return state.Subscription, nil
}

// RecordActivity stores login and feature usage signals and recomputes risk.
func (e *Engine) RecordActivity(ctx context.Context, req subscriptiondomain.ActivityRequest) error {
	id, err := snowflake.ParseString(strings.TrimSpace(req.SubscriptionID))
	if err != nil {
		return subscriptiondomain.ErrInvalidSubscription
	}
	if req.LoginAt == nil && req.FeatureUsage == nil {
		return subscriptiondomain.ErrInvalidActivity
	}
	if req.FeatureUsage != nil && (*req.FeatureUsage < 0 || *req.FeatureUsage > 100) {
		return subscriptiondomain.ErrInvalidActivity
	}

	return e.withState(ctx, id, func(prev *subscriptiondomain.State, now time.Time) (*subscriptiondomain.State, []Effect, error) {
		if prev.Subscription.Status == subscriptiondomain.StatusDeleted {
			return nil, nil, subscriptiondomain.ErrSubscriptionNotFound
		}
		next := prev.Clone()
		sub := &next.Subscription
		if req.LoginAt != nil {
			loginAt := req.LoginAt.UTC()
			if loginAt.After(now) {
				loginAt = now
			}
			if sub.LastLoginAt == nil || loginAt.After(*sub.LastLoginAt) {
				sub.LastLoginAt = &loginAt
			}
		}
		if req.FeatureUsage != nil {
			sub.FeatureUsage = *req.FeatureUsage
		}
		sub.UpdatedAt = now
		risk.Apply(next, now)
		return next, nil, nil
	})
}

// TrackEngagement applies an opened, clicked or responded signal to a sent
// dunning step or win-back offer. Repeated signals are no-ops.
func (e *Engine) TrackEngagement(ctx context.Context, ev subscriptiondomain.TrackingEvent) error {
	if !ev.Kind.Valid() {
		return subscriptiondomain.ErrInvalidEngagement
	}

	return e.withState(ctx, ev.SubscriptionID, func(prev *subscriptiondomain.State, now time.Time) (*subscriptiondomain.State, []Effect, error) {
		at := ev.OccurredAt
		if at.IsZero() || at.After(now) {
			at = now
		}

		next := prev.Clone()
		var (
			changed bool
			err     error
		)
		switch ev.Target {
		case subscriptiondomain.TrackingDunningStep:
			changed, err = dunning.ApplyEngagement(next.Campaign, ev.Index, ev.Kind, at)
		case subscriptiondomain.TrackingWinBackOffer:
			changed, err = winback.ApplyEngagement(next.Offers, ev.Index, ev.Kind)
		default:
			err = subscriptiondomain.ErrInvalidEngagement
		}
		if err != nil || !changed {
			return nil, nil, err
		}

		next.Subscription.UpdatedAt = now
		risk.Apply(next, now)
		return next, nil, nil
	})
}

// SendNextWinBackOffer sends the next offer of an expired subscription's
// ladder when one is due. It clears the offer schedule once the ladder is
// finished so the scheduler stops selecting the subscription.
func (e *Engine) SendNextWinBackOffer(ctx context.Context, id snowflake.ID) (bool, error) {
	sent := false
	err := e.withState(ctx, id, func(prev *subscriptiondomain.State, now time.Time) (*subscriptiondomain.State, []Effect, error) {
		if prev.Subscription.Status != subscriptiondomain.StatusExpired {
			return nil, nil, nil
		}

		p := e.policy()
		next := prev.Clone()
		offer, ok := p.WinBack.Next(next, now)
		if !ok {
			schedule := p.WinBack.NextOfferAt(next, now)
			if equalTime(schedule, prev.Subscription.NextOfferAt) {
				return nil, nil, nil
			}
			next.Subscription.NextOfferAt = schedule
			next.Subscription.UpdatedAt = now
			return next, nil, nil
		}

		created := p.WinBack.Send(next, e.ids, offer, now)
		next.Subscription.UpdatedAt = now
		risk.Apply(next, now)
		sent = true
		return next, []Effect{{Kind: EffectSendWinBack, Offer: &created}}, nil
	})
	return sent, err
}

// MarkRetryFired claims the due retry of a subscription for dispatch. The
// retry is pushed out by a reclaim window so that a call whose outcome is
// lost fires again with the same attempt number and idempotency key.
func (e *Engine) MarkRetryFired(ctx context.Context, id snowflake.ID) (subscriptiondomain.RetryDue, bool, error) {
	var due subscriptiondomain.RetryDue
	claimed := false

	err := e.withState(ctx, id, func(prev *subscriptiondomain.State, now time.Time) (*subscriptiondomain.State, []Effect, error) {
		issue := prev.Issue
		if prev.Subscription.Status != subscriptiondomain.StatusPaymentRetry || issue == nil ||
			issue.NextRetryAt == nil || issue.NextRetryAt.After(now) {
			return nil, nil, nil
		}

		next := prev.Clone()
		reclaimAt := now.Add(2*e.cfg.Get().GatewayTimeout + reclaimSlack)
		next.Issue.RetryFiredAttempt = next.Issue.AttemptCount
		next.Issue.NextRetryAt = &reclaimAt
		next.Issue.UpdatedAt = now
		syncIssueMirror(next)
		next.Subscription.UpdatedAt = now

		due = subscriptiondomain.RetryDue{
			SubscriptionID: id,
			PlanTier:       next.Subscription.PlanTier,
			Amount:         next.Subscription.MonthlyPrice,
			Currency:       next.Subscription.Currency,
			IssueID:        issue.ID,
			Attempt:        next.Issue.AttemptCount,
			DueAt:          *issue.NextRetryAt,
		}
		claimed = true
		return next, nil, nil
	})
	if err != nil {
		return subscriptiondomain.RetryDue{}, false, err
	}
	return due, claimed, nil
}

// RejectReason maps an Apply error onto a low-cardinality label.
func RejectReason(err error) string {
	switch {
	case errors.Is(err, subscriptiondomain.ErrStaleRetryResult):
		return "stale_retry_result"
	case errors.Is(err, subscriptiondomain.ErrChargebackConflict):
		return "chargeback_conflict"
	case errors.Is(err, subscriptiondomain.ErrDeadlineNotReached):
		return "deadline_not_reached"
	case errors.Is(err, subscriptiondomain.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, subscriptiondomain.ErrStaleWrite):
		return "stale_write"
	case errors.Is(err, subscriptiondomain.ErrSubscriptionLocked):
		return "locked"
	case errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound):
		return "not_found"
	case errors.Is(err, subscriptiondomain.ErrInvalidEvent), errors.Is(err, subscriptiondomain.ErrInvalidSubscription):
		return "invalid_event"
	default:
		return "internal"
	}
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
