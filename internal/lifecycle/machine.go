// Package lifecycle drives subscriptions through the billing state machine.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/dunningd/internal/config"
	"github.com/smallbiznis/dunningd/internal/dunning"
	"github.com/smallbiznis/dunningd/internal/retry"
	"github.com/smallbiznis/dunningd/internal/risk"
	subscriptiondomain "github.com/smallbiznis/dunningd/internal/subscription/domain"
	"github.com/smallbiznis/dunningd/internal/winback"
)

// IDGenerator is satisfied by *snowflake.Node.
type IDGenerator interface {
	Generate() snowflake.ID
}

// Policy carries everything a transition needs besides the state itself.
type Policy struct {
	MaxRetryAttempts int
	SuspendAfter     time.Duration
	DeleteAfter      time.Duration
	Backoff          *retry.Backoff
	Dunning          dunning.Planner
	WinBack          winback.Policy
	IDs              IDGenerator
}

// NewPolicy builds a Policy from the current lifecycle config.
func NewPolicy(cfg config.LifecycleConfig, ids IDGenerator, jitter retry.JitterSource) Policy {
	cfg = cfg.WithDefaults()
	return Policy{
		MaxRetryAttempts: cfg.MaxRetryAttempts,
		SuspendAfter:     cfg.SuspendAfter,
		DeleteAfter:      cfg.DeleteAfter,
		Backoff:          retry.NewBackoff(cfg, jitter),
		Dunning:          dunning.Planner{MaxSteps: cfg.DunningMaxSteps, IDs: ids},
		WinBack: winback.Policy{
			GraceWindow:   cfg.WinBackGraceWindow,
			OfferInterval: cfg.WinBackOfferInterval,
		},
		IDs: ids,
	}
}

type EffectKind string

const (
	// EffectCancelPending drops queued sends and gateway calls for the subscription.
	EffectCancelPending EffectKind = "cancel_pending"
	EffectSendDunning   EffectKind = "send_dunning"
	EffectSendWinBack   EffectKind = "send_winback"
	EffectSendRecovery  EffectKind = "send_recovery"
)

// Effect is a side effect performed after the new state has been committed.
type Effect struct {
	Kind  EffectKind
	Step  *subscriptiondomain.CampaignStep
	Offer *subscriptiondomain.WinBackOffer
}

// Outcome is the result of a pure transition.
type Outcome struct {
	Next      *subscriptiondomain.State
	NoOp      bool
	Exhausted bool
	Effects   []Effect
}

// TemplatePaymentRecovered confirms a successful payment after a billing issue.
const TemplatePaymentRecovered = "payment_recovered"

// Transition applies ev to prev and returns the next state. prev is never
// modified. A no-op outcome carries no effects and must not be persisted.
func Transition(prev *subscriptiondomain.State, ev subscriptiondomain.Event, p Policy, now time.Time) (Outcome, error) {
	if prev == nil {
		return Outcome{}, subscriptiondomain.ErrSubscriptionNotFound
	}

	next := prev.Clone()
	t := &transition{prev: prev, next: next, ev: ev, p: p, now: now}

	var err error
	switch ev.Type {
	case subscriptiondomain.EventPaymentFailed:
		err = t.paymentFailed()
	case subscriptiondomain.EventPaymentSucceeded:
		err = t.paymentSucceeded()
	case subscriptiondomain.EventChargebackReceived:
		err = t.chargeback()
	case subscriptiondomain.EventCampaignExhausted:
		err = t.campaignExhausted()
	case subscriptiondomain.EventAutoSuspendDeadlineReached:
		err = t.autoSuspend()
	case subscriptiondomain.EventManualReactivate:
		err = t.manualReactivate()
	case subscriptiondomain.EventAutoDeleteDeadlineReached:
		err = t.autoDelete()
	default:
		return Outcome{}, fmt.Errorf("%w: unknown event %q", subscriptiondomain.ErrInvalidEvent, ev.Type)
	}
	if err != nil {
		return Outcome{}, err
	}
	if t.noop {
		return Outcome{Next: prev, NoOp: true}, nil
	}

	syncIssueMirror(next)
	next.Subscription.UpdatedAt = now
	risk.Apply(next, now)

	return Outcome{Next: next, Exhausted: t.exhausted, Effects: t.effects}, nil
}

type transition struct {
	prev      *subscriptiondomain.State
	next      *subscriptiondomain.State
	ev        subscriptiondomain.Event
	p         Policy
	now       time.Time
	noop      bool
	exhausted bool
	effects   []Effect
}

func (t *transition) invalid() error {
	return fmt.Errorf("%w: %s on %s", subscriptiondomain.ErrInvalidTransition, t.ev.Type, t.prev.Subscription.Status)
}

func (t *transition) emit(e Effect) {
	t.effects = append(t.effects, e)
}

func (t *transition) paymentFailed() error {
	status := t.prev.Subscription.Status

	// Outcomes of scheduler-fired retries only count against the attempt
	// they were fired for.
	if t.ev.RetryAttempt > 0 {
		issue := t.prev.Issue
		if status != subscriptiondomain.StatusPaymentRetry || issue == nil ||
			issue.AttemptCount != t.ev.RetryAttempt || issue.RetryFiredAttempt != t.ev.RetryAttempt ||
			(t.ev.RetryIssueID != 0 && issue.ID != t.ev.RetryIssueID) {
			return subscriptiondomain.ErrStaleRetryResult
		}
	}

	switch status {
	case subscriptiondomain.StatusActive:
		t.openIssue(t.ev.Reason.IssueType())
		t.next.Campaign = t.p.Dunning.NewCampaign(t.next.Subscription.ID, t.next.Issue.ID, t.now)
		t.recordFailure()
	case subscriptiondomain.StatusPaymentRetry:
		t.next.Issue.Type = t.ev.Reason.IssueType()
		t.recordFailure()
	case subscriptiondomain.StatusPastDue:
		t.next.Issue.Type = t.ev.Reason.IssueType()
		t.next.Issue.AttemptCount++
		t.next.Issue.Severity = severityFor(t.next.Issue)
		t.next.Issue.UpdatedAt = t.now
		t.planDunning()
	default:
		return t.invalid()
	}
	return nil
}

// recordFailure counts the failed attempt and either schedules the next
// retry or gives up on automatic retries.
func (t *transition) recordFailure() {
	issue := t.next.Issue
	issue.AttemptCount++
	issue.Severity = severityFor(issue)
	issue.UpdatedAt = t.now
	t.planDunning()

	giveUp := t.ev.Reason == subscriptiondomain.FailurePermanent ||
		issue.AttemptCount >= t.p.MaxRetryAttempts ||
		t.exhausted
	if giveUp {
		issue.NextRetryAt = nil
		t.next.Subscription.Status = subscriptiondomain.StatusPastDue
		return
	}

	nextRetry := t.p.Backoff.NextRetryAt(t.next.Subscription.PlanTier, issue.AttemptCount, t.now)
	issue.NextRetryAt = &nextRetry
	t.next.Subscription.Status = subscriptiondomain.StatusPaymentRetry
}

func (t *transition) planDunning() {
	if t.next.Campaign == nil {
		return
	}
	step, exhausted := t.p.Dunning.Plan(t.next.Campaign, t.now)
	if step != nil {
		stepCopy := *step
		t.emit(Effect{Kind: EffectSendDunning, Step: &stepCopy})
	}
	if exhausted {
		t.exhausted = true
	}
}

func (t *transition) openIssue(issueType subscriptiondomain.IssueType) {
	t.next.Issue = &subscriptiondomain.BillingIssue{
		ID:             t.p.IDs.Generate(),
		SubscriptionID: t.next.Subscription.ID,
		Type:           issueType,
		Severity:       subscriptiondomain.SeverityMedium,
		FirstOccurred:  t.now,
		AutoSuspendAt:  t.now.Add(t.p.SuspendAfter),
		CreatedAt:      t.now,
		UpdatedAt:      t.now,
	}
}

func (t *transition) paymentSucceeded() error {
	switch t.prev.Subscription.Status {
	case subscriptiondomain.StatusActive:
		t.noop = true
		return nil
	case subscriptiondomain.StatusDeleted:
		return t.invalid()
	}

	fromExpired := t.prev.Subscription.Status == subscriptiondomain.StatusExpired
	t.resolve()
	if fromExpired {
		t.reactivate()
	}
	t.emit(Effect{Kind: EffectCancelPending})
	t.emit(Effect{Kind: EffectSendRecovery})
	return nil
}

// resolve returns the subscription to active and drops the issue episode.
func (t *transition) resolve() {
	sub := &t.next.Subscription
	sub.Status = subscriptiondomain.StatusActive
	t.next.Issue = nil
	t.next.Campaign = nil
}

func (t *transition) reactivate() {
	sub := &t.next.Subscription
	reactivatedAt := t.now
	sub.ReactivatedAt = &reactivatedAt
	sub.ExpiredAt = nil
	sub.AutoDeleteAt = nil
	sub.NextOfferAt = nil
	sub.ReactivationAttempts = 0
	winback.Close(t.next.Offers, subscriptiondomain.OfferSuccessful)
}

func (t *transition) chargeback() error {
	switch t.prev.Subscription.Status {
	case subscriptiondomain.StatusDisputed:
		t.noop = true
		return nil
	case subscriptiondomain.StatusExpired, subscriptiondomain.StatusDeleted:
		return fmt.Errorf("%w: subscription is %s", subscriptiondomain.ErrChargebackConflict, t.prev.Subscription.Status)
	}

	if t.next.Issue == nil {
		t.openIssue(subscriptiondomain.IssueChargeback)
	}
	issue := t.next.Issue
	issue.Type = subscriptiondomain.IssueChargeback
	issue.Severity = subscriptiondomain.SeverityCritical
	issue.NextRetryAt = nil
	issue.UpdatedAt = t.now

	t.next.Subscription.Status = subscriptiondomain.StatusDisputed
	t.next.Subscription.ChargebackEver = true
	t.emit(Effect{Kind: EffectCancelPending})
	return nil
}

func (t *transition) campaignExhausted() error {
	switch t.prev.Subscription.Status {
	case subscriptiondomain.StatusPastDue:
		t.noop = true
		return nil
	case subscriptiondomain.StatusPaymentRetry:
	default:
		return t.invalid()
	}

	if c := t.next.Campaign; c != nil && c.ExhaustedAt == nil {
		exhaustedAt := t.now
		c.ExhaustedAt = &exhaustedAt
		c.EscalationLevel++
		c.UpdatedAt = t.now
	}
	t.next.Issue.NextRetryAt = nil
	t.next.Issue.UpdatedAt = t.now
	t.next.Subscription.Status = subscriptiondomain.StatusPastDue
	t.exhausted = true
	t.emit(Effect{Kind: EffectCancelPending})
	return nil
}

func (t *transition) autoSuspend() error {
	switch t.prev.Subscription.Status {
	case subscriptiondomain.StatusPastDue, subscriptiondomain.StatusDisputed:
	default:
		return t.invalid()
	}
	issue := t.prev.Issue
	if issue == nil || t.now.Before(issue.AutoSuspendAt) {
		return fmt.Errorf("%w: %w", subscriptiondomain.ErrInvalidTransition, subscriptiondomain.ErrDeadlineNotReached)
	}

	sub := &t.next.Subscription
	expiredAt := t.now
	deleteAt := t.now.Add(t.p.DeleteAfter)
	sub.Status = subscriptiondomain.StatusExpired
	sub.ExpiredAt = &expiredAt
	sub.AutoDeleteAt = &deleteAt
	sub.ReactivationAttempts = 0
	sub.ExpiryEngagementScore = risk.EngagementScore(sub.LastLoginAt, sub.FeatureUsage, t.now)
	sub.ReactivationPotential = risk.ReactivationPotential(sub.ExpiryEngagementScore, false)
	t.next.Issue = nil
	t.next.Campaign = nil
	t.next.Offers = nil

	t.emit(Effect{Kind: EffectCancelPending})
	sub.NextOfferAt = nil
	if offer, ok := t.p.WinBack.Next(t.next, t.now); ok {
		t.sendOffer(offer)
	}
	return nil
}

func (t *transition) sendOffer(offer subscriptiondomain.OfferType) {
	created := t.p.WinBack.Send(t.next, t.p.IDs, offer, t.now)
	t.emit(Effect{Kind: EffectSendWinBack, Offer: &created})
}

func (t *transition) manualReactivate() error {
	if t.prev.Subscription.Status != subscriptiondomain.StatusExpired {
		return t.invalid()
	}
	t.resolve()
	t.reactivate()
	t.emit(Effect{Kind: EffectCancelPending})
	return nil
}

func (t *transition) autoDelete() error {
	if t.prev.Subscription.Status != subscriptiondomain.StatusExpired {
		return t.invalid()
	}
	sub := &t.next.Subscription
	if sub.AutoDeleteAt == nil || t.now.Before(*sub.AutoDeleteAt) {
		return fmt.Errorf("%w: %w", subscriptiondomain.ErrInvalidTransition, subscriptiondomain.ErrDeadlineNotReached)
	}

	deletedAt := t.now
	sub.Status = subscriptiondomain.StatusDeleted
	sub.DeletedAt = &deletedAt
	sub.PaymentMethodBrand = ""
	sub.PaymentMethodLast4 = ""
	sub.PaymentMethodExpiry = ""
	sub.NextOfferAt = nil
	t.next.Issue = nil
	t.next.Campaign = nil
	t.next.Offers = nil
	t.emit(Effect{Kind: EffectCancelPending})
	return nil
}

// severityFor grades an issue by attempts: 1-2 medium, 3 high, 4+ critical.
func severityFor(issue *subscriptiondomain.BillingIssue) subscriptiondomain.Severity {
	switch {
	case issue.Type == subscriptiondomain.IssueChargeback || issue.AttemptCount >= 4:
		return subscriptiondomain.SeverityCritical
	case issue.AttemptCount == 3:
		return subscriptiondomain.SeverityHigh
	default:
		return subscriptiondomain.SeverityMedium
	}
}

// syncIssueMirror copies the open issue's deadlines onto the subscription row
// where the scheduler queries them.
func syncIssueMirror(state *subscriptiondomain.State) {
	sub := &state.Subscription
	if state.Issue == nil {
		sub.NextRetryAt = nil
		sub.AutoSuspendAt = nil
		return
	}
	sub.NextRetryAt = state.Issue.NextRetryAt
	autoSuspendAt := state.Issue.AutoSuspendAt
	sub.AutoSuspendAt = &autoSuspendAt
}
