package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// EventType is the canonical lifecycle event consumed by the state machine.
type EventType string

const (
	EventPaymentFailed              EventType = "payment_failed"
	EventPaymentSucceeded           EventType = "payment_succeeded"
	EventChargebackReceived         EventType = "chargeback_received"
	EventCampaignExhausted          EventType = "campaign_exhausted"
	EventAutoSuspendDeadlineReached EventType = "auto_suspend_deadline_reached"
	EventManualReactivate           EventType = "manual_reactivate"
	EventAutoDeleteDeadlineReached  EventType = "auto_delete_deadline_reached"
)

// FailureReason refines payment_failed events.
type FailureReason string

const (
	FailureDeclined          FailureReason = "declined"
	FailureInsufficientFunds FailureReason = "insufficient_funds"
	FailureCardExpired       FailureReason = "card_expired"
	FailureTransient         FailureReason = "transient"
	FailurePermanent         FailureReason = "permanent"
)

// IssueType maps a failure reason onto the billing issue it opens.
func (r FailureReason) IssueType() IssueType {
	switch r {
	case FailureInsufficientFunds:
		return IssueInsufficientFunds
	case FailureCardExpired:
		return IssueCardExpired
	default:
		return IssuePaymentFailed
	}
}

// Event is a canonical lifecycle event.
type Event struct {
	SubscriptionID snowflake.ID
	Type           EventType
	Reason         FailureReason
	OccurredAt     time.Time
	// RetryAttempt is set on outcomes of scheduler-fired retries; the result is
	// discarded when the subscription has moved past that attempt.
	RetryAttempt int
	RetryIssueID snowflake.ID
	Source       string
}

// Result describes what Apply did with an event.
type Result struct {
	SubscriptionID snowflake.ID       `json:"subscription_id"`
	From           SubscriptionStatus `json:"from"`
	To             SubscriptionStatus `json:"to"`
	Changed        bool               `json:"changed"`
	Exhausted      bool               `json:"exhausted,omitempty"`
}

// EngagementKind is a tracking signal reported by the notification collaborator.
type EngagementKind string

const (
	EngagementOpened    EngagementKind = "opened"
	EngagementClicked   EngagementKind = "clicked"
	EngagementResponded EngagementKind = "responded"
)

func (k EngagementKind) Valid() bool {
	return k == EngagementOpened || k == EngagementClicked || k == EngagementResponded
}

// TrackingTarget selects what the tracking event refers to.
type TrackingTarget string

const (
	TrackingDunningStep  TrackingTarget = "dunning_step"
	TrackingWinBackOffer TrackingTarget = "winback_offer"
)

type TrackingEvent struct {
	SubscriptionID snowflake.ID
	Target         TrackingTarget
	Index          int
	Kind           EngagementKind
	OccurredAt     time.Time
}

// RetryDue is emitted by the scheduler for a retry whose time has come.
type RetryDue struct {
	SubscriptionID snowflake.ID
	PlanTier       PlanTier
	Amount         int64
	Currency       string
	// IssueID names the billing issue, and so the payment_retry episode,
	// the attempt belongs to. Attempt numbers restart with every issue.
	IssueID snowflake.ID
	Attempt int
	DueAt   time.Time
}
