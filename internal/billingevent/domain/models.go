package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Outcome is the gateway-reported result carried by a webhook delivery.
type Outcome string

const (
	OutcomeSucceeded         Outcome = "succeeded"
	OutcomeDeclined          Outcome = "declined"
	OutcomeInsufficientFunds Outcome = "insufficient_funds"
	OutcomeCardExpired       Outcome = "card_expired"
	OutcomeChargeback        Outcome = "chargeback"
	// OutcomeTransient and OutcomePermanent are only produced by retry calls.
	OutcomeTransient Outcome = "transient_failure"
	OutcomePermanent Outcome = "permanent_failure"
)

// ProcessResult records what the lifecycle engine did with a billing event.
type ProcessResult string

const (
	ResultPending   ProcessResult = "pending"
	ResultApplied   ProcessResult = "applied"
	ResultNoop      ProcessResult = "noop"
	ResultDiscarded ProcessResult = "discarded"
	ResultRejected  ProcessResult = "rejected"
	// ResultFailed marks events that may succeed when redelivered.
	ResultFailed ProcessResult = "failed"
)

const (
	SourceWebhook = "webhook"
	SourceRetry   = "retry"
)

// BillingEvent is the ingestion log. DedupeKey makes redeliveries of the
// same gateway outcome idempotent.
type BillingEvent struct {
	ID             snowflake.ID      `gorm:"primaryKey" json:"id"`
	SubscriptionID snowflake.ID      `gorm:"not null;index" json:"subscription_id"`
	Source         string            `gorm:"type:text;not null" json:"source"`
	Outcome        Outcome           `gorm:"type:text;not null" json:"outcome"`
	OccurredAt     time.Time         `gorm:"not null" json:"occurred_at"`
	DedupeKey      string            `gorm:"type:text;not null;uniqueIndex:ux_billing_event_dedupe" json:"dedupe_key"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	Result         ProcessResult     `gorm:"type:text;not null;index" json:"result"`
	Detail         string            `gorm:"type:text" json:"detail,omitempty"`
	ProcessedAt    *time.Time        `json:"processed_at,omitempty"`
	CreatedAt      time.Time         `gorm:"not null;autoCreateTime:false" json:"created_at"`
}

// TableName sets the database table name.
func (BillingEvent) TableName() string { return "billing_events" }
