// Package domain contains persistence models and lifecycle vocabulary for subscriptions.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	StatusActive       SubscriptionStatus = "active"
	StatusPaymentRetry SubscriptionStatus = "payment_retry"
	StatusPastDue      SubscriptionStatus = "past_due"
	StatusDisputed     SubscriptionStatus = "disputed"
	StatusExpired      SubscriptionStatus = "expired"
	StatusDeleted      SubscriptionStatus = "deleted"
)

var AllStatuses = []SubscriptionStatus{
	StatusActive,
	StatusPaymentRetry,
	StatusPastDue,
	StatusDisputed,
	StatusExpired,
	StatusDeleted,
}

func (s SubscriptionStatus) Valid() bool {
	for _, status := range AllStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// Terminal reports whether no further billing transitions apply besides win-back.
func (s SubscriptionStatus) Terminal() bool {
	return s == StatusExpired || s == StatusDeleted
}

type PlanTier string

const (
	PlanStarter    PlanTier = "starter"
	PlanPro        PlanTier = "pro"
	PlanBusiness   PlanTier = "business"
	PlanEnterprise PlanTier = "enterprise"
)

type IssueType string

const (
	IssuePaymentFailed     IssueType = "payment_failed"
	IssueInsufficientFunds IssueType = "insufficient_funds"
	IssueCardExpired       IssueType = "card_expired"
	IssueChargeback        IssueType = "chargeback"
)

type Severity string

const (
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type IssueResolution string

const (
	ResolutionRecovered IssueResolution = "recovered"
	ResolutionExpired   IssueResolution = "expired"
)

type ChurnRisk string

const (
	ChurnRiskLow      ChurnRisk = "low"
	ChurnRiskMedium   ChurnRisk = "medium"
	ChurnRiskHigh     ChurnRisk = "high"
	ChurnRiskCritical ChurnRisk = "critical"
)

type ReactivationPotential string

const (
	PotentialLow    ReactivationPotential = "low"
	PotentialMedium ReactivationPotential = "medium"
	PotentialHigh   ReactivationPotential = "high"
)

type OfferType string

const (
	OfferPersonalOutreach  OfferType = "personal_outreach"
	OfferDiscount30        OfferType = "discount_30"
	OfferDiscount20        OfferType = "discount_20"
	OfferDiscount10        OfferType = "discount_10"
	OfferFreeTrial         OfferType = "free_trial"
	OfferAutomatedReminder OfferType = "automated_reminder"
)

type OfferOutcome string

const (
	OfferPending    OfferOutcome = "pending"
	OfferSuccessful OfferOutcome = "successful"
	OfferArchived   OfferOutcome = "archived"
)

// Subscription is the authoritative per-subscription record.
type Subscription struct {
	ID                    snowflake.ID          `gorm:"primaryKey" json:"id"`
	BusinessID            snowflake.ID          `gorm:"not null;index" json:"business_id"`
	PlanTier              PlanTier              `gorm:"type:text;not null" json:"plan_tier"`
	MonthlyPrice          int64                 `gorm:"not null" json:"monthly_price"`
	Currency              string                `gorm:"type:text;not null" json:"currency"`
	Status                SubscriptionStatus    `gorm:"type:text;not null;index" json:"status"`
	Version               int64                 `gorm:"not null;default:0" json:"version"`
	PaymentMethodBrand    string                `gorm:"type:text" json:"payment_method_brand,omitempty"`
	PaymentMethodLast4    string                `gorm:"type:text" json:"payment_method_last4,omitempty"`
	PaymentMethodExpiry   string                `gorm:"type:text" json:"payment_method_expiry,omitempty"`
	MRR                   int64                 `gorm:"column:mrr;not null" json:"mrr"`
	LTV                   int64                 `gorm:"column:ltv;not null" json:"ltv"`
	FeatureUsage          int                   `gorm:"not null;default:0" json:"feature_usage"`
	LastLoginAt           *time.Time            `json:"last_login_at,omitempty"`
	ChargebackEver        bool                  `gorm:"not null;default:false" json:"chargeback_ever"`
	NextRetryAt           *time.Time            `gorm:"index" json:"next_retry_at,omitempty"`
	AutoSuspendAt         *time.Time            `gorm:"index" json:"auto_suspend_at,omitempty"`
	ExpiredAt             *time.Time            `json:"expired_at,omitempty"`
	AutoDeleteAt          *time.Time            `gorm:"index" json:"auto_delete_at,omitempty"`
	ReactivatedAt         *time.Time            `json:"reactivated_at,omitempty"`
	DeletedAt             *time.Time            `json:"deleted_at,omitempty"`
	ExpiryEngagementScore int                   `gorm:"not null;default:0" json:"expiry_engagement_score"`
	ReactivationAttempts  int                   `gorm:"not null;default:0" json:"reactivation_attempts"`
	NextOfferAt           *time.Time            `gorm:"index" json:"next_offer_at,omitempty"`
	ChurnRisk             ChurnRisk             `gorm:"type:text;index" json:"churn_risk"`
	ReactivationPotential ReactivationPotential `gorm:"type:text" json:"reactivation_potential,omitempty"`
	CreatedAt             time.Time             `gorm:"not null;autoCreateTime:false" json:"created_at"`
	UpdatedAt             time.Time             `gorm:"not null;autoUpdateTime:false" json:"updated_at"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// BillingIssue exists while a subscription is in a problem state.
type BillingIssue struct {
	ID                snowflake.ID     `gorm:"primaryKey" json:"id"`
	SubscriptionID    snowflake.ID     `gorm:"not null;index" json:"subscription_id"`
	Type              IssueType        `gorm:"type:text;not null" json:"type"`
	Severity          Severity         `gorm:"type:text;not null" json:"severity"`
	FirstOccurred     time.Time        `gorm:"not null" json:"first_occurred"`
	AttemptCount      int              `gorm:"not null;default:0" json:"attempt_count"`
	NextRetryAt       *time.Time       `json:"next_retry_at"`
	AutoSuspendAt     time.Time        `gorm:"not null" json:"auto_suspend_at"`
	RetryFiredAttempt int              `gorm:"not null;default:0" json:"-"`
	ArchivedAt        *time.Time       `gorm:"index" json:"archived_at,omitempty"`
	Resolution        *IssueResolution `gorm:"type:text" json:"resolution,omitempty"`
	CreatedAt         time.Time        `gorm:"not null;autoCreateTime:false" json:"created_at"`
	UpdatedAt         time.Time        `gorm:"not null;autoUpdateTime:false" json:"updated_at"`
}

func (BillingIssue) TableName() string { return "billing_issues" }

// DunningCampaign is the reminder sequence attached to one billing issue.
type DunningCampaign struct {
	ID              snowflake.ID   `gorm:"primaryKey" json:"id"`
	SubscriptionID  snowflake.ID   `gorm:"not null;index" json:"subscription_id"`
	IssueID         snowflake.ID   `gorm:"not null;index" json:"issue_id"`
	EscalationLevel int            `gorm:"not null;default:0" json:"escalation_level"`
	ExhaustedAt     *time.Time     `json:"exhausted_at,omitempty"`
	Steps           []CampaignStep `gorm:"foreignKey:CampaignID" json:"steps"`
	CreatedAt       time.Time      `gorm:"not null;autoCreateTime:false" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"not null;autoUpdateTime:false" json:"updated_at"`
}

func (DunningCampaign) TableName() string { return "dunning_campaigns" }

// Responded reports whether any step received a manual response.
func (c *DunningCampaign) Responded() bool {
	if c == nil {
		return false
	}
	for _, step := range c.Steps {
		if step.RespondedAt != nil {
			return true
		}
	}
	return false
}

// EngagedSteps counts steps that were opened, clicked or answered.
func (c *DunningCampaign) EngagedSteps() int {
	if c == nil {
		return 0
	}
	count := 0
	for _, step := range c.Steps {
		if step.Opened || step.Clicked || step.RespondedAt != nil {
			count++
		}
	}
	return count
}

type CampaignStep struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	CampaignID  snowflake.ID `gorm:"not null;uniqueIndex:ux_campaign_step,priority:1" json:"-"`
	Index       int          `gorm:"column:step_index;not null;uniqueIndex:ux_campaign_step,priority:2" json:"index"`
	Template    string       `gorm:"type:text;not null" json:"template"`
	SentAt      time.Time    `gorm:"not null" json:"sent_at"`
	Opened      bool         `gorm:"not null;default:false" json:"opened"`
	Clicked     bool         `gorm:"not null;default:false" json:"clicked"`
	RespondedAt *time.Time   `json:"responded_at,omitempty"`
}

func (CampaignStep) TableName() string { return "dunning_campaign_steps" }

// WinBackOffer is a re-engagement offer sent to an expired subscription.
type WinBackOffer struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	SubscriptionID snowflake.ID `gorm:"not null;index" json:"subscription_id"`
	Index          int          `gorm:"column:offer_index;not null" json:"index"`
	Type           OfferType    `gorm:"type:text;not null" json:"type"`
	SentAt         time.Time    `gorm:"not null" json:"sent_at"`
	Opened         bool         `gorm:"not null;default:false" json:"opened"`
	Clicked        bool         `gorm:"not null;default:false" json:"clicked"`
	Outcome        OfferOutcome `gorm:"type:text;not null" json:"outcome"`
}

func (WinBackOffer) TableName() string { return "winback_offers" }

// RiskAssessment is derived on every write and never mutated directly.
type RiskAssessment struct {
	ChurnRisk             ChurnRisk             `json:"churn_risk"`
	ReactivationPotential ReactivationPotential `json:"reactivation_potential,omitempty"`
	EngagementScore       int                   `json:"engagement_score"`
	ComputedAt            time.Time             `json:"computed_at"`
}

// State is the aggregate loaded and written as a unit by the lifecycle engine.
type State struct {
	Subscription Subscription
	Issue        *BillingIssue
	Campaign     *DunningCampaign
	Offers       []WinBackOffer
}

// Clone returns a deep copy so transitions never mutate the loaded snapshot.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := &State{Subscription: s.Subscription}
	if s.Issue != nil {
		issue := *s.Issue
		out.Issue = &issue
	}
	if s.Campaign != nil {
		campaign := *s.Campaign
		campaign.Steps = append([]CampaignStep(nil), s.Campaign.Steps...)
		out.Campaign = &campaign
	}
	out.Offers = append([]WinBackOffer(nil), s.Offers...)
	return out
}

// Models lists the tables owned by the record store, in creation order.
func Models() []any {
	return []any{
		&Subscription{},
		&BillingIssue{},
		&DunningCampaign{},
		&CampaignStep{},
		&WinBackOffer{},
	}
}
