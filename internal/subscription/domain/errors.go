package domain

import "errors"

var (
	ErrInvalidSubscription  = errors.New("invalid_subscription")
	ErrInvalidBusiness      = errors.New("invalid_business")
	ErrInvalidPlanTier      = errors.New("invalid_plan_tier")
	ErrInvalidPrice         = errors.New("invalid_price")
	ErrInvalidStatus        = errors.New("invalid_status")
	ErrInvalidEvent         = errors.New("invalid_event")
	ErrInvalidTransition    = errors.New("invalid_transition")
	ErrStaleWrite           = errors.New("stale_write_rejected")
	ErrStaleRetryResult     = errors.New("stale_retry_result")
	ErrChargebackConflict   = errors.New("chargeback_conflict")
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrStepNotSent          = errors.New("campaign_step_not_sent")
	ErrOfferNotSent         = errors.New("winback_offer_not_sent")
	ErrInvalidEngagement    = errors.New("invalid_engagement")
	ErrNoCampaign           = errors.New("no_active_campaign")
	ErrDeadlineNotReached   = errors.New("deadline_not_reached")
	ErrSubscriptionLocked   = errors.New("subscription_locked")
	ErrInvalidPageToken     = errors.New("invalid_page_token")
	ErrInvalidCurrency      = errors.New("invalid_currency")
	ErrInvalidActivity      = errors.New("invalid_activity")
)
