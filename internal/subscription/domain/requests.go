package domain

import "time"

// CreateRequest seeds a subscription in the active state.
type CreateRequest struct {
	BusinessID          string     `json:"business_id"`
	PlanTier            string     `json:"plan_tier"`
	MonthlyPrice        int64      `json:"monthly_price"`
	Currency            string     `json:"currency"`
	PaymentMethodBrand  string     `json:"payment_method_brand"`
	PaymentMethodLast4  string     `json:"payment_method_last4"`
	PaymentMethodExpiry string     `json:"payment_method_expiry"`
	LTV                 int64      `json:"ltv"`
	FeatureUsage        int        `json:"feature_usage"`
	LastLoginAt         *time.Time `json:"last_login_at"`
}

// ActivityRequest reports product engagement that feeds the risk scorer.
type ActivityRequest struct {
	SubscriptionID string     `json:"-"`
	LoginAt        *time.Time `json:"login_at"`
	FeatureUsage   *int       `json:"feature_usage"`
}

func (t PlanTier) Valid() bool {
	switch t {
	case PlanStarter, PlanPro, PlanBusiness, PlanEnterprise:
		return true
	}
	return false
}
