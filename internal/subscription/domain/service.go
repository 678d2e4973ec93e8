package domain

import (
	"context"
)

type ListByStatusRequest struct {
	Status     string
	BusinessID string
	PlanTier   string
	ChurnRisk  string
	PageToken  string
	PageSize   int32
}

type ListByStatusResponse struct {
	Subscriptions []Subscription `json:"subscriptions"`
	NextPageToken string         `json:"next_page_token,omitempty"`
}

// SubscriptionState is the read-only projection consumed by dashboards.
type SubscriptionState struct {
	Subscription   Subscription       `json:"subscription"`
	Status         SubscriptionStatus `json:"status"`
	Issue          *BillingIssue      `json:"issue,omitempty"`
	Campaign       *DunningCampaign   `json:"campaign,omitempty"`
	Offers         []WinBackOffer     `json:"offers,omitempty"`
	RiskAssessment RiskAssessment     `json:"risk_assessment"`
}

type Service interface {
	GetSubscriptionState(ctx context.Context, id string) (SubscriptionState, error)
	ListByStatus(ctx context.Context, req ListByStatusRequest) (ListByStatusResponse, error)
}
