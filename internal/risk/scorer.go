// Package risk derives churn risk and reactivation potential from engagement signals.
package risk

import (
	"math"
	"time"

	subscriptiondomain "github.com/smallbiznis/dunningd/internal/subscription/domain"
)

const (
	recencyHorizonDays = 90
	recencyWeight      = 0.6
	usageWeight        = 0.4
)

// Input is everything Assess looks at.
type Input struct {
	Status           subscriptiondomain.SubscriptionStatus
	LastLoginAt      *time.Time
	FeatureUsage     int
	ChargebackEver   bool
	UnresolvedIssue  bool
	DunningResponded bool
	ExpiryEngagement int
	ClickedOfferEver bool
	Now              time.Time
}

// InputFromState collects Assess inputs from a loaded aggregate.
func InputFromState(state *subscriptiondomain.State, now time.Time) Input {
	sub := state.Subscription
	in := Input{
		Status:           sub.Status,
		LastLoginAt:      sub.LastLoginAt,
		FeatureUsage:     sub.FeatureUsage,
		ChargebackEver:   sub.ChargebackEver,
		UnresolvedIssue:  state.Issue != nil && state.Issue.ArchivedAt == nil,
		DunningResponded: state.Campaign.Responded(),
		ExpiryEngagement: sub.ExpiryEngagementScore,
		Now:              now,
	}
	for _, offer := range state.Offers {
		if offer.Clicked {
			in.ClickedOfferEver = true
			break
		}
	}
	return in
}

// DaysSinceLogin returns whole days since the last login. A subscription that
// never logged in is treated as beyond the recency horizon.
func DaysSinceLogin(lastLoginAt *time.Time, now time.Time) int {
	if lastLoginAt == nil {
		return recencyHorizonDays + 1
	}
	d := now.Sub(*lastLoginAt)
	if d < 0 {
		return 0
	}
	return int(d / (24 * time.Hour))
}

// EngagementScore blends login recency and feature usage into [0,100].
func EngagementScore(lastLoginAt *time.Time, featureUsage int, now time.Time) int {
	days := DaysSinceLogin(lastLoginAt, now)
	recency := 100 * (1 - float64(days)/recencyHorizonDays)
	if recency < 0 {
		recency = 0
	}

	usage := float64(featureUsage)
	if usage < 0 {
		usage = 0
	}
	if usage > 100 {
		usage = 100
	}

	return int(math.Round(recencyWeight*recency + usageWeight*usage))
}

func Assess(in Input) subscriptiondomain.RiskAssessment {
	score := EngagementScore(in.LastLoginAt, in.FeatureUsage, in.Now)
	out := subscriptiondomain.RiskAssessment{
		ChurnRisk:       churnRisk(in, score),
		EngagementScore: score,
		ComputedAt:      in.Now,
	}
	if in.Status == subscriptiondomain.StatusExpired {
		out.ReactivationPotential = ReactivationPotential(in.ExpiryEngagement, in.ClickedOfferEver)
	}
	return out
}

func churnRisk(in Input, score int) subscriptiondomain.ChurnRisk {
	days := DaysSinceLogin(in.LastLoginAt, in.Now)
	switch {
	case in.ChargebackEver:
		return subscriptiondomain.ChurnRiskCritical
	case score >= 80 && days < 30:
		return subscriptiondomain.ChurnRiskLow
	case score < 40 || days > recencyHorizonDays:
		return subscriptiondomain.ChurnRiskHigh
	case in.UnresolvedIssue && !in.DunningResponded:
		return subscriptiondomain.ChurnRiskHigh
	default:
		return subscriptiondomain.ChurnRiskMedium
	}
}

// ReactivationPotential tiers the engagement snapshot taken at expiry. A
// clicked win-back offer lifts the tier by one.
func ReactivationPotential(expiryEngagement int, clickedOffer bool) subscriptiondomain.ReactivationPotential {
	tier := 0
	switch {
	case expiryEngagement >= 70:
		tier = 2
	case expiryEngagement >= 40:
		tier = 1
	}
	if clickedOffer && tier < 2 {
		tier++
	}
	return []subscriptiondomain.ReactivationPotential{
		subscriptiondomain.PotentialLow,
		subscriptiondomain.PotentialMedium,
		subscriptiondomain.PotentialHigh,
	}[tier]
}

// Apply writes the assessment onto the subscription's cached columns.
func Apply(state *subscriptiondomain.State, now time.Time) subscriptiondomain.RiskAssessment {
	assessment := Assess(InputFromState(state, now))
	state.Subscription.ChurnRisk = assessment.ChurnRisk
	state.Subscription.ReactivationPotential = assessment.ReactivationPotential
	return assessment
}
