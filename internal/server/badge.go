package server

import subscriptiondomain "github.com/smallbiznis/dunningd/internal/subscription/domain"

// Badge is how dashboards render a status. It is derived on read and never
// stored.
type Badge struct {
	Label string `json:"label"`
	Tone  string `json:"tone"`
	Icon  string `json:"icon"`
}

var statusBadges = map[subscriptiondomain.SubscriptionStatus]Badge{
	subscriptiondomain.StatusActive:       {Label: "Active", Tone: "success", Icon: "check-circle"},
	subscriptiondomain.StatusPaymentRetry: {Label: "Retrying payment", Tone: "warning", Icon: "refresh"},
	subscriptiondomain.StatusPastDue:      {Label: "Past due", Tone: "danger", Icon: "alert-triangle"},
	subscriptiondomain.StatusDisputed:     {Label: "Disputed", Tone: "danger", Icon: "shield-alert"},
	subscriptiondomain.StatusExpired:      {Label: "Expired", Tone: "neutral", Icon: "clock"},
	subscriptiondomain.StatusDeleted:      {Label: "Deleted", Tone: "muted", Icon: "trash"},
}

var riskBadges = map[subscriptiondomain.ChurnRisk]Badge{
	subscriptiondomain.ChurnRiskLow:      {Label: "Low risk", Tone: "success", Icon: "trending-up"},
	subscriptiondomain.ChurnRiskMedium:   {Label: "Medium risk", Tone: "warning", Icon: "minus"},
	subscriptiondomain.ChurnRiskHigh:     {Label: "High risk", Tone: "danger", Icon: "trending-down"},
	subscriptiondomain.ChurnRiskCritical: {Label: "Critical risk", Tone: "danger", Icon: "alert-octagon"},
}

func StatusBadgeFor(status subscriptiondomain.SubscriptionStatus) Badge {
	if badge, ok := statusBadges[status]; ok {
		return badge
	}
	return Badge{Label: string(status), Tone: "neutral", Icon: "help-circle"}
}

func RiskBadgeFor(risk subscriptiondomain.ChurnRisk) Badge {
	if badge, ok := riskBadges[risk]; ok {
		return badge
	}
	return Badge{Label: "Unknown risk", Tone: "neutral", Icon: "help-circle"}
}
