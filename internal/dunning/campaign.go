// Package dunning plans and tracks the reminder sequence sent while a
// subscription has an open billing issue.
package dunning

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/dunningd/internal/subscription/domain"
)

const (
	TemplateFinalNotice    = "dunning_final_notice"
	templateReminderPrefix = "dunning_reminder_"
)

// IDGenerator is satisfied by *snowflake.Node.
type IDGenerator interface {
	Generate() snowflake.ID
}

// TemplateFor picks the template for the 1-based step index. The last
// allowed step is always the final notice.
func TemplateFor(index, maxSteps int) string {
	if index >= maxSteps {
		return TemplateFinalNotice
	}
	return fmt.Sprintf("%s%d", templateReminderPrefix, index)
}

type Planner struct {
	MaxSteps int
	IDs      IDGenerator
}

func (p Planner) NewCampaign(subscriptionID, issueID snowflake.ID, now time.Time) *subscriptiondomain.DunningCampaign {
	return &subscriptiondomain.DunningCampaign{
		ID:             p.IDs.Generate(),
		SubscriptionID: subscriptionID,
		IssueID:        issueID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Plan appends the next reminder when steps remain and returns it. exhausted
// is reported once, when the campaign has used every step without a response.
func (p Planner) Plan(c *subscriptiondomain.DunningCampaign, now time.Time) (*subscriptiondomain.CampaignStep, bool) {
	var step *subscriptiondomain.CampaignStep
	if len(c.Steps) < p.MaxSteps {
		index := len(c.Steps) + 1
		c.Steps = append(c.Steps, subscriptiondomain.CampaignStep{
			ID:         p.IDs.Generate(),
			CampaignID: c.ID,
			Index:      index,
			Template:   TemplateFor(index, p.MaxSteps),
			SentAt:     now,
		})
		step = &c.Steps[len(c.Steps)-1]
		c.UpdatedAt = now
	}

	if c.ExhaustedAt != nil || len(c.Steps) < p.MaxSteps || c.Responded() {
		return step, false
	}

	exhaustedAt := now
	c.ExhaustedAt = &exhaustedAt
	c.EscalationLevel++
	c.UpdatedAt = now
	return step, true
}

// ApplyEngagement records a tracking signal on a sent step. It reports whether
// anything changed; repeated signals are no-ops.
func ApplyEngagement(c *subscriptiondomain.DunningCampaign, index int, kind subscriptiondomain.EngagementKind, at time.Time) (bool, error) {
	if !kind.Valid() {
		return false, subscriptiondomain.ErrInvalidEngagement
	}
	if c == nil {
		return false, subscriptiondomain.ErrNoCampaign
	}

	for i := range c.Steps {
		step := &c.Steps[i]
		if step.Index != index {
			continue
		}
		if at.Before(step.SentAt) {
			return false, subscriptiondomain.ErrInvalidEngagement
		}

		changed := false
		switch kind {
		case subscriptiondomain.EngagementOpened:
			changed = !step.Opened
			step.Opened = true
		case subscriptiondomain.EngagementClicked:
			changed = !step.Clicked || !step.Opened
			step.Opened = true
			step.Clicked = true
		case subscriptiondomain.EngagementResponded:
			if step.RespondedAt == nil {
				respondedAt := at
				step.RespondedAt = &respondedAt
				changed = true
			}
		}
		if changed {
			c.UpdatedAt = at
		}
		return changed, nil
	}
	return false, subscriptiondomain.ErrStepNotSent
}
