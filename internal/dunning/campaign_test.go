package dunning

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/dunningd/internal/subscription/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPlanner(t *testing.T, maxSteps int) Planner {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return Planner{MaxSteps: maxSteps, IDs: node}
}

var start = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestTemplateFor(t *testing.T) {
	assert.Equal(t, "dunning_reminder_1", TemplateFor(1, 4))
	assert.Equal(t, "dunning_reminder_3", TemplateFor(3, 4))
	assert.Equal(t, TemplateFinalNotice, TemplateFor(4, 4))
	assert.Equal(t, TemplateFinalNotice, TemplateFor(1, 1))
}

func TestPlanAppendsUntilExhausted(t *testing.T) {
	p := newPlanner(t, 4)
	c := p.NewCampaign(1, 2, start)

	for i := 1; i <= 3; i++ {
		step, exhausted := p.Plan(c, start.Add(time.Duration(i)*24*time.Hour))
		require.NotNil(t, step)
		assert.Equal(t, i, step.Index)
		assert.Equal(t, c.ID, step.CampaignID)
		assert.False(t, exhausted)
	}

	step, exhausted := p.Plan(c, start.Add(4*24*time.Hour))
	require.NotNil(t, step)
	assert.Equal(t, TemplateFinalNotice, step.Template)
	assert.True(t, exhausted)
	assert.Equal(t, 1, c.EscalationLevel)
	require.NotNil(t, c.ExhaustedAt)

	step, exhausted = p.Plan(c, start.Add(5*24*time.Hour))
	assert.Nil(t, step)
	assert.False(t, exhausted)
	assert.Len(t, c.Steps, 4)
	assert.Equal(t, 1, c.EscalationLevel)
}

func TestPlanStepsAreTimeOrdered(t *testing.T) {
	p := newPlanner(t, 4)
	c := p.NewCampaign(1, 2, start)
	for i := 0; i < 4; i++ {
		p.Plan(c, start.Add(time.Duration(i)*time.Hour))
	}
	for i := 1; i < len(c.Steps); i++ {
		assert.False(t, c.Steps[i].SentAt.Before(c.Steps[i-1].SentAt))
	}
}

func TestPlanNotExhaustedWhenCustomerResponded(t *testing.T) {
	p := newPlanner(t, 2)
	c := p.NewCampaign(1, 2, start)

	p.Plan(c, start)
	_, err := ApplyEngagement(c, 1, subscriptiondomain.EngagementResponded, start.Add(time.Hour))
	require.NoError(t, err)

	_, exhausted := p.Plan(c, start.Add(2*time.Hour))
	assert.False(t, exhausted)
	assert.Nil(t, c.ExhaustedAt)
}

func TestApplyEngagement(t *testing.T) {
	p := newPlanner(t, 4)
	c := p.NewCampaign(1, 2, start)
	p.Plan(c, start)

	changed, err := ApplyEngagement(c, 1, subscriptiondomain.EngagementClicked, start.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, c.Steps[0].Opened)
	assert.True(t, c.Steps[0].Clicked)

	changed, err = ApplyEngagement(c, 1, subscriptiondomain.EngagementOpened, start.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = ApplyEngagement(c, 1, subscriptiondomain.EngagementResponded, start.Add(3*time.Minute))
	require.NoError(t, err)
	assert.True(t, changed)
	first := *c.Steps[0].RespondedAt

	changed, err = ApplyEngagement(c, 1, subscriptiondomain.EngagementResponded, start.Add(4*time.Minute))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, first, *c.Steps[0].RespondedAt)
}

func TestApplyEngagementRejectsUnsentStep(t *testing.T) {
	p := newPlanner(t, 4)
	c := p.NewCampaign(1, 2, start)
	p.Plan(c, start)

	_, err := ApplyEngagement(c, 2, subscriptiondomain.EngagementOpened, start)
	assert.ErrorIs(t, err, subscriptiondomain.ErrStepNotSent)

	_, err = ApplyEngagement(c, 1, subscriptiondomain.EngagementOpened, start.Add(-time.Minute))
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidEngagement)

	_, err = ApplyEngagement(nil, 1, subscriptiondomain.EngagementOpened, start)
	assert.ErrorIs(t, err, subscriptiondomain.ErrNoCampaign)

	_, err = ApplyEngagement(c, 1, subscriptiondomain.EngagementKind("bounced"), start)
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidEngagement)
}
