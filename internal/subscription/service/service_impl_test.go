package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/dunningd/internal/clock"
	schedtesting "github.com/smallbiznis/dunningd/internal/scheduler/testing"
	subscriptiondomain "github.com/smallbiznis/dunningd/internal/subscription/domain"
	"github.com/smallbiznis/dunningd/internal/subscription/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var now = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (subscriptiondomain.Service, *gorm.DB, subscriptiondomain.Repository) {
	t.Helper()
	db := schedtesting.NewDB(t)
	repo := repository.Provide()
	svc := NewService(ServiceParam{DB: db, Log: zap.NewNop(), Clock: clock.NewFakeClock(now), Repo: repo})
	return svc, db, repo
}

func seed(t *testing.T, db *gorm.DB, repo subscriptiondomain.Repository, id snowflake.ID, status subscriptiondomain.SubscriptionStatus, tier subscriptiondomain.PlanTier) {
	t.Helper()
	login := now.Add(-48 * time.Hour)
	require.NoError(t, repo.Insert(context.Background(), db, &subscriptiondomain.Subscription{
		ID:           id,
		BusinessID:   9,
		PlanTier:     tier,
		MonthlyPrice: 2900,
		Currency:     "USD",
		Status:       status,
		MRR:          2900,
		FeatureUsage: 80,
		LastLoginAt:  &login,
		CreatedAt:    now,
		UpdatedAt:    now,
	}))
}

func TestGetSubscriptionState(t *testing.T) {
	svc, db, repo := newTestService(t)
	seed(t, db, repo, 11, subscriptiondomain.StatusActive, subscriptiondomain.PlanPro)

	state, err := svc.GetSubscriptionState(context.Background(), "11")
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusActive, state.Status)
	assert.Nil(t, state.Issue)
	assert.NotNil(t, state.Offers)
	assert.Equal(t, subscriptiondomain.ChurnRiskLow, state.RiskAssessment.ChurnRisk)
	assert.True(t, state.RiskAssessment.ComputedAt.Equal(now))
}

func TestGetSubscriptionState_NotFound(t *testing.T) {
	svc, db, repo := newTestService(t)
	seed(t, db, repo, 12, subscriptiondomain.StatusDeleted, subscriptiondomain.PlanPro)

	_, err := svc.GetSubscriptionState(context.Background(), "12")
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionNotFound)

	_, err = svc.GetSubscriptionState(context.Background(), "404")
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionNotFound)

	_, err = svc.GetSubscriptionState(context.Background(), "abc")
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidSubscription)
}

func TestListByStatus_Paginates(t *testing.T) {
	svc, db, repo := newTestService(t)
	for id := snowflake.ID(1); id <= 5; id++ {
		seed(t, db, repo, id, subscriptiondomain.StatusPastDue, subscriptiondomain.PlanStarter)
	}
	seed(t, db, repo, 6, subscriptiondomain.StatusActive, subscriptiondomain.PlanStarter)
	seed(t, db, repo, 7, subscriptiondomain.StatusPastDue, subscriptiondomain.PlanEnterprise)

	ctx := context.Background()
	first, err := svc.ListByStatus(ctx, subscriptiondomain.ListByStatusRequest{Status: "past_due", PlanTier: "starter", PageSize: 2})
	require.NoError(t, err)
	require.Len(t, first.Subscriptions, 2)
	assert.Equal(t, snowflake.ID(1), first.Subscriptions[0].ID)
	require.NotEmpty(t, first.NextPageToken)

	var ids []snowflake.ID
	token := first.NextPageToken
	for token != "" {
		page, err := svc.ListByStatus(ctx, subscriptiondomain.ListByStatusRequest{Status: "past_due", PlanTier: "starter", PageSize: 2, PageToken: token})
		require.NoError(t, err)
		for _, sub := range page.Subscriptions {
			ids = append(ids, sub.ID)
		}
		token = page.NextPageToken
	}
	assert.Equal(t, []snowflake.ID{3, 4, 5}, ids)

	all, err := svc.ListByStatus(ctx, subscriptiondomain.ListByStatusRequest{Status: "past_due"})
	require.NoError(t, err)
	assert.Len(t, all.Subscriptions, 6)
	assert.Empty(t, all.NextPageToken)
}

func TestListByStatus_Validation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.ListByStatus(ctx, subscriptiondomain.ListByStatusRequest{Status: "cancelled"})
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidStatus)

	_, err = svc.ListByStatus(ctx, subscriptiondomain.ListByStatusRequest{Status: "active", PlanTier: "gold"})
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidPlanTier)

	_, err = svc.ListByStatus(ctx, subscriptiondomain.ListByStatusRequest{Status: "active", PageToken: "!!"})
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidPageToken)

	empty, err := svc.ListByStatus(ctx, subscriptiondomain.ListByStatusRequest{Status: "expired"})
	require.NoError(t, err)
	assert.NotNil(t, empty.Subscriptions)
	assert.Empty(t, empty.Subscriptions)
}
