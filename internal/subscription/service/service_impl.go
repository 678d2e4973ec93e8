package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/dunningd/internal/clock"
	"github.com/smallbiznis/dunningd/internal/risk"
	subscriptiondomain "github.com/smallbiznis/dunningd/internal/subscription/domain"
	"github.com/smallbiznis/dunningd/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Service is the read-only projection over the record store. It never
// writes; all mutations go through the lifecycle engine.
type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	repo  subscriptiondomain.Repository
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Repo  subscriptiondomain.Repository
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("subscription.service"),
		clock: p.Clock,
		repo:  p.Repo,
	}
}

// GetSubscriptionState implements domain.Service. Deleted subscriptions are
// reported as not found; only the tombstone row remains for them.
func (s *Service) GetSubscriptionState(ctx context.Context, id string) (subscriptiondomain.SubscriptionState, error) {
	subscriptionID, err := s.parseID(id, subscriptiondomain.ErrInvalidSubscription)
	if err != nil {
		return subscriptiondomain.SubscriptionState{}, err
	}

	state, err := s.repo.LoadState(ctx, s.db, subscriptionID)
	if err != nil {
		return subscriptiondomain.SubscriptionState{}, err
	}
	if state == nil || state.Subscription.Status == subscriptiondomain.StatusDeleted {
		return subscriptiondomain.SubscriptionState{}, subscriptiondomain.ErrSubscriptionNotFound
	}

	offers := state.Offers
	if offers == nil {
		offers = []subscriptiondomain.WinBackOffer{}
	}
	return subscriptiondomain.SubscriptionState{
		Subscription:   state.Subscription,
		Status:         state.Subscription.Status,
		Issue:          state.Issue,
		Campaign:       state.Campaign,
		Offers:         offers,
		RiskAssessment: risk.Assess(risk.InputFromState(state, s.clock.Now())),
	}, nil
}

// ListByStatus implements domain.Service.
func (s *Service) ListByStatus(ctx context.Context, req subscriptiondomain.ListByStatusRequest) (subscriptiondomain.ListByStatusResponse, error) {
	status := subscriptiondomain.SubscriptionStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	if !status.Valid() {
		return subscriptiondomain.ListByStatusResponse{}, subscriptiondomain.ErrInvalidStatus
	}

	filter := subscriptiondomain.ListFilter{Status: status}

	if value := strings.TrimSpace(req.BusinessID); value != "" {
		businessID, err := s.parseID(value, subscriptiondomain.ErrInvalidBusiness)
		if err != nil {
			return subscriptiondomain.ListByStatusResponse{}, err
		}
		filter.BusinessID = businessID
	}
	if value := strings.TrimSpace(req.PlanTier); value != "" {
		tier := subscriptiondomain.PlanTier(strings.ToLower(value))
		if !tier.Valid() {
			return subscriptiondomain.ListByStatusResponse{}, subscriptiondomain.ErrInvalidPlanTier
		}
		filter.PlanTier = tier
	}
	if value := strings.TrimSpace(req.ChurnRisk); value != "" {
		filter.ChurnRisk = subscriptiondomain.ChurnRisk(strings.ToLower(value))
	}
	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return subscriptiondomain.ListByStatusResponse{}, subscriptiondomain.ErrInvalidPageToken
		}
		afterID, err := s.parseID(cursor.ID, subscriptiondomain.ErrInvalidPageToken)
		if err != nil {
			return subscriptiondomain.ListByStatusResponse{}, err
		}
		filter.AfterID = afterID
	}

	limit := pagination.ClampPageSize(req.PageSize)
	filter.Limit = limit + 1

	items, err := s.repo.List(ctx, s.db, filter)
	if err != nil {
		return subscriptiondomain.ListByStatusResponse{}, err
	}

	page, next, err := pagination.NextToken(items, limit, func(item subscriptiondomain.Subscription) string {
		return item.ID.String()
	})
	if err != nil {
		return subscriptiondomain.ListByStatusResponse{}, err
	}
	if page == nil {
		page = []subscriptiondomain.Subscription{}
	}

	return subscriptiondomain.ListByStatusResponse{
		Subscriptions: page,
		NextPageToken: next,
	}, nil
}

func (s *Service) parseID(value string, invalidErr error) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, invalidErr
	}
	return id, nil
}
