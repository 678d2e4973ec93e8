package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/dunningd/internal/subscription/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Create(subscription).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Where("id = ?", id).Take(&subscription).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &subscription, nil
}

func (r *repo) LoadState(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.State, error) {
	subscription, err := r.FindByID(ctx, db, id)
	if err != nil || subscription == nil {
		return nil, err
	}

	state := &subscriptiondomain.State{Subscription: *subscription}

	var issues []subscriptiondomain.BillingIssue
	if err := db.WithContext(ctx).
		Where("subscription_id = ? AND archived_at IS NULL", id).
		Order("created_at DESC").
		Limit(1).
		Find(&issues).Error; err != nil {
		return nil, err
	}
	if len(issues) > 0 {
		state.Issue = &issues[0]
	}

	var campaigns []subscriptiondomain.DunningCampaign
	if err := db.WithContext(ctx).
		Preload("Steps", func(tx *gorm.DB) *gorm.DB { return tx.Order("step_index ASC") }).
		Where("subscription_id = ?", id).
		Order("created_at DESC").
		Limit(1).
		Find(&campaigns).Error; err != nil {
		return nil, err
	}
	if len(campaigns) > 0 {
		state.Campaign = &campaigns[0]
	}

	if err := db.WithContext(ctx).
		Where("subscription_id = ? AND outcome = ?", id, subscriptiondomain.OfferPending).
		Order("offer_index ASC").
		Find(&state.Offers).Error; err != nil {
		return nil, err
	}

	return state, nil
}

func (r *repo) SaveState(ctx context.Context, db *gorm.DB, prev, next *subscriptiondomain.State) error {
	if prev == nil || next == nil || prev.Subscription.ID != next.Subscription.ID {
		return subscriptiondomain.ErrInvalidSubscription
	}

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		next.Subscription.Version = prev.Subscription.Version + 1
		res := tx.Model(&subscriptiondomain.Subscription{}).
			Where("id = ? AND status = ? AND version = ?",
				prev.Subscription.ID,
				prev.Subscription.Status,
				prev.Subscription.Version,
			).
			Select("*").
			Omit("id", "created_at").
			Updates(&next.Subscription)
		if res.Error != nil {
			next.Subscription.Version = prev.Subscription.Version
			return res.Error
		}
		if res.RowsAffected == 0 {
			next.Subscription.Version = prev.Subscription.Version
			return subscriptiondomain.ErrStaleWrite
		}

		if next.Subscription.Status == subscriptiondomain.StatusDeleted {
			return purgeChildren(tx, next.Subscription.ID)
		}

		if err := saveIssue(tx, prev, next); err != nil {
			return err
		}
		if err := saveCampaign(tx, prev, next); err != nil {
			return err
		}
		for i := range next.Offers {
			if err := upsert(tx, &next.Offers[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func saveIssue(tx *gorm.DB, prev, next *subscriptiondomain.State) error {
	if prev.Issue != nil && (next.Issue == nil || next.Issue.ID != prev.Issue.ID) {
		archivedAt := next.Subscription.UpdatedAt
		resolution := subscriptiondomain.ResolutionRecovered
		if next.Subscription.Status != subscriptiondomain.StatusActive {
			resolution = subscriptiondomain.ResolutionExpired
		}
		if err := tx.Model(&subscriptiondomain.BillingIssue{}).
			Where("id = ?", prev.Issue.ID).
			Updates(map[string]any{
				"archived_at": archivedAt,
				"resolution":  resolution,
				"updated_at":  archivedAt,
			}).Error; err != nil {
			return err
		}
	}
	if next.Issue != nil {
		return upsert(tx, next.Issue)
	}
	return nil
}

func saveCampaign(tx *gorm.DB, prev, next *subscriptiondomain.State) error {
	if prev.Campaign != nil && (next.Campaign == nil || next.Campaign.ID != prev.Campaign.ID) {
		if err := tx.Where("campaign_id = ?", prev.Campaign.ID).Delete(&subscriptiondomain.CampaignStep{}).Error; err != nil {
			return err
		}
		if err := tx.Where("id = ?", prev.Campaign.ID).Delete(&subscriptiondomain.DunningCampaign{}).Error; err != nil {
			return err
		}
	}
	if next.Campaign == nil {
		return nil
	}
	if err := upsert(tx, next.Campaign); err != nil {
		return err
	}
	for i := range next.Campaign.Steps {
		next.Campaign.Steps[i].CampaignID = next.Campaign.ID
		if err := upsert(tx, &next.Campaign.Steps[i]); err != nil {
			return err
		}
	}
	return nil
}

func purgeChildren(tx *gorm.DB, subscriptionID snowflake.ID) error {
	if err := tx.Exec(
		`DELETE FROM dunning_campaign_steps
		 WHERE campaign_id IN (SELECT id FROM dunning_campaigns WHERE subscription_id = ?)`,
		subscriptionID,
	).Error; err != nil {
		return err
	}
	for _, model := range []any{
		&subscriptiondomain.DunningCampaign{},
		&subscriptiondomain.BillingIssue{},
		&subscriptiondomain.WinBackOffer{},
	} {
		if err := tx.Where("subscription_id = ?", subscriptionID).Delete(model).Error; err != nil {
			return err
		}
	}
	return nil
}

func upsert(tx *gorm.DB, value any) error {
	return tx.Clauses(clause.OnConflict{UpdateAll: true}).Omit(clause.Associations).Create(value).Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter subscriptiondomain.ListFilter) ([]subscriptiondomain.Subscription, error) {
	query := db.WithContext(ctx).Model(&subscriptiondomain.Subscription{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.BusinessID != 0 {
		query = query.Where("business_id = ?", filter.BusinessID)
	}
	if filter.PlanTier != "" {
		query = query.Where("plan_tier = ?", filter.PlanTier)
	}
	if filter.ChurnRisk != "" {
		query = query.Where("churn_risk = ?", filter.ChurnRisk)
	}
	if filter.AfterID != 0 {
		query = query.Where("id > ?", filter.AfterID)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var subscriptions []subscriptiondomain.Subscription
	if err := query.Order("id ASC").Find(&subscriptions).Error; err != nil {
		return nil, err
	}
	return subscriptions, nil
}

func (r *repo) FindDue(ctx context.Context, db *gorm.DB, kind subscriptiondomain.DueKind, now time.Time, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	var err error

	switch kind {
	case subscriptiondomain.DueRetry:
		err = db.WithContext(ctx).Raw(
			`SELECT id FROM subscriptions
			 WHERE status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?
			 ORDER BY next_retry_at ASC, id ASC
			 LIMIT ?`,
			subscriptiondomain.StatusPaymentRetry,
			now,
			limit,
		).Scan(&ids).Error
	case subscriptiondomain.DueAutoSuspend:
		err = db.WithContext(ctx).Raw(
			`SELECT id FROM subscriptions
			 WHERE status IN ? AND auto_suspend_at IS NOT NULL AND auto_suspend_at <= ?
			 ORDER BY auto_suspend_at ASC, id ASC
			 LIMIT ?`,
			[]subscriptiondomain.SubscriptionStatus{subscriptiondomain.StatusPastDue, subscriptiondomain.StatusDisputed},
			now,
			limit,
		).Scan(&ids).Error
	case subscriptiondomain.DueAutoDelete:
		err = db.WithContext(ctx).Raw(
			`SELECT id FROM subscriptions
			 WHERE status = ? AND auto_delete_at IS NOT NULL AND auto_delete_at <= ?
			 ORDER BY auto_delete_at ASC, id ASC
			 LIMIT ?`,
			subscriptiondomain.StatusExpired,
			now,
			limit,
		).Scan(&ids).Error
	case subscriptiondomain.DueWinBack:
		err = db.WithContext(ctx).Raw(
			`SELECT id FROM subscriptions
			 WHERE status = ? AND next_offer_at IS NOT NULL AND next_offer_at <= ?
			 ORDER BY next_offer_at ASC, id ASC
			 LIMIT ?`,
			subscriptiondomain.StatusExpired,
			now,
			limit,
		).Scan(&ids).Error
	default:
		return nil, subscriptiondomain.ErrInvalidEvent
	}
	if err != nil {
		return nil, err
	}
	return ids, nil
}
