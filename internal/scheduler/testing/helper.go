// Package testing holds fixtures shared by scheduler, engine and ingress tests.
package testing

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	billingeventdomain "github.com/smallbiznis/dunningd/internal/billingevent/domain"
	subscriptiondomain "github.com/smallbiznis/dunningd/internal/subscription/domain"
	"gorm.io/gorm"
)

var dbSeq atomic.Int64

// TB is the subset of testing.TB the helpers need.
type TB interface {
	Helper()
	Fatalf(format string, args ...any)
	Cleanup(func())
}

// NewDB opens a private in-memory sqlite database with every lifecycle table.
func NewDB(t TB) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:dunningd_test_%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	models := append(subscriptiondomain.Models(), &billingeventdomain.BillingEvent{})
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// TimeAccelerator moves stored deadlines so the next scheduler tick finds
// them due without advancing the clock.
type TimeAccelerator struct {
	db *gorm.DB
}

func NewTimeAccelerator(db *gorm.DB) *TimeAccelerator {
	return &TimeAccelerator{db: db}
}

// FastForwardRetry makes the pending retry of a subscription due at now.
func (ta *TimeAccelerator) FastForwardRetry(ctx context.Context, subscriptionID snowflake.ID, now time.Time) error {
	return ta.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(
			`UPDATE billing_issues SET next_retry_at = ?
			 WHERE subscription_id = ? AND archived_at IS NULL AND next_retry_at IS NOT NULL`,
			now, subscriptionID,
		).Error; err != nil {
			return err
		}
		return tx.Exec(
			`UPDATE subscriptions SET next_retry_at = ? WHERE id = ? AND next_retry_at IS NOT NULL`,
			now, subscriptionID,
		).Error
	})
}

// FastForwardSuspend makes the open issue of a subscription reach its auto-suspend deadline.
func (ta *TimeAccelerator) FastForwardSuspend(ctx context.Context, subscriptionID snowflake.ID, now time.Time) error {
	return ta.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(
			`UPDATE billing_issues SET auto_suspend_at = ?
			 WHERE subscription_id = ? AND archived_at IS NULL`,
			now, subscriptionID,
		).Error; err != nil {
			return err
		}
		return tx.Exec(
			`UPDATE subscriptions SET auto_suspend_at = ? WHERE id = ? AND auto_suspend_at IS NOT NULL`,
			now, subscriptionID,
		).Error
	})
}

// FastForwardDelete makes an expired subscription reach its auto-delete deadline.
func (ta *TimeAccelerator) FastForwardDelete(ctx context.Context, subscriptionID snowflake.ID, now time.Time) error {
	return ta.db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET auto_delete_at = ? WHERE id = ? AND status = ?`,
		now, subscriptionID, subscriptiondomain.StatusExpired,
	).Error
}
