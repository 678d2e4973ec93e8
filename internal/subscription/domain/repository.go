package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// DueKind selects which deadline the scheduler is sweeping.
type DueKind string

const (
	DueRetry       DueKind = "retry"
	DueAutoSuspend DueKind = "auto_suspend"
	DueAutoDelete  DueKind = "auto_delete"
	DueWinBack     DueKind = "winback"
)

type ListFilter struct {
	Status     SubscriptionStatus
	BusinessID snowflake.ID
	PlanTier   PlanTier
	ChurnRisk  ChurnRisk
	AfterID    snowflake.ID
	Limit      int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	LoadState(ctx context.Context, db *gorm.DB, id snowflake.ID) (*State, error)
	// SaveState persists next when the stored row still carries expectedStatus
	// and expectedVersion; otherwise it returns ErrStaleWrite.
	SaveState(ctx context.Context, db *gorm.DB, prev, next *State) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]Subscription, error)
	FindDue(ctx context.Context, db *gorm.DB, kind DueKind, now time.Time, limit int) ([]snowflake.ID, error)
}
