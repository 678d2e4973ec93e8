// Package notification queues lifecycle emails through the dispatch pool.
package notification

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/dunningd/internal/dispatch"
	"github.com/smallbiznis/dunningd/internal/observability/metrics"
	"go.uber.org/zap"
)

// Notifier delivers one rendered template for a subscription.
type Notifier interface {
	Send(ctx context.Context, subscriptionID string, step int, template string) error
}

type Kind string

const (
	KindDunning  Kind = "dunning"
	KindWinBack  Kind = "winback"
	KindRecovery Kind = "recovery"
)

// Sender submits notifications to the dispatch pool keyed by subscription so
// that cancelling a subscription's pending work also drops its queued mail.
type Sender struct {
	pool     *dispatch.Pool
	notifier Notifier
	metrics  *metrics.Metrics
	log      *zap.Logger
}

func NewSender(pool *dispatch.Pool, notifier Notifier, m *metrics.Metrics, log *zap.Logger) *Sender {
	return &Sender{
		pool:     pool,
		notifier: notifier,
		metrics:  m,
		log:      log.Named("notification.sender"),
	}
}

func (s *Sender) Enqueue(ctx context.Context, kind Kind, subscriptionID snowflake.ID, step int, template string) error {
	id := subscriptionID.String()
	return s.pool.Submit(ctx, dispatch.Task{
		Key:  id,
		Name: string(kind) + "_send",
		Run: func(ctx context.Context) error {
			if err := s.notifier.Send(ctx, id, step, template); err != nil {
				return err
			}
			s.metrics.RecordNotification(ctx, string(kind), template)
			s.log.Info("notification delivered",
				zap.String("subscription_id", id),
				zap.String("kind", string(kind)),
				zap.Int("step", step),
				zap.String("template", template),
			)
			return nil
		},
	})
}
