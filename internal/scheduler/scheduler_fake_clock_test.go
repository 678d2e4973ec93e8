package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	billingeventdomain "github.com/smallbiznis/dunningd/internal/billingevent/domain"
	billingeventservice "github.com/smallbiznis/dunningd/internal/billingevent/service"
	"github.com/smallbiznis/dunningd/internal/clock"
	"github.com/smallbiznis/dunningd/internal/config"
	"github.com/smallbiznis/dunningd/internal/dispatch"
	"github.com/smallbiznis/dunningd/internal/dunning"
	"github.com/smallbiznis/dunningd/internal/lifecycle"
	"github.com/smallbiznis/dunningd/internal/notification"
	obsmetrics "github.com/smallbiznis/dunningd/internal/observability/metrics"
	"github.com/smallbiznis/dunningd/internal/providers/gateway"
	"github.com/smallbiznis/dunningd/internal/scheduler"
	schedtesting "github.com/smallbiznis/dunningd/internal/scheduler/testing"
	subscriptiondomain "github.com/smallbiznis/dunningd/internal/subscription/domain"
	"github.com/smallbiznis/dunningd/internal/subscription/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type recordingNotifier struct {
	templates chan string
}

func (n *recordingNotifier) Send(_ context.Context, _ string, _ int, template string) error {
	n.templates <- template
	return nil
}

type world struct {
	db       *gorm.DB
	clock    *clock.FakeClock
	engine   *lifecycle.Engine
	ingress  *billingeventservice.Service
	sched    *scheduler.Scheduler
	gateway  *gateway.Simulated
	pools    []*dispatch.Pool
	notifier *recordingNotifier
	accel    *schedtesting.TimeAccelerator
}

func newWorld(t *testing.T) *world {
	t.Helper()
	db := schedtesting.NewDB(t)
	fc := clock.NewFakeClock(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	node, err := snowflake.NewNode(9)
	require.NoError(t, err)
	lifecycleCfg := config.StaticLifecycleConfig(config.DefaultLifecycleConfig())

	newPool := func() *dispatch.Pool {
		pool := dispatch.NewPool(dispatch.Config{Workers: 2, QueueSize: 64, TaskTimeout: 5 * time.Second}, zap.NewNop(), nil)
		pool.Start()
		t.Cleanup(pool.Stop)
		return pool
	}
	enginePool := newPool()
	ingressPool := dispatch.NewGatewayPool(dispatch.Config{Workers: 2, QueueSize: 64, TaskTimeout: 5 * time.Second}, zap.NewNop(), nil)
	ingressPool.Start()
	t.Cleanup(ingressPool.Stop)

	notifier := &recordingNotifier{templates: make(chan string, 64)}
	sender := notification.NewSender(enginePool, notifier, nil, zap.NewNop())
	repo := repository.Provide()

	engine := lifecycle.NewEngine(lifecycle.Params{
		DB:      db,
		Repo:    repo,
		Config:  lifecycleCfg,
		Clock:   fc,
		Node:    node,
		Locker:  lifecycle.NewLocker(nil, 0, nil, zap.NewNop()),
		Pool:    enginePool,
		Dunning: dunning.NewDispatcher(sender),
		Sender:  sender,
		Log:     zap.NewNop(),
	})
	gw := gateway.NewSimulated()
	ingress := billingeventservice.NewService(billingeventservice.Params{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   fc,
		Config:  lifecycleCfg,
		Engine:  engine,
		Gateway: gw,
		Pool:    ingressPool,
	})
	sched, err := scheduler.New(scheduler.Params{
		DB:      db,
		Log:     zap.NewNop(),
		Repo:    repo,
		Engine:  engine,
		Ingress: ingress,
		GenID:   node,
		Clock:   fc,
		Config:  scheduler.Config{BatchSize: 5, JobTimeout: 5 * time.Second},
		Metrics: obsmetrics.NewSchedulerMetricsForTest(prometheus.NewRegistry()),
	})
	require.NoError(t, err)

	return &world{
		db:       db,
		clock:    fc,
		engine:   engine,
		ingress:  ingress,
		sched:    sched,
		gateway:  gw,
		pools:    []*dispatch.Pool{ingressPool.Pool, enginePool},
		notifier: notifier,
		accel:    schedtesting.NewTimeAccelerator(db),
	}
}

// tick runs one scheduler pass and waits for the work it queued.
func (w *world) tick(t *testing.T) {
	t.Helper()
	require.NoError(t, w.sched.RunOnce(context.Background()))
	for _, pool := range w.pools {
		pool.Wait()
	}
}

func (w *world) create(t *testing.T) subscriptiondomain.Subscription {
	t.Helper()
	loginAt := w.clock.Now()
	sub, err := w.engine.Create(context.Background(), subscriptiondomain.CreateRequest{
		BusinessID:   "42",
		PlanTier:     "pro",
		MonthlyPrice: 2900,
		Currency:     "eur",
		FeatureUsage: 90,
		LastLoginAt:  &loginAt,
	})
	require.NoError(t, err)
	return sub
}

func (w *world) load(t *testing.T, id snowflake.ID) subscriptiondomain.Subscription {
	t.Helper()
	var sub subscriptiondomain.Subscription
	require.NoError(t, w.db.Where("id = ?", id).Take(&sub).Error)
	return sub
}

func (w *world) ingest(t *testing.T, id snowflake.ID, outcome billingeventdomain.Outcome) {
	t.Helper()
	_, err := w.ingress.Ingest(context.Background(), billingeventdomain.WebhookPayload{
		SubscriptionID: id.String(),
		Outcome:        outcome,
		Timestamp:      w.clock.Now(),
	})
	require.NoError(t, err)
	for _, pool := range w.pools {
		pool.Wait()
	}
}

func TestScheduler_RetryRecoversSubscription(t *testing.T) {
	w := newWorld(t)
	sub := w.create(t)

	w.ingest(t, sub.ID, billingeventdomain.OutcomeDeclined)
	assert.Equal(t, subscriptiondomain.StatusPaymentRetry, w.load(t, sub.ID).Status)

	// Not due yet: nothing is charged.
	w.tick(t)
	assert.Empty(t, w.gateway.Charges())

	var issue subscriptiondomain.BillingIssue
	require.NoError(t, w.db.Where("subscription_id = ? AND archived_at IS NULL", sub.ID).Take(&issue).Error)

	w.clock.Advance(27 * time.Hour)
	w.tick(t)

	charges := w.gateway.Charges()
	require.Len(t, charges, 1)
	assert.Equal(t, sub.ID.String()+":"+issue.ID.String()+":1", charges[0].IdempotencyKey)

	current := w.load(t, sub.ID)
	assert.Equal(t, subscriptiondomain.StatusActive, current.Status)
	assert.Nil(t, current.NextRetryAt)

	// A second pass finds nothing left to retry.
	w.tick(t)
	assert.Len(t, w.gateway.Charges(), 1)
}

// Each billing episode restarts its attempt count; a later episode's retries
// are charged and applied like the first one's.
func TestScheduler_RetriesAcrossEpisodes(t *testing.T) {
	w := newWorld(t)
	sub := w.create(t)

	for episode := 1; episode <= 2; episode++ {
		w.ingest(t, sub.ID, billingeventdomain.OutcomeDeclined)
		require.Equal(t, subscriptiondomain.StatusPaymentRetry, w.load(t, sub.ID).Status, "episode %d", episode)

		var issue subscriptiondomain.BillingIssue
		require.NoError(t, w.db.Where("subscription_id = ? AND archived_at IS NULL", sub.ID).Take(&issue).Error)
		assert.Equal(t, 1, issue.AttemptCount, "episode %d", episode)

		w.clock.Advance(27 * time.Hour)
		w.tick(t)

		current := w.load(t, sub.ID)
		require.Equal(t, subscriptiondomain.StatusActive, current.Status, "episode %d", episode)
		assert.Nil(t, current.NextRetryAt)

		w.clock.Advance(30 * 24 * time.Hour)
	}

	charges := w.gateway.Charges()
	require.Len(t, charges, 2)
	assert.NotEqual(t, charges[0].IdempotencyKey, charges[1].IdempotencyKey)

	var issues int64
	require.NoError(t, w.db.Model(&subscriptiondomain.BillingIssue{}).Where("subscription_id = ?", sub.ID).Count(&issues).Error)
	assert.Equal(t, int64(2), issues)
}

func TestScheduler_FastForwardedRetryKeepsAttemptNumber(t *testing.T) {
	w := newWorld(t)
	sub := w.create(t)

	w.ingest(t, sub.ID, billingeventdomain.OutcomeInsufficientFunds)
	w.gateway.Script(sub.ID.String(), &gateway.DeclineError{Code: gateway.DeclineInsufficientFunds})

	require.NoError(t, w.accel.FastForwardRetry(context.Background(), sub.ID, w.clock.Now()))
	w.tick(t)

	var issue subscriptiondomain.BillingIssue
	require.NoError(t, w.db.Where("subscription_id = ? AND archived_at IS NULL", sub.ID).Take(&issue).Error)
	assert.Equal(t, 2, issue.AttemptCount)
	require.NotNil(t, issue.NextRetryAt)
	assert.True(t, issue.NextRetryAt.After(w.clock.Now()))
	assert.Equal(t, subscriptiondomain.StatusPaymentRetry, w.load(t, sub.ID).Status)
}

func TestScheduler_SuspendWinBackAndDelete(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	sub := w.create(t)

	w.ingest(t, sub.ID, billingeventdomain.OutcomeChargeback)
	assert.Equal(t, subscriptiondomain.StatusDisputed, w.load(t, sub.ID).Status)

	require.NoError(t, w.accel.FastForwardSuspend(ctx, sub.ID, w.clock.Now()))
	w.tick(t)

	expired := w.load(t, sub.ID)
	require.Equal(t, subscriptiondomain.StatusExpired, expired.Status)
	require.NotNil(t, expired.AutoDeleteAt)
	assert.Equal(t, subscriptiondomain.PotentialHigh, expired.ReactivationPotential)
	require.NotNil(t, expired.NextOfferAt)

	var offers []subscriptiondomain.WinBackOffer
	require.NoError(t, w.db.Where("subscription_id = ?", sub.ID).Order("offer_index").Find(&offers).Error)
	require.Len(t, offers, 1)
	assert.Equal(t, subscriptiondomain.OfferPersonalOutreach, offers[0].Type)

	// The next rung of the ladder goes out once the offer interval has passed.
	w.clock.Advance(7*24*time.Hour + time.Hour)
	w.tick(t)

	offers = nil
	require.NoError(t, w.db.Where("subscription_id = ?", sub.ID).Order("offer_index").Find(&offers).Error)
	require.Len(t, offers, 2)
	assert.Equal(t, subscriptiondomain.OfferDiscount30, offers[1].Type)
	assert.Equal(t, 2, offers[1].Index)

	require.NoError(t, w.accel.FastForwardDelete(ctx, sub.ID, w.clock.Now()))
	w.tick(t)

	deleted := w.load(t, sub.ID)
	assert.Equal(t, subscriptiondomain.StatusDeleted, deleted.Status)
	assert.Empty(t, deleted.PaymentMethodLast4)
	assert.Nil(t, deleted.NextOfferAt)

	var remaining int64
	require.NoError(t, w.db.Model(&subscriptiondomain.WinBackOffer{}).Where("subscription_id = ?", sub.ID).Count(&remaining).Error)
	assert.Zero(t, remaining)

	sent := map[string]bool{}
	for len(w.notifier.templates) > 0 {
		sent[<-w.notifier.templates] = true
	}
	assert.True(t, sent["winback_personal_outreach"])
	assert.True(t, sent["winback_discount_30"])
}
