package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/dunningd/internal/clock"
	obsmetrics "github.com/smallbiznis/dunningd/internal/observability/metrics"
	"github.com/smallbiznis/dunningd/internal/ratelimit"
	schedtesting "github.com/smallbiznis/dunningd/internal/scheduler/testing"
	subscriptiondomain "github.com/smallbiznis/dunningd/internal/subscription/domain"
	"github.com/smallbiznis/dunningd/internal/subscription/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var now = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

type mockLifecycle struct {
	mock.Mock
}

func (m *mockLifecycle) Apply(ctx context.Context, ev subscriptiondomain.Event) (subscriptiondomain.Result, error) {
	args := m.Called(ctx, ev)
	return args.Get(0).(subscriptiondomain.Result), args.Error(1)
}

func (m *mockLifecycle) MarkRetryFired(ctx context.Context, id snowflake.ID) (subscriptiondomain.RetryDue, bool, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(subscriptiondomain.RetryDue), args.Bool(1), args.Error(2)
}

func (m *mockLifecycle) SendNextWinBackOffer(ctx context.Context, id snowflake.ID) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

type mockIngress struct {
	mock.Mock
}

func (m *mockIngress) HandleRetryDue(ctx context.Context, due subscriptiondomain.RetryDue) error {
	return m.Called(ctx, due).Error(0)
}

func (m *mockIngress) ReprocessFailed(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	args := m.Called(ctx, cutoff, limit)
	return args.Int(0), args.Error(1)
}

type unitFixture struct {
	sched    *Scheduler
	db       *gorm.DB
	engine   *mockLifecycle
	ingress  *mockIngress
	registry *prometheus.Registry
}

func newUnitFixture(t *testing.T, cfg Config, leases *ratelimit.Locker) *unitFixture {
	t.Helper()
	node, err := snowflake.NewNode(7)
	require.NoError(t, err)

	f := &unitFixture{
		db:       schedtesting.NewDB(t),
		engine:   &mockLifecycle{},
		ingress:  &mockIngress{},
		registry: prometheus.NewRegistry(),
	}
	f.sched, err = New(Params{
		DB:      f.db,
		Log:     zap.NewNop(),
		Repo:    repository.Provide(),
		Engine:  f.engine,
		Ingress: f.ingress,
		GenID:   node,
		Clock:   clock.NewFakeClock(now),
		Config:  cfg,
		Leases:  leases,
		Metrics: obsmetrics.NewSchedulerMetricsForTest(f.registry),
	})
	require.NoError(t, err)
	return f
}

func (f *unitFixture) insertDue(t *testing.T, id snowflake.ID, status subscriptiondomain.SubscriptionStatus, mutate func(*subscriptiondomain.Subscription)) {
	t.Helper()
	sub := subscriptiondomain.Subscription{
		ID:           id,
		BusinessID:   1,
		PlanTier:     subscriptiondomain.PlanPro,
		MonthlyPrice: 1000,
		Currency:     "USD",
		Status:       status,
		CreatedAt:    now.Add(-48 * time.Hour),
		UpdatedAt:    now.Add(-48 * time.Hour),
	}
	mutate(&sub)
	require.NoError(t, f.db.Create(&sub).Error)
}

func counterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	metrics:
		for _, metric := range family.GetMetric() {
			for _, pair := range metric.GetLabel() {
				if want, ok := labels[pair.GetName()]; ok && want != pair.GetValue() {
					continue metrics
				}
			}
			return metric.GetCounter().GetValue()
		}
	}
	return 0
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Params{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestIsJobEnabled(t *testing.T) {
	f := newUnitFixture(t, Config{EnabledJobs: []string{"Retry_Due", JobAutoDelete}}, nil)
	assert.True(t, f.sched.isJobEnabled(JobRetryDue))
	assert.True(t, f.sched.isJobEnabled(JobAutoDelete))
	assert.False(t, f.sched.isJobEnabled(JobWinBackOffers))

	all := newUnitFixture(t, Config{}, nil)
	assert.True(t, all.sched.isJobEnabled(JobEventRecovery))
}

func TestRunJob_SoftTimeout(t *testing.T) {
	f := newUnitFixture(t, Config{}, nil)

	err := f.sched.runJob(context.Background(), JobAutoSuspend, 10, 20*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	assert.Equal(t, 1.0, counterValue(t, f.registry, "dunningd_scheduler_job_runs_total", map[string]string{"job": JobAutoSuspend}))
	assert.Equal(t, 1.0, counterValue(t, f.registry, "dunningd_scheduler_job_timeouts_total", map[string]string{"job": JobAutoSuspend}))
}

func TestRunJob_WrapsFailure(t *testing.T) {
	f := newUnitFixture(t, Config{}, nil)
	boom := errors.New("boom")

	err := f.sched.runJob(context.Background(), JobAutoDelete, 10, time.Second, func(context.Context) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), JobAutoDelete)
	assert.Equal(t, 1.0, counterValue(t, f.registry, "dunningd_scheduler_job_errors_total", map[string]string{"job": JobAutoDelete}))
}

func TestRunJob_LeaseHeldElsewhere(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	leases := ratelimit.NewLocker(client, leasePrefix)

	f := newUnitFixture(t, Config{}, leases)
	require.NoError(t, mr.Set(leasePrefix+JobRetryDue, "other-instance"))

	called := false
	err := f.sched.runJob(context.Background(), JobRetryDue, 10, time.Second, func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, called)
	assert.Equal(t, 1.0, counterValue(t, f.registry, "dunningd_scheduler_batch_deferred_total", map[string]string{
		"job":    JobRetryDue,
		"reason": obsmetrics.SchedulerBatchDeferredReasonLocked,
	}))

	// Once the other holder is gone the lease is taken and released again.
	mr.Del(leasePrefix + JobRetryDue)
	err = f.sched.runJob(context.Background(), JobRetryDue, 10, time.Second, func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.False(t, mr.Exists(leasePrefix+JobRetryDue))
}

func TestAutoSuspendJob_ToleratesConcurrentWriters(t *testing.T) {
	f := newUnitFixture(t, Config{BatchSize: 10}, nil)
	past := now.Add(-time.Minute)
	for _, id := range []snowflake.ID{11, 12, 13} {
		f.insertDue(t, id, subscriptiondomain.StatusPastDue, func(sub *subscriptiondomain.Subscription) {
			sub.AutoSuspendAt = &past
		})
	}

	isEvent := func(id snowflake.ID) any {
		return mock.MatchedBy(func(ev subscriptiondomain.Event) bool {
			return ev.SubscriptionID == id &&
				ev.Type == subscriptiondomain.EventAutoSuspendDeadlineReached &&
				ev.Source == "scheduler" &&
				ev.OccurredAt.Equal(now)
		})
	}
	f.engine.On("Apply", mock.Anything, isEvent(11)).Return(subscriptiondomain.Result{Changed: true}, nil).Once()
	f.engine.On("Apply", mock.Anything, isEvent(12)).Return(subscriptiondomain.Result{}, subscriptiondomain.ErrStaleWrite).Once()
	f.engine.On("Apply", mock.Anything, isEvent(13)).Return(subscriptiondomain.Result{}, subscriptiondomain.ErrSubscriptionLocked).Once()

	ctx, run := f.sched.startJobRun(context.Background(), JobAutoSuspend, 10)
	require.NoError(t, f.sched.AutoSuspendJob(ctx))
	f.engine.AssertExpectations(t)
	assert.Equal(t, 1, run.processed)
	assert.Zero(t, run.errors)
}

func TestRetryDueJob_HandsClaimToIngress(t *testing.T) {
	f := newUnitFixture(t, Config{BatchSize: 10}, nil)
	past := now.Add(-time.Hour)
	f.insertDue(t, 21, subscriptiondomain.StatusPaymentRetry, func(sub *subscriptiondomain.Subscription) {
		sub.NextRetryAt = &past
	})
	f.insertDue(t, 22, subscriptiondomain.StatusPaymentRetry, func(sub *subscriptiondomain.Subscription) {
		sub.NextRetryAt = &past
	})

	due := subscriptiondomain.RetryDue{SubscriptionID: 21, Attempt: 2, DueAt: past}
	f.engine.On("MarkRetryFired", mock.Anything, snowflake.ID(21)).Return(due, true, nil).Once()
	f.engine.On("MarkRetryFired", mock.Anything, snowflake.ID(22)).Return(subscriptiondomain.RetryDue{}, false, nil).Once()
	f.ingress.On("HandleRetryDue", mock.Anything, due).Return(nil).Once()

	ctx, run := f.sched.startJobRun(context.Background(), JobRetryDue, 10)
	require.NoError(t, f.sched.RetryDueJob(ctx))
	f.engine.AssertExpectations(t)
	f.ingress.AssertExpectations(t)
	assert.Equal(t, 1, run.processed)
}

func TestRetryDueJob_SurfacesIngressFailure(t *testing.T) {
	f := newUnitFixture(t, Config{BatchSize: 10}, nil)
	past := now.Add(-time.Hour)
	f.insertDue(t, 31, subscriptiondomain.StatusPaymentRetry, func(sub *subscriptiondomain.Subscription) {
		sub.NextRetryAt = &past
	})

	due := subscriptiondomain.RetryDue{SubscriptionID: 31, Attempt: 1, DueAt: past}
	f.engine.On("MarkRetryFired", mock.Anything, snowflake.ID(31)).Return(due, true, nil).Once()
	f.ingress.On("HandleRetryDue", mock.Anything, due).Return(errors.New("queue_full")).Once()

	ctx, run := f.sched.startJobRun(context.Background(), JobRetryDue, 10)
	err := f.sched.RetryDueJob(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, run.errors)
}

func TestEventRecoveryJob(t *testing.T) {
	f := newUnitFixture(t, Config{BatchSize: 25, RecoveryThreshold: 10 * time.Minute}, nil)
	f.ingress.On("ReprocessFailed", mock.Anything, now.Add(-10*time.Minute), 25).Return(4, nil).Once()

	ctx, run := f.sched.startJobRun(context.Background(), JobEventRecovery, 25)
	require.NoError(t, f.sched.EventRecoveryJob(ctx))
	f.ingress.AssertExpectations(t)
	assert.Equal(t, 4, run.processed)
}

func TestRunOnce_SkipsDisabledJobs(t *testing.T) {
	f := newUnitFixture(t, Config{EnabledJobs: []string{JobEventRecovery}}, nil)
	f.ingress.On("ReprocessFailed", mock.Anything, mock.Anything, mock.Anything).Return(0, nil).Once()

	require.NoError(t, f.sched.RunOnce(context.Background()))
	f.ingress.AssertExpectations(t)
	f.engine.AssertNotCalled(t, "MarkRetryFired", mock.Anything, mock.Anything)
}
