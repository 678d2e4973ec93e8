package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/dunningd/internal/clock"
	obsmetrics "github.com/smallbiznis/dunningd/internal/observability/metrics"
	"github.com/smallbiznis/dunningd/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/dunningd/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

// Lifecycle is the part of the engine driven by deadline sweeps.
type Lifecycle interface {
	Apply(ctx context.Context, ev subscriptiondomain.Event) (subscriptiondomain.Result, error)
	MarkRetryFired(ctx context.Context, id snowflake.ID) (subscriptiondomain.RetryDue, bool, error)
	SendNextWinBackOffer(ctx context.Context, id snowflake.ID) (bool, error)
}

// Ingress receives claimed retries and replays failed billing events.
type Ingress interface {
	HandleRetryDue(ctx context.Context, due subscriptiondomain.RetryDue) error
	ReprocessFailed(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Repo    subscriptiondomain.Repository
	Engine  Lifecycle
	Ingress Ingress
	GenID   *snowflake.Node
	Clock   clock.Clock
	Config  Config                       `optional:"true"`
	Leases  *ratelimit.Locker            `name:"scheduler_leases" optional:"true"`
	Metrics *obsmetrics.SchedulerMetrics `optional:"true"`
}

// Scheduler sweeps stored deadlines and turns each due row into an engine
// call. It holds no state of its own: a crash between ticks loses nothing
// because every deadline lives on the subscription record.
type Scheduler struct {
	db      *gorm.DB
	log     *zap.Logger
	cfg     Config
	repo    subscriptiondomain.Repository
	engine  Lifecycle
	ingress Ingress
	genID   *snowflake.Node
	clock   clock.Clock
	leases  *ratelimit.Locker
	metrics *obsmetrics.SchedulerMetrics
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Repo == nil || p.Engine == nil || p.Ingress == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	m := p.Metrics
	if m == nil {
		m = obsmetrics.Scheduler()
	}
	return &Scheduler{
		db:      p.DB,
		log:     p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:     p.Config.withDefaults(),
		repo:    p.Repo,
		engine:  p.Engine,
		ingress: p.Ingress,
		genID:   p.GenID,
		clock:   p.Clock,
		leases:  p.Leases,
		metrics: m,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	release, ok, err := s.acquireLease(ctx, name, timeout)
	if err != nil {
		s.log.Warn("job lease unavailable", zap.String("job", name), zap.Error(err))
		s.metrics.IncBatchDeferred(name, obsmetrics.SchedulerBatchDeferredReasonLocked)
		return nil
	}
	if !ok {
		s.metrics.IncBatchDeferred(name, obsmetrics.SchedulerBatchDeferredReasonLocked)
		return nil
	}
	defer release()

	ctx, run := s.startJobRun(ctx, name, batchSize)
	s.logJobStart(ctx, run)
	s.metrics.IncJobRun(name)

	err = fn(ctx)
	s.metrics.ObserveJobDuration(name, time.Since(start))
	if err != nil && run.errors == 0 {
		run.IncError()
	}
	s.logJobFinish(ctx, run)
	if err == nil {
		return nil
	}

	// Deadline is a soft timeout: the remaining rows stay due for the next tick.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
	}
	s.metrics.IncJobError(name, err)
	if isTimeout {
		s.logger(ctx).Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs every enabled job once, in lifecycle order.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{JobRetryDue, s.RetryDueJob},
		{JobAutoSuspend, s.AutoSuspendJob},
		{JobWinBackOffers, s.WinBackOffersJob},
		{JobAutoDelete, s.AutoDeleteJob},
		{JobEventRecovery, s.EventRecoveryJob},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, s.cfg.BatchSize, s.cfg.JobTimeout, job.Run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.RunInterval)

	for {
		if runLag := time.Since(nextRun); runLag > 0 {
			s.metrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// sweep feeds due subscription ids to handle in batches until a batch makes
// no progress. handle reports whether the row left the due set.
func (s *Scheduler) sweep(ctx context.Context, job string, kind subscriptiondomain.DueKind, handle func(ctx context.Context, id snowflake.ID) (bool, error)) error {
	run := jobRunFromContext(ctx)
	var jobErr error
	seen := make(map[snowflake.ID]struct{})

	for {
		if err := ctx.Err(); err != nil {
			return errors.Join(jobErr, err)
		}

		ids, err := s.fetchDue(ctx, kind)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.due.fetch.failed", job, 0, err)
			return errors.Join(jobErr, err)
		}
		if len(ids) == 0 {
			s.metrics.IncBatchDeferred(job, obsmetrics.SchedulerBatchDeferredReasonEmpty)
			break
		}

		progressed := 0
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}

			done, err := handle(ctx, id)
			if err != nil {
				if ctx.Err() != nil {
					return errors.Join(jobErr, ctx.Err())
				}
				if !isBenign(err) {
					jobErr = errors.Join(jobErr, err)
					s.logSchedulerError(ctx, run, "scheduler.subscription.process.failed", job, id, err)
				}
				continue
			}
			if done {
				progressed++
			}
		}
		run.AddProcessed(progressed)
		s.metrics.AddBatchProcessed(job, "subscription", progressed)

		if progressed == 0 || len(ids) < s.cfg.BatchSize {
			break
		}
	}
	return jobErr
}

// isBenign reports errors caused by a concurrent writer having moved the
// subscription first; the row is picked up again if it is still due.
func isBenign(err error) bool {
	return errors.Is(err, subscriptiondomain.ErrStaleWrite) ||
		errors.Is(err, subscriptiondomain.ErrSubscriptionLocked) ||
		errors.Is(err, subscriptiondomain.ErrDeadlineNotReached) ||
		errors.Is(err, subscriptiondomain.ErrInvalidTransition) ||
		errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound)
}

// RetryDueJob claims due retries and hands them to billing event ingress.
// The gateway is never called from the scheduler goroutine.
func (s *Scheduler) RetryDueJob(ctx context.Context) error {
	return s.sweep(ctx, JobRetryDue, subscriptiondomain.DueRetry, func(ctx context.Context, id snowflake.ID) (bool, error) {
		due, claimed, err := s.engine.MarkRetryFired(ctx, id)
		if err != nil || !claimed {
			return false, err
		}
		if err := s.ingress.HandleRetryDue(ctx, due); err != nil {
			// The claim stands; the reclaim window makes the retry due again.
			return true, err
		}
		s.logger(ctx).Debug("scheduler.retry.fired",
			zap.String("subscription_id", id.String()),
			zap.Int("attempt", due.Attempt),
			zap.Time("due_at", due.DueAt),
		)
		return true, nil
	})
}

func (s *Scheduler) AutoSuspendJob(ctx context.Context) error {
	return s.sweep(ctx, JobAutoSuspend, subscriptiondomain.DueAutoSuspend, func(ctx context.Context, id snowflake.ID) (bool, error) {
		return s.applyDeadline(ctx, id, subscriptiondomain.EventAutoSuspendDeadlineReached)
	})
}

func (s *Scheduler) AutoDeleteJob(ctx context.Context) error {
	return s.sweep(ctx, JobAutoDelete, subscriptiondomain.DueAutoDelete, func(ctx context.Context, id snowflake.ID) (bool, error) {
		return s.applyDeadline(ctx, id, subscriptiondomain.EventAutoDeleteDeadlineReached)
	})
}

func (s *Scheduler) WinBackOffersJob(ctx context.Context) error {
	return s.sweep(ctx, JobWinBackOffers, subscriptiondomain.DueWinBack, func(ctx context.Context, id snowflake.ID) (bool, error) {
		sent, err := s.engine.SendNextWinBackOffer(ctx, id)
		if err != nil {
			return false, err
		}
		if sent {
			s.logger(ctx).Debug("scheduler.winback.sent", zap.String("subscription_id", id.String()))
		}
		// next_offer_at is cleared or moved forward whether or not an offer went out.
		return true, nil
	})
}

func (s *Scheduler) applyDeadline(ctx context.Context, id snowflake.ID, typ subscriptiondomain.EventType) (bool, error) {
	res, err := s.engine.Apply(ctx, subscriptiondomain.Event{
		SubscriptionID: id,
		Type:           typ,
		OccurredAt:     s.clock.Now(),
		Source:         "scheduler",
	})
	if err != nil {
		return false, err
	}
	return res.Changed, nil
}
