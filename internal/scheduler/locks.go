package scheduler

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	obsmetrics "github.com/smallbiznis/dunningd/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/dunningd/internal/subscription/domain"
	"go.uber.org/zap"
)

const leaseSlack = 5 * time.Second

// acquireLease takes the cluster-wide lease for one job so that only one
// scheduler instance sweeps it at a time. Without redis every instance runs
// every job; per-subscription locks and CAS still keep writes single.
func (s *Scheduler) acquireLease(ctx context.Context, job string, timeout time.Duration) (func(), bool, error) {
	if s.leases == nil {
		return func() {}, true, nil
	}

	lockStart := time.Now()
	lease, ok, err := s.leases.TryLock(ctx, job, timeout+leaseSlack)
	s.metrics.ObserveLockWait(obsmetrics.LockResourceJobLease, time.Since(lockStart))
	if err != nil || !ok {
		return nil, false, err
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.leases.Release(releaseCtx, lease); err != nil {
			s.log.Warn("job lease release failed", zap.String("job", job), zap.Error(err))
		}
	}, true, nil
}

// fetchDue returns at most one batch of subscriptions whose deadline of the
// given kind has passed, oldest deadline first.
func (s *Scheduler) fetchDue(ctx context.Context, kind subscriptiondomain.DueKind) ([]snowflake.ID, error) {
	scanCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	lockStart := time.Now()
	ids, err := s.repo.FindDue(scanCtx, s.db, kind, s.clock.Now(), s.cfg.BatchSize)
	s.metrics.ObserveLockWait(obsmetrics.LockResourceDueScan, time.Since(lockStart))
	return ids, err
}
