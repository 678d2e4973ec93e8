package scheduler

import (
	"context"
)

// EventRecoveryJob re-applies billing events that failed on a transient
// error (lock contention, lost write race) and were never redelivered.
func (s *Scheduler) EventRecoveryJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	cutoff := s.clock.Now().Add(-s.cfg.RecoveryThreshold)

	processed, err := s.ingress.ReprocessFailed(ctx, cutoff, s.cfg.BatchSize)
	run.AddProcessed(processed)
	s.metrics.AddBatchProcessed(JobEventRecovery, "billing_event", processed)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.event.recovery.failed", JobEventRecovery, 0, err)
		return err
	}
	return nil
}
