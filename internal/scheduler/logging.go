package scheduler

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	obscontext "github.com/smallbiznis/dunningd/internal/observability/context"
	obslogger "github.com/smallbiznis/dunningd/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/dunningd/internal/observability/metrics"
	"go.uber.org/zap"
)

// jobRun tracks one execution of one job. It travels on the context so
// sweep handlers can count rows and errors without extra parameters.
type jobRun struct {
	job       string
	id        string
	batchSize int
	started   time.Time
	processed int
	errors    int
}

type jobRunKey struct{}

func (r *jobRun) AddProcessed(n int) {
	if r != nil && n > 0 {
		r.processed += n
	}
}

func (r *jobRun) IncError() {
	if r != nil {
		r.errors++
	}
}

func (r *jobRun) fields() []zap.Field {
	return []zap.Field{zap.String("job", r.job), zap.String("run_id", r.id)}
}

func (s *Scheduler) startJobRun(ctx context.Context, job string, batchSize int) (context.Context, *jobRun) {
	if run := jobRunFromContext(ctx); run != nil {
		return ctx, run
	}
	run := &jobRun{
		job:       job,
		id:        s.genID.Generate().String(),
		batchSize: batchSize,
		started:   time.Now(),
	}
	ctx = context.WithValue(ctx, jobRunKey{}, run)
	// Engine and ingress log lines of this run share its request id.
	return obscontext.WithRequestID(ctx, "scheduler-"+run.id), run
}

func jobRunFromContext(ctx context.Context) *jobRun {
	run, _ := ctx.Value(jobRunKey{}).(*jobRun)
	return run
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logJobStart(ctx context.Context, run *jobRun) {
	s.logger(ctx).Info("scheduler.job.start", append(run.fields(), zap.Int("batch_size", run.batchSize))...)
}

func (s *Scheduler) logJobFinish(ctx context.Context, run *jobRun) {
	fields := append(run.fields(),
		zap.Int64("duration_ms", time.Since(run.started).Milliseconds()),
		zap.Int("processed_count", run.processed),
		zap.Int("error_count", run.errors),
	)
	if run.errors > 0 {
		s.logger(ctx).Warn("scheduler.job.finish", fields...)
		return
	}
	s.logger(ctx).Info("scheduler.job.finish", fields...)
}

// logSchedulerError counts err against run and logs it with its
// classification. subscriptionID is zero for job-level failures.
func (s *Scheduler) logSchedulerError(ctx context.Context, run *jobRun, msg string, job string, subscriptionID snowflake.ID, err error, extra ...zap.Field) {
	if err == nil {
		return
	}
	run.IncError()

	fields := []zap.Field{
		zap.String("job", job),
		zap.String("error_type", obsmetrics.ClassifySchedulerErrorType(err)),
		zap.Bool("retryable", obsmetrics.IsSchedulerErrorRetryable(err)),
		zap.Error(err),
	}
	if subscriptionID != 0 {
		ctx = obscontext.WithSubscriptionID(ctx, subscriptionID.String())
	}
	s.logger(ctx).Error(msg, append(fields, extra...)...)
}
