package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	subscriptiondomain "github.com/smallbiznis/dunningd/internal/subscription/domain"
	"gorm.io/gorm"
)

// Error types attached to scheduler log lines.
const (
	SchedulerErrorTypeDeadlineExceeded = "deadline_exceeded"
	SchedulerErrorTypeConflict         = "conflict"
	SchedulerErrorTypeDB               = "db"
	SchedulerErrorTypeBusinessRule     = "business_rule"
	SchedulerErrorTypeUnknown          = "unknown"
)

// Reasons used as the "reason" label of job error counters.
const (
	SchedulerJobReasonDeadlineExceeded     = "deadline_exceeded"
	SchedulerJobReasonDBLockTimeout        = "db_lock_timeout"
	SchedulerJobReasonSerializationFailure = "serialization_failure"
	SchedulerJobReasonUniqueViolation      = "unique_violation"
	SchedulerJobReasonStaleWrite           = "stale_write"
	SchedulerJobReasonLocked               = "locked"
	SchedulerJobReasonUnknown              = "unknown"

	SchedulerBatchDeferredReasonEmpty  = "empty"
	SchedulerBatchDeferredReasonLocked = "locked"
)

const (
	LockResourceSubscription = "subscription"
	LockResourceDueScan      = "due_scan"
	LockResourceJobLease     = "job_lease"
)

const (
	pgCodeLockNotAvailable     = "55P03"
	pgCodeSerializationFailure = "40001"
	pgCodeUniqueViolation      = "23505"
)

var (
	jobDurationBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}
	runLagBuckets      = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}
	lockWaitBuckets    = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
)

// SchedulerMetrics are the prometheus series for the deadline sweeps and
// the writer locks they contend on. A nil *SchedulerMetrics records nothing.
type SchedulerMetrics struct {
	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobTimeouts    *prometheus.CounterVec
	jobErrors      *prometheus.CounterVec
	batchProcessed *prometheus.CounterVec
	batchDeferred  *prometheus.CounterVec
	runLoopLag     prometheus.Histogram
	lockWait       *prometheus.HistogramVec
}

var (
	schedulerMetricsOnce sync.Once
	schedulerMetrics     *SchedulerMetrics
)

// Scheduler returns the process-wide instance registered on the default registerer.
func Scheduler() *SchedulerMetrics {
	return SchedulerWithConfig(Config{})
}

// SchedulerWithConfig is Scheduler with service and env const labels taken
// from cfg. Only the first call's cfg is used.
func SchedulerWithConfig(cfg Config) *SchedulerMetrics {
	schedulerMetricsOnce.Do(func() {
		schedulerMetrics = newSchedulerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return schedulerMetrics
}

// NewSchedulerMetricsForTest registers a fresh set on registry.
func NewSchedulerMetricsForTest(registry prometheus.Registerer) *SchedulerMetrics {
	return newSchedulerMetrics(registry, Config{ServiceName: "dunningd", Environment: "test"})
}

func newSchedulerMetrics(registerer prometheus.Registerer, cfg Config) *SchedulerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := prometheus.Labels{
		"service": valueOr(cfg.ServiceName, "dunningd"),
		"env":     valueOr(cfg.Environment, "unknown"),
	}
	counter := func(name, help string, keys ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help, ConstLabels: labels}, keys)
	}

	m := &SchedulerMetrics{
		jobRuns:        counter("dunningd_scheduler_job_runs_total", "Scheduler job runs by name.", "job"),
		jobTimeouts:    counter("dunningd_scheduler_job_timeouts_total", "Scheduler jobs stopped by their soft timeout.", "job"),
		jobErrors:      counter("dunningd_scheduler_job_errors_total", "Scheduler job errors by reason.", "job", "reason"),
		batchProcessed: counter("dunningd_scheduler_batch_processed_total", "Rows moved out of the due set per job.", "job", "resource"),
		batchDeferred:  counter("dunningd_scheduler_batch_deferred_total", "Sweeps that found nothing to do or could not take their lease.", "job", "reason"),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "dunningd_scheduler_job_duration_seconds",
			Help:        "Scheduler job latency; slow sweeps delay retries and suspensions.",
			Buckets:     jobDurationBuckets,
			ConstLabels: labels,
		}, []string{"job"}),
		runLoopLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "dunningd_scheduler_runloop_lag_seconds",
			Help:        "How late a scheduler tick started relative to its interval.",
			Buckets:     runLagBuckets,
			ConstLabels: labels,
		}),
		lockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "dunningd_lock_wait_seconds",
			Help:        "Time spent acquiring subscription locks, job leases and due scans.",
			Buckets:     lockWaitBuckets,
			ConstLabels: labels,
		}, []string{"resource"}),
	}
	registerer.MustRegister(
		m.jobRuns, m.jobDuration, m.jobTimeouts, m.jobErrors,
		m.batchProcessed, m.batchDeferred, m.runLoopLag, m.lockWait,
	)
	return m
}

func valueOr(value, fallback string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return fallback
}

func (m *SchedulerMetrics) IncJobRun(job string) {
	if m != nil {
		m.jobRuns.WithLabelValues(job).Inc()
	}
}

func (m *SchedulerMetrics) ObserveJobDuration(job string, d time.Duration) {
	if m != nil {
		m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
	}
}

func (m *SchedulerMetrics) IncJobTimeout(job string) {
	if m != nil {
		m.jobTimeouts.WithLabelValues(job).Inc()
	}
}

func (m *SchedulerMetrics) IncJobError(job string, err error) {
	if m != nil && err != nil {
		m.jobErrors.WithLabelValues(job, ClassifySchedulerJobReason(err)).Inc()
	}
}

func (m *SchedulerMetrics) AddBatchProcessed(job, resource string, count int) {
	if m != nil && count > 0 {
		m.batchProcessed.WithLabelValues(job, resource).Add(float64(count))
	}
}

func (m *SchedulerMetrics) IncBatchDeferred(job, reason string) {
	if m != nil {
		m.batchDeferred.WithLabelValues(job, reason).Inc()
	}
}

// ObserveRunLoopLag records how far behind schedule a tick started.
func (m *SchedulerMetrics) ObserveRunLoopLag(lag time.Duration) {
	if m != nil {
		m.runLoopLag.Observe(max(lag, 0).Seconds())
	}
}

func (m *SchedulerMetrics) ObserveLockWait(resource string, d time.Duration) {
	if m != nil {
		m.lockWait.WithLabelValues(resource).Observe(d.Seconds())
	}
}

// ClassifySchedulerErrorType returns the error_type field for scheduler logs.
func ClassifySchedulerErrorType(err error) string {
	switch {
	case err == nil:
		return SchedulerErrorTypeUnknown
	case isCancellation(err):
		return SchedulerErrorTypeDeadlineExceeded
	case errors.Is(err, subscriptiondomain.ErrStaleWrite), errors.Is(err, subscriptiondomain.ErrSubscriptionLocked):
		return SchedulerErrorTypeConflict
	case isDBError(err):
		return SchedulerErrorTypeDB
	default:
		return SchedulerErrorTypeBusinessRule
	}
}

// IsSchedulerErrorRetryable reports whether the next tick may succeed where
// this one failed. Business rule failures repeat until the row changes.
func IsSchedulerErrorRetryable(err error) bool {
	switch ClassifySchedulerErrorType(err) {
	case SchedulerErrorTypeDeadlineExceeded, SchedulerErrorTypeConflict, SchedulerErrorTypeDB:
		return true
	}
	return false
}

func ClassifySchedulerJobReason(err error) string {
	switch {
	case err == nil:
		return SchedulerJobReasonUnknown
	case isCancellation(err):
		return SchedulerJobReasonDeadlineExceeded
	case errors.Is(err, subscriptiondomain.ErrStaleWrite):
		return SchedulerJobReasonStaleWrite
	case errors.Is(err, subscriptiondomain.ErrSubscriptionLocked):
		return SchedulerJobReasonLocked
	}

	switch pgCode(err) {
	case pgCodeLockNotAvailable:
		return SchedulerJobReasonDBLockTimeout
	case pgCodeSerializationFailure:
		return SchedulerJobReasonSerializationFailure
	case pgCodeUniqueViolation:
		return SchedulerJobReasonUniqueViolation
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return SchedulerJobReasonUniqueViolation
	}
	return SchedulerJobReasonUnknown
}

func isCancellation(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isDBError(err error) bool {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return false
	case errors.Is(err, gorm.ErrInvalidDB),
		errors.Is(err, gorm.ErrInvalidTransaction),
		errors.Is(err, gorm.ErrInvalidData),
		errors.Is(err, gorm.ErrDuplicatedKey):
		return true
	}
	return pgCode(err) != ""
}
