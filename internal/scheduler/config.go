package scheduler

import (
	"strings"
	"time"

	"github.com/smallbiznis/dunningd/internal/config"
)

const (
	JobRetryDue      = "retry_due"
	JobAutoSuspend   = "auto_suspend"
	JobAutoDelete    = "auto_delete"
	JobWinBackOffers = "winback_offers"
	JobEventRecovery = "event_recovery"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval       time.Duration
	BatchSize         int
	JobTimeout        time.Duration
	RecoveryThreshold time.Duration
	// EnabledJobs restricts the jobs this instance runs; empty means all.
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:       time.Minute,
		BatchSize:         50,
		JobTimeout:        30 * time.Second,
		RecoveryThreshold: 15 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = defaults.RecoveryThreshold
	}
	return c
}

func ProvideConfig(cfg config.Config) Config {
	out := Config{
		RunInterval:       time.Duration(cfg.Scheduler.RunIntervalSeconds) * time.Second,
		BatchSize:         cfg.Scheduler.BatchSize,
		JobTimeout:        time.Duration(cfg.Scheduler.JobTimeoutSeconds) * time.Second,
		RecoveryThreshold: time.Duration(cfg.Scheduler.RecoveryThresholdSeconds) * time.Second,
	}
	for _, job := range strings.Split(cfg.Scheduler.Jobs, ",") {
		if job = strings.TrimSpace(job); job != "" {
			out.EnabledJobs = append(out.EnabledJobs, job)
		}
	}
	return out.withDefaults()
}
