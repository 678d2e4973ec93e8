package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/smallbiznis/dunningd/internal/observability/metrics"
	"github.com/smallbiznis/dunningd/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/dunningd/internal/subscription/domain"
	"go.uber.org/zap"
)

const (
	subscriptionLockPrefix = "dunningd:lock:subscription:"
	defaultLockTTL         = 30 * time.Second
)

// Locker serializes writers of one subscription.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// KeyedLocker is an in-process mutex per key. Entries are reference counted
// and removed once the last waiter leaves.
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	sem  chan struct{}
	refs int
}

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[string]*keyedEntry)}
}

func (l *KeyedLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	entry, ok := l.locks[key]
	if !ok {
		entry = &keyedEntry{sem: make(chan struct{}, 1)}
		l.locks[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(key, entry, false)
		return nil, errors.Join(subscriptiondomain.ErrSubscriptionLocked, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, entry, true) })
	}, nil
}

func (l *KeyedLocker) release(key string, entry *keyedEntry, held bool) {
	if held {
		<-entry.sem
	}
	l.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}

// RedisLocker extends the per-subscription lock across instances.
type RedisLocker struct {
	locker *ratelimit.Locker
	ttl    time.Duration
	log    *zap.Logger
}

func NewRedisLocker(locker *ratelimit.Locker, ttl time.Duration, log *zap.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisLocker{locker: locker, ttl: ttl, log: log.Named("lifecycle.lock")}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	lease, err := l.locker.Acquire(ctx, key, l.ttl)
	if err != nil {
		if errors.Is(err, ratelimit.ErrLockTimeout) {
			return nil, errors.Join(subscriptiondomain.ErrSubscriptionLocked, err)
		}
		return nil, err
	}
	return func() {
		// The caller's context may already be cancelled by the time we unlock.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := l.locker.Release(ctx, lease); err != nil {
			l.log.Warn("subscription lock release failed", zap.String("key", lease.Key), zap.Error(err))
		}
	}, nil
}

// chainLocker takes every lock in order and releases them in reverse.
type chainLocker struct {
	lockers []Locker
	metrics *metrics.SchedulerMetrics
}

func (c chainLocker) Lock(ctx context.Context, key string) (func(), error) {
	start := time.Now()
	unlocks := make([]func(), 0, len(c.lockers))
	unlockAll := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, locker := range c.lockers {
		unlock, err := locker.Lock(ctx, key)
		if err != nil {
			unlockAll()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	c.metrics.ObserveLockWait(metrics.LockResourceSubscription, time.Since(start))
	return unlockAll, nil
}

// NewLocker always serializes in-process and adds the redis lock when a
// client is available.
func NewLocker(redisLocker *ratelimit.Locker, ttl time.Duration, m *metrics.SchedulerMetrics, log *zap.Logger) Locker {
	lockers := []Locker{NewKeyedLocker()}
	if redisLocker != nil {
		lockers = append(lockers, NewRedisLocker(redisLocker, ttl, log))
	}
	return chainLocker{lockers: lockers, metrics: m}
}
