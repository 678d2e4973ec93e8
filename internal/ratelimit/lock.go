package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const (
	lockPollMin = 10 * time.Millisecond
	lockPollMax = 250 * time.Millisecond
)

var (
	ErrLockNotConfigured = errors.New("lock_client_not_configured")
	ErrLockTimeout       = errors.New("lock_wait_timeout")
	ErrInvalidLock       = errors.New("invalid_lock_request")
)

// Lease is a held lock. Only the holder of Token may release it.
type Lease struct {
	Key   string
	Token string
}

type Locker struct {
	client *redis.Client
	script *redis.Script
	prefix string
}

func NewLocker(client *redis.Client, prefix string) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client: client,
		script: redis.NewScript(lockReleaseScript),
		prefix: prefix,
	}
}

func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	if l == nil || l.client == nil {
		return Lease{}, false, ErrLockNotConfigured
	}
	if key == "" || ttl <= 0 {
		return Lease{}, false, ErrInvalidLock
	}

	lease := Lease{Key: l.prefix + key, Token: uuid.NewString()}
	ok, err := l.client.SetNX(ctx, lease.Key, lease.Token, ttl).Result()
	if err != nil {
		return Lease{}, false, err
	}
	return lease, ok, nil
}

// Acquire polls TryLock with doubling waits until the lock is taken or ctx ends.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	wait := lockPollMin
	for {
		lease, ok, err := l.TryLock(ctx, key, ttl)
		if err != nil {
			return Lease{}, err
		}
		if ok {
			return lease, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Lease{}, errors.Join(ErrLockTimeout, ctx.Err())
		case <-timer.C:
		}
		wait *= 2
		if wait > lockPollMax {
			wait = lockPollMax
		}
	}
}

func (l *Locker) Release(ctx context.Context, lease Lease) error {
	if l == nil || l.client == nil {
		return nil
	}
	if lease.Key == "" || lease.Token == "" {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{lease.Key}, lease.Token).Err()
}
