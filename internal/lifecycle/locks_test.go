package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/dunningd/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/dunningd/internal/subscription/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestKeyedLocker_SerializesSameKey(t *testing.T) {
	locker := NewKeyedLocker()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(context.Background(), "sub-1")
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			for {
				current := maxInside.Load()
				if n <= current || maxInside.CompareAndSwap(current, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
	assert.Empty(t, locker.locks)
}

func TestKeyedLocker_ContextCancelled(t *testing.T) {
	locker := NewKeyedLocker()
	unlock, err := locker.Lock(context.Background(), "sub-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "sub-1")
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionLocked)

	other, err := locker.Lock(context.Background(), "sub-2")
	require.NoError(t, err)
	other()

	unlock()
	unlock()
	assert.Empty(t, locker.locks)
}

func TestRedisLocker_ExcludesAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	// Two engines sharing redis but not memory.
	first := NewLocker(ratelimit.NewLocker(client, subscriptionLockPrefix), time.Minute, nil, zap.NewNop())
	second := NewLocker(ratelimit.NewLocker(client, subscriptionLockPrefix), time.Minute, nil, zap.NewNop())

	unlock, err := first.Lock(context.Background(), "42")
	require.NoError(t, err)
	assert.True(t, mr.Exists(subscriptionLockPrefix+"42"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = second.Lock(ctx, "42")
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionLocked)

	unlock()
	assert.False(t, mr.Exists(subscriptionLockPrefix+"42"))

	unlock, err = second.Lock(context.Background(), "42")
	require.NoError(t, err)
	unlock()
}
