package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPoolRunsTasks(t *testing.T) {
	pool := NewPool(Config{Workers: 2, QueueSize: 4}, zap.NewNop(), nil)
	pool.Start()
	defer pool.Stop()

	var count atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(context.Background(), Task{
			Key:  "sub-1",
			Name: "count",
			Run: func(context.Context) error {
				count.Add(1)
				return nil
			},
		}))
	}
	pool.Wait()

	assert.Equal(t, int32(10), count.Load())
}

func TestPoolCancelDropsQueuedTasks(t *testing.T) {
	pool := NewPool(Config{Workers: 1, QueueSize: 8}, zap.NewNop(), nil)
	pool.Start()
	defer pool.Stop()

	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(1)
	require.NoError(t, pool.Submit(context.Background(), Task{
		Key:  "blocker",
		Name: "block",
		Run: func(context.Context) error {
			started.Done()
			<-release
			return nil
		},
	}))
	started.Wait()

	var ran atomic.Int32
	for i := 0; i < 3; i++ {
		require.NoError(t, pool.Submit(context.Background(), Task{
			Key:  "sub-1",
			Name: "send",
			Run: func(context.Context) error {
				ran.Add(1)
				return nil
			},
		}))
	}
	pool.Cancel("sub-1")

	require.NoError(t, pool.Submit(context.Background(), Task{
		Key:  "sub-1",
		Name: "send",
		Run: func(context.Context) error {
			ran.Add(1)
			return nil
		},
	}))

	close(release)
	pool.Wait()

	assert.Equal(t, int32(1), ran.Load())
}

func TestPoolRecoversPanics(t *testing.T) {
	pool := NewPool(Config{Workers: 1, QueueSize: 2}, zap.NewNop(), nil)
	pool.Start()
	defer pool.Stop()

	var after atomic.Bool
	require.NoError(t, pool.Submit(context.Background(), Task{Key: "k", Name: "panic", Run: func(context.Context) error {
		panic("boom")
	}}))
	require.NoError(t, pool.Submit(context.Background(), Task{Key: "k", Name: "after", Run: func(context.Context) error {
		after.Store(true)
		return nil
	}}))
	pool.Wait()

	assert.True(t, after.Load())
}

func TestPoolTaskTimeout(t *testing.T) {
	pool := NewPool(Config{Workers: 1, QueueSize: 1, TaskTimeout: 20 * time.Millisecond}, zap.NewNop(), nil)
	pool.Start()
	defer pool.Stop()

	errs := make(chan error, 1)
	require.NoError(t, pool.Submit(context.Background(), Task{Key: "k", Name: "slow", Run: func(ctx context.Context) error {
		<-ctx.Done()
		errs <- ctx.Err()
		return ctx.Err()
	}}))
	pool.Wait()

	assert.ErrorIs(t, <-errs, context.DeadlineExceeded)
}

func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool(Config{Workers: 1}, zap.NewNop(), nil)
	pool.Start()
	pool.Stop()

	err := pool.Submit(context.Background(), Task{Key: "k", Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrPoolStopped)
}

func TestSubmitFromOwnWorkerFailsFastWhenFull(t *testing.T) {
	pool := NewPool(Config{Workers: 2, QueueSize: 2, TaskTimeout: 5 * time.Second}, zap.NewNop(), nil)
	pool.Start()
	defer pool.Stop()

	release := make(chan struct{})
	var inner atomic.Int32
	errs := make(chan error, 4)
	started := time.Now()

	// Every outer task enqueues a follow-up on the same pool while both
	// workers and the whole queue are busy with outer tasks.
	for i := 0; i < 4; i++ {
		require.NoError(t, pool.Submit(context.Background(), Task{
			Key:  "sub-1",
			Name: "outer",
			Run: func(ctx context.Context) error {
				<-release
				err := pool.Submit(ctx, Task{Key: "sub-1", Name: "inner", Run: func(context.Context) error {
					inner.Add(1)
					return nil
				}})
				errs <- err
				return err
			},
		}))
	}
	close(release)
	pool.Wait()
	close(errs)

	assert.Less(t, time.Since(started), time.Second)
	var full int
	for err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, ErrQueueFull)
			full++
		}
	}
	assert.Equal(t, int32(4-full), inner.Load())
}

func TestGatewayTasksDoNotWaitOnTheirOwnWorkers(t *testing.T) {
	notify := NewPool(Config{Workers: 1, QueueSize: 8}, zap.NewNop(), nil)
	notify.Start()
	defer notify.Stop()
	gw := NewGatewayPool(Config{Workers: 2, QueueSize: 2, TaskTimeout: 5 * time.Second}, zap.NewNop(), nil)
	gw.Start()
	defer gw.Stop()

	var sent atomic.Int32
	for i := 0; i < 4; i++ {
		require.NoError(t, gw.Submit(context.Background(), Task{
			Key:  "sub-1",
			Name: "gateway_retry",
			Run: func(ctx context.Context) error {
				return notify.Submit(ctx, Task{Key: "sub-1", Name: "dunning_send", Run: func(context.Context) error {
					sent.Add(1)
					return nil
				}})
			},
		}))
	}
	gw.Wait()
	notify.Wait()

	assert.Equal(t, int32(4), sent.Load())
}

func TestStopReleasesBlockedSubmitters(t *testing.T) {
	pool := NewPool(Config{Workers: 1, QueueSize: 1}, zap.NewNop(), nil)
	pool.Start()

	release := make(chan struct{})
	block := Task{Key: "k", Name: "block", Run: func(context.Context) error {
		<-release
		return nil
	}}
	require.NoError(t, pool.Submit(context.Background(), block))
	require.NoError(t, pool.Submit(context.Background(), block))
	// Give the worker time to pick up the first task so the queue holds one.
	require.Eventually(t, func() bool { return len(pool.tasks) == 1 }, time.Second, time.Millisecond)

	blocked := make(chan error, 1)
	go func() {
		blocked <- pool.Submit(context.Background(), block)
	}()

	stopped := make(chan struct{})
	go func() {
		pool.Stop()
		close(stopped)
	}()

	select {
	case err := <-blocked:
		assert.ErrorIs(t, err, ErrPoolStopped)
	case <-time.After(time.Second):
		t.Fatal("submitter still blocked after Stop")
	}
	close(release)
	<-stopped
}

func TestPoolForgetsIdleKeys(t *testing.T) {
	pool := NewPool(Config{Workers: 2, QueueSize: 16}, zap.NewNop(), nil)
	pool.Start()
	defer pool.Stop()

	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("sub-%d", i)
		require.NoError(t, pool.Submit(context.Background(), Task{Key: key, Name: "send", Run: func(context.Context) error { return nil }}))
		pool.Cancel(key)
	}
	pool.Wait()
	for i := 0; i < 100; i++ {
		pool.Cancel(fmt.Sprintf("idle-%d", i))
	}

	assert.Zero(t, pool.trackedKeys())
}
