// Package dispatch runs lifecycle side effects (gateway calls, notification
// sends) off the write path on a bounded worker pool.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/smallbiznis/dunningd/internal/observability/metrics"
	"go.uber.org/zap"
)

var (
	ErrPoolStopped = errors.New("dispatch_pool_stopped")
	ErrQueueFull   = errors.New("dispatch_queue_full")
)

type Config struct {
	Workers     int
	QueueSize   int
	TaskTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:     8,
		QueueSize:   256,
		TaskTimeout: 30 * time.Second,
	}
}

// DefaultGatewayConfig sizes the gateway pool. TaskTimeout must exceed the
// gateway call timeout so the outcome can still be ingested.
func DefaultGatewayConfig() Config {
	return Config{
		Workers:     4,
		QueueSize:   128,
		TaskTimeout: time.Minute,
	}
}

// Task is a unit of asynchronous work scoped to one key, usually a subscription id.
type Task struct {
	Key  string
	Name string
	Run  func(ctx context.Context) error
}

type queued struct {
	task       Task
	generation uint64
}

// keyState tracks the cancellation generation of a key while it has tasks
// in flight. It is dropped once the last one is dequeued.
type keyState struct {
	generation uint64
	queued     int
}

type workerKey struct{}

// Pool executes tasks on a fixed number of workers. Cancel(key) invalidates
// every task queued for that key before the call; tasks already running finish.
type Pool struct {
	cfg     Config
	name    string
	log     *zap.Logger
	metrics *metrics.Metrics

	tasks chan queued
	done  chan struct{}

	keysMu sync.Mutex
	keys   map[string]*keyState

	stopMu   sync.RWMutex
	stopped  bool
	stopOnce sync.Once

	ctx     context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup
	pending sync.WaitGroup
}

// GatewayPool runs payment gateway calls. Their outcomes enqueue
// notifications, so they get workers of their own.
type GatewayPool struct {
	*Pool
}

func NewPool(cfg Config, log *zap.Logger, m *metrics.Metrics) *Pool {
	return newNamedPool("dispatch.pool", cfg, DefaultConfig(), log, m)
}

func NewGatewayPool(cfg Config, log *zap.Logger, m *metrics.Metrics) *GatewayPool {
	return &GatewayPool{Pool: newNamedPool("dispatch.gateway", cfg, DefaultGatewayConfig(), log, m)}
}

func newNamedPool(name string, cfg, defaults Config, log *zap.Logger, m *metrics.Metrics) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = defaults.TaskTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:     cfg,
		name:    name,
		log:     log.Named(name),
		metrics: m,
		tasks:   make(chan queued, cfg.QueueSize),
		done:    make(chan struct{}),
		keys:    make(map[string]*keyState),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	for i := 0; i < p.cfg.Workers; i++ {
		p.workers.Add(1)
		go p.worker()
	}
	p.log.Info("dispatch pool started", zap.Int("workers", p.cfg.Workers))
}

// Submit enqueues task under the key's current generation. It blocks while
// the queue is full until ctx is done or the pool stops. Called from one of
// this pool's own tasks it never blocks: a full queue yields ErrQueueFull.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.stopMu.RLock()
	defer p.stopMu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}

	item := queued{task: task, generation: p.acquire(task.Key)}
	p.pending.Add(1)

	if ctx.Value(workerKey{}) == p {
		select {
		case p.tasks <- item:
			return nil
		default:
			p.abandon(item, "queue_full")
			return ErrQueueFull
		}
	}

	select {
	case p.tasks <- item:
		return nil
	case <-ctx.Done():
		p.abandon(item, "submit_cancelled")
		return ctx.Err()
	case <-p.done:
		p.abandon(item, "pool_stopped")
		return ErrPoolStopped
	}
}

// Cancel drops all queued tasks for key.
func (p *Pool) Cancel(key string) {
	p.keysMu.Lock()
	defer p.keysMu.Unlock()
	// Nothing queued means nothing to invalidate.
	if st, ok := p.keys[key]; ok {
		st.generation++
	}
}

// Wait blocks until every submitted task has run or been dropped.
func (p *Pool) Wait() {
	p.pending.Wait()
}

// Stop drains the queue and waits for workers to exit. Submitters blocked
// on a full queue give up with ErrPoolStopped.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.done) })

	p.stopMu.Lock()
	if p.stopped {
		p.stopMu.Unlock()
		return
	}
	p.stopped = true
	close(p.tasks)
	p.stopMu.Unlock()

	p.workers.Wait()
	p.cancel()
	p.log.Info("dispatch pool stopped")
}

func (p *Pool) acquire(key string) uint64 {
	p.keysMu.Lock()
	defer p.keysMu.Unlock()
	st, ok := p.keys[key]
	if !ok {
		st = &keyState{}
		p.keys[key] = st
	}
	st.queued++
	return st.generation
}

// release reports whether item is still current and forgets the key once
// nothing else is queued under it.
func (p *Pool) release(item queued) bool {
	p.keysMu.Lock()
	defer p.keysMu.Unlock()
	st, ok := p.keys[item.task.Key]
	if !ok {
		return true
	}
	current := st.generation == item.generation
	st.queued--
	if st.queued <= 0 {
		delete(p.keys, item.task.Key)
	}
	return current
}

func (p *Pool) abandon(item queued, reason string) {
	p.release(item)
	p.pending.Done()
	p.metrics.RecordDispatchDropped(p.ctx, item.task.Name)
	p.log.Warn("task not queued",
		zap.String("task", item.task.Name),
		zap.String("key", item.task.Key),
		zap.String("reason", reason),
	)
}

// trackedKeys is the number of keys with tasks in flight.
func (p *Pool) trackedKeys() int {
	p.keysMu.Lock()
	defer p.keysMu.Unlock()
	return len(p.keys)
}

func (p *Pool) worker() {
	defer p.workers.Done()
	for item := range p.tasks {
		p.run(item)
	}
}

func (p *Pool) run(item queued) {
	defer p.pending.Done()

	if !p.release(item) {
		p.metrics.RecordDispatchDropped(p.ctx, item.task.Name)
		p.log.Debug("dropped cancelled task",
			zap.String("task", item.task.Name),
			zap.String("key", item.task.Key),
		)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithValue(p.ctx, workerKey{}, p), p.cfg.TaskTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			p.log.Error("task panicked",
				zap.String("task", item.task.Name),
				zap.String("key", item.task.Key),
				zap.Any("panic", r),
			)
		}
	}()

	if err := item.task.Run(ctx); err != nil {
		p.log.Warn("task failed",
			zap.String("task", item.task.Name),
			zap.String("key", item.task.Key),
			zap.Error(err),
		)
	}
}
