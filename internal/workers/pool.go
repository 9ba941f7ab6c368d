// Package workers provides the bounded goroutine pool used for the engine's concurrent
// fan-out work: TWAP slice placement and per-symbol scan-cycle computation. The queue is
// bounded so a slow exchange can never grow memory without limit; overflow surfaces as
// ErrQueueFull to the submitter rather than blocking the orchestrator timeline.
package workers

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrPoolStopped     = errors.New("worker pool is not running")
	ErrQueueFull       = errors.New("worker pool queue is full")
	ErrShutdownTimeout = errors.New("worker pool shutdown timed out")
)

// Task is one unit of pool work.
type Task interface {
	Execute() error
}

// TaskFunc adapts a plain function to the Task interface.
type TaskFunc func() error

func (f TaskFunc) Execute() error { return f() }

// PoolConfig sizes and bounds one pool.
type PoolConfig struct {
	Name            string
	NumWorkers      int
	QueueSize       int
	TaskTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultPoolConfig sizes a pool for I/O-bound work (order placement, exchange fetches):
// twice the CPU count, with a queue deep enough for a full scan cycle's fan-out.
func DefaultPoolConfig(name string) *PoolConfig {
	return &PoolConfig{
		Name:            name,
		NumWorkers:      runtime.NumCPU() * 2,
		QueueSize:       4096,
		TaskTimeout:     30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// PoolMetrics is a point-in-time snapshot of the pool's counters.
type PoolMetrics struct {
	TasksSubmitted  int64
	TasksCompleted  int64
	TasksFailed     int64
	TasksTimedOut   int64
	PanicsRecovered int64
}

// Pool runs submitted tasks on a fixed set of workers. Every task gets a deadline and panic
// recovery; a panicking slice placement must never take down the engine process.
type Pool struct {
	logger *zap.Logger
	cfg    *PoolConfig

	queue  chan Task
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	running atomic.Bool

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	timedOut  atomic.Int64
	recovered atomic.Int64
}

// NewPool constructs a pool; call Start before submitting.
func NewPool(logger *zap.Logger, cfg *PoolConfig) *Pool {
	if cfg == nil {
		cfg = DefaultPoolConfig("default")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		logger: logger.Named("workers." + cfg.Name),
		cfg:    cfg,
		queue:  make(chan Task, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the worker goroutines. Idempotent.
func (p *Pool) Start() {
	if p.running.Swap(true) {
		return
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.cfg.NumWorkers), zap.Int("queue_size", p.cfg.QueueSize))
	for i := 0; i < p.cfg.NumWorkers; i++ {
		p.wg.Add(1)
		go p.workerLoop(i)
	}
}

func (p *Pool) workerLoop(id int) {
	defer p.wg.Done()
	log := p.logger.With(zap.Int("worker_id", id))
	for {
		select {
		case <-p.ctx.Done():
			return
		case task, ok := <-p.queue:
			if !ok {
				return
			}
			p.runTask(log, task)
		}
	}
}

func (p *Pool) runTask(log *zap.Logger, task Task) {
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.TaskTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.recovered.Add(1)
				log.Error("recovered from task panic", zap.Any("panic", r))
				done <- fmt.Errorf("task panicked: %v", r)
			}
		}()
		done <- task.Execute()
	}()

	select {
	case err := <-done:
		if err != nil {
			p.failed.Add(1)
			log.Debug("task failed", zap.Error(err))
			return
		}
		p.completed.Add(1)
	case <-ctx.Done():
		p.timedOut.Add(1)
		log.Warn("task deadline exceeded", zap.Duration("timeout", p.cfg.TaskTimeout))
	}
}

// Submit enqueues a task without blocking. Returns ErrQueueFull when the queue is at capacity.
func (p *Pool) Submit(task Task) error {
	if !p.running.Load() {
		return ErrPoolStopped
	}
	select {
	case p.queue <- task:
		p.submitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitFunc enqueues a plain function.
func (p *Pool) SubmitFunc(fn func() error) error { return p.Submit(TaskFunc(fn)) }

// SubmitWait enqueues a task and blocks until it finishes, returning the task's error. A
// panic inside the task is recovered here so the waiter unblocks with an error instead of
// hanging until the task deadline.
func (p *Pool) SubmitWait(task Task) error {
	if !p.running.Load() {
		return ErrPoolStopped
	}
	done := make(chan error, 1)
	if err := p.Submit(TaskFunc(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				p.recovered.Add(1)
				err = fmt.Errorf("task panicked: %v", r)
			}
			done <- err
		}()
		return task.Execute()
	})); err != nil {
		return err
	}
	return <-done
}

// Stop drains the workers, waiting up to ShutdownTimeout. Idempotent.
func (p *Pool) Stop() error {
	if !p.running.Swap(false) {
		return nil
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped")
		return nil
	case <-time.After(p.cfg.ShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out", zap.Duration("timeout", p.cfg.ShutdownTimeout))
		return ErrShutdownTimeout
	}
}

// QueueLength reports the number of tasks waiting for a worker.
func (p *Pool) QueueLength() int { return len(p.queue) }

// IsRunning reports whether Start has been called and Stop has not.
func (p *Pool) IsRunning() bool { return p.running.Load() }

// Metrics snapshots the pool counters.
func (p *Pool) Metrics() PoolMetrics {
	return PoolMetrics{
		TasksSubmitted:  p.submitted.Load(),
		TasksCompleted:  p.completed.Load(),
		TasksFailed:     p.failed.Load(),
		TasksTimedOut:   p.timedOut.Load(),
		PanicsRecovered: p.recovered.Load(),
	}
}
