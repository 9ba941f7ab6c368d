package workers_test

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atlas-desktop/breakout-engine/internal/workers"
	"go.uber.org/zap"
)

func smallPoolConfig(name string) *workers.PoolConfig {
	cfg := workers.DefaultPoolConfig(name)
	cfg.NumWorkers = 2
	cfg.QueueSize = 4
	cfg.TaskTimeout = 200 * time.Millisecond
	return cfg
}

func TestPoolRunsSubmittedTasks(t *testing.T) {
	p := workers.NewPool(zap.NewNop(), smallPoolConfig("test"))
	p.Start()
	defer p.Stop()

	var done atomic.Int32
	for i := 0; i < 10; i++ {
		if err := p.SubmitFunc(func() error {
			done.Add(1)
			return nil
		}); err != nil {
			t.Fatalf("unexpected submit error: %v", err)
		}
	}

	deadline := time.Now().Add(time.Second)
	for done.Load() < 10 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if done.Load() != 10 {
		t.Fatalf("expected all 10 tasks to run, got %d", done.Load())
	}
}

func TestPoolSubmitWaitReturnsTaskError(t *testing.T) {
	p := workers.NewPool(zap.NewNop(), smallPoolConfig("test"))
	p.Start()
	defer p.Stop()

	want := errors.New("boom")
	err := p.SubmitWait(workers.TaskFunc(func() error { return want }))
	if err == nil || err.Error() != want.Error() {
		t.Fatalf("expected the task's error to propagate, got %v", err)
	}
}

func TestPoolSubmitBeforeStartReturnsErrPoolStopped(t *testing.T) {
	p := workers.NewPool(zap.NewNop(), smallPoolConfig("test"))
	if err := p.SubmitFunc(func() error { return nil }); err != workers.ErrPoolStopped {
		t.Fatalf("expected ErrPoolStopped before Start, got %v", err)
	}
}

func TestPoolSubmitAfterStopReturnsErrPoolStopped(t *testing.T) {
	p := workers.NewPool(zap.NewNop(), smallPoolConfig("test"))
	p.Start()
	if err := p.Stop(); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}
	if err := p.SubmitFunc(func() error { return nil }); err != workers.ErrPoolStopped {
		t.Fatalf("expected ErrPoolStopped after Stop, got %v", err)
	}
}

func TestPoolRecoversFromPanickingTask(t *testing.T) {
	p := workers.NewPool(zap.NewNop(), smallPoolConfig("test"))
	p.Start()
	defer p.Stop()

	err := p.SubmitWait(workers.TaskFunc(func() error {
		panic("deliberate test panic")
	}))
	if err == nil {
		t.Fatalf("expected a recovered panic to surface as an error")
	}
}

func TestPoolMetricsTrackCompletion(t *testing.T) {
	p := workers.NewPool(zap.NewNop(), smallPoolConfig("test"))
	p.Start()
	defer p.Stop()

	if err := p.SubmitWait(workers.TaskFunc(func() error { return nil })); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// SubmitWait returns once the task body finishes; the worker bumps the counter just after.
	deadline := time.Now().Add(time.Second)
	for p.Metrics().TasksCompleted < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if p.Metrics().TasksCompleted < 1 {
		t.Fatalf("expected at least 1 completed task recorded, got %d", p.Metrics().TasksCompleted)
	}
}
