package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewRunnerInvalidCron(t *testing.T) {
	_, err := NewRunner("not a cron expr", func(context.Context) (int64, error) { return 0, nil }, nil)
	if err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestRunnerTriggerNow(t *testing.T) {
	var calls int32
	r, err := NewRunner("*/5 * * * *", func(context.Context) (int64, error) {
		atomic.AddInt32(&calls, 1)
		return 3, nil
	}, nil)
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}

	removed, err := r.TriggerNow()
	if err != nil {
		t.Fatalf("TriggerNow() error = %v", err)
	}
	if removed != 3 {
		t.Errorf("TriggerNow() = %d, want 3", removed)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("reap called %d times, want 1", calls)
	}
}

func TestRunnerTickInvokesReapWhenDue(t *testing.T) {
	var calls int32
	r, err := NewRunner("*/5 * * * *", func(context.Context) (int64, error) {
		atomic.AddInt32(&calls, 1)
		return 0, nil
	}, nil)
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}

	r.nextRun = time.Now().Add(-time.Minute)
	r.tick(time.Now())

	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("reap called %d times, want 1", calls)
	}
	if !r.nextRun.After(time.Now()) {
		t.Error("nextRun should have advanced into the future")
	}
}

func TestRunnerTickSkipsWhenNotDue(t *testing.T) {
	var calls int32
	r, err := NewRunner("*/5 * * * *", func(context.Context) (int64, error) {
		atomic.AddInt32(&calls, 1)
		return 0, nil
	}, nil)
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}

	r.nextRun = time.Now().Add(time.Hour)
	r.tick(time.Now())

	if atomic.LoadInt32(&calls) != 0 {
		t.Errorf("reap called %d times, want 0", calls)
	}
}

func TestRunnerStartStop(t *testing.T) {
	r, err := NewRunner("*/5 * * * *", func(context.Context) (int64, error) { return 0, nil }, nil)
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}
	r.Start()
	r.Stop()
}
