// Package schedule drives the one periodic background job the bridge
// needs: reaping stale resume-token records out of internal/store on a
// cron schedule. Grounded on the teacher's internal/schedule/runner.go
// (ticker loop + Start/Stop lifecycle), trimmed from its multi-schedule,
// multi-target, overlap-behavior machinery down to the single job this
// domain has.
package schedule

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrInvalidCron is returned when a cron expression fails to parse.
var ErrInvalidCron = errors.New("invalid cron expression")

// ReapFunc performs one reap pass and reports how many records it removed.
type ReapFunc func(ctx context.Context) (removed int64, err error)

// Runner ticks once a minute, and whenever the configured cron
// schedule's next-run time has passed, invokes reap exactly once
// before computing the following run time.
type Runner struct {
	expr string
	sch  interface{ Next(time.Time) time.Time }
	reap ReapFunc
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	nextRun time.Time
}

// NewRunner builds a Runner that calls reap according to cronExpr
// (standard 5-field cron). Returns an error wrapping ErrInvalidCron if
// cronExpr cannot be parsed.
func NewRunner(cronExpr string, reap ReapFunc, log *slog.Logger) (*Runner, error) {
	sch, err := ParseCron(cronExpr)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		expr:    cronExpr,
		sch:     sch,
		reap:    reap,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		nextRun: sch.Next(time.Now()),
	}, nil
}

// Start begins the ticker loop in a background goroutine.
func (r *Runner) Start() {
	r.wg.Add(1)
	go r.loop()
	r.log.Info("schedule.runner_started", "cron", r.expr)
}

// Stop cancels the loop and waits for any in-flight reap to finish.
func (r *Runner) Stop() {
	r.cancel()
	r.wg.Wait()
	r.log.Info("schedule.runner_stopped")
}

func (r *Runner) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case now := <-ticker.C:
			r.tick(now)
		}
	}
}

func (r *Runner) tick(now time.Time) {
	r.mu.Lock()
	due := !now.Before(r.nextRun)
	r.mu.Unlock()
	if !due {
		return
	}

	removed, err := r.reap(r.ctx)
	if err != nil {
		r.log.ErrorContext(r.ctx, "schedule.reap_failed", "error", err)
	} else {
		r.log.InfoContext(r.ctx, "schedule.reap_completed", "removed", removed)
	}

	r.mu.Lock()
	r.nextRun = r.sch.Next(now)
	r.mu.Unlock()
}

// TriggerNow runs the reap job immediately, outside the cron schedule,
// without disturbing the next scheduled run time.
func (r *Runner) TriggerNow() (int64, error) {
	return r.reap(r.ctx)
}
