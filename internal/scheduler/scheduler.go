// Package scheduler serialises engine runs per resume token: jobs
// targeting the same thread execute strictly in enqueue order, and a
// session's process is never driven by two jobs at once. Grounded on
// original_source/src/yee88/scheduler.py.
package scheduler

import (
	"context"
	"log/slog"
	"sync"

	"github.com/yee94/takopi-sub000/internal/metrics"
	"github.com/yee94/takopi-sub000/internal/model"
	"github.com/yee94/takopi-sub000/internal/transport"
)

// ThreadJob is one unit of scheduled work: a prompt to run against a
// resume token, plus enough context to report back to the user.
type ThreadJob struct {
	ChannelId   transport.ChannelId
	UserMsgId   transport.MessageId
	Text        string
	ResumeToken model.ResumeToken
	Context     *model.RunContext
	ThreadId    transport.ThreadId
	ProgressRef *transport.MessageRef
}

func threadKey(token model.ResumeToken) string { return token.ThreadKey() }

func progressKey(channelId transport.ChannelId, messageId transport.MessageId) string {
	return channelId + "\x00" + messageId
}

// RunJob executes one job; any error is logged by the worker and
// never escapes it (spec §4.5).
type RunJob func(ctx context.Context, job ThreadJob) error

// doneGate is a one-shot close-to-signal gate, the Go analog of
// anyio.Event, tracked so note_thread_known's "already set" check
// (is_set()) has somewhere to look.
type doneGate struct {
	ch chan struct{}
}

func newDoneGate() *doneGate { return &doneGate{ch: make(chan struct{})} }

func (g *doneGate) fire() {
	select {
	case <-g.ch:
	default:
		close(g.ch)
	}
}

func (g *doneGate) isSet() bool {
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}

func (g *doneGate) wait(ctx context.Context) {
	select {
	case <-g.ch:
	case <-ctx.Done():
	}
}

// ThreadScheduler serialises ThreadJobs per thread key, coalescing
// any that arrive while a session is already running.
type ThreadScheduler struct {
	runJob RunJob
	log    *slog.Logger

	mu               sync.Mutex
	pendingByThread  map[string][]ThreadJob
	queuedByProgress map[string]ThreadJob
	activeThreads    map[string]bool
	busyUntil        map[string]*doneGate
}

// New builds a scheduler that invokes runJob for each popped job.
func New(runJob RunJob, log *slog.Logger) *ThreadScheduler {
	if log == nil {
		log = slog.Default()
	}
	return &ThreadScheduler{
		runJob:           runJob,
		log:              log,
		pendingByThread:  make(map[string][]ThreadJob),
		queuedByProgress: make(map[string]ThreadJob),
		activeThreads:    make(map[string]bool),
		busyUntil:        make(map[string]*doneGate),
	}
}

// NoteThreadKnown installs (or refreshes) the ordering gate for a
// thread the instant a runner reveals its session id, and arranges
// for the gate to be forgotten once done fires (spec §4.5). Callers
// supply a channel they close when the run's done-event fires;
// NoteThreadKnown wraps it so busy_until.isSet() is observable.
func (s *ThreadScheduler) NoteThreadKnown(ctx context.Context, token model.ResumeToken, done <-chan struct{}) {
	key := threadKey(token)
	gate := newDoneGate()

	s.mu.Lock()
	current, ok := s.busyUntil[key]
	if !ok || current.isSet() {
		s.busyUntil[key] = gate
	} else {
		gate = current
	}
	s.mu.Unlock()

	go func() {
		select {
		case <-done:
		case <-ctx.Done():
		}
		gate.fire()
		s.mu.Lock()
		if s.busyUntil[key] == gate {
			delete(s.busyUntil, key)
		}
		s.mu.Unlock()
	}()
}

// Enqueue appends job to its thread's queue, registers it under its
// progress message for later cancellation, and starts a worker for
// that thread if one is not already running.
func (s *ThreadScheduler) Enqueue(ctx context.Context, job ThreadJob) {
	key := threadKey(job.ResumeToken)

	s.mu.Lock()
	s.pendingByThread[key] = append(s.pendingByThread[key], job)
	if job.ProgressRef != nil {
		s.queuedByProgress[progressKey(job.ChannelId, job.ProgressRef.MessageId)] = job
	}
	alreadyActive := s.activeThreads[key]
	s.activeThreads[key] = true
	depth := len(s.pendingByThread[key])
	s.mu.Unlock()

	metrics.SetQueueDepth(string(job.ResumeToken.Engine), float64(depth))

	if alreadyActive {
		return
	}
	go s.runThreadWorker(ctx, key)
}

// CancelQueued removes and returns a still-queued job matching the
// given progress reference, or ok=false if none is queued there
// (either it never was, or it has already started running).
func (s *ThreadScheduler) CancelQueued(channelId transport.ChannelId, progressMsgId transport.MessageId) (ThreadJob, bool) {
	pk := progressKey(channelId, progressMsgId)

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.queuedByProgress[pk]
	if !ok {
		return ThreadJob{}, false
	}
	delete(s.queuedByProgress, pk)

	key := threadKey(job.ResumeToken)
	queue := s.pendingByThread[key]
	idx := -1
	for i, queued := range queue {
		if queued.ProgressRef != nil && queued.ChannelId == job.ChannelId && queued.ProgressRef.MessageId == job.ProgressRef.MessageId {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ThreadJob{}, false
	}
	queue = append(queue[:idx], queue[idx+1:]...)
	if len(queue) == 0 {
		delete(s.pendingByThread, key)
	} else {
		s.pendingByThread[key] = queue
	}
	return job, true
}

func (s *ThreadScheduler) runThreadWorker(ctx context.Context, key string) {
	defer func() {
		s.mu.Lock()
		delete(s.activeThreads, key)
		s.mu.Unlock()
	}()

	for {
		s.mu.Lock()
		queue := s.pendingByThread[key]
		if len(queue) == 0 {
			delete(s.pendingByThread, key)
			delete(s.activeThreads, key)
			s.mu.Unlock()
			return
		}
		job := queue[0]
		s.pendingByThread[key] = queue[1:]
		if len(s.pendingByThread[key]) == 0 {
			delete(s.pendingByThread, key)
		}
		if job.ProgressRef != nil {
			delete(s.queuedByProgress, progressKey(job.ChannelId, job.ProgressRef.MessageId))
		}
		gate := s.busyUntil[key]
		s.activeThreads[key] = true
		depth := len(s.pendingByThread[key])
		s.mu.Unlock()

		metrics.SetQueueDepth(string(job.ResumeToken.Engine), float64(depth))

		if gate != nil && !gate.isSet() {
			gate.wait(ctx)
		}

		if err := s.runJob(ctx, job); err != nil {
			s.log.ErrorContext(ctx, "scheduler.job_failed", "key", key, "engine", job.ResumeToken.Engine, "channel_id", job.ChannelId, "user_msg_id", job.UserMsgId, "error", err)
		}
	}
}
