package runner

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/yee94/takopi-sub000/internal/model"
	"github.com/yee94/takopi-sub000/internal/runner/codex"
)

// scriptEngine drives /bin/sh -c <script> instead of the real codex
// binary, while delegating all JSONL semantics to the real codex
// Engine so these tests exercise the production translate/coalescing
// logic end to end through a real subprocess.
type scriptEngine struct {
	inner  *codex.Engine
	script string
}

func (s *scriptEngine) ID() model.EngineId { return s.inner.ID() }
func (s *scriptEngine) Command() string    { return "/bin/sh" }
func (s *scriptEngine) Tag() string        { return s.inner.Tag() }

func (s *scriptEngine) BuildArgs(prompt string, resume *model.ResumeToken, state any) []string {
	return []string{"-c", s.script}
}

func (s *scriptEngine) StdinPayload(prompt string, resume *model.ResumeToken, state any) ([]byte, bool) {
	return nil, false
}

func (s *scriptEngine) Env(state any) []string { return nil }

func (s *scriptEngine) NewState(prompt string, resume *model.ResumeToken) any {
	return s.inner.NewState(prompt, resume)
}

func (s *scriptEngine) Translate(data map[string]any, state any, resume *model.ResumeToken, found *model.ResumeToken) ([]model.TakopiEvent, error) {
	return s.inner.Translate(data, state, resume, found)
}

func (s *scriptEngine) ProcessErrorEvents(rc int, resume *model.ResumeToken, found *model.ResumeToken, stderrTail string, state any) []model.TakopiEvent {
	return s.inner.ProcessErrorEvents(rc, resume, found, stderrTail, state)
}

func (s *scriptEngine) StreamEndEvents(resume *model.ResumeToken, found *model.ResumeToken, stderrTail string, state any) []model.TakopiEvent {
	return s.inner.StreamEndEvents(resume, found, stderrTail, state)
}

func (s *scriptEngine) FormatResume(token model.ResumeToken) (string, error) {
	return s.inner.FormatResume(token)
}

func (s *scriptEngine) ExtractResume(text string) (model.ResumeToken, bool) {
	return s.inner.ExtractResume(text)
}

func (s *scriptEngine) IsResumeLine(line string) bool { return s.inner.IsResumeLine(line) }

func newRunner(script string) *JsonlSubprocessRunner {
	engine := &scriptEngine{inner: codex.New(), script: script}
	return New(engine, func() string { return "." }, slog.New(slog.NewTextHandler(discardWriter{}, nil)))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func collect(t *testing.T, ch <-chan model.TakopiEvent) []model.TakopiEvent {
	t.Helper()
	var events []model.TakopiEvent
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-ctx.Done():
			t.Fatal("timed out waiting for events")
		}
	}
}

// Boundary scenario 1: resume coalescing.
func TestBoundaryResumeCoalescing(t *testing.T) {
	script := `printf '%s\n' '{"type":"thread.started","thread_id":"T1"}' '{"type":"thread.started","thread_id":"T1"}' '{"type":"turn.completed","usage":null}'`
	r := newRunner(script)
	events := collect(t, r.Run(context.Background(), "hi", nil))

	started := 0
	completed := 0
	for _, ev := range events {
		switch ev.Type {
		case model.EventTypeStarted:
			started++
		case model.EventTypeCompleted:
			completed++
		}
	}
	if started != 1 {
		t.Fatalf("expected exactly one Started event, got %d (%#v)", started, events)
	}
	if completed != 1 {
		t.Fatalf("expected exactly one Completed event, got %d (%#v)", completed, events)
	}
	last := events[len(events)-1]
	if last.Type != model.EventTypeCompleted || !last.CompletedOK {
		t.Fatalf("expected successful Completed as last event, got %#v", last)
	}
	if last.CompletedResume == nil || last.CompletedResume.Value != "T1" {
		t.Fatalf("expected resume T1 on Completed, got %#v", last.CompletedResume)
	}
	if events[0].Type != model.EventTypeStarted {
		t.Fatalf("expected Started to be first event, got %#v", events[0])
	}
}

// Boundary scenario 2: wrong/unexpected session id mid-run.
func TestBoundaryUnexpectedSession(t *testing.T) {
	script := `printf '%s\n' '{"type":"thread.started","thread_id":"T1"}' '{"type":"thread.started","thread_id":"T2"}'`
	r := newRunner(script)
	events := collect(t, r.Run(context.Background(), "hi", nil))

	last := events[len(events)-1]
	if last.Type != model.EventTypeCompleted || last.CompletedOK {
		t.Fatalf("expected a failing Completed event, got %#v", last)
	}
	want := "codex emitted session id T2 but expected T1"
	if last.Error != want {
		t.Fatalf("expected error %q, got %q", want, last.Error)
	}
}

// Boundary scenario 3: non-zero exit before any completion event.
func TestBoundaryProcessNonZeroExit(t *testing.T) {
	script := `printf '%s\n' '{"type":"thread.started","thread_id":"T1"}'; exit 2`
	r := newRunner(script)
	events := collect(t, r.Run(context.Background(), "hi", nil))

	if len(events) < 3 {
		t.Fatalf("expected Started + warning action + Completed, got %#v", events)
	}
	if events[0].Type != model.EventTypeStarted {
		t.Fatalf("expected Started first, got %#v", events[0])
	}
	last := events[len(events)-1]
	if last.Type != model.EventTypeCompleted || last.CompletedOK {
		t.Fatalf("expected failing Completed last, got %#v", last)
	}
	if last.CompletedResume == nil || last.CompletedResume.Value != "T1" {
		t.Fatalf("expected resume T1 preserved on failure, got %#v", last.CompletedResume)
	}
	sawWarning := false
	for _, ev := range events[1 : len(events)-1] {
		if ev.Type == model.EventTypeAction && ev.Level == model.ActionLevelWarning {
			sawWarning = true
		}
	}
	if !sawWarning {
		t.Fatalf("expected a warning-kind action event before Completed, got %#v", events)
	}
}

// P2: two concurrent runs sharing a resume token never overlap their
// Started->Completed intervals.
func TestConcurrentRunsShareLock(t *testing.T) {
	script := `printf '%s\n' '{"type":"thread.started","thread_id":"T1"}'; sleep 0.2; printf '%s\n' '{"type":"turn.completed","usage":null}'`
	r := newRunner(script)
	resume := &model.ResumeToken{Engine: "codex", Value: "T1"}

	type interval struct{ start, end time.Time }
	results := make(chan interval, 2)

	run := func() {
		var start, end time.Time
		for ev := range r.Run(context.Background(), "hi", resume) {
			if ev.Type == model.EventTypeStarted && start.IsZero() {
				start = time.Now()
			}
			if ev.Type == model.EventTypeCompleted {
				end = time.Now()
			}
		}
		results <- interval{start, end}
	}
	go run()
	go run()

	a := <-results
	b := <-results

	overlap := a.start.Before(b.end) && b.start.Before(a.end)
	if overlap {
		t.Fatalf("expected non-overlapping intervals, got %#v and %#v", a, b)
	}
}

// A child that stops producing stdout without exiting must still be
// killed by context cancellation: the stdout scan can't be allowed to
// gate Wait, or a hung child would be unkillable (spec §4.4.2 step 4,
// §5's cancellation-propagation guarantee).
func TestCancelKillsHungChildNotStreamingOutput(t *testing.T) {
	script := `printf '%s\n' '{"type":"thread.started","thread_id":"T1"}'; sleep 30`
	r := newRunner(script)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := r.Run(ctx, "hi", nil)
	deadline := time.After(5 * time.Second)
	sawStarted := false
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				if !sawStarted {
					t.Fatalf("expected a Started event before the child stalled")
				}
				return
			}
			if ev.Type == model.EventTypeStarted && !sawStarted {
				sawStarted = true
				cancel()
			}
		case <-deadline:
			t.Fatalf("timed out waiting for cancellation to kill the hung child (started=%v)", sawStarted)
		}
	}
}
