package handler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/yee94/takopi-sub000/internal/model"
	"github.com/yee94/takopi-sub000/internal/scheduler"
	"github.com/yee94/takopi-sub000/internal/transport"
)

type fakeRunner struct {
	engine model.EngineId
	events []model.TakopiEvent
}

func (f *fakeRunner) Engine() model.EngineId { return f.engine }

func (f *fakeRunner) Run(ctx context.Context, prompt string, resume *model.ResumeToken) <-chan model.TakopiEvent {
	out := make(chan model.TakopiEvent)
	go func() {
		defer close(out)
		for _, ev := range f.events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (f *fakeRunner) FormatResume(token model.ResumeToken) (string, error) { return token.Value, nil }
func (f *fakeRunner) ExtractResume(text string) (model.ResumeToken, bool)  { return model.ResumeToken{}, false }
func (f *fakeRunner) IsResumeLine(line string) bool                       { return false }

type fakeTransport struct {
	mu      sync.Mutex
	nextID  int
	sent    []transport.RenderedMessage
	edited  []transport.RenderedMessage
	deleted int
	lastRef *transport.MessageRef
}

func (f *fakeTransport) Close(ctx context.Context) error { return nil }

func (f *fakeTransport) Send(ctx context.Context, channelId transport.ChannelId, message transport.RenderedMessage, options *transport.SendOptions) (*transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sent = append(f.sent, message)
	ref := &transport.MessageRef{ChannelId: channelId, MessageId: "m" + string(rune('0'+f.nextID))}
	f.lastRef = ref
	return ref, nil
}

func (f *fakeTransport) Edit(ctx context.Context, ref transport.MessageRef, message transport.RenderedMessage, wait bool) (*transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edited = append(f.edited, message)
	return &ref, nil
}

func (f *fakeTransport) Delete(ctx context.Context, ref transport.MessageRef) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted++
	return true, nil
}

type fakePresenter struct{}

func (fakePresenter) RenderProgress(state *transport.ProgressState, elapsed time.Duration, label string) transport.RenderedMessage {
	return transport.RenderedMessage{Text: label}
}

func (fakePresenter) RenderFinal(state *transport.ProgressState, elapsed time.Duration, status string, answer string) transport.RenderedMessage {
	return transport.RenderedMessage{Text: status + ":" + answer}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHandler(tx *fakeTransport) *Handler {
	sched := scheduler.New(func(ctx context.Context, job scheduler.ThreadJob) error { return nil }, discardLogger())
	return New(Config{FinalNotify: false, ProgressEditEvery: 10 * time.Millisecond}, tx, fakePresenter{}, sched, NewRunningTasks(), nil, discardLogger())
}

func TestHandleSuccessfulRunEditsInPlace(t *testing.T) {
	tx := &fakeTransport{}
	h := newTestHandler(tx)
	token := model.ResumeToken{Engine: "codex", Value: "T1"}
	r := &fakeRunner{engine: "codex", events: []model.TakopiEvent{
		{Type: model.EventTypeStarted, Engine: "codex", Resume: token},
		{Type: model.EventTypeCompleted, Engine: "codex", CompletedOK: true, Answer: "42", CompletedResume: &token},
	}}

	h.Handle(context.Background(), r, IncomingMessage{ChannelId: "c1", UserMsgId: "u1"}, nil, nil)

	tx.mu.Lock()
	defer tx.mu.Unlock()
	if len(tx.sent) != 1 {
		t.Fatalf("expected exactly one initial send, got %d", len(tx.sent))
	}
	if len(tx.edited) == 0 {
		t.Fatalf("expected at least one edit (the final render)")
	}
	last := tx.edited[len(tx.edited)-1]
	if last.Text != "done:42" {
		t.Fatalf("expected final edit to render done:42, got %q", last.Text)
	}
	if tx.deleted != 0 {
		t.Fatalf("expected no delete when editing in place, got %d", tx.deleted)
	}
}

func TestHandleFailedRunRendersError(t *testing.T) {
	tx := &fakeTransport{}
	h := newTestHandler(tx)
	token := model.ResumeToken{Engine: "codex", Value: "T1"}
	r := &fakeRunner{engine: "codex", events: []model.TakopiEvent{
		{Type: model.EventTypeStarted, Engine: "codex", Resume: token},
		{Type: model.EventTypeCompleted, Engine: "codex", CompletedOK: false, Error: "boom", CompletedResume: &token},
	}}

	h.Handle(context.Background(), r, IncomingMessage{ChannelId: "c1", UserMsgId: "u1"}, nil, nil)

	tx.mu.Lock()
	defer tx.mu.Unlock()
	last := tx.edited[len(tx.edited)-1]
	if last.Text != "error:boom" {
		t.Fatalf("expected rendered error, got %q", last.Text)
	}
}

func TestHandleFailedRunWithAnswerShowAnswerOnFailure(t *testing.T) {
	tx := &fakeTransport{}
	sched := scheduler.New(func(ctx context.Context, job scheduler.ThreadJob) error { return nil }, discardLogger())
	h := New(Config{ProgressEditEvery: 10 * time.Millisecond, ShowAnswerOnFailure: true}, tx, fakePresenter{}, sched, NewRunningTasks(), nil, discardLogger())

	token := model.ResumeToken{Engine: "codex", Value: "T1"}
	r := &fakeRunner{engine: "codex", events: []model.TakopiEvent{
		{Type: model.EventTypeStarted, Engine: "codex", Resume: token},
		{Type: model.EventTypeCompleted, Engine: "codex", CompletedOK: false, Answer: "partial result", Error: "boom", CompletedResume: &token},
	}}

	h.Handle(context.Background(), r, IncomingMessage{ChannelId: "c1", UserMsgId: "u1"}, nil, nil)

	tx.mu.Lock()
	defer tx.mu.Unlock()
	last := tx.edited[len(tx.edited)-1]
	want := "done:partial result\n\nboom"
	if last.Text != want {
		t.Fatalf("expected %q, got %q", want, last.Text)
	}
}

func TestHandleFinalNotifySendsNewAndDeletes(t *testing.T) {
	tx := &fakeTransport{}
	sched := scheduler.New(func(ctx context.Context, job scheduler.ThreadJob) error { return nil }, discardLogger())
	h := New(Config{FinalNotify: true, ProgressEditEvery: 10 * time.Millisecond}, tx, fakePresenter{}, sched, NewRunningTasks(), nil, discardLogger())
	token := model.ResumeToken{Engine: "codex", Value: "T1"}
	r := &fakeRunner{engine: "codex", events: []model.TakopiEvent{
		{Type: model.EventTypeStarted, Engine: "codex", Resume: token},
		{Type: model.EventTypeCompleted, Engine: "codex", CompletedOK: true, Answer: "ok", CompletedResume: &token},
	}}

	h.Handle(context.Background(), r, IncomingMessage{ChannelId: "c1", UserMsgId: "u1"}, nil, nil)

	tx.mu.Lock()
	defer tx.mu.Unlock()
	if len(tx.sent) != 2 {
		t.Fatalf("expected initial send + final notify send, got %d", len(tx.sent))
	}
	if tx.deleted != 1 {
		t.Fatalf("expected progress message deleted once, got %d", tx.deleted)
	}
}

func TestHandleCancellationRendersCancelledLabel(t *testing.T) {
	tx := &fakeTransport{}
	sched := scheduler.New(func(ctx context.Context, job scheduler.ThreadJob) error { return nil }, discardLogger())
	tasks := NewRunningTasks()
	h := New(Config{FinalNotify: false, ProgressEditEvery: 10 * time.Millisecond}, tx, fakePresenter{}, sched, tasks, nil, discardLogger())

	r := &blockingRunner{engine: "codex"}

	done := make(chan struct{})
	go func() {
		h.Handle(context.Background(), r, IncomingMessage{ChannelId: "c1", UserMsgId: "u1"}, nil, nil)
		close(done)
	}()

	// Wait for the initial progress send to register the running task.
	deadline := time.Now().Add(2 * time.Second)
	for {
		tx.mu.Lock()
		n := len(tx.sent)
		tx.mu.Unlock()
		if n >= 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	tx.mu.Lock()
	ref := tx.lastRef
	tx.mu.Unlock()
	if ref == nil {
		t.Fatalf("expected a progress message ref to have been recorded")
	}
	if !tasks.Cancel(ref.ChannelId, ref.MessageId) {
		t.Fatalf("expected a running task to be found for cancellation")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler did not finish after cancellation")
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()
	last := tx.edited[len(tx.edited)-1]
	if last.Text != "cancelled:" {
		t.Fatalf("expected cancelled render, got %q", last.Text)
	}
}

// blockingRunner never closes its event channel until ctx is
// cancelled, simulating a long engine run a /cancel can interrupt.
type blockingRunner struct{ engine model.EngineId }

func (b *blockingRunner) Engine() model.EngineId { return b.engine }

func (b *blockingRunner) Run(ctx context.Context, prompt string, resume *model.ResumeToken) <-chan model.TakopiEvent {
	out := make(chan model.TakopiEvent, 1)
	out <- model.TakopiEvent{Type: model.EventTypeStarted, Engine: b.engine, Resume: model.ResumeToken{Engine: b.engine, Value: "T1"}}
	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out
}

func (b *blockingRunner) FormatResume(token model.ResumeToken) (string, error) { return token.Value, nil }
func (b *blockingRunner) ExtractResume(text string) (model.ResumeToken, bool)  { return model.ResumeToken{}, false }
func (b *blockingRunner) IsResumeLine(line string) bool                       { return false }
