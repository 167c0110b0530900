package transport

import (
	"testing"

	"github.com/yee94/takopi-sub000/internal/model"
)

func TestProgressStateAppliesStarted(t *testing.T) {
	s := NewProgressState("codex", nil)
	token := model.ResumeToken{Engine: "codex", Value: "abc123"}

	visible := s.Apply(model.TakopiEvent{Type: model.EventTypeStarted, Resume: token})

	if !visible {
		t.Fatal("Apply(Started) = false, want true")
	}
	if s.Resume == nil || *s.Resume != token {
		t.Errorf("Resume = %+v, want %+v", s.Resume, token)
	}
}

func TestProgressStateActionInsertThenUpdate(t *testing.T) {
	s := NewProgressState("claude", nil)

	ok := boolPtr(true)
	s.Apply(model.TakopiEvent{
		Type:  model.EventTypeAction,
		Phase: model.ActionPhaseStarted,
		Action: model.Action{ID: "a1", Kind: model.ActionKindCommand, Title: "ls"},
	})
	if len(s.Actions) != 1 {
		t.Fatalf("after insert, len(Actions) = %d, want 1", len(s.Actions))
	}

	s.Apply(model.TakopiEvent{
		Type:  model.EventTypeAction,
		Phase: model.ActionPhaseCompleted,
		OK:    ok,
		Action: model.Action{ID: "a1", Kind: model.ActionKindCommand, Title: "ls -la"},
	})

	if len(s.Actions) != 1 {
		t.Fatalf("after update, len(Actions) = %d, want 1 (same id updates in place)", len(s.Actions))
	}
	got := s.Actions[0]
	if got.Title != "ls -la" || got.Phase != model.ActionPhaseCompleted || got.OK == nil || !*got.OK {
		t.Errorf("updated action = %+v, want title ls -la, phase completed, ok true", got)
	}
}

func TestProgressStateTextDeltaAndFinished(t *testing.T) {
	s := NewProgressState("codex", nil)

	s.Apply(model.TakopiEvent{Type: model.EventTypeTextDelta, Snapshot: "partial"})
	if s.Text != "partial" {
		t.Errorf("Text after delta = %q, want %q", s.Text, "partial")
	}

	s.Apply(model.TakopiEvent{Type: model.EventTypeTextFinished, Text: "final answer"})
	if s.Text != "final answer" {
		t.Errorf("Text after finished = %q, want %q", s.Text, "final answer")
	}
}

func TestProgressStateCompletedNotVisible(t *testing.T) {
	s := NewProgressState("codex", nil)
	if visible := s.Apply(model.TakopiEvent{Type: model.EventTypeCompleted, CompletedOK: true}); visible {
		t.Error("Apply(Completed) = true, want false (handler renders the final message separately)")
	}
}

func boolPtr(b bool) *bool { return &b }
