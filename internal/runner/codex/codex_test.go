package codex

import (
	"testing"

	"github.com/yee94/takopi-sub000/internal/model"
)

func decode(t *testing.T, e *Engine, s *State, jsonObj map[string]any, resume *model.ResumeToken, found *model.ResumeToken) []model.TakopiEvent {
	t.Helper()
	events, err := e.Translate(jsonObj, s, resume, found)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	return events
}

func TestThreadStartedEmitsStarted(t *testing.T) {
	e := New()
	s := &State{}
	events := decode(t, e, s, map[string]any{"type": "thread.started", "thread_id": "T1"}, nil, nil)
	if len(events) != 1 || events[0].Type != model.EventTypeStarted {
		t.Fatalf("expected one Started event, got %#v", events)
	}
	if events[0].Resume.Value != "T1" || events[0].Resume.Engine != ID {
		t.Fatalf("unexpected resume: %#v", events[0].Resume)
	}
}

func TestTurnCompletedEmitsCompleted(t *testing.T) {
	e := New()
	s := &State{FinalAnswer: "done"}
	found := &model.ResumeToken{Engine: ID, Value: "T1"}
	events := decode(t, e, s, map[string]any{"type": "turn.completed"}, nil, found)
	if len(events) != 1 || events[0].Type != model.EventTypeCompleted {
		t.Fatalf("expected one Completed event, got %#v", events)
	}
	if !events[0].CompletedOK || events[0].Answer != "done" {
		t.Fatalf("unexpected completed event: %#v", events[0])
	}
	if events[0].CompletedResume == nil || events[0].CompletedResume.Value != "T1" {
		t.Fatalf("expected resume carried through: %#v", events[0].CompletedResume)
	}
}

func TestFatalErrorEmitsCompletedFailure(t *testing.T) {
	e := New()
	s := &State{}
	events := decode(t, e, s, map[string]any{"type": "error", "message": "boom", "fatal": true}, nil, nil)
	if len(events) != 1 || events[0].Type != model.EventTypeCompleted {
		t.Fatalf("expected one Completed event, got %#v", events)
	}
	if events[0].CompletedOK || events[0].Error != "boom" {
		t.Fatalf("unexpected completed event: %#v", events[0])
	}
}

func TestNonFatalErrorEmitsNote(t *testing.T) {
	e := New()
	s := &State{}
	events := decode(t, e, s, map[string]any{"type": "error", "message": "retry me", "fatal": false}, nil, nil)
	if len(events) != 1 || events[0].Type != model.EventTypeAction {
		t.Fatalf("expected one Action event, got %#v", events)
	}
}

func TestCommandItemCompletedOK(t *testing.T) {
	e := New()
	s := &State{}
	item := map[string]any{
		"type":      "command_execution",
		"id":        "item_1",
		"command":   "ls -la",
		"exit_code": float64(0),
		"status":    "completed",
	}
	events := decode(t, e, s, map[string]any{"type": "item.completed", "item": item}, nil, nil)
	if len(events) != 1 {
		t.Fatalf("expected one event, got %#v", events)
	}
	ev := events[0]
	if ev.Phase != model.ActionPhaseCompleted || ev.OK == nil || !*ev.OK {
		t.Fatalf("expected completed+ok action, got %#v", ev)
	}
	if ev.Action.Kind != model.ActionKindCommand || ev.Action.Title != "ls -la" {
		t.Fatalf("unexpected action: %#v", ev.Action)
	}
}

func TestFormatAndExtractResumeRoundTrip(t *testing.T) {
	e := New()
	token := model.ResumeToken{Engine: ID, Value: "abc123"}
	line, err := e.FormatResume(token)
	if err != nil {
		t.Fatalf("FormatResume: %v", err)
	}
	got, ok := e.ExtractResume(line)
	if !ok || !got.Equal(token) {
		t.Fatalf("round trip mismatch: %#v", got)
	}
}

func TestFormatResumeWrongEngine(t *testing.T) {
	e := New()
	_, err := e.FormatResume(model.ResumeToken{Engine: "claude", Value: "x"})
	if err == nil {
		t.Fatalf("expected error for wrong engine")
	}
}

func TestStreamEndEventsNoSessionIsFailure(t *testing.T) {
	e := New()
	s := &State{}
	events := e.StreamEndEvents(nil, nil, "", s)
	if len(events) != 1 || events[0].CompletedOK {
		t.Fatalf("expected failing completed event, got %#v", events)
	}
}

func TestStreamEndEventsWithSessionStillFails(t *testing.T) {
	e := New()
	s := &State{}
	found := model.ResumeToken{Engine: ID, Value: "T1"}
	events := e.StreamEndEvents(nil, &found, "", s)
	if len(events) != 1 || events[0].CompletedOK {
		t.Fatalf("expected failing completed event even with a found session, got %#v", events)
	}
	if events[0].Error == "" {
		t.Fatalf("expected non-empty error text, got %#v", events[0])
	}
	if events[0].CompletedResume == nil || !events[0].CompletedResume.Equal(found) {
		t.Fatalf("expected completed resume to be the found session, got %#v", events[0].CompletedResume)
	}
}

func TestProcessErrorEventsIncludesNoteAndCompleted(t *testing.T) {
	e := New()
	s := &State{}
	events := e.ProcessErrorEvents(1, &model.ResumeToken{Engine: ID, Value: "T1"}, nil, "boom", s)
	if len(events) != 2 {
		t.Fatalf("expected note + completed, got %#v", events)
	}
	if events[1].Type != model.EventTypeCompleted || events[1].CompletedOK {
		t.Fatalf("expected trailing failed completed, got %#v", events[1])
	}
}
