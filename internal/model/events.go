package model

// EventType discriminates the TakopiEvent tagged union.
type EventType string

const (
	EventTypeStarted      EventType = "started"
	EventTypeAction       EventType = "action"
	EventTypeTextDelta    EventType = "text_delta"
	EventTypeTextFinished EventType = "text_finished"
	EventTypeCompleted    EventType = "completed"
)

// TakopiEvent is the tagged sum every runner emits. Exactly one field
// group is meaningful per Type; callers switch on Type rather than
// type-asserting a Go interface, mirroring the exhaustive-match
// reimplementation called for by the design notes (spec §9).
type TakopiEvent struct {
	Type EventType

	Engine EngineId

	// Started
	Resume ResumeToken
	Title  string
	Meta   map[string]any

	// Action
	Action  Action
	Phase   ActionPhase
	OK      *bool
	Message string
	Level   ActionLevel

	// TextDelta / TextFinished
	Snapshot string
	Text     string

	// Completed
	CompletedOK bool
	Answer      string
	CompletedResume *ResumeToken
	Error           string
	Usage           map[string]any
}

// EventFactory builds TakopiEvents for a single engine, enforcing
// that every Started/Completed event agrees on one resume token for
// the lifetime of one run.
type EventFactory struct {
	Engine EngineId
	resume *ResumeToken
}

// NewEventFactory returns a factory bound to engine.
func NewEventFactory(engine EngineId) *EventFactory {
	return &EventFactory{Engine: engine}
}

// Resume returns the token observed so far, if any.
func (f *EventFactory) Resume() *ResumeToken {
	return f.resume
}

// Started builds a Started event, recording token as the factory's
// resume token. Returns an error if token belongs to a different
// engine, or if a different token was already recorded.
func (f *EventFactory) Started(token ResumeToken, title string, meta map[string]any) (TakopiEvent, error) {
	if !EngineIdEqual(token.Engine, f.Engine) {
		return TakopiEvent{}, &WrongEngineSessionError{Expected: f.Engine, Got: token.Engine}
	}
	if f.resume != nil && !f.resume.Equal(token) {
		return TakopiEvent{}, &UnexpectedSessionError{Expected: f.resume.Value, Got: token.Value}
	}
	f.resume = &token
	return TakopiEvent{Type: EventTypeStarted, Engine: f.Engine, Resume: token, Title: title, Meta: meta}, nil
}

// ActionEvent builds an Action event.
func (f *EventFactory) ActionEvent(phase ActionPhase, action Action, ok *bool, message string, level ActionLevel) TakopiEvent {
	return TakopiEvent{
		Type:    EventTypeAction,
		Engine:  f.Engine,
		Action:  action,
		Phase:   phase,
		OK:      ok,
		Message: message,
		Level:   level,
	}
}

// ActionStarted is a convenience wrapper for the started phase.
func (f *EventFactory) ActionStarted(id string, kind ActionKind, title string, detail map[string]any) TakopiEvent {
	return f.ActionEvent(ActionPhaseStarted, Action{ID: id, Kind: kind, Title: title, Detail: detail}, nil, "", "")
}

// ActionUpdated is a convenience wrapper for the updated phase.
func (f *EventFactory) ActionUpdated(id string, kind ActionKind, title string, detail map[string]any) TakopiEvent {
	return f.ActionEvent(ActionPhaseUpdated, Action{ID: id, Kind: kind, Title: title, Detail: detail}, nil, "", "")
}

// ActionCompleted is a convenience wrapper for the completed phase.
func (f *EventFactory) ActionCompleted(id string, kind ActionKind, title string, ok bool, detail map[string]any, message string, level ActionLevel) TakopiEvent {
	return f.ActionEvent(ActionPhaseCompleted, Action{ID: id, Kind: kind, Title: title, Detail: detail}, &ok, message, level)
}

// TextDelta builds a TextDelta event carrying the cumulative snapshot.
func (f *EventFactory) TextDelta(snapshot string) TakopiEvent {
	return TakopiEvent{Type: EventTypeTextDelta, Engine: f.Engine, Snapshot: snapshot}
}

// TextFinished builds a TextFinished event.
func (f *EventFactory) TextFinished(text string) TakopiEvent {
	return TakopiEvent{Type: EventTypeTextFinished, Engine: f.Engine, Text: text}
}

// Completed builds a terminal Completed event. When resume is nil the
// factory's own recorded token (if any) is used, matching the
// original's "resolved_resume" fallback.
func (f *EventFactory) Completed(ok bool, answer string, resume *ResumeToken, errText string, usage map[string]any) TakopiEvent {
	resolved := resume
	if resolved == nil {
		resolved = f.resume
	}
	return TakopiEvent{
		Type:            EventTypeCompleted,
		Engine:          f.Engine,
		CompletedOK:     ok,
		Answer:          answer,
		CompletedResume: resolved,
		Error:           errText,
		Usage:           usage,
	}
}

// CompletedOK is a convenience wrapper for a successful completion.
func (f *EventFactory) CompletedOK(answer string, resume *ResumeToken, usage map[string]any) TakopiEvent {
	return f.Completed(true, answer, resume, "", usage)
}

// CompletedError is a convenience wrapper for a failing completion.
func (f *EventFactory) CompletedError(errText string, answer string, resume *ResumeToken, usage map[string]any) TakopiEvent {
	return f.Completed(false, answer, resume, errText, usage)
}
