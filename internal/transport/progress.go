package transport

import (
	"time"

	"github.com/yee94/takopi-sub000/internal/model"
)

// ActionState is the tracker's live view of one Action: its latest
// phase, success flag, and detail, updated in place as
// started/updated/completed events arrive for the same Action.ID.
type ActionState struct {
	ID     string
	Kind   model.ActionKind
	Title  string
	Phase  model.ActionPhase
	OK     *bool
	Detail map[string]any
}

// ProgressState is the running snapshot a Presenter renders: the
// engine's resume token (once known), the ordered set of actions seen
// so far, and the latest text snapshot. Grounded on the (unretrieved)
// progress.py's ProgressState, reconstructed from its call sites in
// spec §4.6.
type ProgressState struct {
	Engine  model.EngineId
	Resume  *model.ResumeToken
	Actions []ActionState
	Text    string

	index map[string]int
}

// NewProgressState builds a tracker for engine, optionally
// pre-populated with a resume token already known before the run
// starts (spec §4.6 step 1).
func NewProgressState(engine model.EngineId, resume *model.ResumeToken) *ProgressState {
	return &ProgressState{Engine: engine, Resume: resume, index: make(map[string]int)}
}

// Apply folds one TakopiEvent into the state and reports whether to
// schedule a progress edit: true for every Started, Action, TextDelta
// and TextFinished event (it does not compare against the previous
// state), false for every other event type.
func (s *ProgressState) Apply(ev model.TakopiEvent) bool {
	switch ev.Type {
	case model.EventTypeStarted:
		s.Resume = &ev.Resume
		return true
	case model.EventTypeAction:
		return s.applyAction(ev)
	case model.EventTypeTextDelta:
		s.Text = ev.Snapshot
		return true
	case model.EventTypeTextFinished:
		s.Text = ev.Text
		return true
	default:
		return false
	}
}

func (s *ProgressState) applyAction(ev model.TakopiEvent) bool {
	if s.index == nil {
		s.index = make(map[string]int)
	}
	entry := ActionState{
		ID:     ev.Action.ID,
		Kind:   ev.Action.Kind,
		Title:  ev.Action.Title,
		Phase:  ev.Phase,
		OK:     ev.OK,
		Detail: ev.Action.Detail,
	}
	if i, ok := s.index[ev.Action.ID]; ok {
		s.Actions[i] = entry
		return true
	}
	s.index[ev.Action.ID] = len(s.Actions)
	s.Actions = append(s.Actions, entry)
	return true
}

// Presenter turns a ProgressState into a RenderedMessage, either as an
// in-flight snapshot or the terminal view. Grounded on the
// (unretrieved) presenter.py's Presenter protocol.
type Presenter interface {
	RenderProgress(state *ProgressState, elapsed time.Duration, label string) RenderedMessage
	RenderFinal(state *ProgressState, elapsed time.Duration, status string, answer string) RenderedMessage
}
