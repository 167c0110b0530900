package runner

import (
	"fmt"

	"github.com/yee94/takopi-sub000/internal/model"
)

// noteCounter hands out sequential "<tag>.note.<n>" ids. The codex
// and claude engine states do not embed it; each keeps its own
// noteSeq counter that produces ids of the same shape.
type noteCounter struct {
	seq int
}

func (c *noteCounter) next(tag string) string {
	c.seq++
	return fmt.Sprintf("%s.note.%d", tag, c.seq)
}

// noteEvent builds a warning-kind Action event carrying a diagnostic
// message, mirroring JsonlSubprocessRunner.note_event.
func noteEvent(engine model.EngineId, id string, message string, ok bool, detail map[string]any) model.TakopiEvent {
	if detail == nil {
		detail = map[string]any{}
	}
	level := model.ActionLevelWarning
	if ok {
		level = model.ActionLevelInfo
	}
	okPtr := ok
	return model.TakopiEvent{
		Type:    model.EventTypeAction,
		Engine:  engine,
		Action:  model.Action{ID: id, Kind: model.ActionKindWarning, Title: message, Detail: detail},
		Phase:   model.ActionPhaseCompleted,
		OK:      &okPtr,
		Message: message,
		Level:   level,
	}
}

// handleStartedEvent implements the started-coalescing truth table
// from spec §4.4.4, following the original's sequential checks
// exactly: wrong engine first, then a mismatch against an explicitly
// expected session, then first-sighting, then duplicate-vs-mismatch
// against whatever session was already found.
func handleStartedEvent(engine model.EngineId, tag string, event model.TakopiEvent, expectedSession *model.ResumeToken, foundSession *model.ResumeToken) (*model.ResumeToken, bool, error) {
	incoming := event.Resume

	if !model.EngineIdEqual(event.Engine, engine) {
		return nil, false, &model.WrongEngineSessionError{Expected: engine, Got: event.Engine}
	}
	if expectedSession != nil && incoming.Value != expectedSession.Value {
		return nil, false, &model.UnexpectedSessionError{Engine: tag, Expected: expectedSession.Value, Got: incoming.Value}
	}
	if foundSession == nil {
		tok := incoming
		return &tok, true, nil
	}
	if incoming.Value != foundSession.Value {
		return nil, false, &model.UnexpectedSessionError{Engine: tag, Expected: foundSession.Value, Got: incoming.Value}
	}
	return foundSession, false, nil
}
