package handler

import (
	"context"

	"github.com/yee94/takopi-sub000/internal/model"
)

// preludeRunner wraps a Runner so preludeEvents are yielded before any
// of the wrapped run's own events, merging them into the same event
// stream rather than a separate transport message. Grounded on
// original_source's telegram/commands/executor.py _PreludeRunner
// (SPEC_FULL §3 supplement 1).
type preludeRunner struct {
	Runner
	preludeEvents []model.TakopiEvent
}

// WithPrelude wraps rnr so its next Run call announces preludeEvents
// (e.g. a degraded-config warning surfaced by router.Entry.Issue) as
// the first events of the stream, letting them land in the initial
// progress render instead of a separate message. Returns rnr unchanged
// when no events are given.
func WithPrelude(rnr Runner, preludeEvents ...model.TakopiEvent) Runner {
	if len(preludeEvents) == 0 {
		return rnr
	}
	return &preludeRunner{Runner: rnr, preludeEvents: preludeEvents}
}

func (p *preludeRunner) Run(ctx context.Context, prompt string, resume *model.ResumeToken) <-chan model.TakopiEvent {
	out := make(chan model.TakopiEvent)
	go func() {
		defer close(out)
		for _, ev := range p.preludeEvents {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		for ev := range p.Runner.Run(ctx, prompt, resume) {
			select {
			case out <- ev:
			case <-ctx.Done():
			}
		}
	}()
	return out
}

// ConfigWarningPrelude builds the note action _send_runner_unavailable's
// original_source sibling would have shown for a "bad_config" router
// entry (router.Entry.Available() still true, but Issue non-empty): a
// warning that configuration for engine fell back to defaults, instead
// of silently running with it.
func ConfigWarningPrelude(engine model.EngineId, issue string) model.TakopiEvent {
	ok := false
	return model.TakopiEvent{
		Type:   model.EventTypeAction,
		Engine: engine,
		Phase:  model.ActionPhaseCompleted,
		OK:     &ok,
		Message: issue,
		Level:  model.ActionLevelWarning,
		Action: model.Action{
			ID:     string(engine) + ".config.degraded",
			Kind:   model.ActionKindWarning,
			Title:  issue,
			Detail: map[string]any{"engine": engine},
		},
	}
}
