// Package runner implements the JSONL subprocess runner (spec §4.4):
// it spawns an engine as a child process, translates its
// newline-delimited JSON output into TakopiEvents, and enforces that
// a resume token is never driven by two subprocesses at once.
package runner

import "github.com/yee94/takopi-sub000/internal/model"

// Engine supplies the per-engine hooks a JsonlSubprocessRunner needs:
// how to build the command, how to translate decoded JSONL objects,
// and how to format/extract its own resume-line syntax. Each concrete
// engine (internal/runner/codex, internal/runner/claude) implements
// this once.
type Engine interface {
	// ID is the engine's stable identifier, e.g. "codex".
	ID() model.EngineId

	// Command returns the executable name or path to spawn.
	Command() string

	// Tag is the short name used in log lines and synthesised error
	// messages (usually equal to ID()).
	Tag() string

	// BuildArgs returns the argv (excluding argv[0]) for one run.
	BuildArgs(prompt string, resume *model.ResumeToken, state any) []string

	// StdinPayload returns the bytes to write to the child's stdin,
	// or ok=false if the prompt is passed as a positional argument
	// instead (spec §4.4.2: never both).
	StdinPayload(prompt string, resume *model.ResumeToken, state any) (payload []byte, ok bool)

	// Env returns additional/overriding environment variables as
	// "KEY=VALUE" pairs layered on top of the process environment, or
	// nil to inherit it unmodified.
	Env(state any) []string

	// NewState allocates the engine-specific per-run state threaded
	// through BuildArgs/Translate/ProcessErrorEvents/StreamEndEvents.
	NewState(prompt string, resume *model.ResumeToken) any

	// Translate decodes one JSONL object into zero or more events.
	Translate(data map[string]any, state any, resume *model.ResumeToken, foundSession *model.ResumeToken) ([]model.TakopiEvent, error)

	// ProcessErrorEvents builds the events emitted when the child
	// exits non-zero without having emitted Completed (spec §4.4.6).
	ProcessErrorEvents(rc int, resume *model.ResumeToken, foundSession *model.ResumeToken, stderrTail string, state any) []model.TakopiEvent

	// StreamEndEvents builds the events emitted when stdout closes,
	// the exit code is zero, and no Completed was seen (spec §4.4.6).
	StreamEndEvents(resume *model.ResumeToken, foundSession *model.ResumeToken, stderrTail string, state any) []model.TakopiEvent

	// FormatResume renders token as the engine's resume-line
	// instruction (spec §4.1).
	FormatResume(token model.ResumeToken) (string, error)

	// ExtractResume scans text for the engine's resume-line pattern,
	// returning the last match.
	ExtractResume(text string) (model.ResumeToken, bool)

	// IsResumeLine reports whether line alone matches the pattern.
	IsResumeLine(line string) bool
}
