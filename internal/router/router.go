// Package router maps a resume token or an explicit engine id to the
// runner that owns it, and reports whether that runner is usable
// (spec §4.3).
package router

import (
	"github.com/yee94/takopi-sub000/internal/model"
)

// EngineStatus classifies why a runner entry may or may not be usable.
type EngineStatus string

const (
	StatusOK          EngineStatus = "ok"
	StatusMissingCLI  EngineStatus = "missing_cli"
	StatusBadConfig   EngineStatus = "bad_config"
	StatusLoadError   EngineStatus = "load_error"
)

// Runner is the subset of internal/runner's JsonlSubprocessRunner that
// the router depends on, kept minimal here to avoid a package cycle
// (internal/runner does not import internal/router).
type Runner interface {
	Engine() model.EngineId
	FormatResume(token model.ResumeToken) (string, error)
	ExtractResume(text string) (model.ResumeToken, bool)
	IsResumeLine(line string) bool
}

// Entry binds one engine id to its runner and current availability.
type Entry struct {
	EngineID model.EngineId
	Runner   Runner
	Status   EngineStatus
	Issue    string
}

// Available reports whether the entry can run right now. "bad_config"
// means user configuration was ignored in favour of defaults — still
// runnable, but the caller should surface Issue as a warning.
func (e Entry) Available() bool {
	return e.Status == StatusOK || e.Status == StatusBadConfig
}

// AutoRouter holds the set of configured runner entries and the
// default engine used when a request names none.
type AutoRouter struct {
	entries      []Entry
	byEngine     map[string]Entry
	defaultEngine model.EngineId
}

// NewAutoRouter builds a router over entries, keyed case-insensitively
// by engine id. Returns an error if entries is empty, contains a
// duplicate engine id, or defaultEngine is not among entries.
func NewAutoRouter(entries []Entry, defaultEngine model.EngineId) (*AutoRouter, error) {
	if len(entries) == 0 {
		return nil, &model.RunnerUnavailableError{Engine: defaultEngine, Issue: "AutoRouter requires at least one runner"}
	}
	byEngine := make(map[string]Entry, len(entries))
	for _, entry := range entries {
		key := model.NormalizeEngineId(entry.EngineID)
		if _, exists := byEngine[key]; exists {
			return nil, &model.RunnerUnavailableError{Engine: entry.EngineID, Issue: "duplicate runner engine"}
		}
		byEngine[key] = entry
	}
	if _, ok := byEngine[model.NormalizeEngineId(defaultEngine)]; !ok {
		return nil, &model.RunnerUnavailableError{Engine: defaultEngine, Issue: "default engine is not configured"}
	}
	return &AutoRouter{entries: entries, byEngine: byEngine, defaultEngine: defaultEngine}, nil
}

// Entries returns every registered entry in registration order.
func (r *AutoRouter) Entries() []Entry {
	return r.entries
}

// AvailableEntries returns only the entries whose runner can be used.
func (r *AutoRouter) AvailableEntries() []Entry {
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.Available() {
			out = append(out, e)
		}
	}
	return out
}

// EngineIDs returns every registered engine id in registration order.
func (r *AutoRouter) EngineIDs() []model.EngineId {
	out := make([]model.EngineId, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.EngineID)
	}
	return out
}

// DefaultEntry returns the entry for the configured default engine.
func (r *AutoRouter) DefaultEntry() Entry {
	return r.byEngine[model.NormalizeEngineId(r.defaultEngine)]
}

// EntryForEngine returns the entry for engine, or the default entry
// when engine is empty. Fails with RunnerUnavailableError if engine
// is non-empty and not configured.
func (r *AutoRouter) EntryForEngine(engine model.EngineId) (Entry, error) {
	if engine == "" {
		engine = r.defaultEngine
	}
	entry, ok := r.byEngine[model.NormalizeEngineId(engine)]
	if !ok {
		return Entry{}, &model.RunnerUnavailableError{Engine: engine, Issue: "engine not configured"}
	}
	return entry, nil
}

// EntryFor returns the entry dictated by resume if present, else the
// default entry.
func (r *AutoRouter) EntryFor(resume *model.ResumeToken) (Entry, error) {
	if resume == nil {
		return r.EntryForEngine("")
	}
	return r.EntryForEngine(resume.Engine)
}

// RunnerFor returns the usable Runner for resume, failing if the
// resolved entry is unavailable.
func (r *AutoRouter) RunnerFor(resume *model.ResumeToken) (Runner, error) {
	entry, err := r.EntryFor(resume)
	if err != nil {
		return nil, err
	}
	if !entry.Available() {
		return nil, &model.RunnerUnavailableError{Engine: entry.EngineID, Issue: entry.Issue}
	}
	return entry.Runner, nil
}

// FormatResume renders token via the runner it belongs to.
func (r *AutoRouter) FormatResume(token model.ResumeToken) (string, error) {
	entry, err := r.EntryFor(&token)
	if err != nil {
		return "", err
	}
	return entry.Runner.FormatResume(token)
}

// ExtractResume consults every runner's ExtractResume, in entry
// order, and returns the first match.
func (r *AutoRouter) ExtractResume(text string) (model.ResumeToken, bool) {
	if text == "" {
		return model.ResumeToken{}, false
	}
	for _, entry := range r.entries {
		if token, ok := entry.Runner.ExtractResume(text); ok {
			return token, true
		}
	}
	return model.ResumeToken{}, false
}

// ResolveResume tries text first, then replyText, returning the first
// match found (spec §4.3).
func (r *AutoRouter) ResolveResume(text, replyText string) (model.ResumeToken, bool) {
	if token, ok := r.ExtractResume(text); ok {
		return token, true
	}
	if replyText == "" {
		return model.ResumeToken{}, false
	}
	return r.ExtractResume(replyText)
}

// IsResumeLine reports whether line matches any registered runner's
// resume-line pattern.
func (r *AutoRouter) IsResumeLine(line string) bool {
	for _, entry := range r.entries {
		if entry.Runner.IsResumeLine(line) {
			return true
		}
	}
	return false
}
