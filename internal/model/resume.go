package model

import "strings"

// NormalizeEngineId lower-cases an engine id for case-insensitive
// comparison and map-keying.
func NormalizeEngineId(id EngineId) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// EngineIdEqual compares two engine ids case-insensitively.
func EngineIdEqual(a, b EngineId) bool {
	return NormalizeEngineId(a) == NormalizeEngineId(b)
}

// ResumeFormatter turns a ResumeToken into the human-readable
// resume-line instruction embedded in final messages, and scans
// arbitrary text for the last occurrence of that pattern. Each engine
// supplies its own formatter, e.g. "`codex resume <value>`" or
// "`claude --resume <value>`" (spec §4.1, §6 resume-line format).
type ResumeFormatter interface {
	// Engine is the id this formatter is bound to.
	Engine() EngineId
	// Format renders token as the resume-line instruction. Returns
	// an error if token.Engine does not match Engine().
	Format(token ResumeToken) (string, error)
	// Extract scans text line by line and returns the last matching
	// resume token, or ok=false if none is found.
	Extract(text string) (token ResumeToken, ok bool)
}

// WrongEngineError is returned by Format when the token belongs to a
// different engine than the formatter.
type WrongEngineError struct {
	Formatter EngineId
	Token     EngineId
}

func (e *WrongEngineError) Error() string {
	return "resume token is for engine " + e.Token + ", not " + e.Formatter
}
