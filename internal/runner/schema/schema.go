// Package schema validates decoded JSONL engine events against an
// optional per-engine JSON Schema before they reach an Engine's
// Translate method. Grounded on the SDK's schema usage in
// HyphaGroup-oubliette's cmd/oubliette-client/main.go, which marshals
// a raw map into *jsonschema.Schema and validates against it.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// Validator checks decoded JSONL objects against a compiled schema.
// A nil *Validator is valid and always passes — validation is
// optional per engine (SPEC_FULL §2).
type Validator struct {
	resolved *jsonschema.Resolved
}

// Compile parses raw (a JSON Schema document) and resolves it into a
// Validator ready for repeated use.
func Compile(raw []byte) (*Validator, error) {
	var s jsonschema.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("schema: invalid JSON Schema document: %w", err)
	}
	resolved, err := s.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("schema: resolve: %w", err)
	}
	return &Validator{resolved: resolved}, nil
}

// Validate reports whether decoded conforms to the schema. A nil
// Validator never rejects anything.
func (v *Validator) Validate(decoded map[string]any) error {
	if v == nil || v.resolved == nil {
		return nil
	}
	if err := v.resolved.Validate(decoded); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}

// Registry maps engine ids to their (optional) compiled Validator,
// so a JsonlSubprocessRunner can look one up by engine without each
// engine package depending on this one directly.
type Registry struct {
	validators map[string]*Validator
}

// NewRegistry builds an empty registry; engines with no registered
// schema validate trivially.
func NewRegistry() *Registry {
	return &Registry{validators: make(map[string]*Validator)}
}

// Register installs v as the validator for engine. Passing a nil v
// clears any previously registered validator.
func (r *Registry) Register(engine string, v *Validator) {
	if v == nil {
		delete(r.validators, engine)
		return
	}
	r.validators[engine] = v
}

// For returns the validator registered for engine, or nil if none was
// registered (meaning: skip validation).
func (r *Registry) For(engine string) *Validator {
	return r.validators[engine]
}
