// Package directive decodes the leading /engine, /project, and
// @branch tokens from a chat message, plus the separate `ctx:` reply
// line, without ever touching the transport (spec §4.2).
package directive

import (
	"strings"

	"github.com/yee94/takopi-sub000/internal/model"
)

// ParsedDirectives is the result of decoding one message's leading
// directive tokens.
type ParsedDirectives struct {
	Prompt  string
	Engine  model.EngineId
	Project string
	Branch  string
}

// ProjectLookup resolves a lower-cased project alias to its canonical
// alias string. Implemented by internal/project's registry.
type ProjectLookup interface {
	ResolveAlias(lowerAlias string) (canonical string, ok bool)
}

// Parse implements the rule set of spec §4.2: only the first non-blank
// line is scanned; recognised tokens are consumed left to right until
// the first non-directive token; duplicates of the same kind fail.
func Parse(text string, engineIDs []model.EngineId, projects ProjectLookup) (ParsedDirectives, error) {
	if text == "" {
		return ParsedDirectives{Prompt: ""}, nil
	}

	lines := strings.Split(text, "\n")
	idx := -1
	for i, line := range lines {
		if strings.TrimSpace(line) != "" {
			idx = i
			break
		}
	}
	if idx == -1 {
		return ParsedDirectives{Prompt: text}, nil
	}

	line := strings.TrimLeft(lines[idx], " \t")
	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return ParsedDirectives{Prompt: text}, nil
	}

	engineMap := make(map[string]model.EngineId, len(engineIDs))
	for _, id := range engineIDs {
		engineMap[model.NormalizeEngineId(id)] = id
	}

	var engine, project, branch string
	consumed := 0

tokenLoop:
	for _, tok := range tokens {
		switch {
		case strings.HasPrefix(tok, "/"):
			name := tok[1:]
			if at := strings.IndexByte(name, '@'); at >= 0 {
				name = name[:at]
			}
			if name == "" {
				break tokenLoop
			}
			key := strings.ToLower(name)
			if engineCandidate, ok := engineMap[key]; ok {
				if engine != "" {
					return ParsedDirectives{}, &model.DirectiveError{Reason: "multiple engine directives"}
				}
				engine = engineCandidate
				consumed++
				continue
			}
			if projects != nil {
				if projectCandidate, ok := projects.ResolveAlias(key); ok {
					if project != "" {
						return ParsedDirectives{}, &model.DirectiveError{Reason: "multiple project directives"}
					}
					project = projectCandidate
					consumed++
					continue
				}
			}
			break tokenLoop
		case strings.HasPrefix(tok, "@"):
			value := tok[1:]
			if value == "" {
				break tokenLoop
			}
			if branch != "" {
				return ParsedDirectives{}, &model.DirectiveError{Reason: "multiple @branch directives"}
			}
			branch = value
			consumed++
		default:
			break tokenLoop
		}
	}

	if consumed == 0 {
		return ParsedDirectives{Prompt: text}, nil
	}

	if consumed < len(tokens) {
		lines[idx] = strings.Join(tokens[consumed:], " ")
	} else {
		lines = append(lines[:idx], lines[idx+1:]...)
	}

	prompt := strings.TrimSpace(strings.Join(lines, "\n"))
	return ParsedDirectives{Prompt: prompt, Engine: engine, Project: project, Branch: branch}, nil
}
