// Package claude implements the runner.Engine for the claude CLI,
// translating its `--output-format stream-json` event stream into
// TakopiEvents. Grounded on
// original_source/src/takopi/runners/claude.py.
package claude

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/yee94/takopi-sub000/internal/model"
)

// ID is this engine's stable identifier.
const ID model.EngineId = "claude"

var resumeRe = regexp.MustCompile("(?im)^\\s*`?claude\\s+(?:--resume|-r)\\s+([^\\s`]+)`?\\s*$")

// Engine drives a single claude binary.
type Engine struct {
	Cmd                      string
	Model                    string
	AllowedTools             []string
	DangerouslySkipPermissions bool
	UseAPIBilling            bool
	Title                    string
}

// New builds a claude Engine with sensible defaults: the bare
// "claude" binary, no model override, no tool allowlist, subscription
// billing (ANTHROPIC_API_KEY stripped), and the display title "Claude".
func New() *Engine {
	return &Engine{Cmd: "claude", Title: "Claude"}
}

func (e *Engine) ID() model.EngineId { return ID }
func (e *Engine) Command() string    { return e.Cmd }
func (e *Engine) Tag() string        { return string(ID) }

func (e *Engine) BuildArgs(prompt string, resume *model.ResumeToken, state any) []string {
	args := []string{"-p", "--output-format", "stream-json", "--verbose"}
	if resume != nil {
		args = append(args, "--resume", resume.Value)
	}
	if e.Model != "" {
		args = append(args, "--model", e.Model)
	}
	if len(e.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(e.AllowedTools, ","))
	}
	if e.DangerouslySkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	args = append(args, "--", prompt)
	return args
}

func (e *Engine) StdinPayload(prompt string, resume *model.ResumeToken, state any) ([]byte, bool) {
	return nil, false
}

func (e *Engine) Env(state any) []string {
	if e.UseAPIBilling {
		return nil
	}
	return []string{"ANTHROPIC_API_KEY="}
}

// State is the per-run bookkeeping threaded through Translate.
type State struct {
	noteSeq          int
	LastAssistantText string
}

func (e *Engine) NewState(prompt string, resume *model.ResumeToken) any {
	return &State{}
}

func (e *Engine) nextNoteID(s *State) string {
	s.noteSeq++
	return fmt.Sprintf("%s.note.%d", e.Tag(), s.noteSeq)
}

func (e *Engine) note(s *State, message string, ok bool, detail map[string]any) model.TakopiEvent {
	if detail == nil {
		detail = map[string]any{}
	}
	level := model.ActionLevelWarning
	if ok {
		level = model.ActionLevelInfo
	}
	okv := ok
	return model.TakopiEvent{
		Type:    model.EventTypeAction,
		Engine:  ID,
		Action:  model.Action{ID: e.nextNoteID(s), Kind: model.ActionKindWarning, Title: message, Detail: detail},
		Phase:   model.ActionPhaseCompleted,
		OK:      &okv,
		Message: message,
		Level:   level,
	}
}

func completed(resume *model.ResumeToken, ok bool, answer string, errText string, usage map[string]any) model.TakopiEvent {
	return model.TakopiEvent{
		Type:            model.EventTypeCompleted,
		Engine:          ID,
		CompletedOK:     ok,
		Answer:          answer,
		CompletedResume: resume,
		Error:           errText,
		Usage:           usage,
	}
}

func resumeFor(found, expected *model.ResumeToken) *model.ResumeToken {
	if found != nil {
		return found
	}
	return expected
}

// toolKind classifies a tool_use name into an action kind plus the
// display title for it, mirroring _tool_kind_and_title.
func toolKind(name string, input map[string]any) (model.ActionKind, string) {
	switch name {
	case "Bash", "Shell", "KillShell":
		return model.ActionKindCommand, stringOr(input["command"], name)
	case "Edit", "Write", "NotebookEdit", "MultiEdit":
		return model.ActionKindFileChange, stringOr(input["file_path"], name)
	case "Read", "Glob", "Grep":
		return model.ActionKindTool, stringOr(input["file_path"], stringOr(input["pattern"], name))
	case "WebSearch", "WebFetch":
		return model.ActionKindWebSearch, stringOr(input["query"], stringOr(input["url"], name))
	case "TodoWrite", "TodoRead", "AskUserQuestion":
		return model.ActionKindNote, todoTitle(input, name)
	case "Task", "Agent":
		return model.ActionKindSubagent, stringOr(input["description"], name)
	default:
		return model.ActionKindTool, name
	}
}

func todoTitle(input map[string]any, fallback string) string {
	if name, ok := input["question"].(string); ok && name != "" {
		return name
	}
	todos, ok := input["todos"].([]any)
	if !ok {
		return fallback
	}
	done, total := 0, 0
	next := ""
	for _, rawTodo := range todos {
		todo, ok := rawTodo.(map[string]any)
		if !ok {
			continue
		}
		total++
		status, _ := todo["status"].(string)
		if status == "completed" {
			done++
			continue
		}
		if next == "" {
			next = stringOr(todo["content"], "")
		}
	}
	if total == 0 {
		return fallback
	}
	if next != "" {
		return fmt.Sprintf("todo %d/%d: %s", done, total, next)
	}
	return fmt.Sprintf("todo %d/%d: done", done, total)
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}

func boolPtr(b bool) *bool { return &b }

// Translate decodes one claude stream-json object.
func (e *Engine) Translate(data map[string]any, rawState any, resume *model.ResumeToken, foundSession *model.ResumeToken) ([]model.TakopiEvent, error) {
	s := rawState.(*State)
	msgType, _ := data["type"].(string)

	switch msgType {
	case "system":
		subtype, _ := data["subtype"].(string)
		if subtype != "init" {
			return nil, nil
		}
		sessionID, _ := data["session_id"].(string)
		if sessionID == "" {
			return nil, nil
		}
		meta := map[string]any{}
		if model_, ok := data["model"]; ok {
			meta["model"] = model_
		}
		if tools, ok := data["tools"]; ok {
			meta["tools"] = tools
		}
		token := model.ResumeToken{Engine: ID, Value: sessionID}
		return []model.TakopiEvent{{Type: model.EventTypeStarted, Engine: ID, Resume: token, Title: e.Title, Meta: meta}}, nil

	case "assistant":
		return e.translateAssistant(s, data), nil

	case "user":
		return e.translateUser(s, data), nil

	case "result":
		return e.translateResult(s, data, resume, foundSession), nil

	default:
		return nil, nil
	}
}

func (e *Engine) translateAssistant(s *State, data map[string]any) []model.TakopiEvent {
	message, _ := data["message"].(map[string]any)
	if message == nil {
		return nil
	}
	content, _ := message["content"].([]any)
	var events []model.TakopiEvent
	for _, rawBlock := range content {
		block, ok := rawBlock.(map[string]any)
		if !ok {
			continue
		}
		blockType, _ := block["type"].(string)
		switch blockType {
		case "text":
			if text, ok := block["text"].(string); ok {
				s.LastAssistantText = text
				events = append(events, model.TakopiEvent{Type: model.EventTypeTextFinished, Engine: ID, Text: text})
			}
		case "tool_use":
			id, _ := block["id"].(string)
			name, _ := block["name"].(string)
			input, _ := block["input"].(map[string]any)
			kind, title := toolKind(name, input)
			detail := map[string]any{"name": name}
			if input != nil {
				detail["input"] = input
			}
			events = append(events, model.TakopiEvent{
				Type:   model.EventTypeAction,
				Engine: ID,
				Action: model.Action{ID: id, Kind: kind, Title: title, Detail: detail},
				Phase:  model.ActionPhaseStarted,
			})
		}
	}
	return events
}

func (e *Engine) translateUser(s *State, data map[string]any) []model.TakopiEvent {
	message, _ := data["message"].(map[string]any)
	if message == nil {
		return nil
	}
	content, _ := message["content"].([]any)
	var events []model.TakopiEvent
	for _, rawBlock := range content {
		block, ok := rawBlock.(map[string]any)
		if !ok {
			continue
		}
		if block["type"] != "tool_result" {
			continue
		}
		id, _ := block["tool_use_id"].(string)
		if id == "" {
			continue
		}
		isError, _ := block["is_error"].(bool)
		ok = !isError
		var message string
		if isError {
			message = extractResultText(block["content"])
		}
		events = append(events, model.TakopiEvent{
			Type:    model.EventTypeAction,
			Engine:  ID,
			Action:  model.Action{ID: id, Kind: model.ActionKindTool},
			Phase:   model.ActionPhaseCompleted,
			OK:      boolPtr(ok),
			Message: message,
			Level:   levelFor(ok),
		})
	}
	return events
}

func levelFor(ok bool) model.ActionLevel {
	if ok {
		return model.ActionLevelInfo
	}
	return model.ActionLevelWarning
}

func extractResultText(raw any) string {
	switch v := raw.(type) {
	case string:
		return v
	case []any:
		var parts []string
		for _, rawBlock := range v {
			if block, ok := rawBlock.(map[string]any); ok {
				if text, ok := block["text"].(string); ok {
					parts = append(parts, text)
				}
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}

func (e *Engine) translateResult(s *State, data map[string]any, resume *model.ResumeToken, foundSession *model.ResumeToken) []model.TakopiEvent {
	var events []model.TakopiEvent

	if denials, ok := data["permission_denials"].([]any); ok {
		for i, rawDenial := range denials {
			denial, ok := rawDenial.(map[string]any)
			if !ok {
				continue
			}
			tool := stringOr(denial["tool_name"], "tool")
			message := fmt.Sprintf("permission denied: %s", tool)
			events = append(events, noteEvent(e, s, fmt.Sprintf("permission_denial.%d", i), message, false, denial))
		}
	}

	isError, _ := data["is_error"].(bool)
	ok := !isError
	answer := stringOr(data["result"], s.LastAssistantText)
	var errText string
	if isError {
		errText = extractError(data)
	}
	usage, _ := data["usage"].(map[string]any)

	events = append(events, completed(resumeFor(foundSession, resume), ok, answer, errText, usage))
	return events
}

func noteEvent(e *Engine, s *State, id string, message string, ok bool, detail map[string]any) model.TakopiEvent {
	level := model.ActionLevelWarning
	if ok {
		level = model.ActionLevelInfo
	}
	return model.TakopiEvent{
		Type:    model.EventTypeAction,
		Engine:  ID,
		Action:  model.Action{ID: fmt.Sprintf("%s.%s", e.Tag(), id), Kind: model.ActionKindWarning, Title: message, Detail: detail},
		Phase:   model.ActionPhaseCompleted,
		OK:      boolPtr(ok),
		Message: message,
		Level:   level,
	}
}

func extractError(data map[string]any) string {
	if result, ok := data["result"].(string); ok && result != "" {
		return result
	}
	if subtype, ok := data["subtype"].(string); ok && subtype != "" {
		return fmt.Sprintf("claude result error: %s", subtype)
	}
	return "claude reported an error result"
}

func (e *Engine) ProcessErrorEvents(rc int, resume *model.ResumeToken, foundSession *model.ResumeToken, stderrTail string, rawState any) []model.TakopiEvent {
	s := rawState.(*State)
	message := fmt.Sprintf("claude exited with status %d", rc)
	return []model.TakopiEvent{
		e.note(s, message, false, map[string]any{"stderr_tail": stderrTail}),
		completed(resumeFor(foundSession, resume), false, s.LastAssistantText, message, nil),
	}
}

func (e *Engine) StreamEndEvents(resume *model.ResumeToken, foundSession *model.ResumeToken, stderrTail string, rawState any) []model.TakopiEvent {
	s := rawState.(*State)
	return []model.TakopiEvent{completed(resumeFor(foundSession, resume), false, s.LastAssistantText, "claude finished without a result event", nil)}
}

func (e *Engine) FormatResume(token model.ResumeToken) (string, error) {
	if !model.EngineIdEqual(token.Engine, ID) {
		return "", &model.WrongEngineError{Formatter: ID, Token: token.Engine}
	}
	return fmt.Sprintf("`claude --resume %s`", token.Value), nil
}

func (e *Engine) ExtractResume(text string) (model.ResumeToken, bool) {
	if text == "" {
		return model.ResumeToken{}, false
	}
	matches := resumeRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return model.ResumeToken{}, false
	}
	last := matches[len(matches)-1]
	return model.ResumeToken{Engine: ID, Value: last[1]}, true
}

func (e *Engine) IsResumeLine(line string) bool {
	return resumeRe.MatchString(line)
}
