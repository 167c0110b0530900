// Package codex implements the runner.Engine for the codex CLI,
// translating its `exec --json` event stream into TakopiEvents.
// Grounded on original_source/src/takopi/runners/codex.py.
package codex

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/yee94/takopi-sub000/internal/model"
)

// ID is this engine's stable identifier.
const ID model.EngineId = "codex"

var resumeRe = regexp.MustCompile(`(?im)^\s*` + "`" + `?codex\s+resume\s+([^\s` + "`" + `]+)` + "`" + `?\s*$`)

var actionKindByItemType = map[string]model.ActionKind{
	"command_execution": model.ActionKindCommand,
	"mcp_tool_call":      model.ActionKindTool,
	"tool_call":          model.ActionKindTool,
	"web_search":         model.ActionKindWebSearch,
	"file_change":        model.ActionKindFileChange,
	"reasoning":          model.ActionKindNote,
	"todo_list":          model.ActionKindNote,
}

// Engine drives a single codex binary.
type Engine struct {
	Cmd       string
	ExtraArgs []string
	Title     string
}

// New builds a codex Engine with sensible defaults: the bare "codex"
// binary, notifications disabled, and the display title "Codex".
func New() *Engine {
	return &Engine{Cmd: "codex", ExtraArgs: []string{"-c", "notify=[]"}, Title: "Codex"}
}

func (e *Engine) ID() model.EngineId { return ID }
func (e *Engine) Command() string    { return e.Cmd }
func (e *Engine) Tag() string        { return string(ID) }

func (e *Engine) BuildArgs(prompt string, resume *model.ResumeToken, state any) []string {
	args := append(append([]string{}, e.ExtraArgs...), "exec", "--json")
	if resume != nil {
		args = append(args, "resume", resume.Value, "-")
	} else {
		args = append(args, "-")
	}
	return args
}

func (e *Engine) StdinPayload(prompt string, resume *model.ResumeToken, state any) ([]byte, bool) {
	return []byte(prompt), true
}

func (e *Engine) Env(state any) []string { return nil }

// State is the per-run bookkeeping threaded through Translate.
type State struct {
	noteSeq     int
	FinalAnswer string
	TurnIndex   int
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

// Translate decodes one codex JSONL object.
func (e *Engine) Translate(data map[string]any, rawState any, resume *model.ResumeToken, foundSession *model.ResumeToken) ([]model.TakopiEvent, error) {
	s := rawState.(*State)
	etype, _ := data["type"].(string)

	switch etype {
	case "error":
		message := stringOr(data["message"], "codex error")
		fatal := true
		if f, ok := data["fatal"]; ok {
			if fb, ok := f.(bool); ok {
				fatal = fb
			}
		}
		if fatal {
			return []model.TakopiEvent{completed(resumeFor(foundSession, resume), false, s.FinalAnswer, message, nil)}, nil
		}
		detail := map[string]any{"code": data["code"], "fatal": data["fatal"]}
		return []model.TakopiEvent{e.note(s, message, false, detail)}, nil

	case "turn.failed":
		message := "codex turn failed"
		if errObj, ok := data["error"].(map[string]any); ok {
			message = stringOr(errObj["message"], message)
		}
		return []model.TakopiEvent{completed(resumeFor(foundSession, resume), false, s.FinalAnswer, message, nil)}, nil

	case "turn.rate_limited":
		message := "rate limited"
		if ms, ok := data["retry_after_ms"].(float64); ok {
			message = fmt.Sprintf("rate limited (retry after %sms)", strconv.FormatFloat(ms, 'f', 0, 64))
		}
		return []model.TakopiEvent{e.note(s, message, false, nil)}, nil

	case "turn.started":
		id := fmt.Sprintf("turn_%d", s.TurnIndex)
		s.TurnIndex++
		return []model.TakopiEvent{{
			Type:   model.EventTypeAction,
			Engine: ID,
			Action: model.Action{ID: id, Kind: model.ActionKindTurn, Title: "turn started"},
			Phase:  model.ActionPhaseStarted,
		}}, nil

	case "turn.completed":
		usage, _ := data["usage"].(map[string]any)
		return []model.TakopiEvent{completed(resumeFor(foundSession, resume), true, s.FinalAnswer, "", usage)}, nil

	case "thread.started":
		threadID, _ := data["thread_id"].(string)
		if threadID == "" {
			return nil, nil
		}
		token := model.ResumeToken{Engine: ID, Value: threadID}
		return []model.TakopiEvent{{Type: model.EventTypeStarted, Engine: ID, Resume: token, Title: e.Title}}, nil

	case "item.started", "item.updated", "item.completed":
		item, _ := data["item"].(map[string]any)
		if item == nil {
			return nil, nil
		}
		if etype == "item.completed" {
			itemType := itemTypeOf(item)
			if itemType == "agent_message" {
				if text, ok := item["text"].(string); ok {
					s.FinalAnswer = text
				}
			}
		}
		return translateItemEvent(etype, item), nil

	default:
		return nil, nil
	}
}

func itemTypeOf(item map[string]any) string {
	itemType, _ := item["type"].(string)
	if itemType == "" {
		itemType, _ = item["item_type"].(string)
	}
	if itemType == "assistant_message" {
		itemType = "agent_message"
	}
	return itemType
}

func translateItemEvent(etype string, item map[string]any) []model.TakopiEvent {
	itemType := itemTypeOf(item)
	if itemType == "" || itemType == "agent_message" {
		return nil
	}

	actionID, _ := item["id"].(string)
	if actionID == "" {
		return nil
	}

	phase := model.ActionPhase(strings.TrimPrefix(etype, "item."))

	if itemType == "error" {
		if phase != model.ActionPhaseCompleted {
			return nil
		}
		message := stringOr(item["message"], "codex item error")
		return []model.TakopiEvent{actionEvent(phase, actionID, model.ActionKindWarning, message, map[string]any{"message": message}, boolPtr(false), message, model.ActionLevelWarning)}
	}

	kind, ok := actionKindByItemType[itemType]
	if !ok {
		return nil
	}

	switch kind {
	case model.ActionKindCommand:
		title := stringOr(item["command"], "")
		if phase == model.ActionPhaseStarted || phase == model.ActionPhaseUpdated {
			return []model.TakopiEvent{actionEvent(phase, actionID, kind, title, nil, nil, "", "")}
		}
		exitCode, _ := item["exit_code"].(float64)
		ok := item["status"] != "failed"
		if _, present := item["exit_code"]; present {
			ok = ok && exitCode == 0
		}
		detail := map[string]any{"exit_code": item["exit_code"], "status": item["status"]}
		return []model.TakopiEvent{actionEvent(phase, actionID, kind, title, detail, boolPtr(ok), "", "")}

	case model.ActionKindTool:
		title := toolTitle(item)
		detail := map[string]any{"status": item["status"]}
		if itemType == "tool_call" {
			detail = map[string]any{"name": item["name"], "status": item["status"]}
			if v, ok := item["arguments"]; ok {
				detail["arguments"] = v
			}
		} else {
			detail["server"] = item["server"]
			detail["tool"] = item["tool"]
			if v, ok := item["arguments"]; ok {
				detail["arguments"] = v
			}
		}
		if phase == model.ActionPhaseStarted || phase == model.ActionPhaseUpdated {
			return []model.TakopiEvent{actionEvent(phase, actionID, kind, title, detail, nil, "", "")}
		}
		ok := item["status"] != "failed" && item["error"] == nil
		return []model.TakopiEvent{actionEvent(phase, actionID, kind, title, detail, boolPtr(ok), "", "")}

	case model.ActionKindWebSearch:
		title := stringOr(item["query"], "")
		detail := map[string]any{"query": item["query"]}
		if phase == model.ActionPhaseStarted || phase == model.ActionPhaseUpdated {
			return []model.TakopiEvent{actionEvent(phase, actionID, kind, title, detail, nil, "", "")}
		}
		return []model.TakopiEvent{actionEvent(phase, actionID, kind, title, detail, boolPtr(true), "", "")}

	case model.ActionKindFileChange:
		if phase != model.ActionPhaseCompleted {
			return nil
		}
		title := formatChangeSummary(item)
		detail := map[string]any{"changes": item["changes"], "status": item["status"], "error": item["error"]}
		ok := item["status"] != "failed"
		return []model.TakopiEvent{actionEvent(phase, actionID, kind, title, detail, boolPtr(ok), "", "")}

	case model.ActionKindNote:
		var title string
		var detail map[string]any
		if itemType == "todo_list" {
			done, total, next := summarizeTodoList(item["items"])
			title = todoTitle(done, total, next)
			detail = map[string]any{"done": done, "total": total}
		} else {
			title = stringOr(item["text"], "")
		}
		if phase == model.ActionPhaseStarted || phase == model.ActionPhaseUpdated {
			return []model.TakopiEvent{actionEvent(phase, actionID, kind, title, detail, nil, "", "")}
		}
		return []model.TakopiEvent{actionEvent(phase, actionID, kind, title, detail, boolPtr(true), "", "")}
	}

	return nil
}

func actionEvent(phase model.ActionPhase, id string, kind model.ActionKind, title string, detail map[string]any, ok *bool, message string, level model.ActionLevel) model.TakopiEvent {
	return model.TakopiEvent{
		Type:    model.EventTypeAction,
		Engine:  ID,
		Action:  model.Action{ID: id, Kind: kind, Title: title, Detail: detail},
		Phase:   phase,
		OK:      ok,
		Message: message,
		Level:   level,
	}
}

func toolTitle(item map[string]any) string {
	server, _ := item["server"].(string)
	tool, _ := item["tool"].(string)
	parts := make([]string, 0, 2)
	if server != "" {
		parts = append(parts, server)
	}
	if tool != "" {
		parts = append(parts, tool)
	}
	if len(parts) == 0 {
		return "tool"
	}
	return strings.Join(parts, ".")
}

func formatChangeSummary(item map[string]any) string {
	changes, _ := item["changes"].([]any)
	paths := make([]string, 0, len(changes))
	for _, c := range changes {
		if cm, ok := c.(map[string]any); ok {
			if p, ok := cm["path"].(string); ok && p != "" {
				paths = append(paths, p)
			}
		}
	}
	if len(paths) == 0 {
		if len(changes) == 0 {
			return "files"
		}
		return fmt.Sprintf("%d files", len(changes))
	}
	return strings.Join(paths, ", ")
}

func summarizeTodoList(raw any) (done, total int, next string) {
	items, ok := raw.([]any)
	if !ok {
		return 0, 0, ""
	}
	for _, rawItem := range items {
		item, ok := rawItem.(map[string]any)
		if !ok {
			continue
		}
		total++
		if completed, _ := item["completed"].(bool); completed {
			done++
			continue
		}
		if next == "" {
			next = stringOr(item["text"], "")
		}
	}
	return done, total, next
}

func todoTitle(done, total int, next string) string {
	if total <= 0 {
		return "todo"
	}
	if next != "" {
		return fmt.Sprintf("todo %d/%d: %s", done, total, next)
	}
	return fmt.Sprintf("todo %d/%d: done", done, total)
}

func (e *Engine) ProcessErrorEvents(rc int, resume *model.ResumeToken, foundSession *model.ResumeToken, stderrTail string, rawState any) []model.TakopiEvent {
	s := rawState.(*State)
	message := fmt.Sprintf("codex exec failed (rc=%d).", rc)
	return []model.TakopiEvent{
		e.note(s, message, false, map[string]any{"stderr_tail": stderrTail}),
		completed(resumeFor(foundSession, resume), false, s.FinalAnswer, message, nil),
	}
}

func (e *Engine) StreamEndEvents(resume *model.ResumeToken, foundSession *model.ResumeToken, stderrTail string, rawState any) []model.TakopiEvent {
	s := rawState.(*State)
	return []model.TakopiEvent{completed(resumeFor(foundSession, resume), false, s.FinalAnswer, "codex finished without a result event", nil)}
}

func (e *Engine) FormatResume(token model.ResumeToken) (string, error) {
	if !model.EngineIdEqual(token.Engine, ID) {
		return "", &model.WrongEngineError{Formatter: ID, Token: token.Engine}
	}
	return fmt.Sprintf("`codex resume %s`", token.Value), nil
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

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}

func boolPtr(b bool) *bool { return &b }
