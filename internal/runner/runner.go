package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/yee94/takopi-sub000/internal/metrics"
	"github.com/yee94/takopi-sub000/internal/model"
	"github.com/yee94/takopi-sub000/internal/runner/schema"
	"github.com/yee94/takopi-sub000/internal/sandbox"
)

// JsonlSubprocessRunner spawns an Engine's child process once per
// Run call, translates its JSONL stdout into TakopiEvents, and
// guarantees I1-I4 (spec §3).
type JsonlSubprocessRunner struct {
	engine Engine
	cwd    func() string
	locks  *lockMap
	log    *slog.Logger
	schema *schema.Validator

	sandbox      *sandbox.Runtime
	sandboxImage string
}

// New builds a runner for engine. cwd supplies the working directory
// for every spawned process (the caller-supplied run base directory,
// spec §4.4.2 step 3); it is a function so configuration changes
// (e.g. a project switch) are picked up per run without reconstructing
// the runner.
func New(engine Engine, cwd func() string, log *slog.Logger) *JsonlSubprocessRunner {
	if log == nil {
		log = slog.Default()
	}
	return &JsonlSubprocessRunner{engine: engine, cwd: cwd, locks: newLockMap(), log: log}
}

// WithSchema installs an optional JSON Schema validator applied to
// every decoded JSONL object before translation; a nil validator (the
// default) skips validation entirely (SPEC_FULL §2).
func (r *JsonlSubprocessRunner) WithSchema(v *schema.Validator) *JsonlSubprocessRunner {
	r.schema = v
	return r
}

// WithSandbox routes every future run through rt, execing the engine
// inside a disposable container built from image instead of spawning
// it on the host. A nil rt (the default) keeps host execution.
func (r *JsonlSubprocessRunner) WithSandbox(rt *sandbox.Runtime, image string) *JsonlSubprocessRunner {
	r.sandbox = rt
	r.sandboxImage = image
	return r
}

// Engine returns the bound engine id, satisfying internal/router.Runner.
func (r *JsonlSubprocessRunner) Engine() model.EngineId { return r.engine.ID() }

// FormatResume delegates to the engine.
func (r *JsonlSubprocessRunner) FormatResume(token model.ResumeToken) (string, error) {
	return r.engine.FormatResume(token)
}

// ExtractResume delegates to the engine.
func (r *JsonlSubprocessRunner) ExtractResume(text string) (model.ResumeToken, bool) {
	return r.engine.ExtractResume(text)
}

// IsResumeLine delegates to the engine.
func (r *JsonlSubprocessRunner) IsResumeLine(line string) bool {
	return r.engine.IsResumeLine(line)
}

// Run spawns a fresh process and streams TakopiEvents on the returned
// channel, which is always closed after exactly one Completed event
// has been sent (spec §4.4.1). Cancelling ctx triggers the subprocess
// SIGTERM/SIGKILL path (spec §4.4.3) but Run still drains to a final
// Completed before closing its channel.
//
// Session locking (spec §4.4.5): if resume is non-nil, its lock is
// acquired before any event is produced. Otherwise the lock for the
// token revealed by the first Started event is acquired just before
// that event is yielded, and released only once the channel closes.
func (r *JsonlSubprocessRunner) Run(ctx context.Context, prompt string, resume *model.ResumeToken) <-chan model.TakopiEvent {
	out := make(chan model.TakopiEvent)

	go func() {
		defer close(out)

		if resume != nil {
			release := r.locks.acquire(resume.ThreadKey())
			defer release()
			r.runLocked(ctx, prompt, resume, out, nil)
			return
		}

		var release func()
		onStarted := func(token model.ResumeToken) {
			release = r.locks.acquire(token.ThreadKey())
		}
		r.runLocked(ctx, prompt, resume, out, onStarted)
		if release != nil {
			release()
		}
	}()

	return out
}

// runLocked runs one process lifecycle and forwards events to out,
// invoking onStarted (if non-nil) exactly once, right before the
// first Started event it yields.
func (r *JsonlSubprocessRunner) runLocked(ctx context.Context, prompt string, resume *model.ResumeToken, out chan<- model.TakopiEvent, onStarted func(model.ResumeToken)) {
	state := r.engine.NewState(prompt, resume)
	tag := r.engine.Tag()
	log := r.log.With("engine", r.engine.ID())

	args := r.engine.BuildArgs(prompt, resume, state)
	payload, hasPayload := r.engine.StdinPayload(prompt, resume, state)
	env := r.engine.Env(state)
	if env != nil {
		env = append(os.Environ(), env...)
	}

	log.InfoContext(ctx, "runner.start", "resume", resumeValue(resume), "prompt_len", len(prompt))

	var proc engineProcess
	var err error
	if r.sandbox != nil {
		proc, err = r.sandbox.Spawn(ctx, sandbox.Config{
			Image:      r.sandboxImage,
			Command:    r.engine.Command(),
			Args:       args,
			Env:        env,
			WorkingDir: r.cwd(),
		})
	} else {
		proc, err = spawn(ctx, r.engine.Command(), args, env, r.cwd())
	}
	if err != nil {
		ev := model.TakopiEvent{
			Type:            model.EventTypeCompleted,
			Engine:          r.engine.ID(),
			CompletedOK:     false,
			Answer:          "",
			CompletedResume: resume,
			Error:           fmt.Sprintf("%s failed to spawn subprocess: %v", tag, err),
		}
		out <- ev
		return
	}

	log.InfoContext(ctx, "subprocess.spawn", "cmd", r.engine.Command(), "pid", proc.Pid())

	if err := proc.SendPayload(payload, hasPayload); err != nil {
		log.WarnContext(ctx, "subprocess.stdin.error", "pid", proc.Pid(), "error", err)
	}

	stream := &streamState{expectedSession: resume}
	emitted := false

	// The scan runs concurrently with Wait, not before it: Wait is
	// what observes ctx cancellation and sends SIGTERM/SIGKILL
	// (process.go's terminationGrace escalation), which in turn closes
	// the child's stdout and unblocks Scan. Draining stdout to EOF
	// first would leave a hung child with no reader ever watching ctx
	// (spec §4.4.2 step 4).
	scanner := bufio.NewScanner(proc.StdoutReader())
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		for scanner.Scan() {
			line := scanner.Text()
			events, done := r.handleJSONLLine(ctx, tag, line, stream, state, resume, log, proc.Pid())
			for _, ev := range events {
				if ev.Type == model.EventTypeStarted && onStarted != nil && !emitted {
					onStarted(ev.Resume)
				}
				out <- ev
			}
			if done {
				emitted = true
				return
			}
		}
	}()

	rc := proc.Wait(ctx)
	<-scanDone
	log.InfoContext(ctx, "subprocess.exit", "pid", proc.Pid(), "rc", rc)

	if stream.didEmitCompleted {
		return
	}

	var events []model.TakopiEvent
	if rc != 0 {
		events = r.engine.ProcessErrorEvents(rc, resume, stream.foundSession, proc.StderrTailString(), state)
	} else {
		events = r.engine.StreamEndEvents(resume, stream.foundSession, proc.StderrTailString(), state)
	}
	for _, ev := range events {
		if ev.Type == model.EventTypeStarted && onStarted != nil && !emitted {
			onStarted(ev.Resume)
			emitted = true
		}
		out <- ev
	}
}

func resumeValue(token *model.ResumeToken) string {
	if token == nil {
		return ""
	}
	return token.Value
}

// streamState mirrors JsonlStreamState: per-run ingestion bookkeeping
// that outlives any single line.
type streamState struct {
	expectedSession    *model.ResumeToken
	foundSession       *model.ResumeToken
	didEmitCompleted   bool
	ignoredAfterDone   bool
	jsonlSeq           int
}

// handleJSONLLine implements the JSONL ingestion algorithm of spec
// §4.4.4 for one already-newline-stripped line. Returns the events to
// emit and whether a Completed event ended the run.
func (r *JsonlSubprocessRunner) handleJSONLLine(ctx context.Context, tag string, line string, stream *streamState, state any, resume *model.ResumeToken, log *slog.Logger, pid int) ([]model.TakopiEvent, bool) {
	if stream.didEmitCompleted {
		if !stream.ignoredAfterDone {
			log.DebugContext(ctx, "runner.drop.jsonl_after_completed", "pid", pid)
			stream.ignoredAfterDone = true
		}
		return nil, false
	}
	if line == "" {
		return nil, false
	}
	stream.jsonlSeq++

	var decoded map[string]any
	if err := json.Unmarshal([]byte(line), &decoded); err != nil {
		id := fmt.Sprintf("%s.note.%d", tag, stream.jsonlSeq)
		return []model.TakopiEvent{noteEvent(r.engine.ID(), id, fmt.Sprintf("invalid JSON from %s; ignoring line", tag), false, map[string]any{"line": line})}, false
	}

	if err := r.schema.Validate(decoded); err != nil {
		id := fmt.Sprintf("%s.note.%d", tag, stream.jsonlSeq)
		return []model.TakopiEvent{noteEvent(r.engine.ID(), id, fmt.Sprintf("%s event failed schema validation; ignoring line", tag), false, map[string]any{"error": err.Error()})}, false
	}

	events, err := r.engine.Translate(decoded, state, resume, stream.foundSession)
	if err != nil {
		id := fmt.Sprintf("%s.note.%d", tag, stream.jsonlSeq)
		detail := map[string]any{"error": err.Error()}
		if t, ok := decoded["type"]; ok {
			detail["type"] = t
		}
		return []model.TakopiEvent{noteEvent(r.engine.ID(), id, fmt.Sprintf("%s translation error; ignoring event", tag), false, detail)}, false
	}

	var output []model.TakopiEvent
	for _, evt := range events {
		if evt.Type == model.EventTypeStarted {
			found, emit, err := handleStartedEvent(r.engine.ID(), tag, evt, stream.expectedSession, stream.foundSession)
			if err != nil {
				if _, ok := err.(*model.UnexpectedSessionError); ok {
					metrics.RecordResumeCoalesceError(tag)
				}
				// A protocol error is fatal to the run: surface it as
				// the terminal Completed event, preserving I2.
				stream.didEmitCompleted = true
				resumeForCompleted := stream.foundSession
				if resumeForCompleted == nil {
					resumeForCompleted = resume
				}
				return append(output, model.TakopiEvent{
					Type:            model.EventTypeCompleted,
					Engine:          r.engine.ID(),
					CompletedOK:     false,
					Answer:          "",
					CompletedResume: resumeForCompleted,
					Error:           err.Error(),
				}), true
			}
			stream.foundSession = found
			if !emit {
				continue
			}
		}
		if evt.Type == model.EventTypeCompleted {
			stream.didEmitCompleted = true
			output = append(output, evt)
			return output, true
		}
		output = append(output, evt)
	}
	return output, false
}
