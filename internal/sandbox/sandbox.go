// Package sandbox runs an engine's subprocess inside a disposable
// Docker container instead of directly on the host, for projects that
// opt into containerised execution. Process mirrors
// internal/runner's managedProcess surface — a
// stdin writer, a stdout reader, a bounded stderr tail, and a
// wait(ctx) that tears the container down on cancellation — so
// internal/runner's JSONL-reading loop can drive either a host
// process or a sandboxed one without caring which.
//
// Grounded on the teacher's internal/container/docker/runtime.go:
// Create/Start for the long-lived keep-alive container, then
// ContainerExecCreate/ContainerExecAttach/stdcopy.StdCopy for the
// actual engine invocation (its ExecInteractive), trimmed of the
// teacher's Build/Pull/ImageExists/Inspect/Logs/non-interactive Exec
// surface, which this narrower container use case never needs.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// terminationGrace mirrors runner.terminationGrace's SIGTERM-then-
// SIGKILL window, translated to Docker's stop-then-kill equivalents.
const terminationGrace = 2 * time.Second

const stderrTailLines = 200

// keepAliveCmd is the entrypoint given to the scratch container so it
// stays up long enough for a single exec to run inside it; the
// container itself is disposable and removed once the exec exits.
var keepAliveCmd = []string{"sleep", "infinity"}

// Config describes one sandboxed engine invocation.
type Config struct {
	Image      string
	Command    string
	Args       []string
	Env        []string
	WorkingDir string // host directory bind-mounted at /workspace
}

// Runtime creates sandboxed processes against a single Docker daemon
// connection.
type Runtime struct {
	cli *client.Client
}

// NewRuntime dials the Docker daemon using the standard environment
// (DOCKER_HOST, DOCKER_CERT_PATH, ...), negotiating the API version.
func NewRuntime() (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("sandbox: create docker client: %w", err)
	}
	return &Runtime{cli: cli}, nil
}

// Ping verifies the daemon is reachable.
func (rt *Runtime) Ping(ctx context.Context) error {
	_, err := rt.cli.Ping(ctx)
	return err
}

// Close releases the underlying Docker client connection.
func (rt *Runtime) Close() error {
	return rt.cli.Close()
}

// Spawn creates a scratch container from cfg.Image, bind-mounts
// cfg.WorkingDir at /workspace, and execs cfg.Command inside it with
// stdin/stdout/stderr attached — the containerised counterpart to
// runner.spawn.
func (rt *Runtime) Spawn(ctx context.Context, cfg Config) (*Process, error) {
	createResp, err := rt.cli.ContainerCreate(ctx,
		&dockercontainer.Config{
			Image: cfg.Image,
			Cmd:   keepAliveCmd,
			Tty:   false,
		},
		&dockercontainer.HostConfig{
			Binds:      []string{cfg.WorkingDir + ":/workspace"},
			AutoRemove: false,
		},
		nil, nil, "",
	)
	if err != nil {
		return nil, fmt.Errorf("sandbox: create container: %w", err)
	}
	containerID := createResp.ID

	if err := rt.cli.ContainerStart(ctx, containerID, dockercontainer.StartOptions{}); err != nil {
		rt.discard(containerID)
		return nil, fmt.Errorf("sandbox: start container: %w", err)
	}

	execConfig := dockercontainer.ExecOptions{
		Cmd:          append([]string{cfg.Command}, cfg.Args...),
		Env:          cfg.Env,
		WorkingDir:   "/workspace",
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}
	execResp, err := rt.cli.ContainerExecCreate(ctx, containerID, execConfig)
	if err != nil {
		rt.discard(containerID)
		return nil, fmt.Errorf("sandbox: create exec: %w", err)
	}

	attach, err := rt.cli.ContainerExecAttach(ctx, execResp.ID, dockercontainer.ExecStartOptions{})
	if err != nil {
		rt.discard(containerID)
		return nil, fmt.Errorf("sandbox: attach exec: %w", err)
	}

	stdoutR, stdoutW := io.Pipe()
	p := &Process{
		cli:         rt.cli,
		containerID: containerID,
		execID:      execResp.ID,
		attach:      attach,
		stdout:      stdoutR,
		stderrTail:  newRingBuffer(stderrTailLines),
		stderrDone:  make(chan struct{}),
	}

	go p.demux(stdoutW)

	return p, nil
}

func (rt *Runtime) discard(containerID string) {
	_ = rt.cli.ContainerRemove(context.Background(), containerID, dockercontainer.RemoveOptions{Force: true})
}

// Process is a sandboxed engine invocation: an exec running inside a
// disposable container, attached via a hijacked stdin/stdout/stderr
// connection. Satisfies the same shape runner.managedProcess does.
type Process struct {
	cli         *client.Client
	containerID string
	execID      string
	attach      types.HijackedResponse

	stdout     io.ReadCloser
	stderrTail *ringBuffer
	stderrDone chan struct{}

	closeOnce sync.Once
}

func (p *Process) demux(stdoutW *io.PipeWriter) {
	defer close(p.stderrDone)
	defer stdoutW.Close()
	_, _ = stdcopy.StdCopy(stdoutW, &lineRingWriter{rb: p.stderrTail}, p.attach.Reader)
}

// StdoutReader exposes the demuxed stdout stream for the caller's
// line scanner.
func (p *Process) StdoutReader() io.Reader { return p.stdout }

// StderrTailString returns the last stderrTailLines lines written to
// stderr, for diagnostics on a non-zero exit.
func (p *Process) StderrTailString() string { return p.stderrTail.String() }

// SendPayload writes payload (if any) to the exec's stdin and always
// closes it, so engines waiting on EOF proceed.
func (p *Process) SendPayload(payload []byte, hasPayload bool) error {
	defer p.attach.CloseWrite()
	if !hasPayload {
		return nil
	}
	_, err := p.attach.Conn.Write(payload)
	return err
}

// Wait blocks until the exec finishes. If ctx is cancelled first, it
// stops the container, waits up to terminationGrace, then kills it —
// the container analogue of managedProcess.wait's SIGTERM/SIGKILL
// escalation. The container is always removed before returning.
func (p *Process) Wait(ctx context.Context) int {
	exited := make(chan int, 1)
	go func() {
		exited <- p.pollExitCode(context.Background())
	}()

	select {
	case rc := <-exited:
		<-p.stderrDone
		p.cleanup()
		return rc
	case <-ctx.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), terminationGrace)
	_ = p.cli.ContainerStop(stopCtx, p.containerID, dockercontainer.StopOptions{})
	cancel()

	select {
	case rc := <-exited:
		<-p.stderrDone
		p.cleanup()
		return rc
	case <-time.After(terminationGrace):
	}

	_ = p.cli.ContainerKill(context.Background(), p.containerID, "SIGKILL")
	rc := <-exited
	<-p.stderrDone
	p.cleanup()
	return rc
}

// pollExitCode waits for the exec (not the keep-alive container) to
// finish, since the container itself outlives the exec by design.
func (p *Process) pollExitCode(ctx context.Context) int {
	for {
		inspect, err := p.cli.ContainerExecInspect(ctx, p.execID)
		if err != nil {
			return -1
		}
		if !inspect.Running {
			return inspect.ExitCode
		}
		select {
		case <-ctx.Done():
			return -1
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (p *Process) cleanup() {
	p.closeOnce.Do(func() {
		p.attach.Close()
		_ = p.cli.ContainerRemove(context.Background(), p.containerID, dockercontainer.RemoveOptions{Force: true})
	})
}

// Pid has no meaning for a containerised exec; runner logs it
// verbatim, so 0 reads unambiguously as "no host pid".
func (p *Process) Pid() int { return 0 }

// ringBuffer keeps the last N lines written to it. Duplicated from
// runner.ringBuffer (unexported there, so not reusable across
// packages) rather than promoted to shared exported infrastructure
// for one small helper type.
type ringBuffer struct {
	mu    sync.Mutex
	lines []string
	cap   int
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{cap: capacity}
}

func (r *ringBuffer) add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	if len(r.lines) > r.cap {
		r.lines = r.lines[len(r.lines)-r.cap:]
	}
}

func (r *ringBuffer) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.lines, "\n")
}

// lineRingWriter adapts a ringBuffer to io.Writer, splitting whatever
// stdcopy demuxes onto the stderr side into discrete lines.
type lineRingWriter struct {
	rb  *ringBuffer
	buf bytes.Buffer
}

func (w *lineRingWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		w.rb.add(strings.TrimRight(line, "\n"))
	}
	return len(p), nil
}
