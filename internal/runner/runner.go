// Package runner launches a shell per execution, feeds it a script over
// stdin and pushes its output through an output.Demux while it runs.
// Every execution resolves exactly once, to a Result or a *Failure.
package runner

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/deixis/shellcommand/internal/output"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Defaults applied when the corresponding Runner field is zero.
const (
	DefaultShell     = "bash"
	DefaultWaitDelay = 2 * time.Second
)

// KillPolicy decides how an execution killed by its timeout is reported.
type KillPolicy string

const (
	// KillFailure reports a timeout as a *Failure of KindTimeout.
	KillFailure KillPolicy = "failure"
	// KillExitCode folds a timeout into a Result with ExitCode 1 and TimedOut set.
	KillExitCode KillPolicy = "exit-code"
)

var tracer = otel.Tracer("github.com/deixis/shellcommand/internal/runner")

// Runner spawns shells. The zero value runs bash with no timeout and
// unbounded accumulation. Executions share nothing but the Runner's
// read-only settings.
type Runner struct {
	Shell      string
	ShellArgs  []string
	Workspace  string // base for relative cwd values
	Confine    bool   // reject cwd values outside Workspace
	Env        map[string]string
	Timeout    time.Duration // applied when a request has none
	MaxTimeout time.Duration // upper bound on any request timeout
	MaxOutput  int           // accumulated bytes kept per stream
	KillPolicy KillPolicy
	WaitDelay  time.Duration // how long to wait for pipes after exit
	Logger     *zerolog.Logger
}

type outcome struct {
	res *Result
	err error
}

// Execution is a handle to one running shell.
type Execution struct {
	ID        string
	Mode      output.Mode
	Digest    string
	PID       int // zero if the shell never started
	StartedAt time.Time

	latch *Latch[outcome]

	// mu serializes the two pipe writers, the timer and the exit path.
	mu          sync.Mutex
	demux       *output.Demux
	acc         *output.AccumulateSink
	sink        output.Sink
	terminating bool
	timedOut    bool
	exited      bool // cmd.Wait has returned
	discarded   int
}

// Run starts an execution and blocks until it resolves. A nonzero exit code
// is returned as a Result; spawn errors, timeouts and runtime faults are
// returned as *Failure.
func (r *Runner) Run(ctx context.Context, req Request, mode output.Mode, sink output.Sink) (*Result, error) {
	return r.Start(ctx, req, mode, sink).Wait()
}

// Start spawns the shell and returns immediately. sink receives events at
// the requested granularity and may be nil. sink is never called when the
// shell fails to start.
func (r *Runner) Start(ctx context.Context, req Request, mode output.Mode, sink output.Sink) *Execution {
	if sink == nil {
		sink = output.Discard
	}
	e := &Execution{
		ID:     uuid.New().String(),
		Mode:   mode,
		Digest: Digest(req.Script),
		latch:  NewLatch[outcome](),
		demux:  output.NewDemux(mode),
		acc:    output.NewAccumulateSink(r.MaxOutput),
		sink:   sink,
	}
	log := r.logger().With().Str("execution_id", e.ID).Logger()

	ctx, span := tracer.Start(ctx, "shell.execute", trace.WithAttributes(
		attribute.String("shell.execution_id", e.ID),
		attribute.String("shell.output_mode", mode.String()),
		attribute.String("shell.script_digest", e.Digest),
	))

	dir, err := r.resolveDir(req.Cwd)
	if err != nil {
		e.abort(span, log, spawnFailure(err))
		return e
	}
	timeout := r.timeout(req.Timeout)
	shell := r.shell()

	cmd := exec.CommandContext(ctx, shell, r.ShellArgs...)
	cmd.Dir = dir
	cmd.Env = r.environ(req.Env)
	cmd.Stdin = strings.NewReader(req.Script + "\n")
	cmd.Stdout = streamWriter{e: e, tag: output.Stdout}
	cmd.Stderr = streamWriter{e: e, tag: output.Stderr}
	cmd.WaitDelay = r.waitDelay()
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		e.beginTermination(false)
		return killGroup(cmd)
	}

	e.StartedAt = time.Now()
	if err := cmd.Start(); err != nil {
		e.abort(span, log, spawnFailure(err))
		return e
	}
	e.PID = cmd.Process.Pid
	span.SetAttributes(attribute.Int("shell.pid", e.PID))
	log.Info().
		Str("shell", shell).
		Str("cwd", dir).
		Str("mode", mode.String()).
		Str("script_digest", e.Digest).
		Dur("timeout", timeout).
		Int("pid", e.PID).
		Msg("shell started")

	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			if !e.beginTermination(true) {
				return
			}
			log.Warn().Dur("timeout", timeout).Msg("execution timed out; killing process group")
			if err := killGroup(cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
				log.Error().Err(err).Msg("killing process group")
			}
		})
	}

	go e.wait(ctx, cmd, timer, timeout, r.killPolicy(), span, log)
	return e
}

// Done is closed once the execution has resolved.
func (e *Execution) Done() <-chan struct{} { return e.latch.Done() }

// Wait blocks until the execution resolves.
func (e *Execution) Wait() (*Result, error) {
	o, _ := e.latch.Wait(context.Background())
	return o.res, o.err
}

// WaitContext is like Wait but gives up when ctx is done. Giving up does not
// affect the execution.
func (e *Execution) WaitContext(ctx context.Context) (*Result, error) {
	o, err := e.latch.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return o.res, o.err
}

// Snapshot returns the output accumulated so far.
func (e *Execution) Snapshot() (stdout, stderr string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acc.Stdout(), e.acc.Stderr()
}

func (e *Execution) feed(tag output.Tag, p []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminating {
		e.discarded += len(p)
		return
	}
	e.acc.Write(tag, p)
	for _, ev := range e.demux.Feed(tag, p) {
		e.sink.Deliver(ev)
	}
}

// beginTermination stops output intake. It reports false if termination was
// already under way.
func (e *Execution) beginTermination(timeout bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminating || (timeout && e.exited) {
		return false
	}
	e.terminating = true
	e.timedOut = timeout
	return true
}

// markExited records that Wait has returned. A timer firing after this point
// is no longer a timeout.
func (e *Execution) markExited() {
	e.mu.Lock()
	e.exited = true
	e.mu.Unlock()
}

// exitedOnItsOwn reports whether the shell terminated with a status of its
// own rather than from a signal. A shell that exits just as its timer fires
// still carries its own status here.
func exitedOnItsOwn(ps *os.ProcessState) bool {
	return ps != nil && ps.Exited()
}

func (e *Execution) wait(ctx context.Context, cmd *exec.Cmd, timer *time.Timer, timeout time.Duration, policy KillPolicy, span trace.Span, log zerolog.Logger) {
	defer span.End()

	waitErr := cmd.Wait()
	e.markExited()
	if timer != nil {
		timer.Stop()
	}

	// Wait returns only after both pipe copiers have finished, so everything
	// read is already in the demux.
	e.mu.Lock()
	e.terminating = true
	timedOut := e.timedOut && !exitedOnItsOwn(cmd.ProcessState)
	for _, tag := range output.Tags {
		for _, ev := range e.demux.Flush(tag) {
			e.sink.Deliver(ev)
		}
	}
	res := &Result{
		ExecutionID: e.ID,
		Stdout:      e.acc.Stdout(),
		Stderr:      e.acc.Stderr(),
		Truncated:   e.acc.Truncated(),
		Duration:    time.Since(e.StartedAt),
	}
	discarded := e.discarded
	if res.Truncated {
		log.Debug().
			Int64("stdout_bytes", e.acc.Seen(output.Stdout)).
			Int64("stderr_bytes", e.acc.Seen(output.Stderr)).
			Msg("accumulated output truncated")
	}
	e.mu.Unlock()

	if err := e.sink.Close(); err != nil {
		log.Warn().Err(err).Msg("output sink reported an error")
	}
	if discarded > 0 {
		log.Debug().Int("bytes", discarded).Msg("output discarded after termination began")
	}

	var err error
	switch {
	case timedOut && policy == KillExitCode:
		res.ExitCode = 1
		res.TimedOut = true
	case timedOut:
		err = timeoutFailure(timeout)
	case ctx.Err() != nil:
		err = runtimeFailure(ctx.Err())
	default:
		res.ExitCode, res.Signal, err = exitStatus(waitErr)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn().Err(err).Dur("duration", res.Duration).Msg("execution failed")
		e.resolve(log, nil, err)
		return
	}

	span.SetAttributes(attribute.Int("shell.exit_code", res.ExitCode))
	ev := log.Info().Int("exit_code", res.ExitCode).Dur("duration", res.Duration)
	if res.Signal != "" {
		ev = ev.Str("signal", res.Signal)
	}
	ev.Msg("shell exited")
	e.resolve(log, res, nil)
}

// abort resolves an execution whose shell never started.
func (e *Execution) abort(span trace.Span, log zerolog.Logger, f *Failure) {
	span.RecordError(f)
	span.SetStatus(codes.Error, f.Error())
	span.End()
	log.Error().Err(f).Msg("shell failed to start")
	e.resolve(log, nil, f)
}

func (e *Execution) resolve(log zerolog.Logger, res *Result, err error) {
	if !e.latch.Resolve(outcome{res: res, err: err}) {
		log.Debug().Msg("discarding late execution outcome")
	}
}

// exitStatus maps the error from Cmd.Wait onto an exit code. A shell killed
// by a signal it did not catch has no exit code and is reported as 1.
func exitStatus(err error) (code int, signal string, fail error) {
	if err == nil {
		return 0, "", nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if c := exitErr.ExitCode(); c >= 0 {
			return c, "", nil
		}
		return 1, signalOf(exitErr.ProcessState), nil
	}
	if errors.Is(err, exec.ErrWaitDelay) {
		// The shell exited cleanly but a descendant held the pipes open.
		return 0, "", nil
	}
	return 0, "", runtimeFailure(err)
}

type streamWriter struct {
	e   *Execution
	tag output.Tag
}

func (w streamWriter) Write(p []byte) (int, error) {
	w.e.feed(w.tag, p)
	return len(p), nil
}

// resolveDir resolves cwd relative to the workspace. With Confine set, the
// result must stay within the workspace.
func (r *Runner) resolveDir(cwd string) (string, error) {
	if cwd == "" {
		return r.Workspace, nil
	}

	dir := cwd
	if !filepath.IsAbs(cwd) && r.Workspace != "" {
		dir = filepath.Join(r.Workspace, cwd)
	}
	dir = filepath.Clean(dir)

	if !r.Confine || r.Workspace == "" {
		return dir, nil
	}
	rel, err := filepath.Rel(r.Workspace, dir)
	if err != nil {
		return "", fmt.Errorf("resolving cwd: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("cwd %q is outside workspace %q", cwd, r.Workspace)
	}
	return dir, nil
}

// environ returns the process environment overlaid by the runner's Env and
// then by overrides. Later entries win in exec.Cmd.Env.
func (r *Runner) environ(overrides map[string]string) []string {
	env := os.Environ()
	for _, m := range []map[string]string{r.Env, overrides} {
		for _, k := range slices.Sorted(maps.Keys(m)) {
			env = append(env, k+"="+m[k])
		}
	}
	return env
}

func (r *Runner) timeout(requested time.Duration) time.Duration {
	t := requested
	if t <= 0 {
		t = r.Timeout
	}
	if r.MaxTimeout > 0 && (t <= 0 || t > r.MaxTimeout) {
		t = r.MaxTimeout
	}
	return t
}

func (r *Runner) shell() string {
	if r.Shell != "" {
		return r.Shell
	}
	return DefaultShell
}

func (r *Runner) waitDelay() time.Duration {
	if r.WaitDelay > 0 {
		return r.WaitDelay
	}
	return DefaultWaitDelay
}

func (r *Runner) killPolicy() KillPolicy {
	if r.KillPolicy == KillExitCode {
		return KillExitCode
	}
	return KillFailure
}

func (r *Runner) logger() zerolog.Logger {
	if r.Logger != nil {
		return *r.Logger
	}
	return zerolog.Nop()
}
