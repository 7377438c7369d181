package mcp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/deixis/shellcommand/internal/history"
	"github.com/deixis/shellcommand/internal/output"
	"github.com/deixis/shellcommand/internal/runner"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	syncToolName  = "execute-bash-script-sync"
	asyncToolName = "execute-bash-script-async"
)

// notifyTimeout bounds the final notification once the base context is gone.
const notifyTimeout = 5 * time.Second

type scriptOptions struct {
	Cwd     string            `json:"cwd,omitempty" jsonschema:"The working directory to execute the script. Use this instead of a cd command in the first line of the script."`
	Env     map[string]string `json:"env,omitempty" jsonschema:"Environment variables for the script. Use this instead of export commands in the script."`
	Timeout int64             `json:"timeout,omitempty" jsonschema:"The timeout in milliseconds. Set a generous timeout to avoid unexpected blocking."`
}

type syncParams struct {
	Command string        `json:"command" jsonschema:"The bash script to execute"`
	Options scriptOptions `json:"options,omitempty"`
}

type asyncOptions struct {
	Cwd        string            `json:"cwd,omitempty" jsonschema:"The working directory to execute the script. Use this instead of a cd command in the first line of the script."`
	Env        map[string]string `json:"env,omitempty" jsonschema:"Environment variables for the script. Use this instead of export commands in the script."`
	Timeout    int64             `json:"timeout,omitempty" jsonschema:"The timeout in milliseconds. Set a generous timeout to avoid unexpected blocking."`
	OutputMode string            `json:"outputMode,omitempty" jsonschema:"complete: notify only on completion; line: on each line; chunk: on each chunk read; character: on each character. Default: complete."`
}

type asyncParams struct {
	Command string       `json:"command" jsonschema:"The bash script to execute"`
	Options asyncOptions `json:"options,omitempty"`
}

// asyncInputSchema is the inferred schema with outputMode restricted to the
// known modes.
func asyncInputSchema() *jsonschema.Schema {
	s, err := jsonschema.For[asyncParams](nil)
	if err != nil {
		panic(fmt.Sprintf("inferring %s schema: %v", asyncToolName, err))
	}
	if opts := s.Properties["options"]; opts != nil {
		if mode := opts.Properties["outputMode"]; mode != nil {
			for _, name := range output.ModeNames() {
				mode.Enum = append(mode.Enum, name)
			}
		}
	}
	return s
}

func buildRequest(command, cwd string, env map[string]string, timeoutMS int64) (runner.Request, error) {
	if timeoutMS < 0 {
		return runner.Request{}, fmt.Errorf("timeout must be positive, got %d", timeoutMS)
	}
	return runner.Request{
		Script:  command,
		Cwd:     cwd,
		Env:     env,
		Timeout: time.Duration(timeoutMS) * time.Millisecond,
	}, nil
}

func (h *handler) syncHandler(ctx context.Context, req *mcp.CallToolRequest, params syncParams) (*mcp.CallToolResult, any, error) {
	o := params.Options
	r, err := buildRequest(params.Command, o.Cwd, o.Env, o.Timeout)
	if err != nil {
		return errorResult("Error: " + err.Error())
	}

	exec := h.runner.Start(ctx, r, output.Complete, nil)
	rec := newRecord(exec, r, "")
	res, err := exec.Wait()
	h.save(finishRecord(rec, exec, res, err))
	if err != nil {
		return errorResult(errorMessage(err))
	}

	return textResult(
		"stdout: "+res.Stdout,
		"stderr: "+res.Stderr,
		fmt.Sprintf("exitCode: %d", res.ExitCode),
	)
}

func (h *handler) asyncHandler(ctx context.Context, req *mcp.CallToolRequest, params asyncParams) (*mcp.CallToolResult, any, error) {
	o := params.Options
	mode, err := output.ParseMode(o.OutputMode)
	if err != nil {
		return errorResult("Error: " + err.Error())
	}
	r, err := buildRequest(params.Command, o.Cwd, o.Env, o.Timeout)
	if err != nil {
		return errorResult("Error: " + err.Error())
	}

	token := progressToken(req)
	n := &progressNotifier{session: req.Session, token: token}
	sink := output.NewStreamingSink(h.base, n, h.streamOptions(mode))

	// The execution must outlive this call, so it runs under the base context.
	exec := h.runner.Start(h.base, r, mode, sink)
	rec := newRecord(exec, r, fmt.Sprint(token))

	// Start resolves synchronously when the shell cannot be spawned.
	select {
	case <-exec.Done():
		if _, err := exec.Wait(); errors.Is(err, runner.ErrSpawn) {
			h.save(finishRecord(rec, exec, nil, err))
			return errorResult(errorMessage(err))
		}
	default:
	}

	h.save(rec)
	h.running.Store(exec.ID, exec)
	h.wg.Add(1)
	go h.complete(exec, rec, n, sink)

	return textResult(
		"# Command execution started with output mode, "+mode.String(),
		"executionId: "+exec.ID,
		fmt.Sprintf("progressToken: %v", token),
	)
}

// complete waits for a background execution, records it and sends the
// final notification. The runner has closed the sink by the time Wait
// returns, so every output notification precedes the final one.
func (h *handler) complete(exec *runner.Execution, rec *history.Record, n *progressNotifier, sink *output.StreamingSink) {
	defer h.wg.Done()
	defer h.running.Delete(exec.ID)

	res, err := exec.Wait()
	h.save(finishRecord(rec, exec, res, err))

	stats := sink.Stats()
	h.log.Debug().
		Str("execution_id", exec.ID).
		Int("sent", stats.Sent).
		Int("merged", stats.Merged).
		Int("dropped", stats.Dropped).
		Msg("output stream closed")

	msg := fmt.Sprintf("exitCode: %d", res.ExitCode)
	if err != nil {
		msg = errorMessage(err)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(h.base), notifyTimeout)
	defer cancel()
	if err := n.send(ctx, msg); err != nil {
		h.log.Warn().Err(err).Str("execution_id", exec.ID).Msg("sending final notification")
	}
}

func (h *handler) streamOptions(mode output.Mode) output.StreamOptions {
	log := h.log
	return output.StreamOptions{
		Coalesce:   output.CoalesceFor(mode),
		Window:     h.stream.Window(),
		Rate:       h.stream.RateLimit(),
		Burst:      h.stream.BurstSize(),
		MaxPending: h.stream.PendingLimit(),
		Logger:     &log,
	}
}

// progressToken returns the client's token, or a generated one.
func progressToken(req *mcp.CallToolRequest) any {
	if req.Params != nil {
		if tok, ok := req.Params.Meta["progressToken"]; ok && tok != nil {
			return tok
		}
	}
	return "cmd-" + uuid.New().String()
}

func errorMessage(err error) string {
	return "Error: " + err.Error()
}

// progressNotifier turns output events into progress notifications on one
// session.
type progressNotifier struct {
	session *mcp.ServerSession
	token   any

	mu  sync.Mutex
	seq float64
}

func (p *progressNotifier) Notify(ctx context.Context, ev output.Event) error {
	return p.send(ctx, ev.Origin.String()+": "+ev.Text)
}

func (p *progressNotifier) send(ctx context.Context, msg string) error {
	if p.session == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	return p.session.NotifyProgress(ctx, &mcp.ProgressNotificationParams{
		ProgressToken: p.token,
		Message:       msg,
		Progress:      p.seq,
	})
}
