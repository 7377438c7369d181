// Package mcp provides the shell-command MCP server, registering the
// execution tools and publishing model instructions.
package mcp

import (
	"context"
	_ "embed"
	"sync"

	"github.com/deixis/shellcommand"
	"github.com/deixis/shellcommand/internal/config"
	"github.com/deixis/shellcommand/internal/history"
	"github.com/deixis/shellcommand/internal/runner"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
)

//go:embed instructions.md
var Instructions string

// handler holds shared dependencies for all tool handlers.
type handler struct {
	runner *runner.Runner
	store  history.Store
	stream config.StreamConfig
	log    zerolog.Logger

	// base outlives individual tool calls; background executions and their
	// notifications run under it.
	base context.Context
	wg   *sync.WaitGroup

	// running maps execution IDs to live handles for get-execution-result.
	running sync.Map
}

// NewServer creates an MCP server with all execution tools registered.
func NewServer(cfg *config.Config, r *runner.Runner, store history.Store, opts ...ServerOption) *mcp.Server {
	so := serverOptions{
		base: context.Background(),
		log:  zerolog.Nop(),
		wg:   &sync.WaitGroup{},
	}
	for _, o := range opts {
		o(&so)
	}
	if store == nil {
		store = history.NewLRUStore(config.DefaultHistory, nil)
	}

	h := &handler{
		runner: r,
		store:  store,
		stream: cfg.Stream,
		log:    so.log,
		base:   so.base,
		wg:     so.wg,
	}

	mcpOpts := &mcp.ServerOptions{
		Instructions: Instructions,
		Capabilities: &mcp.ServerCapabilities{
			Tools: &mcp.ToolCapabilities{ListChanged: false},
		},
	}
	s := mcp.NewServer(&mcp.Implementation{Name: "shell-command-mcp", Version: shellcommand.Version}, mcpOpts)

	mcp.AddTool(s, &mcp.Tool{
		Name: syncToolName,
		Description: `This tool executes shell scripts synchronously in bash.
Executing each command creates a new bash process.
Synchronous execution requires waiting until the script completes.
Asynchronous execution makes it possible to execute multiple scripts in parallel.
Avoid using this tool unless you really need to, and use execute-bash-script-async whenever possible.`,
	}, h.syncHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name: asyncToolName,
		Description: `This tool executes shell scripts asynchronously in bash.
Each execution spawns a new bash process and returns immediately.
Output is pushed as progress notifications ("stdout: ...", "stderr: ...") and the last
notification is "exitCode: <n>" or "Error: <cause>".
Plan the scripts you need beforehand and execute them in parallel.`,
		InputSchema: asyncInputSchema(),
	}, h.asyncHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name:        commandToolName,
		Description: "Execute a shell command and return its stdout, stderr and exit code as JSON.",
	}, h.commandHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name: resultToolName,
		Description: `Fetch the record of an execution by ID.

Use the executionId returned by execute-bash-script-async. Running executions report the
output captured so far.`,
	}, h.resultHandler)

	return s
}

// ServerOption configures the MCP server.
type ServerOption func(*serverOptions)

type serverOptions struct {
	base context.Context
	log  zerolog.Logger
	wg   *sync.WaitGroup
}

// WithBaseContext sets the context background executions run under.
// Canceling it kills every execution still running.
func WithBaseContext(ctx context.Context) ServerOption {
	return func(o *serverOptions) {
		o.base = ctx
	}
}

// WithLogger attaches a logger to the server's tool handlers.
func WithLogger(log zerolog.Logger) ServerOption {
	return func(o *serverOptions) {
		o.log = log
	}
}

// WithWaitGroup registers every background execution with wg, so callers
// can wait for them to finish on shutdown.
func WithWaitGroup(wg *sync.WaitGroup) ServerOption {
	return func(o *serverOptions) {
		o.wg = wg
	}
}

// textResult is a helper to build a text-only tool result.
func textResult(texts ...string) (*mcp.CallToolResult, any, error) {
	content := make([]mcp.Content, 0, len(texts))
	for _, t := range texts {
		content = append(content, &mcp.TextContent{Text: t})
	}
	return &mcp.CallToolResult{Content: content}, nil, nil
}

// errorResult is a helper to build an error tool result.
func errorResult(text string) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: true,
	}, nil, nil
}
