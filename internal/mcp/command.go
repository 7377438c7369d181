package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/deixis/shellcommand/internal/output"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const commandToolName = "execute-command"

type commandParams struct {
	Command    string            `json:"command" jsonschema:"The shell command to execute"`
	WorkingDir string            `json:"workingDir,omitempty" jsonschema:"Working directory for command execution"`
	Env        map[string]string `json:"env,omitempty" jsonschema:"Environment variables for the command"`
	Timeout    int64             `json:"timeout,omitempty" jsonschema:"Timeout in milliseconds"`
}

// commandOutput is the JSON body returned by execute-command.
type commandOutput struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

func (h *handler) commandHandler(ctx context.Context, req *mcp.CallToolRequest, params commandParams) (*mcp.CallToolResult, any, error) {
	r, err := buildRequest(params.Command, params.WorkingDir, params.Env, params.Timeout)
	if err != nil {
		return errorResult("Error executing command: " + err.Error())
	}

	exec := h.runner.Start(ctx, r, output.Complete, nil)
	rec := newRecord(exec, r, "")
	res, err := exec.Wait()
	h.save(finishRecord(rec, exec, res, err))
	if err != nil {
		return errorResult("Error executing command: " + err.Error())
	}

	data, err := json.MarshalIndent(commandOutput{
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
	}, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("Error executing command: encoding result: %v", err))
	}
	return textResult(string(data))
}
