package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/deixis/shellcommand/internal/history"
	"github.com/deixis/shellcommand/internal/runner"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const resultToolName = "get-execution-result"

type resultParams struct {
	ExecutionID string `json:"execution_id" jsonschema:"The executionId returned when the execution was started"`
}

func (h *handler) resultHandler(_ context.Context, _ *mcp.CallToolRequest, params resultParams) (*mcp.CallToolResult, any, error) {
	if params.ExecutionID == "" {
		return errorResult("execution_id is required.")
	}

	rec, err := h.store.Load(params.ExecutionID)
	if errors.Is(err, history.ErrNotFound) {
		return errorResult(fmt.Sprintf("Execution %q not found. It may have been evicted from history.", params.ExecutionID))
	}
	if err != nil {
		return errorResult(fmt.Sprintf("Error: loading execution %s: %v", params.ExecutionID, err))
	}

	if !rec.Done() {
		if v, ok := h.running.Load(rec.ID); ok {
			rec.Stdout, rec.Stderr = v.(*runner.Execution).Snapshot()
		}
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("Error: encoding execution %s: %v", rec.ID, err))
	}
	return textResult(string(data))
}
