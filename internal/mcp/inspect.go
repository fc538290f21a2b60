package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/deixis/xmlgate/internal/runs"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type inspectParams struct {
	RunID string `json:"run_id" jsonschema:"the run ID from an xml_process result"`
}

func (h *handler) inspectHandler(ctx context.Context, req *mcp.CallToolRequest, params inspectParams) (*mcp.CallToolResult, any, error) {
	if params.RunID == "" {
		return errorResult("run_id is required")
	}
	if h.runs == nil {
		return errorResult("run history is disabled")
	}

	run, err := h.runs.Load(params.RunID)
	if err != nil {
		if errors.Is(err, runs.ErrNotFound) {
			return errorResult(fmt.Sprintf("Run %s not found. Only recent runs are kept.", params.RunID))
		}
		return errorResult(fmt.Sprintf("Failed to load run %s: %v", params.RunID, err))
	}
	return textResult(run.Format())
}
