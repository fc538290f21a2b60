package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/deixis/xmlgate/internal/gateway"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

type processParams struct {
	XML string `json:"xml" jsonschema:"the XML document to convert"`
}

func (h *handler) processHandler(ctx context.Context, req *mcp.CallToolRequest, params processParams) (*mcp.CallToolResult, any, error) {
	art, err := h.proc.Process(ctx, params.XML)
	if err != nil {
		h.logger.Debug("xml_process failed", zap.Error(err))
		return errorResult(formatProcessError(err, "No XML data submitted"))
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: summary(art)},
			&mcp.EmbeddedResource{
				Resource: &mcp.ResourceContents{
					URI:      artifactURI(art),
					MIMEType: art.MIMEType,
					Blob:     art.Data,
				},
			},
		},
	}, nil, nil
}

func summary(art *gateway.Artifact) string {
	var b strings.Builder
	fmt.Fprintln(&b, "Status: OK")
	fmt.Fprintf(&b, "Run: %s\n", art.RunID)
	fmt.Fprintf(&b, "Size: %d bytes\n", len(art.Data))
	fmt.Fprintf(&b, "SHA256: %s\n", art.SHA256)
	return b.String()
}

func artifactURI(art *gateway.Artifact) string {
	return fmt.Sprintf("xmlgate://runs/%s/%s", art.RunID, art.Filename)
}

// formatProcessError renders a gateway failure with the same wording the
// HTTP endpoints use, followed by an inspect hint when a run was recorded.
// noData is the text for an empty payload.
func formatProcessError(err error, noData string) string {
	detail := err.Error()
	runID := ""
	var ge *gateway.Error
	if errors.As(err, &ge) {
		detail = ge.Detail
		runID = ge.RunID
	}

	var b strings.Builder
	switch gateway.KindOf(err) {
	case gateway.InvalidInput:
		b.WriteString(noData)
	case gateway.ProcessingFailure:
		fmt.Fprintf(&b, "EXE failed: %s", strings.TrimRight(detail, "\n"))
	case gateway.Timeout:
		fmt.Fprintf(&b, "Timeout: %s", detail)
	default:
		fmt.Fprintf(&b, "Server error: %s", detail)
	}
	if runID != "" {
		fmt.Fprintf(&b, "\n\nRun: %s\nInspect with xml_inspect(run_id=%q).", runID, runID)
	}
	return b.String()
}
