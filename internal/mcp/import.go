package mcp

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

type importParams struct {
	BinBase64 string `json:"bin_base64" jsonschema:"the binary file to convert, base64-encoded"`
}

func (h *handler) importHandler(ctx context.Context, req *mcp.CallToolRequest, params importParams) (*mcp.CallToolResult, any, error) {
	data, err := base64.StdEncoding.DecodeString(params.BinBase64)
	if err != nil {
		return errorResult(fmt.Sprintf("Invalid BIN data: %v", err))
	}

	art, err := h.importer.Import(ctx, data)
	if err != nil {
		h.logger.Debug("xml_import failed", zap.Error(err))
		return errorResult(formatProcessError(err, "No BIN data submitted"))
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: summary(art)},
			&mcp.EmbeddedResource{
				Resource: &mcp.ResourceContents{
					URI:      artifactURI(art),
					MIMEType: art.MIMEType,
					Text:     string(art.Data),
				},
			},
		},
	}, nil, nil
}
