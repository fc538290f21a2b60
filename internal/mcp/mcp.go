// Package mcp provides the xmlgate MCP server, exposing the gateway as tools
// and publishing model instructions.
package mcp

import (
	"context"
	_ "embed"

	"github.com/deixis/xmlgate"
	"github.com/deixis/xmlgate/internal/gateway"
	"github.com/deixis/xmlgate/internal/runs"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

//go:embed instructions.md
var Instructions string

// Processor runs a payload through the external processor.
// Implemented by gateway.Gateway.
type Processor interface {
	Process(ctx context.Context, payload string) (*gateway.Artifact, error)
}

// Importer runs a binary payload through the import processor.
// Implemented by gateway.Gateway.
type Importer interface {
	Import(ctx context.Context, data []byte) (*gateway.Artifact, error)
}

// handler holds shared dependencies for all tool handlers.
type handler struct {
	proc     Processor
	importer Importer   // nil leaves xml_import unregistered
	runs     runs.Store // nil disables xml_inspect lookups
	logger   *zap.Logger
}

// NewServer creates an MCP server with all xmlgate tools registered.
func NewServer(proc Processor, store runs.Store, opts ...ServerOption) *mcp.Server {
	var so serverOptions
	for _, o := range opts {
		o(&so)
	}
	h := &handler{proc: proc, importer: so.importer, runs: store, logger: so.logger}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}

	s := mcp.NewServer(&mcp.Implementation{Name: "xmlgate", Version: xmlgate.Version}, &mcp.ServerOptions{
		Instructions: Instructions,
		Capabilities: &mcp.ServerCapabilities{
			Tools: &mcp.ToolCapabilities{ListChanged: false},
		},
	})

	mcp.AddTool(s, &mcp.Tool{
		Name: "xml_process",
		Description: `Convert an XML document to the binary artifact produced by the configured processor.

Returns a summary (run ID, size, SHA-256) and the artifact as an embedded blob resource.
On failure the result is an error whose text starts with the failure class.`,
	}, h.processHandler)

	if h.importer != nil {
		mcp.AddTool(s, &mcp.Tool{
			Name: "xml_import",
			Description: `Convert a binary artifact back to XML with the configured import processor.

The input is the binary file, base64-encoded. Returns a summary and the XML as an embedded text resource.`,
		}, h.importHandler)
	}

	mcp.AddTool(s, &mcp.Tool{
		Name:        "xml_inspect",
		Description: "Show the summary of a recent xml_process run: state, exit code, duration, size and checksum.",
	}, h.inspectHandler)

	return s
}

// ServerOption configures the xmlgate MCP server.
type ServerOption func(*serverOptions)

type serverOptions struct {
	logger   *zap.Logger
	importer Importer
}

// WithLogger attaches a logger to the server's tool handlers.
func WithLogger(l *zap.Logger) ServerOption {
	return func(o *serverOptions) {
		o.logger = l
	}
}

// WithImporter registers the xml_import tool backed by imp.
func WithImporter(imp Importer) ServerOption {
	return func(o *serverOptions) {
		o.importer = imp
	}
}

// textResult is a helper to build a text-only tool result.
func textResult(text string) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}, nil, nil
}

// errorResult is a helper to build an error tool result.
func errorResult(text string) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: true,
	}, nil, nil
}
