package mcp

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/deixis/xmlgate/internal/gateway"
	"github.com/deixis/xmlgate/internal/runner"
	"github.com/deixis/xmlgate/internal/runs"
	"github.com/deixis/xmlgate/internal/staging"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// setup creates an xmlgate MCP server backed by a real gateway running the
// given processor script, and connects a client over in-memory transports.
func setup(t *testing.T, script string) *mcp.ClientSession {
	t.Helper()
	return setupWithImport(t, script, "")
}

func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

// setupWithImport is setup with an import processor; an empty importScript
// leaves import disabled.
func setupWithImport(t *testing.T, script, importScript string) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()

	root := filepath.Join(t.TempDir(), "staging")
	logger := zaptest.NewLogger(t)
	store := runs.NewLRUStore(8)
	o := gateway.Options{
		Processor: writeScript(t, "processor.sh", script),
		Runner:    &runner.Runner{Root: root, Timeout: 5 * time.Second, MaxOutput: 1 << 16},
		Staging:   staging.NewArea(root, logger),
		Runs:      store,
		Logger:    logger,
	}
	if importScript != "" {
		o.Import = writeScript(t, "import.sh", importScript)
	}
	gw, err := gateway.New(o)
	require.NoError(t, err)

	opts := []ServerOption{WithLogger(logger)}
	if gw.CanImport() {
		opts = append(opts, WithImporter(gw))
	}
	server := NewServer(gw, store, opts...)

	ct, st := mcp.NewInMemoryTransports()
	ss, err := server.Connect(ctx, st, nil)
	require.NoError(t, err)

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	cs, err := client.Connect(ctx, ct, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = cs.Close()
		_ = ss.Wait()
	})
	return cs
}

func callTool(t *testing.T, cs *mcp.ClientSession, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err, "CallTool(%s)", name)
	return res
}

func resultText(r *mcp.CallToolResult) string {
	var parts []string
	for _, c := range r.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func runIDFrom(t *testing.T, text string) string {
	t.Helper()
	for _, line := range strings.Split(text, "\n") {
		if id, ok := strings.CutPrefix(line, "Run: "); ok {
			return id
		}
	}
	t.Fatalf("no Run: line in:\n%s", text)
	return ""
}

func TestListTools(t *testing.T) {
	cs := setup(t, `exit 0`)
	res, err := cs.ListTools(context.Background(), &mcp.ListToolsParams{})
	require.NoError(t, err)

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"xml_process", "xml_inspect"}, names)
}

func TestXMLProcess_Success(t *testing.T) {
	cs := setup(t, `printf '\001\002\003' > "$2"`)
	res := callTool(t, cs, "xml_process", map[string]any{"xml": "<root/>"})
	text := resultText(res)
	require.False(t, res.IsError, text)
	assert.Contains(t, text, "Status: OK")
	assert.Contains(t, text, "Size: 3 bytes")

	var blob *mcp.EmbeddedResource
	for _, c := range res.Content {
		if er, ok := c.(*mcp.EmbeddedResource); ok {
			blob = er
		}
	}
	require.NotNil(t, blob, "expected an embedded resource")
	assert.Equal(t, []byte{1, 2, 3}, blob.Resource.Blob)
	assert.Equal(t, "application/octet-stream", blob.Resource.MIMEType)
	assert.True(t, strings.HasSuffix(blob.Resource.URI, "/result.bin"))
}

func TestXMLProcess_ProcessorFailure(t *testing.T) {
	cs := setup(t, `echo boom >&2; exit 1`)
	res := callTool(t, cs, "xml_process", map[string]any{"xml": "<root/>"})
	text := resultText(res)
	require.True(t, res.IsError)
	assert.True(t, strings.HasPrefix(text, "EXE failed: boom"), text)
	assert.Contains(t, text, "xml_inspect")
}

func TestXMLProcess_EmptyXML(t *testing.T) {
	cs := setup(t, `exit 0`)
	res := callTool(t, cs, "xml_process", map[string]any{"xml": ""})
	require.True(t, res.IsError)
	assert.Equal(t, "No XML data submitted", resultText(res))
}

func TestXMLProcess_MissingArgument(t *testing.T) {
	cs := setup(t, `exit 0`)
	_, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "xml_process",
		Arguments: map[string]any{},
	})
	assert.Error(t, err, "expected schema validation error for missing xml")
}

func TestXMLInspect_AfterRun(t *testing.T) {
	cs := setup(t, `echo nope >&2; exit 7`)
	procRes := callTool(t, cs, "xml_process", map[string]any{"xml": "<root/>"})
	runID := runIDFrom(t, resultText(procRes))

	res := callTool(t, cs, "xml_inspect", map[string]any{"run_id": runID})
	text := resultText(res)
	require.False(t, res.IsError, text)
	assert.Contains(t, text, "State: failed")
	assert.Contains(t, text, "Error: processing_failure")
	assert.Contains(t, text, "Exit code: 7")
}

func TestXMLInspect_UnknownRun(t *testing.T) {
	cs := setup(t, `exit 0`)
	res := callTool(t, cs, "xml_inspect", map[string]any{"run_id": "nonexistent"})
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(res), "not found")
}

func TestFormatProcessError(t *testing.T) {
	text := formatProcessError(&gateway.Error{Kind: gateway.Timeout, RunID: "r1", Detail: "processor timed out after 1s"}, "No XML data submitted")
	assert.True(t, strings.HasPrefix(text, "Timeout: processor timed out after 1s"))
	assert.Contains(t, text, `xml_inspect(run_id="r1")`)

	text = formatProcessError(&gateway.Error{Kind: gateway.InternalError, Detail: "disk full"}, "No XML data submitted")
	assert.Equal(t, "Server error: disk full", text)
}

func TestListTools_WithImport(t *testing.T) {
	cs := setupWithImport(t, `exit 0`, `exit 0`)
	res, err := cs.ListTools(context.Background(), &mcp.ListToolsParams{})
	require.NoError(t, err)

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"xml_process", "xml_import", "xml_inspect"}, names)
}

func TestXMLImport_Success(t *testing.T) {
	cs := setupWithImport(t, `exit 1`, `printf '<bin size="%s"/>' "$(wc -c < "$1" | tr -d ' ')" > "$2"`)
	res := callTool(t, cs, "xml_import", map[string]any{"bin_base64": base64.StdEncoding.EncodeToString([]byte{0, 1, 2})})
	text := resultText(res)
	require.False(t, res.IsError, text)
	assert.Contains(t, text, "Status: OK")

	var xml *mcp.EmbeddedResource
	for _, c := range res.Content {
		if er, ok := c.(*mcp.EmbeddedResource); ok {
			xml = er
		}
	}
	require.NotNil(t, xml, "expected an embedded resource")
	assert.Equal(t, `<bin size="3"/>`, xml.Resource.Text)
	assert.Equal(t, "text/xml; charset=utf-8", xml.Resource.MIMEType)
	assert.True(t, strings.HasSuffix(xml.Resource.URI, "/result.xml"))

	inspect := callTool(t, cs, "xml_inspect", map[string]any{"run_id": runIDFrom(t, text)})
	assert.Contains(t, resultText(inspect), "Direction: import")
}

func TestXMLImport_Errors(t *testing.T) {
	cs := setupWithImport(t, `exit 0`, `echo 'bad header' >&2; exit 2`)

	res := callTool(t, cs, "xml_import", map[string]any{"bin_base64": "%%%"})
	require.True(t, res.IsError)
	assert.True(t, strings.HasPrefix(resultText(res), "Invalid BIN data"), resultText(res))

	res = callTool(t, cs, "xml_import", map[string]any{"bin_base64": ""})
	require.True(t, res.IsError)
	assert.Equal(t, "No BIN data submitted", resultText(res))

	res = callTool(t, cs, "xml_import", map[string]any{"bin_base64": "AQI="})
	require.True(t, res.IsError)
	assert.True(t, strings.HasPrefix(resultText(res), "EXE failed: bad header"), resultText(res))
}

func TestXMLImport_NotRegisteredWithoutImporter(t *testing.T) {
	cs := setup(t, `exit 0`)
	_, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "xml_import",
		Arguments: map[string]any{"bin_base64": "AQI="},
	})
	assert.ErrorContains(t, err, "unknown tool")
}
