package main

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/deixis/xmlgate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig writes a processor script and a config pointing at it,
// returning the config path.
func writeConfig(t *testing.T, script string) string {
	t.Helper()
	return writeConfigWithImport(t, script, "")
}

// writeConfigWithImport is writeConfig with an import processor script; an
// empty importScript leaves import disabled.
func writeConfigWithImport(t *testing.T, script, importScript string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "processor.sh"), []byte("#!/bin/sh\n"+script+"\n"), 0o755))

	cfg := "processor: processor.sh\n" +
		"timeout: 5s\n" +
		"staging_dir: " + filepath.Join(dir, "staging") + "\n"
	if importScript != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "import.sh"), []byte("#!/bin/sh\n"+importScript+"\n"), 0o755))
		cfg += "import_processor: import.sh\n"
	}
	path := filepath.Join(dir, ".xmlgate")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(""))
	err = cmd.Execute()
	return out.String(), errOut.String(), err
}

func TestVersion(t *testing.T) {
	out, _, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, xmlgate.Version+"\n", out)
}

func TestProcess_WritesArtifact(t *testing.T) {
	cfg := writeConfig(t, `printf '\001\002\003' > "$2"`)
	dir := t.TempDir()
	in := filepath.Join(dir, "in.xml")
	require.NoError(t, os.WriteFile(in, []byte("<root/>"), 0o644))
	dst := filepath.Join(dir, "out.bin")

	out, _, err := execute(t, "--config", cfg, "process", in, "-o", dst)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote 3 bytes")

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)
}

func TestProcess_RelativeOutputReportedAbsolute(t *testing.T) {
	cfg := writeConfig(t, `printf 'ab' > "$2"`)
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile("in.xml", []byte("<root/>"), 0o644))

	out, _, err := execute(t, "--config", cfg, "process", "in.xml", "-o", "out.bin")
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote 2 bytes to "+filepath.Join(dir, "out.bin"))

	got, err := os.ReadFile(filepath.Join(dir, "out.bin"))
	require.NoError(t, err)
	assert.Equal(t, "ab", string(got))
}

func TestProcess_Stdout(t *testing.T) {
	cfg := writeConfig(t, `cat "$1" > "$2"`)
	in := filepath.Join(t.TempDir(), "in.xml")
	require.NoError(t, os.WriteFile(in, []byte("<a>b</a>"), 0o644))

	out, _, err := execute(t, "--config", cfg, "process", in, "-o", "-")
	require.NoError(t, err)
	assert.Equal(t, "<a>b</a>", out)
}

func TestProcess_ProcessorFailure(t *testing.T) {
	cfg := writeConfig(t, `echo boom >&2; exit 1`)
	in := filepath.Join(t.TempDir(), "in.xml")
	require.NoError(t, os.WriteFile(in, []byte("<root/>"), 0o644))

	_, _, err := execute(t, "--config", cfg, "process", in, "-o", "-")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "processor failed")
	assert.Contains(t, err.Error(), "boom")
}

func TestProcess_EmptyInput(t *testing.T) {
	cfg := writeConfig(t, `exit 0`)
	in := filepath.Join(t.TempDir(), "empty.xml")
	require.NoError(t, os.WriteFile(in, nil, 0o644))

	_, _, err := execute(t, "--config", cfg, "process", in)
	require.EqualError(t, err, "input is empty")
}

func TestImport_WritesXML(t *testing.T) {
	cfg := writeConfigWithImport(t, `exit 1`, `printf '<bin size="%s"/>' "$(wc -c < "$1" | tr -d ' ')" > "$2"`)
	dir := t.TempDir()
	in := filepath.Join(dir, "project.bin")
	require.NoError(t, os.WriteFile(in, []byte{0, 1, 2, 3, 4}, 0o644))
	dst := filepath.Join(dir, "project.xml")

	out, _, err := execute(t, "--config", cfg, "import", in, "-o", dst)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote 15 bytes to "+dst)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, `<bin size="5"/>`, string(got))
}

func TestImport_Disabled(t *testing.T) {
	cfg := writeConfig(t, `exit 0`)
	in := filepath.Join(t.TempDir(), "project.bin")
	require.NoError(t, os.WriteFile(in, []byte{1}, 0o644))

	_, _, err := execute(t, "--config", cfg, "import", in, "-o", "-")
	require.ErrorContains(t, err, "import_processor")
}

func TestMCPInstructions_NeedNoConfig(t *testing.T) {
	t.Setenv("XMLGATE_PROCESSOR", "")
	missing := filepath.Join(t.TempDir(), "absent.yaml")

	out, _, err := execute(t, "--config", missing, "mcp", "--instructions")
	require.NoError(t, err)
	assert.Contains(t, out, "xml_process")
}

func TestSetup_MissingProcessor(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".xmlgate")
	require.NoError(t, os.WriteFile(path, []byte("processor: missing.sh\n"), 0o644))

	_, _, err := execute(t, "--config", path, "process", "-")
	require.Error(t, err)
}

func TestSetup_BadLogLevel(t *testing.T) {
	cfg := writeConfig(t, `exit 0`)
	data, err := os.ReadFile(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(cfg, append(data, []byte("log_level: loud\n")...), 0o644))

	_, _, err = execute(t, "--config", cfg, "process", "-")
	require.ErrorContains(t, err, "log_level")
}

func TestBrowserURL(t *testing.T) {
	tests := []struct {
		addr net.Addr
		want string
	}{
		{&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5000}, "http://127.0.0.1:5000/"},
		{&net.TCPAddr{IP: net.IPv4zero, Port: 8080}, "http://127.0.0.1:8080/"},
		{&net.TCPAddr{IP: net.IPv6unspecified, Port: 80}, "http://127.0.0.1:80/"},
		{&net.TCPAddr{IP: net.IPv6loopback, Port: 81}, "http://[::1]:81/"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, browserURL(tt.addr), tt.addr.String())
	}
}
