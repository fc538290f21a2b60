// Package runs keeps short summaries of recent gateway runs so that a run
// can be looked up by ID after its response has been sent. Summaries hold
// no payload, artifact or diagnostic text and live only in memory.
package runs

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// State is the terminal state of a run.
type State string

const (
	// Succeeded means an artifact was returned.
	Succeeded State = "succeeded"
	// Failed means a structured error was returned.
	Failed State = "failed"
)

// ErrNotFound is returned by Load for unknown or evicted run IDs.
var ErrNotFound = errors.New("run not found")

// Store records and retrieves run summaries.
type Store interface {
	Save(run *Run) error
	Load(id string) (*Run, error)
}

// Run summarises one gateway invocation.
type Run struct {
	ID           string        `json:"id"`
	Direction    string        `json:"direction"` // "process" (XML to BIN) or "import" (BIN to XML)
	State        State         `json:"state"`
	ErrorKind    string        `json:"error_kind,omitempty"`
	ExitCode     int           `json:"exit_code"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration_ns"`
	ArtifactSize int           `json:"artifact_size,omitempty"`
	SHA256       string        `json:"sha256,omitempty"`
	Truncated    bool          `json:"diagnostics_truncated,omitempty"`
}

// Format renders the run as the multi-line text used by the CLI and MCP.
func (r *Run) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run: %s\n", r.ID)
	if r.Direction != "" {
		fmt.Fprintf(&b, "Direction: %s\n", r.Direction)
	}
	fmt.Fprintf(&b, "State: %s\n", r.State)
	if r.ErrorKind != "" {
		fmt.Fprintf(&b, "Error: %s\n", r.ErrorKind)
	}
	fmt.Fprintf(&b, "Exit code: %d\n", r.ExitCode)
	fmt.Fprintf(&b, "Started: %s\n", r.StartedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Duration: %s\n", r.Duration.Round(time.Millisecond))
	if r.State == Succeeded {
		fmt.Fprintf(&b, "Size: %d bytes\n", r.ArtifactSize)
		fmt.Fprintf(&b, "SHA256: %s\n", r.SHA256)
	}
	if r.Truncated {
		fmt.Fprintln(&b, "Diagnostics were truncated.")
	}
	return b.String()
}
