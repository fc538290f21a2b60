package runner

import "time"

// Result holds the outcome of a command execution.
type Result struct {
	ExitCode  int           // process exit code; -1 when killed on timeout
	Stdout    []byte        // captured stdout (may be truncated)
	Stderr    []byte        // captured stderr (may be truncated)
	Truncated bool          // true if either stream exceeded the size cap
	TimedOut  bool          // true if the process was killed on timeout
	Duration  time.Duration // wall-clock time from start to exit
}

// OK reports whether the process ran to completion with exit code 0.
func (r *Result) OK() bool {
	return !r.TimedOut && r.ExitCode == 0
}
