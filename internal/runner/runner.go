// Package runner provides bounded command execution: a root directory the
// working directory must stay inside, a timeout with forced termination, and
// output size limits.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// DefaultWaitDelay bounds how long Run waits for output pipes to close after
// the process has been killed.
const DefaultWaitDelay = 2 * time.Second

// DefaultKillGrace is how long a cancelled command's process group has to
// exit after SIGTERM before it is sent SIGKILL.
const DefaultKillGrace = time.Second

// Runner executes commands within a root directory.
type Runner struct {
	Root      string        // cwd passed to Run must resolve inside Root
	Timeout   time.Duration // 0 disables the timeout
	MaxOutput int           // bytes kept per stream
	WaitDelay time.Duration // 0 uses DefaultWaitDelay
	KillGrace time.Duration // 0 uses DefaultKillGrace
}

// Run executes argv. The first element is the binary (resolved via PATH
// when it has no separator), the rest are arguments. cwd is resolved
// relative to Root and must remain within it.
//
// On timeout or cancellation the command's whole process group is
// terminated, so children it started do not outlive it.
//
// A non-zero exit or a timeout is reported in the Result, not as an error.
// An error means the command could not be run at all, or ctx was cancelled.
func (r *Runner) Run(ctx context.Context, argv []string, cwd string) (*Result, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty argv")
	}

	dir, err := r.resolveDir(cwd)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if r.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.Timeout)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}

	stdout := &limitWriter{limit: r.MaxOutput}
	stderr := &limitWriter{limit: r.MaxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	grace := r.KillGrace
	if grace <= 0 {
		grace = DefaultKillGrace
	}
	reap := killGroupOnCancel(cmd, grace)

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)
	reap()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("running %s: %w", argv[0], err)
	}

	res := &Result{
		Stdout:    stdout.buf.Bytes(),
		Stderr:    stderr.buf.Bytes(),
		Truncated: stdout.truncated || stderr.truncated,
		Duration:  elapsed,
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		res.ExitCode = -1
		return res, nil
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			// Binary not found, permission denied, or other exec error.
			return nil, fmt.Errorf("executing %s: %w", argv[0], runErr)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	return res, nil
}

// resolveDir resolves cwd relative to Root and validates it is within Root.
func (r *Runner) resolveDir(cwd string) (string, error) {
	if cwd == "" {
		return r.Root, nil
	}

	var dir string
	if filepath.IsAbs(cwd) {
		dir = filepath.Clean(cwd)
	} else {
		dir = filepath.Clean(filepath.Join(r.Root, cwd))
	}

	rel, err := filepath.Rel(r.Root, dir)
	if err != nil {
		return "", fmt.Errorf("resolving cwd: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("cwd %q is outside root %q", cwd, r.Root)
	}
	return dir, nil
}

// limitWriter keeps up to limit bytes, then silently discards the rest.
// A limit of zero or less keeps nothing.
type limitWriter struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (w *limitWriter) Write(p []byte) (int, error) {
	remaining := w.limit - w.buf.Len()
	if remaining <= 0 {
		if len(p) > 0 {
			w.truncated = true
		}
		return len(p), nil
	}
	if len(p) > remaining {
		// Report all bytes as consumed to avoid short write errors from io.Copy.
		w.buf.Write(p[:remaining])
		w.truncated = true
		return len(p), nil
	}
	return w.buf.Write(p)
}
