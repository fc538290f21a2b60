// Package browser opens the front page in the user's desktop browser.
package browser

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/deixis/xmlgate/internal/runner"
)

// CommandRunner executes a command. Implemented by runner.Runner.
type CommandRunner interface {
	Run(ctx context.Context, argv []string, cwd string) (*runner.Result, error)
}

// Opener launches the platform URL handler.
type Opener struct {
	Runner  CommandRunner
	Command func(url string) []string // defaults to Command
	Delay   time.Duration             // wait before opening, so the server is up
}

// NewOpener returns an Opener using a short-lived runner.
func NewOpener(delay time.Duration) *Opener {
	return &Opener{
		Runner: &runner.Runner{Timeout: 10 * time.Second, MaxOutput: 4 << 10},
		Delay:  delay,
	}
}

// Open waits for Delay, then opens url. It returns early if ctx ends first.
func (o *Opener) Open(ctx context.Context, url string) error {
	if o.Delay > 0 {
		t := time.NewTimer(o.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}

	command := o.Command
	if command == nil {
		command = Command
	}
	argv := command(url)
	if len(argv) == 0 {
		return fmt.Errorf("no browser command for %s", runtime.GOOS)
	}

	res, err := o.Runner.Run(ctx, argv, "")
	if err != nil {
		return fmt.Errorf("opening browser: %w", err)
	}
	if !res.OK() {
		return fmt.Errorf("opening browser: %s exited with %d: %s", argv[0], res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}
	return nil
}

// Command returns the argv that opens url on the current platform.
func Command(url string) []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{"open", url}
	case "windows":
		return []string{"rundll32", "url.dll,FileProtocolHandler", url}
	default:
		return []string{"xdg-open", url}
	}
}
