//go:build unix

package runner

import (
	"errors"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// killGroupOnCancel starts cmd in its own process group and makes context
// cancellation signal the whole group: SIGTERM first, SIGKILL after grace.
// The returned func must be called after Wait returns; if cancellation
// fired, it kills whatever is left of the group.
func killGroupOnCancel(cmd *exec.Cmd, grace time.Duration) func() {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var (
		mu        sync.Mutex
		cancelled bool
		timer     *time.Timer
	)
	cmd.Cancel = func() error {
		pgid := cmd.Process.Pid
		mu.Lock()
		cancelled = true
		timer = time.AfterFunc(grace, func() { _ = syscall.Kill(-pgid, syscall.SIGKILL) })
		mu.Unlock()

		err := syscall.Kill(-pgid, syscall.SIGTERM)
		if errors.Is(err, syscall.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}

	return func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		if cancelled && cmd.Process != nil {
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
	}
}
