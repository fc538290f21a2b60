//go:build !unix

package runner

import (
	"os/exec"
	"time"
)

// killGroupOnCancel keeps exec's default of killing the direct child only.
// Process groups are a unix concept.
func killGroupOnCancel(cmd *exec.Cmd, grace time.Duration) func() {
	return func() {}
}
