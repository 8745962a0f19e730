//go:build windows

package runtime

import (
	"os/exec"
	"time"
)

// terminateGrace is the WaitDelay: how long exec waits, after the kill, for
// the child to exit and its pipes to close.
const terminateGrace = 5 * time.Second

// setProcGroup configures cancellation behavior on Windows. Process groups
// are not used and no terminate signal is sent: context cancellation kills
// the direct child at once, and grandchildren are not signalled.
func setProcGroup(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}
	cmd.WaitDelay = terminateGrace
}
