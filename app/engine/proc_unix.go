//go:build !windows

package engine

import (
	"os/exec"
	"syscall"
)

// killProcessGroup makes cancellation kill the whole process group, so children of sh holding
// stdout open don't outlive the job
func killProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
