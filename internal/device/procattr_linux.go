//go:build linux

package device

import (
	"os/exec"
	"syscall"
)

// configureProcess makes the kernel kill the producer if we exit abnormally.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
}
