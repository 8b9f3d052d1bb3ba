//go:build !linux

package device

import "os/exec"

func configureProcess(_ *exec.Cmd) {}
