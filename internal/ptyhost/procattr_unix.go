//go:build unix && !linux

package ptyhost

import (
	"os/exec"
	"syscall"
)

// setProcAttr configures the child before the PTY start. The PTY start
// already makes the child a session and process-group leader via
// Setsid, so no Setpgid here. Pdeathsig is Linux-only; on macOS/BSD
// orphan cleanup relies on explicit Close calls.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{}
}

// killProcessGroup force-kills the entire process group for the given PID.
func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
