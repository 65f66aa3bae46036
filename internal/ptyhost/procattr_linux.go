//go:build linux

package ptyhost

import (
	"os/exec"
	"syscall"
)

// setProcAttr configures the child before the PTY start. The PTY start
// already makes the child a session and process-group leader via
// Setsid; setting Setpgid alongside it makes fork/exec fail. Pdeathsig
// kills the child if the server dies without a clean shutdown.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGTERM,
	}
}

// killProcessGroup force-kills the entire process group for the given PID.
func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
