//go:build windows

package ptyhost

import (
	"fmt"
	"os/exec"
	"syscall"
)

// setProcAttr configures the command to run in its own process group.
// On Windows this is the CREATE_NEW_PROCESS_GROUP flag.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// killProcessGroup kills the entire process tree for the given PID.
// taskkill /F /T kills the process and all of its children.
func killProcessGroup(pid int) error {
	kill := exec.Command("taskkill", "/F", "/T", "/PID", fmt.Sprintf("%d", pid))
	return kill.Run()
}
