//go:build !windows

package ptyhost

import (
	"os"
	"os/exec"
	"syscall"
)

// interruptProcess sends SIGINT, the same signal Ctrl-C would deliver.
func interruptProcess(p *os.Process) error {
	return p.Signal(syscall.SIGINT)
}

// terminateProcess sends SIGTERM for graceful shutdown.
func terminateProcess(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}

// waitPTYProcess waits for the PTY process to exit and returns exit info.
// On Unix, cmd.Wait() exposes the WaitStatus for signal information.
func waitPTYProcess(cmd *exec.Cmd) (exitCode int, signalName string, err error) {
	err = cmd.Wait()
	if err == nil {
		return 0, "", nil
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return 1, "", err
	}
	waitStatus, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return 1, "", err
	}
	if waitStatus.Signaled() {
		return 128 + int(waitStatus.Signal()), waitStatus.Signal().String(), err
	}
	return waitStatus.ExitStatus(), "", err
}
