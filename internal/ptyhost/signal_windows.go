//go:build windows

package ptyhost

import (
	"os"
	"os/exec"
)

// interruptProcess kills the process. Windows has no SIGINT delivery to
// an arbitrary console process from outside its console.
func interruptProcess(p *os.Process) error {
	return p.Kill()
}

// terminateProcess kills the process. Windows does not support SIGTERM;
// termination is immediate.
func terminateProcess(p *os.Process) error {
	return p.Kill()
}

// waitPTYProcess waits for the PTY process to exit and returns exit info.
// On Windows, cmd.Process.Wait() is used since the process was started
// via ConPTY rather than cmd.Start().
func waitPTYProcess(cmd *exec.Cmd) (exitCode int, signalName string, err error) {
	state, err := cmd.Process.Wait()
	if err != nil {
		return 1, "", err
	}
	code := state.ExitCode()
	if code != 0 {
		return code, "", &exec.ExitError{ProcessState: state}
	}
	return 0, "", nil
}
