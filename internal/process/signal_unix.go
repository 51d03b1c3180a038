//go:build !windows

package process

import (
	"errors"
	"os/exec"
	"syscall"
)

// terminateGroup asks the worker's process group to exit.
func terminateGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// killGroup forcibly kills the worker's process group.
func killGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}

// exitCode maps a Wait error to a shell-style exit code: the exit status for
// normal exits and 128+signal for signalled processes (137 for SIGKILL).
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return -1
	}
	if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ee.ExitCode()
}
