//go:build windows

package process

import (
	"errors"
	"os"
	"os/exec"
)

// terminateGroup has no graceful equivalent on Windows; the grace period
// simply elapses before killGroup.
func terminateGroup(pid int) error {
	return nil
}

func killGroup(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}
