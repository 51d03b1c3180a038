//go:build windows

package process

import "os/exec"

// getShellCommand returns a cmd.exe command for Windows
func getShellCommand(script string) *exec.Cmd {
	// #nosec G204
	return exec.Command("cmd", "/C", script)
}

// getTrueCommand returns a command that always succeeds on Windows
func getTrueCommand() *exec.Cmd {
	// #nosec G204
	return exec.Command("cmd", "/C", "exit 0")
}
