package process

import (
	"errors"
	"os/exec"
	"strings"
)

// Spec describes the worker command launched on every attempt.
type Spec struct {
	Name    string   `json:"name" mapstructure:"name"`
	Command string   `json:"command" mapstructure:"command"`   // command to start the worker (shell-aware)
	WorkDir string   `json:"work_dir" mapstructure:"work_dir"` // optional working dir
	Env     []string `json:"env" mapstructure:"env"`           // extra KEY=VALUE entries
}

// Validate checks the fields required to launch the worker.
func (s Spec) Validate() error {
	var err error
	if strings.TrimSpace(s.Name) == "" {
		err = errors.Join(err, errors.New("worker requires name"))
	}
	if strings.TrimSpace(s.Command) == "" {
		err = errors.Join(err, errors.New("worker requires command"))
	}
	return err
}

// BuildCommand constructs an *exec.Cmd for the given spec.Command.
// It avoids invoking a shell when not necessary, and it also respects
// an explicit shell invocation already present in the command string
// (e.g., "sh -c 'echo hi'"), avoiding double-wrapping with another shell.
func (s Spec) BuildCommand() *exec.Cmd {
	return BuildShellAware(s.Command)
}

// BuildShellAware turns a command line into an *exec.Cmd, wrapping it in
// /bin/sh -c only when shell metacharacters are present.
func BuildShellAware(cmdStr string) *exec.Cmd {
	cmdStr = strings.TrimSpace(cmdStr)
	if cmdStr == "" {
		return getTrueCommand()
	}
	if afterC, ok := parseExplicitShell(cmdStr); ok {
		return getShellCommand(afterC)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return getShellCommand(cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204 -- the worker command is operator configuration
	return exec.Command(parts[0], parts[1:]...)
}

// parseExplicitShell detects "sh -c <ARG>" style prefixes and returns the
// script after -c with one pair of surrounding quotes stripped.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}
