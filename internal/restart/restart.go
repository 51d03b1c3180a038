// Package restart provides the external restart action the watchdog invokes
// when the worker's heartbeat goes stale.
package restart

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loykin/keepalive/internal/process"
)

// Restarter asks something outside the watchdog to restart the worker.
// Restart returns once the action has been started; it does not wait for
// the worker to come back.
type Restarter interface {
	Restart(ctx context.Context) error
}

// Func adapts a function to Restarter.
type Func func(ctx context.Context) error

func (f Func) Restart(ctx context.Context) error { return f(ctx) }

// Command runs an opaque shell command, for example
// "systemctl restart bot.service" or "docker restart bot".
type Command struct {
	Command string
	Env     []string
	Log     *slog.Logger
	// exited receives the exit code of each reaped command; tests only.
	exited chan<- int
}

// NewCommand returns a Command restarter, or nil when cmd is empty.
func NewCommand(cmd string, log *slog.Logger) *Command {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return nil
	}
	if log == nil {
		log = slog.Default()
	}
	return &Command{Command: cmd, Log: log}
}

// Restart starts the command and reaps it in the background. An error is
// returned only when the command could not be started.
func (c *Command) Restart(ctx context.Context) error {
	if c == nil || strings.TrimSpace(c.Command) == "" {
		return errors.New("restart command not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	cmd := process.BuildShellAware(c.Command)
	if len(c.Env) > 0 {
		cmd.Env = c.Env
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start restart command: %w", err)
	}
	log := c.Log
	if log == nil {
		log = slog.Default()
	}
	pid := cmd.Process.Pid
	log.Info("restart command started", "pid", pid)
	go func() {
		err := cmd.Wait()
		code := cmd.ProcessState.ExitCode()
		if err != nil {
			log.Warn("restart command failed", "pid", pid, "exit_code", code, "error", err)
		} else {
			log.Info("restart command finished", "pid", pid)
		}
		if c.exited != nil {
			c.exited <- code
		}
	}()
	return nil
}
