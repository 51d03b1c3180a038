package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/keepalive/internal/heartbeat"
	"github.com/loykin/keepalive/internal/process"
)

const signalCheckTimeout = 10 * time.Second

func createHeartbeatCommand(global *GlobalFlags) *cobra.Command {
	flags := &HeartbeatFlags{}
	cmd := &cobra.Command{
		Use:   "heartbeat",
		Short: "Write the worker heartbeat",
		Long: `Write the heartbeat record on behalf of a worker that cannot write it itself,
for example a shell script. Without --every a single heartbeat is written.

Examples:
  keepalive heartbeat
  keepalive heartbeat --every 30s --signal-check "redis-cli ping"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, global, map[string]string{
				"heartbeat.path":     "path",
				"heartbeat.interval": "every",
			})
			if err != nil {
				return err
			}
			log := setupLogger(cfg, "heartbeat")
			opts := []heartbeat.Option{
				heartbeat.WithLogger(log),
				heartbeat.WithInterval(cfg.Heartbeat.Interval),
			}
			if flags.SignalCheck != "" {
				opts = append(opts, heartbeat.WithSignalCheck(commandCheck(flags.SignalCheck)))
			}
			b := heartbeat.New(cfg.Heartbeat.Path, opts...)
			if !cmd.Flags().Changed("every") {
				return b.Beat(cmd.Context())
			}
			b.Run(cmd.Context())
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.Path, "path", "", "heartbeat file")
	cmd.Flags().DurationVar(&flags.Every, "every", 0, "keep writing at this interval")
	cmd.Flags().StringVar(&flags.SignalCheck, "signal-check", "", "command whose exit status reports signal bus health")
	return cmd
}

// commandCheck reports the signal bus healthy when command exits 0.
func commandCheck(command string) heartbeat.SignalCheck {
	return func(ctx context.Context) bool {
		ctx, cancel := context.WithTimeout(ctx, signalCheckTimeout)
		defer cancel()
		c := process.BuildShellAware(command)
		if err := c.Start(); err != nil {
			return false
		}
		done := make(chan error, 1)
		go func() { done <- c.Wait() }()
		select {
		case err := <-done:
			return err == nil
		case <-ctx.Done():
			_ = c.Process.Kill()
			<-done
			return false
		}
	}
}
