package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/keepalive/internal/config"
	"github.com/loykin/keepalive/internal/history"
	"github.com/loykin/keepalive/internal/metrics"
	"github.com/loykin/keepalive/internal/server"
	"github.com/loykin/keepalive/internal/supervisor"
)

func createSuperviseCommand(global *GlobalFlags) *cobra.Command {
	flags := &SuperviseFlags{}
	cmd := &cobra.Command{
		Use:   "supervise",
		Short: "Run the worker and restart it after crashes",
		Long: `Run the worker command and restart it with exponential backoff whenever it
exits with a non-zero code. keepalive exits 0 when the worker exits cleanly
or on SIGINT/SIGTERM, and 1 once the restart budget is exhausted.

Examples:
  keepalive supervise --command "python -m bot"
  keepalive supervise --config keepalive.toml --max-attempts 10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, global, map[string]string{
				"supervisor.name":         "name",
				"supervisor.command":      "command",
				"supervisor.workdir":      "workdir",
				"supervisor.max_attempts": "max-attempts",
				"supervisor.base_delay":   "base-delay",
				"supervisor.max_delay":    "max-delay",
				"supervisor.grace_period": "grace-period",
				"supervisor.output_file":  "output-file",
				"server.listen":           "listen",
			})
			if err != nil {
				return err
			}
			return runSupervise(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&flags.Name, "name", "", "worker name used in logs and metrics")
	cmd.Flags().StringVar(&flags.Command, "command", "", "worker command line")
	cmd.Flags().StringVar(&flags.WorkDir, "workdir", "", "worker working directory")
	cmd.Flags().IntVar(&flags.MaxAttempts, "max-attempts", 0, "consecutive failed attempts before giving up")
	cmd.Flags().DurationVar(&flags.BaseDelay, "base-delay", 0, "delay after the first crash")
	cmd.Flags().DurationVar(&flags.MaxDelay, "max-delay", 0, "upper bound for the backoff delay")
	cmd.Flags().DurationVar(&flags.GracePeriod, "grace-period", 0, "time between SIGTERM and SIGKILL on shutdown")
	cmd.Flags().StringVar(&flags.OutputFile, "output-file", "", "also write worker output to this rotated file")
	cmd.Flags().StringVar(&flags.Listen, "listen", "", "status server address, e.g. :9090")
	return cmd
}

func runSupervise(ctx context.Context, cfg *config.Config, stdout io.Writer) error {
	log := setupLogger(cfg, "supervisor")
	spec, err := cfg.WorkerSpec()
	if err != nil {
		return err
	}
	workerEnv, err := sharedEnv(cfg)
	if err != nil {
		return fmt.Errorf("worker environment: %w", err)
	}

	out := stdout
	fileOut, err := cfg.Logger().OutputWriter(spec.Name)
	if err != nil {
		return fmt.Errorf("worker output file: %w", err)
	}
	if fileOut != nil {
		defer func() { _ = fileOut.Close() }()
		out = io.MultiWriter(stdout, fileOut)
	}

	sinks := openHistory(cfg.History.DSN, log)
	defer history.CloseAll(sinks)

	sup, err := supervisor.New(supervisor.Config{
		Spec:        spec,
		Env:         workerEnv,
		Policy:      cfg.Policy(),
		GracePeriod: cfg.Supervisor.GracePeriod,
		Output:      out,
	}, supervisor.WithLogger(log), supervisor.WithHistory(sinks...))
	if err != nil {
		return err
	}

	opts := []server.Option{server.WithSupervisor(sup)}
	if cfg.Server.Listen != "" {
		sampler := metrics.NewResourceSampler(spec.Name, cfg.Server.ResourceInterval, log)
		if err := sampler.Register(prometheus.DefaultRegisterer); err != nil {
			log.Warn("failed to register resource metrics", "error", err)
		}
		sctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go sampler.Run(sctx, func() int { return sup.Status().PID })
		opts = append(opts, server.WithResources(sampler.Last))
	}
	srv := startStatusServer(cfg, log, opts...)
	defer stopStatusServer(srv, log)

	res, err := sup.Run(ctx)
	if errors.Is(err, supervisor.ErrRetriesExhausted) {
		return fmt.Errorf("%w after %d attempts (last exit code %d)", supervisor.ErrRetriesExhausted, res.Attempts, res.LastExitCode)
	}
	if err != nil {
		return err
	}
	log.Info("supervise finished", "reason", res.Reason, "attempts", res.Attempts, "exit_code", res.LastExitCode)
	return nil
}

