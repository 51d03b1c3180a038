package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/loykin/keepalive/internal/alert"
	"github.com/loykin/keepalive/internal/config"
	"github.com/loykin/keepalive/internal/history"
	"github.com/loykin/keepalive/internal/restart"
	"github.com/loykin/keepalive/internal/server"
	"github.com/loykin/keepalive/internal/watchdog"
)

func createWatchdogCommand(global *GlobalFlags) *cobra.Command {
	flags := &WatchdogFlags{}
	cmd := &cobra.Command{
		Use:   "watchdog",
		Short: "Watch the worker heartbeat and escalate when it goes stale",
		Long: `Poll the heartbeat file. When it is missing or older than the timeout the
watchdog alerts, writes the maintenance flag and runs the restart command
(at most once per cooldown). The maintenance flag is never cleared
automatically; use "keepalive maintenance clear".

Alert destinations:
  https://hooks.slack.com/services/...   Slack incoming webhook
  https://discord.com/api/webhooks/...   Discord webhook
  telegram://<bot-token>@<chat-id>       Telegram bot
  any other http(s) URL                  generic JSON webhook

Examples:
  keepalive watchdog --restart-command "systemctl restart bot.service"
  keepalive watchdog --once            # single poll, for cron`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, global, map[string]string{
				"watchdog.restart_command":   "restart-command",
				"alert.destination":          "alert",
				"watchdog.heartbeat_timeout": "timeout",
				"watchdog.poll_interval":     "interval",
				"server.listen":              "listen",
			})
			if err != nil {
				return err
			}
			return runWatchdog(cmd.Context(), cfg, flags.Once)
		},
	}
	cmd.Flags().StringVar(&flags.RestartCommand, "restart-command", "", "command run when the heartbeat goes stale")
	cmd.Flags().StringVar(&flags.AlertDestination, "alert", "", "alert destination URL")
	cmd.Flags().DurationVar(&flags.HeartbeatTimeout, "timeout", 0, "heartbeat age that counts as stale")
	cmd.Flags().DurationVar(&flags.PollInterval, "interval", 0, "poll interval")
	cmd.Flags().StringVar(&flags.Listen, "listen", "", "status server address, e.g. :9091")
	cmd.Flags().BoolVar(&flags.Once, "once", false, "poll once and exit")
	return cmd
}

func runWatchdog(ctx context.Context, cfg *config.Config, once bool) error {
	log := setupLogger(cfg, "watchdog")

	notifier, err := buildNotifier(cfg, log)
	if err != nil {
		return err
	}
	sinks := openHistory(cfg.History.DSN, log)
	defer history.CloseAll(sinks)

	opts := []watchdog.Option{
		watchdog.WithLogger(log),
		watchdog.WithNotifier(notifier),
		watchdog.WithHistory(sinks...),
	}
	if r := restart.NewCommand(cfg.Watchdog.RestartCommand, log); r != nil {
		if r.Env, err = sharedEnv(cfg); err != nil {
			return fmt.Errorf("restart command environment: %w", err)
		}
		opts = append(opts, watchdog.WithRestarter(r))
	}
	wd := watchdog.New(cfg.WatchdogConfig(), opts...)

	if once {
		obs := wd.Poll(ctx)
		log.Info("poll finished", "condition", obs.Condition, "reason", obs.Reason)
		return nil
	}

	srv := startStatusServer(cfg, log, server.WithWatchdog(wd))
	defer stopStatusServer(srv, log)
	wd.Run(ctx)
	return nil
}

// buildNotifier resolves the alert destination. Real destinations are
// wrapped in a circuit breaker so a dead endpoint is not hit on every poll.
func buildNotifier(cfg *config.Config, log *slog.Logger) (alert.Notifier, error) {
	n, err := alert.NewFromDestination(cfg.Alert.Destination)
	if err != nil {
		return nil, fmt.Errorf("alert destination: %w", err)
	}
	if alert.IsNoop(n) {
		log.Warn("no alert destination configured, alerts are disabled")
		return n, nil
	}
	log.Info("alerts enabled", "destination", alert.Describe(cfg.Alert.Destination))
	return alert.NewBreaker(n, alert.BreakerSettings{
		ConsecutiveFailures: cfg.Alert.BreakerFailures,
		OpenTimeout:         cfg.Alert.BreakerTimeout,
	}, log), nil
}
