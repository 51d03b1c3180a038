package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	root := buildRoot()
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createSuperviseCommand(globalFlags),
		createWatchdogCommand(globalFlags),
		createHeartbeatCommand(globalFlags),
		createMaintenanceCommand(globalFlags),
		createHashPasswordCommand(),
		createVersionCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "keepalive",
		Short: "Keep a long-running worker alive",
		Long: `keepalive supervises a worker process and independently watches its heartbeat.

The supervisor restarts the worker with exponential backoff after crashes.
The watchdog reads the heartbeat file written by the worker; when it goes
stale it alerts, raises the maintenance flag and runs the restart hook.

Examples:
  keepalive supervise --command "python -m bot"
  keepalive watchdog --restart-command "systemctl restart bot.service"
  keepalive heartbeat --every 30s
  keepalive maintenance clear --reason "worker fixed"`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the keepalive version",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "keepalive", version)
		},
	}
}
