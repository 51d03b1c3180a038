package main

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/keepalive/internal/record"
)

func createMaintenanceCommand(global *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maintenance",
		Short: "Inspect or change the maintenance flag",
	}
	cmd.AddCommand(
		createMaintenanceStatusCommand(global),
		createMaintenanceSetCommand(global),
		createMaintenanceClearCommand(global),
	)
	return cmd
}

func createMaintenanceStatusCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the maintenance record",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, global, nil)
			if err != nil {
				return err
			}
			m, err := record.ReadMaintenance(cfg.Maintenance.Path)
			if errors.Is(err, fs.ErrNotExist) {
				m = record.Maintenance{}
			} else if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), m)
		},
	}
}

func createMaintenanceSetCommand(global *GlobalFlags) *cobra.Command {
	flags := &MaintenanceFlags{}
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Enable maintenance mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, global, nil)
			if err != nil {
				return err
			}
			if err := record.ActivateMaintenance(cfg.Maintenance.Path, flags.Reason, time.Now()); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "maintenance enabled: %s\n", flags.Reason)
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.Reason, "reason", "set by operator", "reason recorded in the flag")
	return cmd
}

func createMaintenanceClearCommand(global *GlobalFlags) *cobra.Command {
	flags := &MaintenanceFlags{}
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Disable maintenance mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, global, nil)
			if err != nil {
				return err
			}
			if err := record.ClearMaintenance(cfg.Maintenance.Path, flags.Reason, time.Now()); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "maintenance cleared")
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.Reason, "reason", "cleared by operator", "reason recorded in the flag")
	return cmd
}
