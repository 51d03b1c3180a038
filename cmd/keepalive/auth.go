package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loykin/keepalive/internal/auth"
)

func createHashPasswordCommand() *cobra.Command {
	flags := &HashPasswordFlags{}
	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Print a bcrypt hash for server.auth.password_hash",
		Long: `Print a bcrypt hash for the status server's basic auth. The password is
read from --password or, when the flag is absent, from the first line of stdin.

Examples:
  echo -n 's3cret' | keepalive hash-password`,
		RunE: func(cmd *cobra.Command, args []string) error {
			password := flags.Password
			if password == "" {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}
			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.Password, "password", "", "password to hash (prefer stdin)")
	return cmd
}
