package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newMigrateCmd(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the session and audit schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := state.env.migrate(cmd.Context(), state.cfg); err != nil {
				return err
			}
			state.log.Info("migrations applied")
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newPurgeCmd(state *cliState) *cobra.Command {
	var retention time.Duration

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete sessions expired or revoked longer than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("retention") {
				if retention <= 0 {
					return fmt.Errorf("retention must be positive")
				}
				state.cfg.Sessions.RetentionWindow = retention
			}

			ops, closeFn, err := state.env.open(cmd.Context(), state.cfg, state.log)
			if err != nil {
				return err
			}
			defer closeFn()

			n, err := ops.Cleanup(cmd.Context())
			if err != nil {
				return err
			}
			state.log.Info("sessions purged", zap.Int64("count", n), zap.Duration("retention", state.cfg.Sessions.RetentionWindow))
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d sessions\n", n)
			return nil
		},
	}

	cmd.Flags().DurationVar(&retention, "retention", 0, "override SESSION_RETENTION_WINDOW for this run")
	return cmd
}

func newSessionsCmd(state *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and revoke a user's sessions",
	}

	list := &cobra.Command{
		Use:   "list <user-id>",
		Short: "List active sessions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ops, closeFn, err := state.env.open(cmd.Context(), state.cfg, state.log)
			if err != nil {
				return err
			}
			defer closeFn()

			sessions, err := ops.ListSessions(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCREATED\tEXPIRES\tDEVICE\tIP\tUSER AGENT")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					s.ID,
					s.CreatedAt.UTC().Format(time.RFC3339),
					s.ExpiresAt.UTC().Format(time.RFC3339),
					orDash(s.Device.DeviceID),
					orDash(s.Device.IP),
					orDash(s.Device.UserAgent),
				)
			}
			return w.Flush()
		},
	}

	revokeAll := &cobra.Command{
		Use:   "revoke-all <user-id>",
		Short: "Revoke every active session of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ops, closeFn, err := state.env.open(cmd.Context(), state.cfg, state.log)
			if err != nil {
				return err
			}
			defer closeFn()

			n, err := ops.RevokeAllSessions(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			state.log.Info("sessions revoked", zap.String("user_id", args[0]), zap.Int64("count", n))
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %d sessions for %s\n", n, args[0])
			return nil
		},
	}

	cmd.AddCommand(list, revokeAll)
	return cmd
}

func orDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}
