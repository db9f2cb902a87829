package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/s3kv/s3kv/internal/retention"
)

func newLockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lock <key> <days>",
		Short: "Place a governance retention lock on a key",
		Long: `Place a governance retention lock on a key for a number of days.

The bucket must have object lock enabled. With retention.policy set to
extend_only, a lock that would end earlier than the current one is refused.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			days, err := strconv.Atoi(args[1])
			if err != nil || days < 0 {
				return fmt.Errorf("days must be a non-negative integer")
			}
			m, err := openManager(cmd)
			if err != nil {
				return err
			}
			return m.Lock(cmd.Context(), args[0], days)
		},
	}
}

func newUnlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <key>",
		Short: "Remove the retention lock from a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openManager(cmd)
			if err != nil {
				return err
			}
			return m.Unlock(cmd.Context(), args[0])
		},
	}
}

func newHoldCmd() *cobra.Command {
	holdCmd := &cobra.Command{
		Use:   "hold",
		Short: "Manage legal holds",
	}

	holdCmd.AddCommand(&cobra.Command{
		Use:   "apply <key>",
		Short: "Place a legal hold on a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openManager(cmd)
			if err != nil {
				return err
			}
			return m.ApplyLegalHold(cmd.Context(), args[0])
		},
	})

	holdCmd.AddCommand(&cobra.Command{
		Use:   "release <key>",
		Short: "Release the legal hold on a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openManager(cmd)
			if err != nil {
				return err
			}
			return m.ReleaseLegalHold(cmd.Context(), args[0])
		},
	})

	holdCmd.AddCommand(&cobra.Command{
		Use:   "status <key>",
		Short: "Report whether a key is on legal hold",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openManager(cmd)
			if err != nil {
				return err
			}
			held, err := m.IsLegalHoldApplied(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), held)
			return nil
		},
	})

	return holdCmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <key>",
		Short: "Show the retention and legal hold of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openManager(cmd)
			if err != nil {
				return err
			}
			state, err := m.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if state.Retention == nil || state.Retention.Mode == "" {
				_, _ = fmt.Fprintln(out, "Retention:  none")
			} else {
				_, _ = fmt.Fprintf(out, "Retention:  %s until %s\n",
					state.Retention.Mode, state.Retention.RetainUntil.Local().Format(time.DateTime))
			}
			hold := "off"
			if state.LegalHold {
				hold = "on"
			}
			_, _ = fmt.Fprintf(out, "Legal hold: %s\n", hold)
			_, _ = fmt.Fprintf(out, "Protected:  %t\n", state.Protected(time.Now()))
			return nil
		},
	}
}

func openManager(cmd *cobra.Command) (*retention.Manager, error) {
	policy, err := cfg.RetentionPolicy()
	if err != nil {
		return nil, err
	}
	store, err := openStore(cmd.Context())
	if err != nil {
		return nil, err
	}
	return retention.New(store, retention.Options{Policy: policy, Audit: newAuditLogger()}), nil
}
