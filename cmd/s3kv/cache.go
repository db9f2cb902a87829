package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newCacheCmd() *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the local cache",
		Long: `Manage the local write-through cache.

Examples:
  # Download every key into the cache
  s3kv cache warm

  # Drop entries older than one day
  s3kv cache sweep --max-age 24h

  # Drop one entry, or all of them
  s3kv cache invalidate users/alice
  s3kv cache clear`,
	}

	cacheCmd.AddCommand(&cobra.Command{
		Use:   "warm",
		Short: "Read every key into the cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			n, err := store.WarmCache(cmd.Context())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Cached %d keys\n", n)
			return nil
		},
	})

	cacheCmd.AddCommand(&cobra.Command{
		Use:   "invalidate <key>...",
		Short: "Remove cache entries",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			for _, key := range args {
				if err := store.InvalidateCache(key); err != nil {
					return err
				}
			}
			return nil
		},
	})

	cacheCmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove every cache entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			return store.ClearCache()
		},
	})

	var maxAge time.Duration
	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove cache entries older than --max-age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			if maxAge == 0 {
				maxAge = cfg.KV.CacheMaxAge
			}
			n, err := store.SweepCache(maxAge)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Removed %d entries\n", n)
			return nil
		},
	}
	sweepCmd.Flags().DurationVar(&maxAge, "max-age", 0, "entry age limit (default from config)")
	cacheCmd.AddCommand(sweepCmd)

	return cacheCmd
}
