// s3kv is a key-value store on S3 with a local cache, tag search and
// retention controls.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/s3kv/s3kv/internal/backend/awss3"
	"github.com/s3kv/s3kv/internal/config"
	"github.com/s3kv/s3kv/internal/kv"
	"github.com/s3kv/s3kv/internal/logging/audit"
	"github.com/s3kv/s3kv/internal/metrics"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string

	// cfg is loaded before any subcommand runs.
	cfg *config.Config
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := execute(ctx, newRootCmd()); err != nil {
		os.Exit(1)
	}
}

// pushTimeout bounds the metrics push after a command finishes.
const pushTimeout = 5 * time.Second

// execute runs the command tree and then pushes client metrics, whether or
// not the command succeeded.
func execute(ctx context.Context, root *cobra.Command) error {
	err := root.ExecuteContext(ctx)
	pushMetrics(ctx)
	return err
}

func pushMetrics(ctx context.Context) {
	if cfg == nil || cfg.Metrics.PushURL == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pushTimeout)
	defer cancel()
	if err := metrics.Push(ctx, cfg.Metrics.PushURL, cfg.Metrics.PushJob); err != nil {
		log.Warn().Err(err).Msg("metrics push failed")
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "s3kv",
		Short: "s3kv - key-value store on S3",
		Long: `s3kv stores JSON documents as objects in an S3 bucket, one object per key.

Writes also go to a local cache, which can be read with 'get --cached'.
Keys can be tagged and searched by tag, locked under governance retention
or placed on legal hold.

Connection settings come from the config file and the environment:

  S3_BUCKET, S3_ENDPOINT_URL, AWS_REGION,
  AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY

QUICK START - local development backend:

  export S3_BUCKET=dev AWS_ACCESS_KEY_ID=dev AWS_SECRET_ACCESS_KEY=devsecret
  s3kv serve &
  export S3_ENDPOINT_URL=http://localhost:9000
  s3kv put users/alice '{"name":"alice"}'
  s3kv get users/alice

For more help on any command, use: s3kv <command> --help`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			cfg = loaded
			if logLevel == "" {
				logLevel = cfg.LogLevel
			}
			setupLogging()
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (default from config: info)")

	rootCmd.AddCommand(newPutCmd())
	rootCmd.AddCommand(newGetCmd())
	rootCmd.AddCommand(newDeleteCmd())
	rootCmd.AddCommand(newExistsCmd())
	rootCmd.AddCommand(newKeysCmd())
	rootCmd.AddCommand(newCopyCmd())
	rootCmd.AddCommand(newMergeCmd())
	rootCmd.AddCommand(newInfoCmd())
	rootCmd.AddCommand(newCacheCmd())
	rootCmd.AddCommand(newTagsCmd())
	rootCmd.AddCommand(newLockCmd())
	rootCmd.AddCommand(newUnlockCmd())
	rootCmd.AddCommand(newHoldCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newServiceCmd())

	// Version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "s3kv %s\n", Version)
			_, _ = fmt.Fprintf(out, "  Commit:     %s\n", Commit)
			_, _ = fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	return rootCmd
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// newAuditLogger returns the audit logger, or nil when auditing is off.
func newAuditLogger() *audit.Logger {
	if !cfg.AuditLog {
		return nil
	}
	return audit.NewLogger(log.Logger)
}

// openStore connects to the configured bucket.
func openStore(ctx context.Context) (*kv.Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	client, err := awss3.New(ctx, cfg.AWS())
	if err != nil {
		return nil, fmt.Errorf("connect to S3: %w", err)
	}

	var opts []kv.Option
	if cfg.Metrics.PushURL != "" {
		opts = append(opts, kv.WithMetrics(kv.InitMetrics(metrics.Registry)))
	}
	store, err := kv.New(client, cfg.KVStore(), opts...)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("bucket", client.Bucket()).
		Str("namespace", store.Namespace()).
		Bool("cache", store.Cache() != nil).
		Msg("store opened")
	return store, nil
}
