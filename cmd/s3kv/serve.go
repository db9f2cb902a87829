package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/s3kv/s3kv/internal/backend/fsstore"
	"github.com/s3kv/s3kv/internal/backend/s3server"
	"github.com/s3kv/s3kv/internal/config"
	"github.com/s3kv/s3kv/internal/logging/audit"
	"github.com/s3kv/s3kv/internal/metrics"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a local S3-compatible server",
		Long: `Run a local S3-compatible server backed by the filesystem.

It supports the subset of the S3 API used by s3kv, including tagging,
governance retention and legal hold, and creates the configured bucket on
start. Requests must carry the configured access key; signatures are not
verified. Prometheus metrics are served at /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen != "" {
				cfg.Server.Listen = listen
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from config: :9000)")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	if err := cfg.ValidateServer(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	store, err := openDataStore(cfg)
	if err != nil {
		return err
	}
	if err := store.EnsureBucket(ctx, cfg.S3.Bucket); err != nil {
		return fmt.Errorf("create bucket %s: %w", cfg.S3.Bucket, err)
	}

	var authorizer s3server.Authorizer = s3server.AllowAllAuthorizer{}
	if cfg.S3.AccessKeyID != "" {
		authorizer = s3server.NewStaticAuthorizer(cfg.S3.AccessKeyID, cfg.S3.SecretAccessKey)
	} else {
		log.Warn().Msg("no access key configured, accepting all requests")
	}

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler: newServeHandler(store, authorizer, serveOptions{
			metrics:       cfg.Server.MetricsEnabled,
			audit:         newAuditLogger(),
			maxObjectSize: cfg.Server.MaxObjectSize.Bytes(),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	log.Info().
		Str("listen", cfg.Server.Listen).
		Str("data_dir", cfg.Server.DataDir).
		Str("bucket", cfg.S3.Bucket).
		Stringer("max_object_size", cfg.Server.MaxObjectSize).
		Str("version", Version).
		Msg("S3 server started")

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// openDataStore opens the filesystem store, sealing blobs when an encryption
// key file is configured.
func openDataStore(cfg *config.Config) (*fsstore.Store, error) {
	var opts []fsstore.Option
	if cfg.Server.EncryptionKeyFile != "" {
		key, err := config.EnsureEncryptionKey(cfg.Server.EncryptionKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load encryption key: %w", err)
		}
		opts = append(opts, fsstore.WithEncryptionKey(key))
	}

	store, err := fsstore.New(cfg.Server.DataDir, opts...)
	if err != nil {
		return nil, fmt.Errorf("open data dir: %w", err)
	}
	return store, nil
}

type serveOptions struct {
	metrics       bool
	audit         *audit.Logger
	maxObjectSize int64 // 0 means s3server.DefaultMaxObjectSize
}

// newServeHandler routes /metrics to Prometheus and everything else to the
// S3 server.
func newServeHandler(store *fsstore.Store, authorizer s3server.Authorizer, opts serveOptions) http.Handler {
	var m *s3server.Metrics
	mux := http.NewServeMux()
	if opts.metrics {
		metrics.RegisterBuildInfo(Version, Commit)
		m = s3server.InitMetrics(metrics.Registry)
		mux.Handle("GET /metrics", metrics.Handler())
	}

	srv := s3server.New(store, authorizer, m)
	srv.SetAuditLogger(opts.audit)
	srv.SetMaxObjectSize(opts.maxObjectSize)
	mux.Handle("/", srv.Handler())
	return mux
}
