// Package config handles configuration loading and validation for s3kv.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/s3kv/s3kv/internal/backend"
	"github.com/s3kv/s3kv/internal/backend/awss3"
	"github.com/s3kv/s3kv/internal/kv"
	"github.com/s3kv/s3kv/internal/retention"
	"github.com/s3kv/s3kv/pkg/bytesize"
)

// Retention policy names.
const (
	PolicyLastWrite  = "last_write"
	PolicyExtendOnly = "extend_only"
)

// S3Config holds the object-store connection settings.
type S3Config struct {
	Bucket          string `yaml:"bucket" env:"S3_BUCKET"`
	Endpoint        string `yaml:"endpoint" env:"S3_ENDPOINT_URL"` // Empty uses AWS
	Region          string `yaml:"region" env:"AWS_REGION"`
	AccessKeyID     string `yaml:"access_key_id" env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" env:"AWS_SECRET_ACCESS_KEY"`
	UsePathStyle    bool   `yaml:"use_path_style" env:"S3KV_USE_PATH_STYLE"`
	MaxAttempts     int    `yaml:"max_attempts" env:"S3KV_MAX_ATTEMPTS"` // 0 keeps the SDK default
}

// KVConfig holds key-value store settings.
type KVConfig struct {
	Namespace    string        `yaml:"namespace" env:"S3KV_NAMESPACE"`
	CacheEnabled bool          `yaml:"cache_enabled" env:"S3KV_CACHE_ENABLED"`
	CacheDir     string        `yaml:"cache_dir" env:"S3KV_CACHE_DIR"`
	CacheMaxAge  time.Duration `yaml:"cache_max_age" env:"S3KV_CACHE_MAX_AGE"`
	MaxListPages int           `yaml:"max_list_pages" env:"S3KV_MAX_LIST_PAGES"` // 0 = unbounded
	PageSize     int           `yaml:"page_size" env:"S3KV_PAGE_SIZE"`
}

// TagsConfig holds tag index settings.
type TagsConfig struct {
	ScanConcurrency int `yaml:"scan_concurrency" env:"S3KV_TAG_SCAN_CONCURRENCY"`
}

// MetricsConfig holds settings for pushing client metrics.
type MetricsConfig struct {
	// PushURL is a Prometheus Pushgateway. Empty disables pushing.
	PushURL string `yaml:"push_url" env:"S3KV_METRICS_PUSH_URL"`
	PushJob string `yaml:"push_job" env:"S3KV_METRICS_PUSH_JOB"`
}

// RetentionConfig holds retention manager settings.
type RetentionConfig struct {
	Policy string `yaml:"policy" env:"S3KV_RETENTION_POLICY"` // last_write or extend_only
}

// ServerConfig holds settings for the local S3-compatible server.
type ServerConfig struct {
	Listen            string `yaml:"listen" env:"S3KV_LISTEN"`
	DataDir           string `yaml:"data_dir" env:"S3KV_DATA_DIR"`
	EncryptionKeyFile string `yaml:"encryption_key_file" env:"S3KV_ENCRYPTION_KEY_FILE"` // Empty stores blobs unencrypted
	MetricsEnabled    bool   `yaml:"metrics_enabled" env:"S3KV_METRICS_ENABLED"`
	// MaxObjectSize caps a single upload, e.g. "256MB".
	MaxObjectSize bytesize.Size `yaml:"max_object_size" env:"S3KV_MAX_OBJECT_SIZE"`
}

// Config is the complete s3kv configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level" env:"S3KV_LOG_LEVEL"`
	AuditLog  bool            `yaml:"audit_log" env:"S3KV_AUDIT_LOG"` // Audit auth and governance events
	S3        S3Config        `yaml:"s3"`
	KV        KVConfig        `yaml:"kv"`
	Tags      TagsConfig      `yaml:"tags"`
	Retention RetentionConfig `yaml:"retention"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Server    ServerConfig    `yaml:"server"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		AuditLog: true,
		S3: S3Config{
			Region: "us-east-1",
		},
		KV: KVConfig{
			Namespace:    kv.DefaultNamespace,
			CacheEnabled: true,
			CacheDir:     filepath.Join(os.TempDir(), "s3kv_cache"),
			CacheMaxAge:  7 * 24 * time.Hour,
			PageSize:     backend.DefaultPageSize,
		},
		Tags: TagsConfig{
			ScanConcurrency: 1,
		},
		Retention: RetentionConfig{
			Policy: PolicyLastWrite,
		},
		Metrics: MetricsConfig{
			PushJob: "s3kv",
		},
		Server: ServerConfig{
			Listen:         ":9000",
			DataDir:        "~/.s3kv/data",
			MetricsEnabled: true,
			MaxObjectSize:  bytesize.Size(256 * bytesize.MB),
		},
	}
}

// Load reads configuration from a YAML file, then applies environment
// overrides. An empty path skips the file. Values missing from the file keep
// their defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.KV.Namespace == "" {
		cfg.KV.Namespace = kv.DefaultNamespace
	}
	if cfg.KV.PageSize == 0 {
		cfg.KV.PageSize = backend.DefaultPageSize
	}
	if cfg.Retention.Policy == "" {
		cfg.Retention.Policy = PolicyLastWrite
	}

	cfg.KV.CacheDir = expandHome(cfg.KV.CacheDir)
	cfg.Server.DataDir = expandHome(cfg.Server.DataDir)
	cfg.Server.EncryptionKeyFile = expandHome(cfg.Server.EncryptionKeyFile)

	return cfg, nil
}

// expandHome expands a leading ~/ to the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[2:])
}

// Validate checks if the configuration is valid for client use.
func (c *Config) Validate() error {
	if c.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required")
	}
	if (c.S3.AccessKeyID == "") != (c.S3.SecretAccessKey == "") {
		return fmt.Errorf("s3.access_key_id and s3.secret_access_key must be set together")
	}
	if strings.Contains(c.KV.Namespace, "/") {
		return fmt.Errorf("kv.namespace must not contain '/'")
	}
	if c.KV.PageSize < 1 || c.KV.PageSize > backend.DefaultPageSize {
		return fmt.Errorf("kv.page_size must be between 1 and %d", backend.DefaultPageSize)
	}
	if c.KV.MaxListPages < 0 {
		return fmt.Errorf("kv.max_list_pages must not be negative")
	}
	if c.KV.CacheEnabled && c.KV.CacheDir == "" {
		return fmt.Errorf("kv.cache_dir is required when the cache is enabled")
	}
	if c.KV.CacheMaxAge < 0 {
		return fmt.Errorf("kv.cache_max_age must not be negative")
	}
	if c.Tags.ScanConcurrency < 0 {
		return fmt.Errorf("tags.scan_concurrency must not be negative")
	}
	if _, err := c.RetentionPolicy(); err != nil {
		return err
	}
	if c.Metrics.PushURL != "" && c.Metrics.PushJob == "" {
		return fmt.Errorf("metrics.push_job is required when metrics.push_url is set")
	}
	return nil
}

// ValidateServer checks the settings needed by the local S3 server.
func (c *Config) ValidateServer() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.Server.DataDir == "" {
		return fmt.Errorf("server.data_dir is required")
	}
	if c.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required")
	}
	if c.Server.MaxObjectSize < 0 {
		return fmt.Errorf("server.max_object_size must not be negative")
	}
	return nil
}

// RetentionPolicy converts the configured policy name.
func (c *Config) RetentionPolicy() (retention.Policy, error) {
	switch c.Retention.Policy {
	case PolicyLastWrite, "":
		return retention.PolicyLastWrite, nil
	case PolicyExtendOnly:
		return retention.PolicyExtendOnly, nil
	default:
		return 0, fmt.Errorf("invalid retention.policy %q (want %s or %s)",
			c.Retention.Policy, PolicyLastWrite, PolicyExtendOnly)
	}
}

// KVStore returns the kv.Store configuration.
func (c *Config) KVStore() kv.Config {
	return kv.Config{
		Namespace:    c.KV.Namespace,
		CacheEnabled: c.KV.CacheEnabled,
		CacheDir:     c.KV.CacheDir,
		CacheMaxAge:  c.KV.CacheMaxAge,
		MaxListPages: c.KV.MaxListPages,
		PageSize:     c.KV.PageSize,
	}
}

// AWS returns the S3 client configuration.
func (c *Config) AWS() awss3.Config {
	return awss3.Config{
		Bucket:           c.S3.Bucket,
		Endpoint:         c.S3.Endpoint,
		Region:           c.S3.Region,
		AccessKeyID:      c.S3.AccessKeyID,
		SecretAccessKey:  c.S3.SecretAccessKey,
		UsePathStyle:     c.S3.UsePathStyle,
		RetryMaxAttempts: c.S3.MaxAttempts,
	}
}
