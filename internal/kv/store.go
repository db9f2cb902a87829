// Package kv is a key-value store over an object-storage backend.
//
// Each value is a JSON document stored whole as one object,
// <namespace>/<key>.json. Reads always go to the backend; an optional local
// write-through cache is populated by writes and consulted only through
// GetFromCache. Cache failures never fail a write. Operations spanning several
// keys are best-effort: a failure partway leaves earlier steps applied.
package kv

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/s3kv/s3kv/internal/backend"
	"github.com/s3kv/s3kv/internal/cache"
)

// Document is a stored value: a JSON object. Decoded numbers are json.Number.
type Document = map[string]any

// Config configures a Store. It owns the cache location; there is no
// process-wide default path.
type Config struct {
	// Namespace prefixes every object key. Empty means DefaultNamespace.
	Namespace string

	CacheEnabled bool
	// CacheDir is the cache root. Empty means <tmp>/s3kv_cache.
	CacheDir string
	// CacheMaxAge is the sweep threshold for cached reads. Zero means cache.DefaultMaxAge.
	CacheMaxAge time.Duration

	// MaxListPages bounds how many backend pages a listing follows.
	// Zero means unbounded; 1 observes only the first page.
	MaxListPages int
	// PageSize is the number of keys requested per page. Zero means backend.DefaultPageSize.
	PageSize int
}

// DefaultConfig returns a configuration with the cache enabled.
func DefaultConfig() Config {
	return Config{
		Namespace:    DefaultNamespace,
		CacheEnabled: true,
		CacheDir:     filepath.Join(os.TempDir(), "s3kv_cache"),
		CacheMaxAge:  cache.DefaultMaxAge,
		PageSize:     backend.DefaultPageSize,
	}
}

// Option configures optional Store dependencies.
type Option func(*Store)

// WithMetrics records operation metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// Store is the key-value façade. It is safe for concurrent use.
type Store struct {
	client   backend.Client
	cache    *cache.Cache // nil when disabled
	metrics  *Metrics
	prefix   string
	maxPages int
	pageSize int
}

// New creates a store over client.
func New(client backend.Client, cfg Config, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("backend client is required")
	}

	ns := cfg.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = backend.DefaultPageSize
	}
	if cfg.MaxListPages < 0 {
		return nil, fmt.Errorf("max list pages must not be negative")
	}

	s := &Store{
		client:   client,
		prefix:   ns + "/",
		maxPages: cfg.MaxListPages,
		pageSize: cfg.PageSize,
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.CacheEnabled {
		dir := cfg.CacheDir
		if dir == "" {
			dir = filepath.Join(os.TempDir(), "s3kv_cache")
		}
		c, err := cache.New(cache.Options{
			Dir:     dir,
			MaxAge:  cfg.CacheMaxAge,
			OnEvict: func(string) { s.metrics.evicted() },
		})
		if err != nil {
			return nil, fmt.Errorf("create cache: %w", err)
		}
		s.cache = c
	}

	return s, nil
}

// Backend returns the underlying object-store client.
func (s *Store) Backend() backend.Client {
	return s.client
}

// Cache returns the local cache, or nil when caching is disabled.
func (s *Store) Cache() *cache.Cache {
	return s.cache
}

// track records the duration and outcome of op when the returned func runs.
func (s *Store) track(op string) func(*error) {
	start := time.Now()
	return func(err *error) { s.metrics.observe(op, start, *err) }
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key cannot be empty", ErrInvalidKey)
	}
	return nil
}

// Add writes doc under key, then caches it. The backend write decides the
// outcome; a failed cache write is only logged.
func (s *Store) Add(ctx context.Context, key string, doc Document) (err error) {
	defer s.track("add")(&err)
	if err := validateKey(key); err != nil {
		return err
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.client.PutObject(ctx, s.ObjectKey(key), data, backend.ContentTypeJSON); err != nil {
		return fmt.Errorf("add %s: %w", key, err)
	}

	s.cachePut(key, data)
	return nil
}

// Get reads key from the backend, bypassing the cache. It returns def when
// the key does not exist.
func (s *Store) Get(ctx context.Context, key string, def Document) (Document, error) {
	start := time.Now()
	data, err := s.getRaw(ctx, key)
	s.metrics.observe("get", start, err)

	if backend.IsNotFound(err) {
		return def, nil
	}
	if err != nil {
		return nil, err
	}
	return decode(key, data)
}

func (s *Store) getRaw(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	data, err := s.client.GetObject(ctx, s.ObjectKey(key))
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return data, nil
}

func decode(key string, data []byte) (Document, error) {
	doc, err := DecodeDocument(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w: %v", key, ErrDecode, err)
	}
	return doc, nil
}

// DecodeDocument decodes one JSON object. Numbers are kept as json.Number
// so integers beyond float64 precision survive a read-modify-write.
func DecodeDocument(data []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("unexpected data after JSON object")
	}
	return doc, nil
}

// GetFromCache sweeps expired cache entries and returns the cached value of
// key. It never contacts the backend. Unreadable entries are dropped.
func (s *Store) GetFromCache(key string) (Document, bool) {
	if s.cache == nil {
		return nil, false
	}

	data, ok := s.cache.Get(key)
	if ok {
		doc, err := decode(key, data)
		if err == nil {
			s.metrics.cacheLookup(true)
			return doc, true
		}
		log.Warn().Err(err).Str("key", key).Msg("dropping corrupt cache entry")
		s.cacheInvalidate(key)
	}

	s.metrics.cacheLookup(false)
	return nil, false
}

// Delete removes key from the backend. The cache entry is invalidated only
// after the backend delete succeeds.
func (s *Store) Delete(ctx context.Context, key string) (err error) {
	defer s.track("delete")(&err)
	if err := validateKey(key); err != nil {
		return err
	}

	if err := s.client.DeleteObject(ctx, s.ObjectKey(key)); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}

	s.cacheInvalidate(key)
	return nil
}

// KeyExists asks the backend whether key is stored. It returns (false, nil) only when the
// backend definitively reports the key absent; any other failure is returned
// as an error with false.
func (s *Store) KeyExists(ctx context.Context, key string) (bool, error) {
	_, err := s.head(ctx, "exists", key)
	if err == nil {
		return true, nil
	}
	if backend.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// GetKeySize returns the stored size of key in bytes, or 0 if it does not exist.
func (s *Store) GetKeySize(ctx context.Context, key string) (int64, error) {
	info, err := s.head(ctx, "size", key)
	if backend.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.Size, nil
}

// GetKeyLastModified returns when key was last written, in local time, or the
// zero time if it does not exist.
func (s *Store) GetKeyLastModified(ctx context.Context, key string) (time.Time, error) {
	info, err := s.head(ctx, "last_modified", key)
	if backend.IsNotFound(err) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return info.LastModified.Local(), nil
}

func (s *Store) head(ctx context.Context, op, key string) (info *backend.ObjectInfo, err error) {
	defer s.track(op)(&err)
	if err := validateKey(key); err != nil {
		return nil, err
	}

	info, err = s.client.HeadObject(ctx, s.ObjectKey(key))
	if err != nil {
		return nil, fmt.Errorf("head %s: %w", key, err)
	}
	return info, nil
}

// CopyKey copies the stored bytes of src to dst, then duplicates src's cache
// entry under dst. If src has no cache entry, dst's entry is dropped so a
// cached read never returns the overwritten value.
func (s *Store) CopyKey(ctx context.Context, src, dst string) (err error) {
	defer s.track("copy")(&err)
	if err := validateKey(dst); err != nil {
		return err
	}

	data, err := s.getRaw(ctx, src)
	if err != nil {
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	if err := s.client.PutObject(ctx, s.ObjectKey(dst), data, backend.ContentTypeJSON); err != nil {
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}

	if s.cache != nil {
		if err := s.cache.Copy(src, dst); err != nil {
			log.Warn().Err(err).Str("src", src).Str("dst", dst).Msg("cache copy failed")
		}
	}
	return nil
}

// MergeKeys writes the shallow union of the sources' documents to dst.
// Sources are applied in order, so later sources win on shared top-level
// fields. Missing and empty sources are skipped. Nothing is written if any
// source read fails.
func (s *Store) MergeKeys(ctx context.Context, sources []string, dst string) (err error) {
	defer s.track("merge")(&err)
	if err := validateKey(dst); err != nil {
		return err
	}

	merged := Document{}
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return err
		}
		doc, err := s.Get(ctx, src, nil)
		if err != nil {
			return fmt.Errorf("merge into %s: %w", dst, err)
		}
		for k, v := range doc {
			merged[k] = v
		}
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encode %s: %w", dst, err)
	}
	if err := s.client.PutObject(ctx, s.ObjectKey(dst), data, backend.ContentTypeJSON); err != nil {
		return fmt.Errorf("merge into %s: %w", dst, err)
	}

	s.cachePut(dst, data)
	return nil
}

// WarmCache reads every key from the backend into the cache and returns how
// many entries were written. It stops at the first backend error.
func (s *Store) WarmCache(ctx context.Context) (int, error) {
	if s.cache == nil {
		return 0, ErrCacheDisabled
	}

	n := 0
	for key, err := range s.Keys(ctx, "") {
		if err != nil {
			return n, err
		}
		data, err := s.getRaw(ctx, key)
		if backend.IsNotFound(err) {
			// Deleted since listing
			continue
		}
		if err != nil {
			return n, err
		}
		if err := s.cache.Put(key, data); err != nil {
			return n, err
		}
		n++
	}

	log.Debug().Int("keys", n).Msg("cache warmed")
	return n, nil
}

// InvalidateCache removes the cache entry for key.
func (s *Store) InvalidateCache(key string) error {
	if s.cache == nil {
		return ErrCacheDisabled
	}
	return s.cache.Invalidate(key)
}

// ClearCache removes every cache entry.
func (s *Store) ClearCache() error {
	if s.cache == nil {
		return ErrCacheDisabled
	}
	return s.cache.Clear()
}

// SweepCache removes cache entries older than maxAge and returns how many
// were removed.
func (s *Store) SweepCache(maxAge time.Duration) (int, error) {
	if s.cache == nil {
		return 0, ErrCacheDisabled
	}
	return s.cache.Sweep(maxAge)
}

func (s *Store) cachePut(key string, data []byte) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Put(key, data); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
}

func (s *Store) cacheInvalidate(key string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(key); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("cache invalidation failed")
	}
}
