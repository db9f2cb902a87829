// Package cache is a filesystem-backed local cache of serialized values.
//
// Each key is stored as one file, <dir>/<key>.json, and the file's
// modification time is the entry's last-write time. There is no background
// eviction: Get sweeps the whole cache for entries older than MaxAge before it
// reads. The cache is advisory and never authoritative; it reflects the last
// value written through this process and goes stale when the backing object
// changes by another path.
//
// Operations on the same key are serialized within a process and entries are
// replaced by atomic rename, so readers never observe a partial file. There is
// no coherence across processes sharing a directory.
package cache

import (
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/moby/sys/atomicwriter"
	"github.com/rs/zerolog/log"
)

// DefaultMaxAge is how long an entry survives before a sweep removes it.
const DefaultMaxAge = 7 * 24 * time.Hour

// Ext is the file extension of cache entries.
const Ext = ".json"

const stripes = 64

// ErrInvalidKey is returned for keys that would escape the cache directory.
var ErrInvalidKey = errors.New("invalid cache key")

// Options configures a Cache.
type Options struct {
	// Dir is the cache root. It is created on first write.
	Dir string

	// MaxAge is the sweep threshold used by Get. Zero means DefaultMaxAge.
	MaxAge time.Duration

	// OnEvict is called with the key of every entry removed by a sweep.
	OnEvict func(key string)

	// Now overrides the clock used by sweeps.
	Now func() time.Time
}

// Cache is a directory of cached entries. It is safe for concurrent use.
type Cache struct {
	dir     string
	maxAge  time.Duration
	onEvict func(string)
	now     func() time.Time

	locks [stripes]sync.Mutex
}

// New creates a cache rooted at opts.Dir.
func New(opts Options) (*Cache, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("cache dir is required")
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		dir:     filepath.Clean(opts.Dir),
		maxAge:  opts.MaxAge,
		onEvict: opts.OnEvict,
		now:     opts.Now,
	}, nil
}

// Dir returns the cache root.
func (c *Cache) Dir() string {
	return c.dir
}

// MaxAge returns the sweep threshold used by Get.
func (c *Cache) MaxAge() time.Duration {
	return c.maxAge
}

// Put overwrites the entry for key.
func (c *Cache) Put(key string, data []byte) error {
	path, err := c.path(key)
	if err != nil {
		return err
	}

	mu := c.lock(key)
	mu.Lock()
	defer mu.Unlock()

	return c.write(path, data)
}

// Get sweeps expired entries and returns the cached bytes for key.
func (c *Cache) Get(key string) ([]byte, bool) {
	if _, err := c.Sweep(c.maxAge); err != nil {
		log.Warn().Err(err).Str("dir", c.dir).Msg("cache sweep failed")
	}
	return c.Peek(key)
}

// Peek returns the cached bytes for key without sweeping.
func (c *Cache) Peek(key string) ([]byte, bool) {
	path, err := c.path(key)
	if err != nil {
		return nil, false
	}

	mu := c.lock(key)
	mu.Lock()
	defer mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("key", key).Msg("cache read failed")
		}
		return nil, false
	}
	return data, true
}

// Sweep removes every entry last written more than maxAge ago and returns
// how many were removed. The whole cache is scanned.
func (c *Cache) Sweep(maxAge time.Duration) (int, error) {
	cutoff := c.now().Add(-maxAge)
	removed := 0

	err := filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			return nil
		}

		key, ok := c.keyFor(path)
		if !ok {
			// Leftover temp file or foreign file
			_ = os.Remove(path)
			return nil
		}

		if c.removeIfOlder(key, path, cutoff) {
			removed++
			if c.onEvict != nil {
				c.onEvict(key)
			}
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("sweep cache: %w", err)
	}

	if removed > 0 {
		log.Debug().Int("removed", removed).Dur("max_age", maxAge).Msg("cache swept")
	}
	return removed, nil
}

// removeIfOlder re-checks the entry under its key lock so a concurrent Put
// is never undone.
func (c *Cache) removeIfOlder(key, path string, cutoff time.Time) bool {
	mu := c.lock(key)
	mu.Lock()
	defer mu.Unlock()

	info, err := os.Stat(path)
	if err != nil || !info.ModTime().Before(cutoff) {
		return false
	}
	return os.Remove(path) == nil
}

// Invalidate removes the entry for key. Missing entries are not an error.
func (c *Cache) Invalidate(key string) error {
	path, err := c.path(key)
	if err != nil {
		return err
	}

	mu := c.lock(key)
	mu.Lock()
	defer mu.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("invalidate %s: %w", key, err)
	}
	return nil
}

// Clear removes every entry and recreates the empty cache directory.
func (c *Cache) Clear() error {
	for i := range c.locks {
		c.locks[i].Lock()
	}
	defer func() {
		for i := range c.locks {
			c.locks[i].Unlock()
		}
	}()

	if err := os.RemoveAll(c.dir); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return fmt.Errorf("recreate cache dir: %w", err)
	}
	return nil
}

// Copy makes dst's entry mirror src's. When src has no entry, any entry
// for dst is removed so it cannot outlive the copy it predates.
func (c *Cache) Copy(src, dst string) error {
	dstPath, err := c.path(dst)
	if err != nil {
		return err
	}

	data, ok := c.Peek(src)
	if !ok {
		return c.Invalidate(dst)
	}

	mu := c.lock(dst)
	mu.Lock()
	defer mu.Unlock()

	return c.write(dstPath, data)
}

// Keys returns the keys of all current entries.
func (c *Cache) Keys() ([]string, error) {
	var keys []string
	err := filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if key, ok := c.keyFor(path); ok {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list cache: %w", err)
	}
	return keys, nil
}

func (c *Cache) write(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	if err := atomicwriter.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	return nil
}

func (c *Cache) lock(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &c.locks[h.Sum32()%stripes]
}

// path maps a key to its entry file, rejecting keys that escape the root.
func (c *Cache) path(key string) (string, error) {
	if key == "" || strings.ContainsRune(key, 0) || filepath.IsAbs(key) || strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, part := range strings.FieldsFunc(key, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return filepath.Join(c.dir, filepath.FromSlash(key)+Ext), nil
}

// keyFor reverses path for files inside the root.
func (c *Cache) keyFor(path string) (string, bool) {
	rel, err := filepath.Rel(c.dir, path)
	if err != nil || !strings.HasSuffix(rel, Ext) {
		return "", false
	}
	// atomicwriter temp files
	if strings.HasPrefix(filepath.Base(rel), ".tmp-") {
		return "", false
	}
	return filepath.ToSlash(strings.TrimSuffix(rel, Ext)), true
}
