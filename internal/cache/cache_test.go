package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(Options{Dir: filepath.Join(t.TempDir(), "cache")})
	require.NoError(t, err)
	return c
}

// age backdates an entry's last-write time.
func age(t *testing.T, c *Cache, key string, d time.Duration) {
	t.Helper()
	path, err := c.path(key)
	require.NoError(t, err)
	old := time.Now().Add(-d)
	require.NoError(t, os.Chtimes(path, old, old))
}

func TestNewRequiresDir(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	c, err := New(Options{Dir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxAge, c.MaxAge())
}

func TestPutGet(t *testing.T) {
	c := newTestCache(t)

	_, ok := c.Get("a")
	assert.False(t, ok, "empty cache, directory not created yet")

	require.NoError(t, c.Put("a", []byte(`{"x":1}`)))
	data, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, `{"x":1}`, string(data))

	assert.FileExists(t, filepath.Join(c.Dir(), "a.json"))

	require.NoError(t, c.Put("a", []byte(`{"x":2}`)))
	data, ok = c.Get("a")
	require.True(t, ok)
	assert.Equal(t, `{"x":2}`, string(data))
}

func TestNestedKeys(t *testing.T) {
	c := newTestCache(t)

	require.NoError(t, c.Put("users/alice", []byte("{}")))
	assert.FileExists(t, filepath.Join(c.Dir(), "users", "alice.json"))

	keys, err := c.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"users/alice"}, keys)
}

func TestInvalidKeys(t *testing.T) {
	c := newTestCache(t)

	for _, key := range []string{"", "../escape", "a/../../b", "/abs"} {
		assert.ErrorIs(t, c.Put(key, []byte("{}")), ErrInvalidKey, "key %q", key)
		_, ok := c.Get(key)
		assert.False(t, ok)
	}
}

func TestSweep(t *testing.T) {
	var evicted []string
	c, err := New(Options{
		Dir:     t.TempDir(),
		OnEvict: func(key string) { evicted = append(evicted, key) },
	})
	require.NoError(t, err)

	require.NoError(t, c.Put("fresh", []byte("{}")))
	require.NoError(t, c.Put("stale", []byte("{}")))
	require.NoError(t, c.Put("nested/stale", []byte("{}")))
	age(t, c, "stale", 8*24*time.Hour)
	age(t, c, "nested/stale", 8*24*time.Hour)

	removed, err := c.Sweep(DefaultMaxAge)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	sort.Strings(evicted)
	assert.Equal(t, []string{"nested/stale", "stale"}, evicted)

	_, ok := c.Peek("stale")
	assert.False(t, ok)
	_, ok = c.Peek("fresh")
	assert.True(t, ok)
}

func TestGetSweepsWholeCache(t *testing.T) {
	c := newTestCache(t)

	require.NoError(t, c.Put("a", []byte("{}")))
	require.NoError(t, c.Put("b", []byte("{}")))
	age(t, c, "b", 30*24*time.Hour)

	// Reading a different key still evicts b
	_, ok := c.Get("a")
	require.True(t, ok)
	_, ok = c.Peek("b")
	assert.False(t, ok)
}

func TestSweepCustomAge(t *testing.T) {
	c := newTestCache(t)

	require.NoError(t, c.Put("a", []byte("{}")))
	age(t, c, "a", 2*time.Hour)

	removed, err := c.Sweep(3 * time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)

	removed, err = c.Sweep(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestSweepMissingDir(t *testing.T) {
	c := newTestCache(t)

	removed, err := c.Sweep(time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestInvalidate(t *testing.T) {
	c := newTestCache(t)

	require.NoError(t, c.Put("a", []byte("{}")))
	require.NoError(t, c.Invalidate("a"))
	_, ok := c.Get("a")
	assert.False(t, ok)

	assert.NoError(t, c.Invalidate("a"), "no-op when absent")
}

func TestClear(t *testing.T) {
	c := newTestCache(t)

	require.NoError(t, c.Put("a", []byte("{}")))
	require.NoError(t, c.Put("b/c", []byte("{}")))

	require.NoError(t, c.Clear())

	keys, err := c.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.DirExists(t, c.Dir())
}

func TestCopy(t *testing.T) {
	c := newTestCache(t)

	require.NoError(t, c.Copy("missing", "dst"))
	_, ok := c.Peek("dst")
	assert.False(t, ok, "copy of absent entry is a no-op")

	require.NoError(t, c.Put("src", []byte(`{"raw": true}`)))
	require.NoError(t, c.Copy("src", "dst"))

	data, ok := c.Peek("dst")
	require.True(t, ok)
	assert.Equal(t, `{"raw": true}`, string(data), "bytes copied verbatim")

	require.NoError(t, c.Copy("missing", "dst"))
	_, ok = c.Peek("dst")
	assert.False(t, ok, "stale dst entry removed when src has none")
}

func TestConcurrentPutAndSweep(t *testing.T) {
	c := newTestCache(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i%2)
			for j := 0; j < 50; j++ {
				assert.NoError(t, c.Put(key, []byte(fmt.Sprintf(`{"v":%d}`, j))))
				if data, ok := c.Get(key); ok {
					assert.Contains(t, string(data), `{"v":`)
				}
			}
		}(i)
	}
	wg.Wait()

	for _, key := range []string{"k0", "k1"} {
		_, ok := c.Peek(key)
		assert.True(t, ok)
	}
}
