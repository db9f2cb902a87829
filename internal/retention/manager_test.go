package retention

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s3kv/s3kv/internal/backend"
	"github.com/s3kv/s3kv/internal/backend/fsstore"
	"github.com/s3kv/s3kv/internal/kv"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func newTestManager(t *testing.T, policy Policy) (*Manager, *kv.Store, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}

	fs, err := fsstore.New(t.TempDir(), fsstore.WithClock(c.Now))
	require.NoError(t, err)
	require.NoError(t, fs.CreateBucket(context.Background(), "kv"))

	store, err := kv.New(fs.Bucket("kv"), kv.Config{})
	require.NoError(t, err)

	return New(store, Options{Policy: policy, Now: c.Now}), store, c
}

func TestLockProtectsKey(t *testing.T) {
	m, store, c := newTestManager(t, PolicyLastWrite)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, "k", kv.Document{"v": "1"}))
	require.NoError(t, m.Lock(ctx, "k", 30))

	state, err := m.Status(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, state.Retention)
	assert.Equal(t, backend.RetentionGovernance, state.Retention.Mode)
	assert.True(t, state.Retention.RetainUntil.Equal(c.t.Add(30*Day)))
	assert.False(t, state.LegalHold)
	assert.True(t, state.Protected(c.t))

	assert.ErrorIs(t, store.Delete(ctx, "k"), backend.ErrAccessDenied)
	assert.ErrorIs(t, store.Add(ctx, "k", kv.Document{"v": "2"}), backend.ErrAccessDenied)

	// Expired retention no longer protects
	c.t = c.t.Add(31 * Day)
	state, err = m.Status(ctx, "k")
	require.NoError(t, err)
	assert.False(t, state.Protected(c.t))
	assert.NoError(t, store.Delete(ctx, "k"))
}

func TestUnlock(t *testing.T) {
	m, store, c := newTestManager(t, PolicyLastWrite)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, "k", kv.Document{}))
	require.NoError(t, m.Lock(ctx, "k", 7))
	require.NoError(t, m.Unlock(ctx, "k"))

	state, err := m.Status(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, state.Retention)
	assert.False(t, state.Protected(c.t))
	assert.NoError(t, store.Delete(ctx, "k"))
}

func TestLockShorteningUnderLastWrite(t *testing.T) {
	m, store, _ := newTestManager(t, PolicyLastWrite)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, "k", kv.Document{}))
	require.NoError(t, m.Lock(ctx, "k", 30))

	// Without bypass the backend refuses to shorten an active lock
	err := m.Lock(ctx, "k", 1)
	assert.ErrorIs(t, err, backend.ErrAccessDenied)

	require.NoError(t, m.Lock(ctx, "k", 60))
}

func TestLockExtendOnly(t *testing.T) {
	m, store, c := newTestManager(t, PolicyExtendOnly)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, "k", kv.Document{}))
	require.NoError(t, m.Lock(ctx, "k", 30))

	err := m.Lock(ctx, "k", 10)
	assert.ErrorIs(t, err, ErrShortening)

	require.NoError(t, m.Lock(ctx, "k", 45))
	state, err := m.Status(ctx, "k")
	require.NoError(t, err)
	assert.True(t, state.Retention.RetainUntil.Equal(c.t.Add(45*Day)))
}

func TestLockZeroDays(t *testing.T) {
	m, store, c := newTestManager(t, PolicyLastWrite)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, "k", kv.Document{}))
	require.NoError(t, m.Lock(ctx, "k", 0))

	state, err := m.Status(ctx, "k")
	require.NoError(t, err)
	assert.False(t, state.Protected(c.t))

	assert.ErrorIs(t, m.Lock(ctx, "k", -1), backend.ErrInvalidRequest)
}

func TestLockDaysBounds(t *testing.T) {
	m, store, c := newTestManager(t, PolicyLastWrite)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, "k", kv.Document{}))

	assert.ErrorIs(t, m.Lock(ctx, "k", 110000), backend.ErrInvalidRequest)
	state, err := m.Status(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, state.Retention)
	assert.False(t, state.Protected(c.t))

	require.NoError(t, m.Lock(ctx, "k", MaxDays))
	state, err = m.Status(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, state.Retention)
	assert.True(t, state.Retention.RetainUntil.After(c.t))
	assert.True(t, state.Protected(c.t))
}

func TestLegalHoldRoundTrip(t *testing.T) {
	m, store, c := newTestManager(t, PolicyLastWrite)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, "k", kv.Document{}))

	held, err := m.IsLegalHoldApplied(ctx, "k")
	require.NoError(t, err)
	assert.False(t, held)

	require.NoError(t, m.ApplyLegalHold(ctx, "k"))
	held, err = m.IsLegalHoldApplied(ctx, "k")
	require.NoError(t, err)
	assert.True(t, held)
	assert.ErrorIs(t, store.Delete(ctx, "k"), backend.ErrAccessDenied)

	state, err := m.Status(ctx, "k")
	require.NoError(t, err)
	assert.True(t, state.Protected(c.t))

	require.NoError(t, m.ReleaseLegalHold(ctx, "k"))
	held, err = m.IsLegalHoldApplied(ctx, "k")
	require.NoError(t, err)
	assert.False(t, held)
	assert.NoError(t, store.Delete(ctx, "k"))
}

func TestMissingKey(t *testing.T) {
	m, _, _ := newTestManager(t, PolicyExtendOnly)
	ctx := context.Background()

	assert.ErrorIs(t, m.Lock(ctx, "missing", 1), backend.ErrNotFound)
	assert.ErrorIs(t, m.ApplyLegalHold(ctx, "missing"), backend.ErrNotFound)
	_, err := m.IsLegalHoldApplied(ctx, "missing")
	assert.ErrorIs(t, err, backend.ErrNotFound)
	_, err = m.Status(ctx, "missing")
	assert.ErrorIs(t, err, backend.ErrNotFound)
}
