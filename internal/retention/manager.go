// Package retention manages governance retention and legal holds on stored
// keys.
//
// The manager only issues requests; protection itself is enforced by the
// backend. A key is protected while its retention is active or its legal hold
// is on, and the two are independent.
package retention

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/s3kv/s3kv/internal/backend"
	"github.com/s3kv/s3kv/internal/kv"
	"github.com/s3kv/s3kv/internal/logging/audit"
)

// Day is the length of one retention day.
const Day = 24 * time.Hour

// MaxDays is the longest lock whose retain-until is representable.
const MaxDays = int(math.MaxInt64 / int64(Day))

// Policy decides how a new lock interacts with an existing one.
type Policy int

const (
	// PolicyLastWrite applies every lock as requested; a later, shorter lock
	// replaces a longer one where the backend permits it.
	PolicyLastWrite Policy = iota
	// PolicyExtendOnly rejects locks that would move retain-until earlier.
	PolicyExtendOnly
)

// ErrShortening is returned under PolicyExtendOnly for a lock that ends
// before the current one.
var ErrShortening = errors.New("lock would shorten existing retention")

// Options configures a Manager.
type Options struct {
	Policy Policy
	// Now overrides the clock used to compute retain-until.
	Now func() time.Time
	// Audit receives an event for every change attempted. Nil disables it.
	Audit *audit.Logger
}

// State is the protection state of a key.
type State struct {
	Retention *backend.Retention // nil when none is set
	LegalHold bool
}

// Protected reports whether the key cannot be deleted or overwritten at now.
func (s State) Protected(now time.Time) bool {
	return s.LegalHold || s.Retention.Active(now)
}

// Manager applies retention and legal holds to the keys of a kv.Store.
type Manager struct {
	store  *kv.Store
	client backend.Client
	policy Policy
	now    func() time.Time
	audit  *audit.Logger
}

// New creates a manager over store.
func New(store *kv.Store, opts Options) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		store:  store,
		client: store.Backend(),
		policy: opts.Policy,
		now:    opts.Now,
		audit:  opts.Audit,
	}
}

// record writes the audit event for one governance change.
func (m *Manager) record(action, key, details string, err error) {
	result := audit.ResultAllowed
	if err != nil {
		result = audit.ResultDenied
		if !errors.Is(err, backend.ErrAccessDenied) && !errors.Is(err, ErrShortening) {
			result = audit.ResultFailed
		}
		details = err.Error()
	}
	m.audit.LogGovernance(action, key, result, details)
}

// Lock places a governance retention on key until days from now.
func (m *Manager) Lock(ctx context.Context, key string, days int) (err error) {
	if days < 0 || days > MaxDays {
		err = fmt.Errorf("%w: retention days must be between 0 and %d", backend.ErrInvalidRequest, MaxDays)
		m.record("lock", key, "", err)
		return err
	}

	until := m.now().Add(time.Duration(days) * Day).UTC().Truncate(time.Second)
	defer func() { m.record("lock", key, "until="+until.Format(time.RFC3339), err) }()

	objectKey := m.store.ObjectKey(key)

	if m.policy == PolicyExtendOnly {
		current, err := m.client.GetObjectRetention(ctx, objectKey)
		if err != nil {
			return fmt.Errorf("lock %s: %w", key, err)
		}
		if current != nil && current.Mode != "" && until.Before(current.RetainUntil) {
			return fmt.Errorf("lock %s until %s: %w (currently %s)",
				key, until.Format(time.RFC3339), ErrShortening, current.RetainUntil.Format(time.RFC3339))
		}
	}

	r := &backend.Retention{Mode: backend.RetentionGovernance, RetainUntil: until}
	if err := m.client.PutObjectRetention(ctx, objectKey, r, false); err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}

	log.Debug().Str("key", key).Time("retain_until", until).Msg("retention applied")
	return nil
}

// Unlock clears the retention of key, bypassing governance.
func (m *Manager) Unlock(ctx context.Context, key string) (err error) {
	defer func() { m.record("unlock", key, "bypass-governance", err) }()
	if err := m.client.PutObjectRetention(ctx, m.store.ObjectKey(key), nil, true); err != nil {
		return fmt.Errorf("unlock %s: %w", key, err)
	}
	log.Debug().Str("key", key).Msg("retention cleared")
	return nil
}

// ApplyLegalHold places a legal hold on key.
func (m *Manager) ApplyLegalHold(ctx context.Context, key string) error {
	return m.setLegalHold(ctx, key, backend.LegalHoldOn)
}

// ReleaseLegalHold removes the legal hold from key.
func (m *Manager) ReleaseLegalHold(ctx context.Context, key string) error {
	return m.setLegalHold(ctx, key, backend.LegalHoldOff)
}

func (m *Manager) setLegalHold(ctx context.Context, key string, status backend.LegalHoldStatus) (err error) {
	action := "hold_apply"
	if status == backend.LegalHoldOff {
		action = "hold_release"
	}
	defer func() { m.record(action, key, "", err) }()
	if err := m.client.PutObjectLegalHold(ctx, m.store.ObjectKey(key), status); err != nil {
		return fmt.Errorf("set legal hold %s on %s: %w", status, key, err)
	}
	log.Debug().Str("key", key).Str("status", string(status)).Msg("legal hold updated")
	return nil
}

// IsLegalHoldApplied reports whether key is under legal hold.
func (m *Manager) IsLegalHoldApplied(ctx context.Context, key string) (bool, error) {
	status, err := m.client.GetObjectLegalHold(ctx, m.store.ObjectKey(key))
	if err != nil {
		return false, fmt.Errorf("get legal hold %s: %w", key, err)
	}
	return status == backend.LegalHoldOn, nil
}

// Status reads both the retention and the legal hold of key.
func (m *Manager) Status(ctx context.Context, key string) (State, error) {
	r, err := m.client.GetObjectRetention(ctx, m.store.ObjectKey(key))
	if err != nil {
		return State{}, fmt.Errorf("get retention %s: %w", key, err)
	}
	held, err := m.IsLegalHoldApplied(ctx, key)
	if err != nil {
		return State{}, err
	}
	return State{Retention: r, LegalHold: held}, nil
}
