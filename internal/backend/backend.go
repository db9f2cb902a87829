// Package backend defines the object-storage client the key-value layer is built on.
//
// A Client is bound to a single bucket and exposes the S3 primitives the
// store needs: whole-object put/get/delete, metadata lookups, prefix listing
// with continuation tokens, object tagging, governance retention and legal
// hold. Implementations live in the awss3 (Amazon S3 and compatible
// services) and fsstore (local filesystem) subpackages.
package backend

import (
	"context"
	"time"
)

// ContentTypeJSON is the content type used for serialized values.
const ContentTypeJSON = "application/json"

// DefaultPageSize is the maximum number of keys requested per listing page.
const DefaultPageSize = 1000

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// ListPage is one page of a prefix listing.
type ListPage struct {
	Objects []ObjectInfo
	// NextToken is empty when the listing is complete.
	NextToken string
}

// Tag is a single name/value pair as carried on the wire.
type Tag struct {
	Key   string
	Value string
}

// TagSet is the ordered tag list attached to an object.
type TagSet []Tag

// Map converts the tag list into a name to value mapping. Later duplicates win.
func (ts TagSet) Map() map[string]string {
	m := make(map[string]string, len(ts))
	for _, t := range ts {
		m[t.Key] = t.Value
	}
	return m
}

// RetentionMode is an object lock retention mode.
type RetentionMode string

// RetentionGovernance is the only supported mode. Governance locks can be
// lifted early by callers holding bypass permission.
const RetentionGovernance RetentionMode = "GOVERNANCE"

// Retention is the retention configuration of an object.
type Retention struct {
	Mode        RetentionMode
	RetainUntil time.Time
}

// Active reports whether the lock still protects the object at now.
func (r *Retention) Active(now time.Time) bool {
	return r != nil && r.Mode != "" && now.Before(r.RetainUntil)
}

// LegalHoldStatus is the status of an object's legal hold.
type LegalHoldStatus string

// Legal hold states.
const (
	LegalHoldOn  LegalHoldStatus = "ON"
	LegalHoldOff LegalHoldStatus = "OFF"
)

// Client is the object-store surface used by the key-value layer.
// All keys are raw object keys within the client's bucket.
type Client interface {
	// PutObject replaces the object at key with body.
	PutObject(ctx context.Context, key string, body []byte, contentType string) error

	// GetObject returns the full object body. Returns ErrNotFound if absent.
	GetObject(ctx context.Context, key string) ([]byte, error)

	// HeadObject returns object metadata. Returns ErrNotFound if absent.
	HeadObject(ctx context.Context, key string) (*ObjectInfo, error)

	// DeleteObject removes the object. Deleting a missing object is not an error.
	DeleteObject(ctx context.Context, key string) error

	// ListObjects returns one page of objects whose key starts with prefix.
	// token is the NextToken of the previous page, or empty for the first page.
	ListObjects(ctx context.Context, prefix, token string, maxKeys int) (*ListPage, error)

	// GetObjectTagging returns the object's tag set.
	GetObjectTagging(ctx context.Context, key string) (TagSet, error)

	// PutObjectTagging replaces the object's tag set.
	PutObjectTagging(ctx context.Context, key string, tags TagSet) error

	// GetObjectRetention returns the retention configuration, or nil if the
	// object carries none.
	GetObjectRetention(ctx context.Context, key string) (*Retention, error)

	// PutObjectRetention applies retention. A nil or zero retention clears it.
	// bypassGovernance must be set to shorten or clear an active governance lock.
	PutObjectRetention(ctx context.Context, key string, retention *Retention, bypassGovernance bool) error

	// GetObjectLegalHold returns the legal hold status.
	GetObjectLegalHold(ctx context.Context, key string) (LegalHoldStatus, error)

	// PutObjectLegalHold sets the legal hold status.
	PutObjectLegalHold(ctx context.Context, key string, status LegalHoldStatus) error
}
