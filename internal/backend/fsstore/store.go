// Package fsstore provides a filesystem-backed object store with S3 object
// semantics: buckets, whole-object writes, prefix listing with markers, object
// tagging, governance retention and legal hold.
//
// It is the local development and test backend for s3kv. Protection is
// enforced here the way an object-lock enabled bucket would: an object under
// an active governance lock or a legal hold cannot be overwritten or deleted,
// and an active lock can only be shortened or cleared with bypass.
package fsstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/s3kv/s3kv/internal/backend"
)

// BucketMeta contains bucket metadata.
type BucketMeta struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// ObjectMeta contains object metadata.
type ObjectMeta struct {
	Key          string         `json:"key"`
	Size         int64          `json:"size"`
	ContentType  string         `json:"content_type"`
	ETag         string         `json:"etag"` // MD5 hash of content
	LastModified time.Time      `json:"last_modified"`
	Blob         string         `json:"blob"` // content hash in the blob store
	Tags         []ObjectTag    `json:"tags,omitempty"`
	Retention    *RetentionMeta `json:"retention,omitempty"`
	LegalHold    bool           `json:"legal_hold,omitempty"`
}

// ObjectTag is a persisted tag pair.
type ObjectTag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// RetentionMeta is a persisted retention configuration.
type RetentionMeta struct {
	Mode        string    `json:"mode"`
	RetainUntil time.Time `json:"retain_until"`
}

// Info converts the metadata to the backend representation.
func (m *ObjectMeta) Info() backend.ObjectInfo {
	return backend.ObjectInfo{
		Key:          m.Key,
		Size:         m.Size,
		ETag:         m.ETag,
		LastModified: m.LastModified,
	}
}

// locked reports whether the object is protected from overwrite and delete.
func (m *ObjectMeta) locked(now time.Time) bool {
	return m.LegalHold || m.retention().Active(now)
}

func (m *ObjectMeta) retention() *backend.Retention {
	if m.Retention == nil {
		return nil
	}
	return &backend.Retention{
		Mode:        backend.RetentionMode(m.Retention.Mode),
		RetainUntil: m.Retention.RetainUntil,
	}
}

// Store provides S3-style storage rooted at a data directory.
// Directory structure:
//
//	{dataDir}/
//	  blobs/
//	    {ab}/{hash}          # content-addressed, compressed (optionally sealed) bodies
//	  buckets/
//	    {bucket}/
//	      _meta.json         # bucket metadata
//	      meta/
//	        {key}.json       # object metadata (blob hash, tags, retention, legal hold)
type Store struct {
	dataDir string
	blobs   *blobStore
	now     func() time.Time
	mu      sync.RWMutex
}

// Option configures a Store.
type Option func(*options)

type options struct {
	key *[32]byte
	now func() time.Time
}

// WithEncryptionKey seals blobs at rest with a key derived from masterKey.
func WithEncryptionKey(masterKey [32]byte) Option {
	return func(o *options) { o.key = &masterKey }
}

// WithClock overrides the clock used for timestamps and lock checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New opens (or creates) a store in dataDir.
func New(dataDir string, opts ...Option) (*Store, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(filepath.Join(dataDir, "buckets"), 0755); err != nil {
		return nil, fmt.Errorf("create buckets dir: %w", err)
	}

	blobs, err := newBlobStore(filepath.Join(dataDir, "blobs"), o.key)
	if err != nil {
		return nil, err
	}

	return &Store{
		dataDir: dataDir,
		blobs:   blobs,
		now:     o.now,
	}, nil
}

// DataDir returns the data directory path.
func (s *Store) DataDir() string {
	return s.dataDir
}

// syncedWriteFile writes data to a file and fsyncs it.
func syncedWriteFile(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Sync()
}

// validateName validates a bucket or object key name to prevent path traversal.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("null bytes not allowed")
	}
	if name == "." || name == ".." {
		return fmt.Errorf("invalid name")
	}
	// ".." as a component, on either separator ("..." is a valid name)
	for _, sep := range []string{"/", "\\"} {
		for _, part := range strings.Split(name, sep) {
			if part == ".." {
				return fmt.Errorf("path traversal not allowed")
			}
		}
	}
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") || strings.HasPrefix(name, "\\") {
		return fmt.Errorf("absolute paths not allowed")
	}
	if strings.HasPrefix(name, "./") || strings.HasPrefix(name, ".\\") {
		return fmt.Errorf("relative paths not allowed")
	}
	return nil
}

func validateObject(bucket, key string) error {
	if err := validateName(bucket); err != nil {
		return fmt.Errorf("%w: invalid bucket name: %v", backend.ErrInvalidRequest, err)
	}
	if err := validateName(key); err != nil {
		return fmt.Errorf("%w: invalid key: %v", backend.ErrInvalidRequest, err)
	}
	return nil
}

func (s *Store) bucketPath(bucket string) string {
	return filepath.Join(s.dataDir, "buckets", bucket)
}

func (s *Store) bucketMetaPath(bucket string) string {
	return filepath.Join(s.bucketPath(bucket), "_meta.json")
}

func (s *Store) objectMetaPath(bucket, key string) string {
	return filepath.Join(s.bucketPath(bucket), "meta", key+".json")
}

// CreateBucket creates a new bucket.
func (s *Store) CreateBucket(ctx context.Context, bucket string) error {
	if err := validateName(bucket); err != nil {
		return fmt.Errorf("%w: invalid bucket name: %v", backend.ErrInvalidRequest, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bucketDir := s.bucketPath(bucket)
	if _, err := os.Stat(bucketDir); err == nil {
		return ErrBucketExists
	}

	if err := os.MkdirAll(filepath.Join(bucketDir, "meta"), 0755); err != nil {
		return fmt.Errorf("create bucket meta dir: %w", err)
	}

	data, err := json.MarshalIndent(BucketMeta{Name: bucket, CreatedAt: s.now().UTC()}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal bucket meta: %w", err)
	}
	if err := syncedWriteFile(s.bucketMetaPath(bucket), data, 0644); err != nil {
		return fmt.Errorf("write bucket meta: %w", err)
	}

	log.Debug().Str("bucket", bucket).Msg("bucket created")
	return nil
}

// EnsureBucket creates the bucket unless it already exists.
func (s *Store) EnsureBucket(ctx context.Context, bucket string) error {
	if err := s.CreateBucket(ctx, bucket); err != nil && !errors.Is(err, ErrBucketExists) {
		return err
	}
	return nil
}

// HeadBucket returns bucket metadata.
func (s *Store) HeadBucket(ctx context.Context, bucket string) (*BucketMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getBucketMeta(bucket)
}

// getBucketMeta reads bucket metadata (caller must hold lock).
func (s *Store) getBucketMeta(bucket string) (*BucketMeta, error) {
	data, err := os.ReadFile(s.bucketMetaPath(bucket))
	if os.IsNotExist(err) {
		return nil, backend.ErrBucketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read bucket meta: %w", err)
	}

	var meta BucketMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal bucket meta: %w", err)
	}
	return &meta, nil
}

// getObjectMeta reads object metadata (caller must hold lock).
func (s *Store) getObjectMeta(bucket, key string) (*ObjectMeta, error) {
	data, err := os.ReadFile(s.objectMetaPath(bucket, key))
	if os.IsNotExist(err) {
		return nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read object meta: %w", err)
	}

	var meta ObjectMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal object meta: %w", err)
	}
	return &meta, nil
}

// writeObjectMeta persists object metadata (caller must hold write lock).
func (s *Store) writeObjectMeta(bucket string, meta *ObjectMeta) error {
	path := s.objectMetaPath(bucket, meta.Key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create meta dir: %w", err)
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal object meta: %w", err)
	}
	if err := syncedWriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write object meta: %w", err)
	}
	return nil
}

// lookup validates names, checks the bucket and loads object metadata
// (caller must hold lock).
func (s *Store) lookup(bucket, key string) (*ObjectMeta, error) {
	if err := validateObject(bucket, key); err != nil {
		return nil, err
	}
	if _, err := s.getBucketMeta(bucket); err != nil {
		return nil, err
	}
	return s.getObjectMeta(bucket, key)
}

// PutObject writes an object, replacing any existing one. Replacing resets
// tags, retention and legal hold, like a new object version would. Objects
// under an active lock or legal hold cannot be replaced.
func (s *Store) PutObject(ctx context.Context, bucket, key string, body []byte, contentType string) (*ObjectMeta, error) {
	if err := validateObject(bucket, key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.getBucketMeta(bucket); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	old, err := s.getObjectMeta(bucket, key)
	switch {
	case err == nil:
		if old.locked(now) {
			return nil, ErrObjectLocked
		}
	case !errors.Is(err, backend.ErrNotFound):
		return nil, err
	}

	hash, err := s.blobs.write(body)
	if err != nil {
		return nil, fmt.Errorf("write blob: %w", err)
	}

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	sum := md5.Sum(body)
	meta := &ObjectMeta{
		Key:          key,
		Size:         int64(len(body)),
		ContentType:  contentType,
		ETag:         fmt.Sprintf("\"%s\"", hex.EncodeToString(sum[:])),
		LastModified: now,
		Blob:         hash,
	}
	if err := s.writeObjectMeta(bucket, meta); err != nil {
		return nil, err
	}

	if old != nil && old.Blob != hash {
		s.reclaimBlob(old.Blob)
	}

	return meta, nil
}

// GetObject returns an object's body and metadata.
func (s *Store) GetObject(ctx context.Context, bucket, key string) ([]byte, *ObjectMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, err := s.lookup(bucket, key)
	if err != nil {
		return nil, nil, err
	}

	body, err := s.blobs.read(meta.Blob)
	if err != nil {
		return nil, nil, err
	}
	return body, meta, nil
}

// HeadObject returns object metadata without the body.
func (s *Store) HeadObject(ctx context.Context, bucket, key string) (*ObjectMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.lookup(bucket, key)
}

// DeleteObject permanently removes an object. Missing objects are not an
// error. Objects under an active lock or legal hold return ErrObjectLocked.
func (s *Store) DeleteObject(ctx context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.lookup(bucket, key)
	if errors.Is(err, backend.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if meta.locked(s.now()) {
		return ErrObjectLocked
	}

	if err := os.Remove(s.objectMetaPath(bucket, key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove object meta: %w", err)
	}
	s.reclaimBlob(meta.Blob)

	return nil
}

// reclaimBlob deletes a blob no object references any more (caller must
// hold write lock).
func (s *Store) reclaimBlob(hash string) {
	if hash == "" || s.blobReferenced(hash) {
		return
	}
	if err := s.blobs.remove(hash); err != nil {
		log.Warn().Err(err).Str("blob", hash).Msg("failed to reclaim blob")
	}
}

// blobReferenced scans every bucket's metadata for a reference to hash.
func (s *Store) blobReferenced(hash string) bool {
	found := false
	_ = filepath.WalkDir(filepath.Join(s.dataDir, "buckets"), func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || filepath.Ext(path) != ".json" || d.Name() == "_meta.json" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		var meta ObjectMeta
		if json.Unmarshal(data, &meta) == nil && meta.Blob == hash {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	return found
}

// ListObjects lists objects in key order with optional prefix filter and
// pagination. marker is the key to start after (exclusive).
// Returns (objects, isTruncated, nextMarker, error).
func (s *Store) ListObjects(ctx context.Context, bucket, prefix, marker string, maxKeys int) ([]ObjectMeta, bool, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.getBucketMeta(bucket); err != nil {
		return nil, false, "", err
	}

	keys, err := s.listKeysUnsafe(bucket)
	if err != nil {
		return nil, false, "", err
	}

	var objects []ObjectMeta
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, false, "", err
		}
		if !strings.HasPrefix(key, prefix) || (marker != "" && key <= marker) {
			continue
		}

		meta, err := s.getObjectMeta(bucket, key)
		if err != nil {
			// Removed or unreadable since the walk
			continue
		}
		objects = append(objects, *meta)

		// Collect maxKeys + 1 to detect truncation
		if maxKeys > 0 && len(objects) > maxKeys {
			break
		}
	}

	var isTruncated bool
	var nextMarker string
	if maxKeys > 0 && len(objects) > maxKeys {
		isTruncated = true
		objects = objects[:maxKeys]
		nextMarker = objects[maxKeys-1].Key
	}

	return objects, isTruncated, nextMarker, nil
}

// listKeysUnsafe returns every object key in the bucket, sorted (caller must
// hold lock).
func (s *Store) listKeysUnsafe(bucket string) ([]string, error) {
	metaDir := filepath.Join(s.bucketPath(bucket), "meta")

	var keys []string
	err := filepath.WalkDir(metaDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".json" {
			return nil
		}

		rel, err := filepath.Rel(metaDir, path)
		if err != nil {
			return nil
		}
		// S3 keys use forward slashes
		keys = append(keys, filepath.ToSlash(strings.TrimSuffix(rel, ".json")))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk meta dir: %w", err)
	}

	sort.Strings(keys)
	return keys, nil
}

// GetObjectTagging returns the object's tags in stored order.
func (s *Store) GetObjectTagging(ctx context.Context, bucket, key string) (backend.TagSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, err := s.lookup(bucket, key)
	if err != nil {
		return nil, err
	}

	tags := make(backend.TagSet, 0, len(meta.Tags))
	for _, t := range meta.Tags {
		tags = append(tags, backend.Tag{Key: t.Key, Value: t.Value})
	}
	return tags, nil
}

// PutObjectTagging replaces the object's tag set.
func (s *Store) PutObjectTagging(ctx context.Context, bucket, key string, tags backend.TagSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.lookup(bucket, key)
	if err != nil {
		return err
	}

	meta.Tags = make([]ObjectTag, 0, len(tags))
	for _, t := range tags {
		if t.Key == "" {
			return fmt.Errorf("%w: tag key cannot be empty", backend.ErrInvalidRequest)
		}
		meta.Tags = append(meta.Tags, ObjectTag{Key: t.Key, Value: t.Value})
	}
	return s.writeObjectMeta(bucket, meta)
}

// GetObjectRetention returns the retention configuration, or nil if none.
func (s *Store) GetObjectRetention(ctx context.Context, bucket, key string) (*backend.Retention, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, err := s.lookup(bucket, key)
	if err != nil {
		return nil, err
	}
	return meta.retention(), nil
}

// PutObjectRetention applies or clears retention. Shortening or clearing an
// active governance lock requires bypassGovernance.
func (s *Store) PutObjectRetention(ctx context.Context, bucket, key string, retention *backend.Retention, bypassGovernance bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.lookup(bucket, key)
	if err != nil {
		return err
	}

	clearing := retention == nil || retention.Mode == ""
	if !clearing && retention.Mode != backend.RetentionGovernance {
		return fmt.Errorf("%w: unsupported retention mode %q", backend.ErrInvalidRequest, retention.Mode)
	}

	current := meta.retention()
	if current.Active(s.now()) && !bypassGovernance {
		if clearing || retention.RetainUntil.Before(current.RetainUntil) {
			return ErrObjectLocked
		}
	}

	if clearing {
		meta.Retention = nil
	} else {
		meta.Retention = &RetentionMeta{
			Mode:        string(retention.Mode),
			RetainUntil: retention.RetainUntil.UTC(),
		}
	}

	log.Debug().
		Str("bucket", bucket).
		Str("key", key).
		Bool("cleared", clearing).
		Bool("bypass", bypassGovernance).
		Msg("retention updated")

	return s.writeObjectMeta(bucket, meta)
}

// GetObjectLegalHold returns the legal hold status. Objects never placed on
// hold report OFF.
func (s *Store) GetObjectLegalHold(ctx context.Context, bucket, key string) (backend.LegalHoldStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, err := s.lookup(bucket, key)
	if err != nil {
		return "", err
	}
	if meta.LegalHold {
		return backend.LegalHoldOn, nil
	}
	return backend.LegalHoldOff, nil
}

// PutObjectLegalHold sets the legal hold status.
func (s *Store) PutObjectLegalHold(ctx context.Context, bucket, key string, status backend.LegalHoldStatus) error {
	if status != backend.LegalHoldOn && status != backend.LegalHoldOff {
		return fmt.Errorf("%w: invalid legal hold status %q", backend.ErrInvalidRequest, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.lookup(bucket, key)
	if err != nil {
		return err
	}

	meta.LegalHold = status == backend.LegalHoldOn
	return s.writeObjectMeta(bucket, meta)
}
