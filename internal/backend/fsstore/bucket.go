package fsstore

import (
	"context"

	"github.com/s3kv/s3kv/internal/backend"
)

// Bucket binds a Store to one bucket and implements backend.Client.
type Bucket struct {
	store *Store
	name  string
}

var _ backend.Client = (*Bucket)(nil)

// Bucket returns a client for the named bucket. The bucket must exist before
// objects are written.
func (s *Store) Bucket(name string) *Bucket {
	return &Bucket{store: s, name: name}
}

// Name returns the bucket name.
func (b *Bucket) Name() string {
	return b.name
}

func (b *Bucket) PutObject(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := b.store.PutObject(ctx, b.name, key, body, contentType)
	return err
}

func (b *Bucket) GetObject(ctx context.Context, key string) ([]byte, error) {
	body, _, err := b.store.GetObject(ctx, b.name, key)
	return body, err
}

func (b *Bucket) HeadObject(ctx context.Context, key string) (*backend.ObjectInfo, error) {
	meta, err := b.store.HeadObject(ctx, b.name, key)
	if err != nil {
		return nil, err
	}
	info := meta.Info()
	return &info, nil
}

func (b *Bucket) DeleteObject(ctx context.Context, key string) error {
	return b.store.DeleteObject(ctx, b.name, key)
}

// ListObjects uses the last key of the previous page as the continuation token.
func (b *Bucket) ListObjects(ctx context.Context, prefix, token string, maxKeys int) (*backend.ListPage, error) {
	objects, truncated, next, err := b.store.ListObjects(ctx, b.name, prefix, token, maxKeys)
	if err != nil {
		return nil, err
	}

	page := &backend.ListPage{Objects: make([]backend.ObjectInfo, 0, len(objects))}
	for i := range objects {
		page.Objects = append(page.Objects, objects[i].Info())
	}
	if truncated {
		page.NextToken = next
	}
	return page, nil
}

func (b *Bucket) GetObjectTagging(ctx context.Context, key string) (backend.TagSet, error) {
	return b.store.GetObjectTagging(ctx, b.name, key)
}

func (b *Bucket) PutObjectTagging(ctx context.Context, key string, tags backend.TagSet) error {
	return b.store.PutObjectTagging(ctx, b.name, key, tags)
}

func (b *Bucket) GetObjectRetention(ctx context.Context, key string) (*backend.Retention, error) {
	return b.store.GetObjectRetention(ctx, b.name, key)
}

func (b *Bucket) PutObjectRetention(ctx context.Context, key string, retention *backend.Retention, bypassGovernance bool) error {
	return b.store.PutObjectRetention(ctx, b.name, key, retention, bypassGovernance)
}

func (b *Bucket) GetObjectLegalHold(ctx context.Context, key string) (backend.LegalHoldStatus, error) {
	return b.store.GetObjectLegalHold(ctx, b.name, key)
}

func (b *Bucket) PutObjectLegalHold(ctx context.Context, key string, status backend.LegalHoldStatus) error {
	return b.store.PutObjectLegalHold(ctx, b.name, key, status)
}
