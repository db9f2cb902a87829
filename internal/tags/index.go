// Package tags is a secondary lookup over object tags.
//
// There is no separate index structure: a search lists every object under
// the store's namespace and fetches the tag set of each one, so it costs one
// listing request per page plus one tagging request per object. Options
// ScanConcurrency bounds how many tag fetches run at once.
package tags

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/s3kv/s3kv/internal/backend"
	"github.com/s3kv/s3kv/internal/kv"
)

// Set maps tag names to values. Tagging an object replaces its whole set.
type Set = map[string]string

// Options configures an Index.
type Options struct {
	// ScanConcurrency bounds parallel tag fetches during a search.
	// Zero or one scans sequentially.
	ScanConcurrency int
}

// Index resolves tags on the objects of a kv.Store.
type Index struct {
	store       *kv.Store
	client      backend.Client
	concurrency int
}

// New creates an index over store.
func New(store *kv.Store, opts Options) *Index {
	if opts.ScanConcurrency < 1 {
		opts.ScanConcurrency = 1
	}
	return &Index{
		store:       store,
		client:      store.Backend(),
		concurrency: opts.ScanConcurrency,
	}
}

// toTagSet orders tags by name so the wire form is deterministic.
func toTagSet(set Set) backend.TagSet {
	ts := make(backend.TagSet, 0, len(set))
	for _, name := range slices.Sorted(maps.Keys(set)) {
		ts = append(ts, backend.Tag{Key: name, Value: set[name]})
	}
	return ts
}

// Tag replaces the tag set of key. An empty set removes all tags.
func (x *Index) Tag(ctx context.Context, key string, set Set) error {
	if key == "" {
		return fmt.Errorf("%w: key cannot be empty", kv.ErrInvalidKey)
	}
	if err := x.client.PutObjectTagging(ctx, x.store.ObjectKey(key), toTagSet(set)); err != nil {
		return fmt.Errorf("tag %s: %w", key, err)
	}
	return nil
}

// TagWithPrefix applies set to every key starting with prefix and returns how
// many keys were tagged. It stops at the first failure; keys tagged before it
// keep their new tags.
func (x *Index) TagWithPrefix(ctx context.Context, prefix string, set Set) (int, error) {
	tagged := 0
	for key, err := range x.store.Keys(ctx, prefix) {
		if err != nil {
			return tagged, err
		}
		if err := x.Tag(ctx, key, set); err != nil {
			return tagged, err
		}
		tagged++
	}
	return tagged, nil
}

// GetTags returns the tags of a raw object key, as produced by
// kv.Store.ObjectKey.
func (x *Index) GetTags(ctx context.Context, objectKey string) (Set, error) {
	ts, err := x.client.GetObjectTagging(ctx, objectKey)
	if err != nil {
		return nil, fmt.Errorf("get tags %s: %w", objectKey, err)
	}
	return ts.Map(), nil
}

// GetKeyTags returns the tags of a logical key.
func (x *Index) GetKeyTags(ctx context.Context, key string) (Set, error) {
	return x.GetTags(ctx, x.store.ObjectKey(key))
}

// FindKeysByTag returns every key whose tag name equals value, in listing
// order. Objects deleted during the scan are skipped.
func (x *Index) FindKeysByTag(ctx context.Context, name, value string) ([]string, error) {
	var keys []string
	for key, err := range x.store.Keys(ctx, "") {
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	matched := make([]bool, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(x.concurrency)
	for i, key := range keys {
		g.Go(func() error {
			set, err := x.GetKeyTags(gctx, key)
			if backend.IsNotFound(err) {
				return nil
			}
			if err != nil {
				return err
			}
			v, ok := set[name]
			matched[i] = ok && v == value
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	found := []string{}
	for i, key := range keys {
		if matched[i] {
			found = append(found, key)
		}
	}

	log.Debug().
		Str("tag", name).
		Int("scanned", len(keys)).
		Int("matched", len(found)).
		Msg("tag scan complete")
	return found, nil
}

// DeleteByTag deletes every key whose tag name equals value and returns how
// many were deleted. Deletes go through the store so cache entries are
// invalidated. It stops at the first failed delete.
func (x *Index) DeleteByTag(ctx context.Context, name, value string) (int, error) {
	keys, err := x.FindKeysByTag(ctx, name, value)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, key := range keys {
		if err := x.store.Delete(ctx, key); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}
