package kv

import (
	"context"
	"iter"

	"github.com/rs/zerolog/log"

	"github.com/s3kv/s3kv/internal/backend"
)

// Objects lazily lists every backend object whose key starts with the
// namespaced prefix, following continuation tokens up to the configured
// MaxListPages. Iteration stops after yielding an error. Each call restarts
// from the first page.
func (s *Store) Objects(ctx context.Context, prefix string) iter.Seq2[backend.ObjectInfo, error] {
	return func(yield func(backend.ObjectInfo, error) bool) {
		objectPrefix := s.ObjectPrefix(prefix)
		token := ""
		for pages := 1; ; pages++ {
			if err := ctx.Err(); err != nil {
				yield(backend.ObjectInfo{}, err)
				return
			}

			page, err := s.client.ListObjects(ctx, objectPrefix, token, s.pageSize)
			if err != nil {
				yield(backend.ObjectInfo{}, err)
				return
			}
			for _, obj := range page.Objects {
				if !yield(obj, nil) {
					return
				}
			}

			if page.NextToken == "" {
				return
			}
			if s.maxPages > 0 && pages >= s.maxPages {
				log.Debug().
					Str("prefix", objectPrefix).
					Int("pages", pages).
					Msg("listing truncated at max pages")
				return
			}
			token = page.NextToken
		}
	}
}

// Keys lazily lists the logical keys starting with prefix. Objects in the
// namespace that are not stored values are skipped.
func (s *Store) Keys(ctx context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for obj, err := range s.Objects(ctx, prefix) {
			if err != nil {
				yield("", err)
				return
			}
			key, ok := s.LogicalKey(obj.Key)
			if !ok {
				continue
			}
			if !yield(key, nil) {
				return
			}
		}
	}
}

// ListKeys returns every key in the namespace.
func (s *Store) ListKeys(ctx context.Context) ([]string, error) {
	return s.ListKeysWithPrefix(ctx, "")
}

// ListKeysWithPrefix returns every key starting with prefix.
func (s *Store) ListKeysWithPrefix(ctx context.Context, prefix string) (keys []string, err error) {
	defer s.track("list")(&err)

	keys = []string{}
	for key, err := range s.Keys(ctx, prefix) {
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}
