package kv

import "strings"

// DefaultNamespace is the key-space prefix used when Config.Namespace is empty.
const DefaultNamespace = "s3kv"

// Ext is the object key suffix of serialized values.
const Ext = ".json"

// ObjectKey returns the backend object key for a logical key:
// <namespace>/<key>.json.
func (s *Store) ObjectKey(key string) string {
	return s.prefix + key + Ext
}

// ObjectPrefix returns the backend listing prefix for a logical key prefix.
func (s *Store) ObjectPrefix(prefix string) string {
	return s.prefix + prefix
}

// LogicalKey reverses ObjectKey. It reports false for object keys outside the
// namespace or without the value extension.
func (s *Store) LogicalKey(objectKey string) (string, bool) {
	rest, ok := strings.CutPrefix(objectKey, s.prefix)
	if !ok {
		return "", false
	}
	key, ok := strings.CutSuffix(rest, Ext)
	if !ok || key == "" {
		return "", false
	}
	return key, true
}

// Namespace returns the namespace of the store.
func (s *Store) Namespace() string {
	return strings.TrimSuffix(s.prefix, "/")
}
