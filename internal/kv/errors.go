package kv

import "errors"

// KV error types.
var (
	ErrInvalidKey    = errors.New("invalid key")
	ErrCacheDisabled = errors.New("local cache is disabled")
	ErrDecode        = errors.New("stored value is not a JSON object")
)
