package fsstore

import (
	"errors"
	"fmt"

	"github.com/s3kv/s3kv/internal/backend"
)

// Store error types.
var (
	ErrBucketExists = errors.New("bucket already exists")
	// ErrObjectLocked is returned when a write, delete or retention change is
	// refused by an active lock or legal hold.
	ErrObjectLocked = fmt.Errorf("%w: object is protected by retention or legal hold", backend.ErrAccessDenied)
)
