package backend

import "errors"

// Backend error types. Implementations wrap their native errors so callers
// can match with errors.Is.
var (
	ErrNotFound       = errors.New("object not found")
	ErrBucketNotFound = errors.New("bucket not found")
	ErrAccessDenied   = errors.New("access denied")
	ErrInvalidRequest = errors.New("invalid request")
)

// IsNotFound reports whether err means the object does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
