package rhash

import "errors"

var (
	// ErrKeyExists is returned by Insert when the key, or the entry
	// itself, is already linked in the table.
	ErrKeyExists = errors.New("rhash: key exists")
	// ErrNotFound is returned by Remove when the entry is not linked in
	// the table.
	ErrNotFound = errors.New("rhash: not found")
	// ErrCapacityExceeded is returned by Insert when the table is bounded
	// by WithMaxSize and the insert would push it past the bound.
	ErrCapacityExceeded = errors.New("rhash: capacity exceeded")
	// ErrTransient reports a bucket table allocation failure while the
	// table was too loaded to take the insert. The insert may be retried.
	ErrTransient = errors.New("rhash: transient resource failure")
	// ErrCursorInvalidated is returned by Walker.Start and Walker.Next
	// when the table was resized under the walker. The walker has been
	// repositioned and may be continued; entries may be seen twice.
	ErrCursorInvalidated = errors.New("rhash: walk cursor invalidated")
	// ErrInvalidConfig is returned by constructors for unusable options.
	ErrInvalidConfig = errors.New("rhash: invalid config")
)

// IsRetryable reports whether err is a failure the caller may retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
