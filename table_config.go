package rhash

import (
	"fmt"
	"unsafe"

	"github.com/rs/zerolog"
)

// ============================================================================
// Configuration
// ============================================================================

// TableConfig defines configurable options for Table and ListTable
// initialization. It is captured once by the constructor.
type TableConfig struct {
	// keyHash holds a func(K, uintptr) uintptr set by WithKeyHasher.
	keyHash any
	// keyHashUnsafe is set by WithKeyHasherUnsafe.
	keyHashUnsafe HashFunc
	// keyEqual holds a func(K, K) bool set by WithKeyEqual.
	keyEqual any
	// keyEqualUnsafe is set by WithKeyEqualUnsafe.
	keyEqualUnsafe EqualFunc
	// byteHasher backs the default hash of plain and string keys.
	byteHasher ByteHasher

	// sizeHint is the expected number of entries.
	sizeHint int
	// minSize and maxSize bound the bucket count. maxSize 0 is unbounded.
	minSize int
	maxSize int

	// autoShrink halves the table when it runs nearly empty.
	autoShrink bool

	// insertRetries is the number of internal retries of an insert that
	// failed with ErrTransient.
	insertRetries int

	// allocGuard is consulted before every bucket table allocation.
	allocGuard func(buckets int) error

	logger *zerolog.Logger
}

// WithSizeHint sizes the initial table to hold n entries without growing.
func WithSizeHint(n int) func(*TableConfig) {
	return func(c *TableConfig) {
		c.sizeHint = n
	}
}

// WithMinSize sets the smallest bucket count, rounded up to a power of 2.
// The table never shrinks below it. The default is 4.
func WithMinSize(n int) func(*TableConfig) {
	return func(c *TableConfig) {
		c.minSize = n
	}
}

// WithMaxSize bounds the bucket count, rounded down to a power of 2. A
// bounded table holds at most MaxElems = max(n*3/4, 1) entries and fails
// inserts beyond that with ErrCapacityExceeded.
func WithMaxSize(n int) func(*TableConfig) {
	return func(c *TableConfig) {
		c.maxSize = n
	}
}

// WithAutoShrink shrinks the table when fewer than 30% of its buckets
// would be used. Disabled by default.
func WithAutoShrink() func(*TableConfig) {
	return func(c *TableConfig) {
		c.autoShrink = true
	}
}

// WithKeyHasher sets a custom key hash. The bucket index is the low bits
// of the returned value, with no extra spreading, so a hash like
// `id % 10` places keys exactly.
func WithKeyHasher[K comparable](keyHash func(key K, seed uintptr) uintptr) func(*TableConfig) {
	return func(c *TableConfig) {
		if keyHash != nil {
			c.keyHash = keyHash
		}
	}
}

// WithKeyHasherUnsafe sets a key hash operating on the raw key memory.
//
//	hs := func(ptr unsafe.Pointer, seed uintptr) uintptr {
//		return uintptr(*(*uint32)(ptr)) ^ seed
//	}
//	t, err := NewTable(arena, keyOf, WithKeyHasherUnsafe(hs))
func WithKeyHasherUnsafe(hs HashFunc) func(*TableConfig) {
	return func(c *TableConfig) {
		c.keyHashUnsafe = hs
	}
}

// WithKeyEqual sets a custom key comparison. The default is ==.
func WithKeyEqual[K comparable](equal func(a, b K) bool) func(*TableConfig) {
	return func(c *TableConfig) {
		if equal != nil {
			c.keyEqual = equal
		}
	}
}

// WithKeyEqualUnsafe sets a key comparison over the raw key memory. It
// is the counterpart of WithKeyHasherUnsafe; WithKeyEqual takes
// precedence when both are set.
func WithKeyEqualUnsafe(eq EqualFunc) func(*TableConfig) {
	return func(c *TableConfig) {
		c.keyEqualUnsafe = eq
	}
}

// WithByteHasher selects the byte hash used for string keys and keys
// without pointers or padding. The default is XXH3.
func WithByteHasher(h ByteHasher) func(*TableConfig) {
	return func(c *TableConfig) {
		c.byteHasher = h
	}
}

// WithInsertRetry makes Insert retry a transient allocation failure up
// to n times, backing off between attempts, before returning
// ErrTransient. The default is 0: the failure surfaces immediately.
func WithInsertRetry(n int) func(*TableConfig) {
	return func(c *TableConfig) {
		c.insertRetries = n
	}
}

// WithAllocGuard installs a hook consulted before allocating a bucket
// table of the given size. A non-nil error fails the allocation: a
// resize is abandoned and the table keeps its current size.
func WithAllocGuard(guard func(buckets int) error) func(*TableConfig) {
	return func(c *TableConfig) {
		c.allocGuard = guard
	}
}

// WithLogger sets the logger for resize events. The default discards.
func WithLogger(l zerolog.Logger) func(*TableConfig) {
	return func(c *TableConfig) {
		c.logger = &l
	}
}

func (c *TableConfig) validate() error {
	switch {
	case c.sizeHint < 0:
		return fmt.Errorf("size hint %d: %w", c.sizeHint, ErrInvalidConfig)
	case c.minSize < 0 || c.minSize > maxTableSize:
		return fmt.Errorf("min size %d: %w", c.minSize, ErrInvalidConfig)
	case c.maxSize < 0 || c.maxSize > maxTableSize:
		return fmt.Errorf("max size %d: %w", c.maxSize, ErrInvalidConfig)
	case c.insertRetries < 0 || c.insertRetries > insertRetryLimit:
		return fmt.Errorf("insert retries %d: %w", c.insertRetries, ErrInvalidConfig)
	}
	return nil
}

// normalizedSizes returns the power-of-2 min and max bucket counts.
func (c *TableConfig) normalizedSizes() (minSize, maxSize int, err error) {
	minSize = max(nextPowOf2(c.minSize), minTableSize)
	if c.maxSize > 0 {
		maxSize = nextPowOf2(c.maxSize)
		if maxSize != c.maxSize {
			maxSize >>= 1
		}
		if minSize > maxSize {
			if c.minSize > 0 {
				return 0, 0, fmt.Errorf("min size %d above max size %d: %w",
					c.minSize, c.maxSize, ErrInvalidConfig)
			}
			minSize = maxSize
		}
	}
	return minSize, maxSize, nil
}

func keyFuncs[K comparable](c *TableConfig) (
	hash func(K, uintptr) uintptr,
	equal func(K, K) bool,
	err error,
) {
	switch {
	case c.keyHash != nil:
		var ok bool
		if hash, ok = c.keyHash.(func(K, uintptr) uintptr); !ok {
			return nil, nil, fmt.Errorf("key hasher %T: %w", c.keyHash, ErrInvalidConfig)
		}
	case c.keyHashUnsafe != nil:
		hs := c.keyHashUnsafe
		hash = func(key K, seed uintptr) uintptr {
			return hs(unsafe.Pointer(&key), seed)
		}
	default:
		if hash = parseKeyInterface[K](); hash == nil {
			bh := c.byteHasher
			if bh == nil {
				bh = XXH3
			}
			hash = defaultKeyHasher[K](bh)
		}
	}
	switch {
	case c.keyEqual != nil:
		var ok bool
		if equal, ok = c.keyEqual.(func(K, K) bool); !ok {
			return nil, nil, fmt.Errorf("key equal %T: %w", c.keyEqual, ErrInvalidConfig)
		}
	case c.keyEqualUnsafe != nil:
		eq := c.keyEqualUnsafe
		equal = func(a, b K) bool {
			return eq(unsafe.Pointer(&a), unsafe.Pointer(&b))
		}
	}
	return hash, equal, nil
}
