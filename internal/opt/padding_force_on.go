//go:build rhash_enable_padding

package opt

import (
	"sync/atomic"
	"unsafe"
)

// Counter_ is a shared atomic counter occupying a whole cache line.
// Padding is force-enabled via the rhash_enable_padding build tag.
type Counter_ struct {
	N atomic.Int64
	_ [(CacheLineSize_ - unsafe.Sizeof(atomic.Int64{})%CacheLineSize_) % CacheLineSize_]byte
}
