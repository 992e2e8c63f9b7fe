//go:build !rhash_cachelinesize_32 && !rhash_cachelinesize_64 && !rhash_cachelinesize_128 && !rhash_cachelinesize_256

package opt

import (
	"unsafe"

	"golang.org/x/sys/cpu"
)

// CacheLineSize_ is the padding unit for hot counters, taken from
// golang.org/x/sys/cpu. Override with a rhash_cachelinesize_* build tag.
const CacheLineSize_ = unsafe.Sizeof(cpu.CacheLinePad{})
