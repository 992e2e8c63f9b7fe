//go:build !race

package opt

import (
	"sync/atomic"
	_ "unsafe" // for linkname
)

// Race_ reports whether the race detector is enabled. Stress sizes are
// scaled down when it is.
const Race_ = false

// Sema is a zero-allocation counting semaphore. The zero value has no
// permits. In !race mode, it is a direct wrapper around
// runtime.semacquire/semrelease.
type Sema uint32

// Acquire blocks until a permit is available and takes it.
func (s *Sema) Acquire() {
	runtime_semacquire((*uint32)(s))
}

// TryAcquire takes a permit if one is available.
func (s *Sema) TryAcquire() bool {
	for {
		v := atomic.LoadUint32((*uint32)(s))
		if v == 0 {
			return false
		}
		if atomic.CompareAndSwapUint32((*uint32)(s), v, v-1) {
			return true
		}
	}
}

// Release adds a permit and wakes one waiter.
func (s *Sema) Release() {
	runtime_semrelease((*uint32)(s), false, 0)
}

//go:linkname runtime_semacquire sync.runtime_Semacquire
func runtime_semacquire(s *uint32)

//go:linkname runtime_semrelease sync.runtime_Semrelease
func runtime_semrelease(s *uint32, handoff bool, skipframes int)
