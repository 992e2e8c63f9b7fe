//go:build !(amd64 || 386 || arm || mips || mipsle || wasm) && !rhash_disable_padding && !rhash_enable_padding

package opt

import (
	"sync/atomic"
	"unsafe"
)

// Counter_ is a shared atomic counter occupying a whole cache line, so
// the reader counters of a reclamation domain and the live counter of a
// table do not share a line with neighbouring fields.
//
// Enabled for: arm64, s390x, ppc64, ppc64le, riscv64, loong64, mips64, mips64le.
type Counter_ struct {
	N atomic.Int64
	_ [(CacheLineSize_ - unsafe.Sizeof(atomic.Int64{})%CacheLineSize_) % CacheLineSize_]byte
}
