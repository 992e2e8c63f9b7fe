//go:build (amd64 || 386 || arm || mips || mipsle || wasm) && !rhash_disable_padding && !rhash_enable_padding

package opt

import "sync/atomic"

// Counter_ is a shared atomic counter.
// No padding on amd64 and the 32-bit targets.
type Counter_ struct {
	N atomic.Int64
}
