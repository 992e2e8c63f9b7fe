//go:build rhash_disable_padding

package opt

import "sync/atomic"

// Counter_ is a shared atomic counter.
// Padding is force-disabled via the rhash_disable_padding build tag.
type Counter_ struct {
	N atomic.Int64
}
