package rhash

import (
	"runtime"
	"time"
)

// Sizing and resize thresholds.
const (
	// minTableSize is the smallest bucket count a table is built with
	// unless WithMinSize asks for more.
	minTableSize = 4
	// growNum/growDen: grow when nelems > size*growNum/growDen.
	growNum = 3
	growDen = 4
	// shrinkNum/shrinkDen: shrink when nelems < size*shrinkNum/shrinkDen.
	shrinkNum = 3
	shrinkDen = 10
	// maxTableSize bounds the bucket count so bucket indexes fit the low
	// half of a link word.
	maxTableSize = 1 << 30
	// minBucketsPerChunk is the migration work unit; tables with fewer
	// buckets than parallelThreshold are migrated by the resizing writer
	// alone.
	minBucketsPerChunk = 64
	parallelThreshold  = 16 * 1024
	// resizeOverPartition over-partitions migration chunks to cut the
	// tail latency of the last helper.
	resizeOverPartition = 4
	// insertRetryLimit caps WithInsertRetry.
	insertRetryLimit = 64
)

const (
	intSize = 32 << (^uint(0) >> 63)
)

type rebuildHint uint8

const (
	growHint rebuildHint = iota
	shrinkHint
	blockWritersHint
)

func (h rebuildHint) String() string {
	switch h {
	case growHint:
		return "grow"
	case shrinkHint:
		return "shrink"
	default:
		return "exclusive"
	}
}

// calcParallelism splits items into chunks for migration helpers.
func calcParallelism(items, threshold, cpus int) (chunkSz, chunks int) {
	if items <= threshold {
		return items, 1
	}
	chunks = min(items/threshold, cpus)
	chunkSz = (items + chunks - 1) / chunks
	return chunkSz, chunks
}

// initialSize returns the bucket count for a size hint: room for hint
// entries under the grow threshold, at least minSize, at most maxSize.
func initialSize(hint, minSize, maxSize int) int {
	size := minSize
	if hint > 0 {
		size = max(nextPowOf2(hint*growDen/growNum), minSize)
	}
	if maxSize > 0 && size > maxSize {
		size = maxSize
	}
	return size
}

// nextPowOf2 returns the smallest power of 2 >= n.
func nextPowOf2(n int) int {
	if n <= 0 {
		return 1
	}
	v := n - 1
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	if intSize == 64 {
		v |= v >> 32
	}
	return v + 1
}

// noCopy may be added to structs which must not be copied
// after the first use.
//
// See https://golang.org/issues/8005#issuecomment-190753527
// for details.
//
// Note that it must not be embedded, due to the Lock and Unlock methods.
type noCopy struct{}

// Lock is a no-op used by -copylocks checker from `go vet`.
func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

const maxSpins = 16

// delay backs off a spinning goroutine: it yields for the first few
// rounds, then sleeps.
func delay(spins *int) {
	if *spins < maxSpins {
		*spins++
		runtime.Gosched()
		return
	}
	*spins = 0
	// The 500µs duration is derived from Facebook/folly's implementation:
	// https://github.com/facebook/folly/blob/main/folly/synchronization/detail/Sleeper.h
	time.Sleep(500 * time.Microsecond)
}
