package rhash

import (
	"math/rand/v2"
	"sync/atomic"
)

// Link words.
//
// Every bucket head and every chain member's next field holds a uint64
// link word:
//
//	bit 63      nulls: the word terminates a chain
//	bit 62      bucket lock, bucket heads only
//	bits 32-61  table generation (terminators only)
//	bits 0-31   Handle of the next member, or the bucket index
//
// A chain ends in the terminator of its own bucket. A reader that ends
// on any other terminator followed an entry that moved while it was
// walking and must rescan.
const (
	nullsBit  = uint64(1) << 63
	lockBit   = uint64(1) << 62
	genShift  = 32
	genMask   = uint64(1)<<30 - 1
	indexMask = uint64(1)<<32 - 1
)

// detachedLink is the next word of entries outside any chain. It is a
// terminator no bucket owns, so a reader standing on such an entry
// rescans.
const detachedLink = nullsBit

//go:nosplit
func nullsOf(gen uint32, idx int) uint64 {
	return nullsBit | (uint64(gen)&genMask)<<genShift | uint64(uint32(idx))
}

//go:nosplit
func isNulls(w uint64) bool {
	return w&nullsBit != 0
}

//go:nosplit
func handleOf(w uint64) Handle {
	return Handle(w & indexMask)
}

//go:nosplit
func linkOf(h Handle) uint64 {
	return uint64(h)
}

// bucketTable is one generation of buckets. A table is replaced, never
// resized in place.
type bucketTable struct {
	buckets []uint64
	mask    int
	seed    uintptr
	gen     uint32
	// future is the table entries are migrating to. Once set it never
	// changes.
	future atomic.Pointer[bucketTable]
	// walkers registered on this table, guarded by core.mu.
	walkers map[*walkerState]struct{}
	// number of chunks and chunk size for migration
	chunks  int
	chunkSz int
}

func newBucketTable(size int, gen uint32, cpus int) *bucketTable {
	chunkSz, chunks := calcParallelism(size, minBucketsPerChunk, cpus*resizeOverPartition)
	bt := &bucketTable{
		buckets: make([]uint64, size),
		mask:    size - 1,
		seed:    uintptr(rand.Uint64()),
		gen:     gen,
		chunks:  chunks,
		chunkSz: chunkSz,
	}
	for i := range bt.buckets {
		bt.buckets[i] = nullsOf(gen, i)
	}
	return bt
}

//go:nosplit
func (bt *bucketTable) nulls(idx int) uint64 {
	return nullsOf(bt.gen, idx)
}

//go:nosplit
func (bt *bucketTable) size() int {
	return bt.mask + 1
}

// retire drops the buckets of a table no reader can reach any more.
func (bt *bucketTable) retire() {
	bt.buckets = nil
}

func (bt *bucketTable) addWalker(ws *walkerState) {
	if bt.walkers == nil {
		bt.walkers = make(map[*walkerState]struct{})
	}
	bt.walkers[ws] = struct{}{}
	ws.tbl = bt
}

// invalidateWalkers detaches every walker of bt. Called under core.mu.
func (bt *bucketTable) invalidateWalkers() {
	for ws := range bt.walkers {
		ws.tbl = nil
	}
	bt.walkers = nil
}

// lockBucket acquires the bit-lock embedded in a bucket head.
func lockBucket(addr *uint64) {
	cur := atomic.LoadUint64(addr)
	if atomic.CompareAndSwapUint64(addr, cur&^lockBit, cur|lockBit) {
		return
	}
	slowLockBucket(addr)
}

func slowLockBucket(addr *uint64) {
	var spins int
	for !tryLockBucket(addr) {
		delay(&spins)
	}
}

//go:nosplit
func tryLockBucket(addr *uint64) bool {
	for {
		cur := atomic.LoadUint64(addr)
		if cur&lockBit != 0 {
			return false
		}
		if atomic.CompareAndSwapUint64(addr, cur, cur|lockBit) {
			return true
		}
	}
}

// unlockBucket releases the bucket lock, keeping the head link.
//
//go:nosplit
func unlockBucket(addr *uint64) {
	atomic.StoreUint64(addr, atomic.LoadUint64(addr)&^lockBit)
}

// unlockBucketWith releases the bucket lock and publishes w as the head.
//
//go:nosplit
func unlockBucketWith(addr *uint64, w uint64) {
	atomic.StoreUint64(addr, w&^lockBit)
}

//go:nosplit
func loadHead(addr *uint64) uint64 {
	return atomic.LoadUint64(addr) &^ lockBit
}

// linkRef is the location of a link word: a locked bucket head or a
// member's next field.
type linkRef struct {
	head *uint64
	next *atomic.Uint64
}

func (r linkRef) load() uint64 {
	if r.head != nil {
		return loadHead(r.head)
	}
	return r.next.Load()
}

// store writes w, keeping the bucket locked if r is a head.
func (r linkRef) store(w uint64) {
	if r.head != nil {
		atomic.StoreUint64(r.head, w|lockBit)
		return
	}
	r.next.Store(w)
}
