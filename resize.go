package rhash

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// rebuildState represents the current state of a resizing operation.
// Only one rebuild runs at a time; it exists from beginRebuild until
// endRebuild.
type rebuildState struct {
	hint     rebuildHint
	wg       sync.WaitGroup
	table    atomic.Pointer[bucketTable]
	newTable atomic.Pointer[bucketTable]
	// process counts claimed migration chunks, completed finished ones.
	process   atomic.Int32
	completed atomic.Int32
}

func (c *core[K, T]) beginRebuild(hint rebuildHint) (*rebuildState, bool) {
	rs := &rebuildState{hint: hint}
	rs.wg.Add(1)
	if !c.rs.CompareAndSwap(nil, rs) {
		return nil, false
	}
	return rs, true
}

func (c *core[K, T]) endRebuild(rs *rebuildState) {
	c.rs.Store(nil)
	rs.wg.Done()
}

// rebuild runs fn as the only rebuild, after helping any resize in flight
// to finish.
func (c *core[K, T]) rebuild(hint rebuildHint, fn func()) {
	for {
		if rs := c.rs.Load(); rs != nil {
			c.helpRebuild(rs)
		}
		if rs, ok := c.beginRebuild(hint); ok {
			fn()
			c.endRebuild(rs)
			return
		}
	}
}

// maybeResize starts a grow or shrink when the load calls for one. A
// writer that finds a migration in flight helps it instead.
func (c *core[K, T]) maybeResize() {
	if rs := c.rs.Load(); rs != nil {
		if rs.newTable.Load() != nil {
			c.helpRebuild(rs)
		}
		return
	}
	bt := c.table.Load()
	if bt.future.Load() != nil {
		return
	}
	size := bt.size()
	n := c.nelems.N.Load()
	switch {
	case growAbove(n, size) && (c.maxSize == 0 || size < c.maxSize) && size < maxTableSize:
		_ = c.resize(growHint, 0)
	case c.shrinkOn && shrinkBelow(n, size) && size > c.minSize:
		_ = c.resize(shrinkHint, 0)
	}
}

//go:nosplit
func growAbove(n int64, size int) bool {
	return n*growDen > int64(size)*growNum
}

//go:nosplit
func shrinkBelow(n int64, size int) bool {
	return n*shrinkDen < int64(size)*shrinkNum
}

// grow resizes the table to hold n more entries.
func (c *core[K, T]) grow(n int) error {
	if n <= 0 {
		return nil
	}
	want := min(initialSize(int(c.nelems.N.Load())+n, c.minSize, c.maxSize), maxTableSize)
	for c.table.Load().size() < want {
		if err := c.resize(growHint, want); err != nil {
			return err
		}
	}
	return nil
}

// targetSize returns the bucket count a resize should produce, or size
// when no resize is needed.
func (c *core[K, T]) targetSize(hint rebuildHint, size int, n int64, want int) int {
	switch hint {
	case growHint:
		target := want
		if target == 0 {
			if !growAbove(n, size) {
				return size
			}
			target = size << 1
		}
		if c.maxSize > 0 {
			target = min(target, c.maxSize)
		}
		return max(min(target, maxTableSize), size)
	case shrinkHint:
		target := max(nextPowOf2(int(n)*growDen/growNum+1), c.minSize)
		return min(target, size)
	}
	return size
}

// resize replaces the canonical table by one of the size targetSize
// picks. If another rebuild is running, the caller helps it and returns.
// A failed bucket allocation abandons the resize: the table keeps running
// at its current size and the error wraps ErrTransient.
func (c *core[K, T]) resize(hint rebuildHint, want int) error {
	rs, ok := c.beginRebuild(hint)
	if !ok {
		if cur := c.rs.Load(); cur != nil {
			c.helpRebuild(cur)
		}
		return nil
	}

	old := c.table.Load()
	size := old.size()
	n := c.nelems.N.Load()
	newSize := c.targetSize(hint, size, n, want)
	if newSize == size {
		c.endRebuild(rs)
		return nil
	}
	if c.allocGuard != nil {
		if err := c.allocGuard(newSize); err != nil {
			c.failures.Add(1)
			c.endRebuild(rs)
			c.log.Warn().Err(err).
				Str("op", hint.String()).
				Int("size", size).
				Int("target", newSize).
				Int64("nelems", n).
				Msg("rhash: bucket table allocation failed, keeping current size")
			return fmt.Errorf("%w: allocate %d buckets: %w", ErrTransient, newSize, err)
		}
	}

	nt := c.newBucketTable(newSize)
	rs.table.Store(old)
	rs.newTable.Store(nt)
	// From here on inserts land in nt and lookups consult it.
	old.future.Store(nt)
	c.log.Debug().
		Str("op", hint.String()).
		Int("size", size).
		Int("target", newSize).
		Int64("nelems", n).
		Msg("rhash: resize started")

	cpus := runtime.GOMAXPROCS(0)
	if helpers := min(old.chunks, cpus) - 1; helpers > 0 && size >= parallelThreshold {
		var g errgroup.Group
		for range helpers {
			g.Go(func() error {
				c.helpRebuild(rs)
				return nil
			})
		}
		c.helpRebuild(rs)
		_ = g.Wait()
	} else {
		c.helpRebuild(rs)
	}
	return nil
}

// helpRebuild migrates unclaimed chunks of a resize in flight and waits
// for the resize to finish. It waits right away for rebuilds that do not
// migrate.
func (c *core[K, T]) helpRebuild(rs *rebuildState) {
	old, nt := rs.table.Load(), rs.newTable.Load()
	if old == nil || nt == nil {
		rs.wg.Wait()
		return
	}
	chunks := int32(old.chunks)
	chunkSz := old.chunkSz
	for {
		process := rs.process.Add(1)
		if process > chunks {
			rs.wg.Wait()
			return
		}
		process--
		start := int(process) * chunkSz
		end := min(start+chunkSz, old.size())
		for i := start; i < end; i++ {
			c.migrateBucket(old, nt, i)
		}
		if rs.completed.Add(1) == chunks {
			c.publish(rs, old, nt)
			return
		}
	}
}

// migrateBucket moves every entry of bucket i of old into nt, tail first.
// Each entry is linked into its new bucket before it is unlinked from the
// old chain, so a lookup always finds it in one of the two tables; a
// reader that followed the entry into the new chain sees a foreign
// terminator and rescans.
func (c *core[K, T]) migrateBucket(old, nt *bucketTable, i int) {
	head := &old.buckets[i]
	lockBucket(head)
	for {
		w := loadHead(head)
		if isNulls(w) {
			break
		}
		pred := linkRef{head: head}
		tail := handleOf(w)
		ts := c.arena.slot(tail)
		for next := ts.next.Load(); !isNulls(next); next = ts.next.Load() {
			pred = linkRef{next: &ts.next}
			tail = handleOf(next)
			ts = c.arena.slot(tail)
		}

		j := int(c.hash(c.keyOf(&ts.val), nt.seed)) & nt.mask
		dst := &nt.buckets[j]
		lockBucket(dst)
		ts.next.Store(loadHead(dst))
		unlockBucketWith(dst, linkOf(tail))
		pred.store(old.nulls(i))
	}
	unlockBucket(head)
}

// publish makes nt canonical once every bucket of old is migrated.
func (c *core[K, T]) publish(rs *rebuildState, old, nt *bucketTable) {
	c.table.Store(nt)
	c.mu.Lock()
	old.invalidateWalkers()
	c.mu.Unlock()
	if nt.size() > old.size() {
		c.growths.Add(1)
	} else {
		c.shrinks.Add(1)
	}
	c.endRebuild(rs)
	c.dom.Defer(old.retire)
	c.log.Debug().
		Int("size", nt.size()).
		Int64("nelems", c.nelems.N.Load()).
		Msg("rhash: resize finished")
}
