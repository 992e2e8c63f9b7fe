package rhash

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/llxisdsh/rhash/internal/opt"
)

var tableIDs atomic.Uint32

// core is the engine shared by Table and ListTable.
//
// Entries live in an Arena and are chained through their link words.
// Readers never lock: they run inside read sections of the arena's
// Domain. Writers lock single buckets. A resize attaches a future table
// and migrates bucket by bucket; until it is published, readers and
// writers follow old.future.
type core[K comparable, T any] struct {
	_      noCopy
	id     uint32
	arena  *Arena[T]
	dom    *Domain
	keyOf  func(*T) K
	hasher func(K, uintptr) uintptr
	eq     func(K, K) bool
	list   bool

	table  atomic.Pointer[bucketTable]
	rs     atomic.Pointer[rebuildState]
	nelems opt.Counter_

	initSize   int
	minSize    int
	maxSize    int // 0 is unbounded
	maxElems   int64
	bounded    bool
	shrinkOn   bool
	retries    int
	allocGuard func(buckets int) error
	log        zerolog.Logger

	gen      atomic.Uint32
	growths  atomic.Uint32
	shrinks  atomic.Uint32
	failures atomic.Uint32

	// mu guards walker registration.
	mu sync.Mutex
}

func (c *core[K, T]) init(
	arena *Arena[T],
	keyOf func(*T) K,
	list bool,
	options []func(*TableConfig),
) error {
	if arena == nil || keyOf == nil {
		return fmt.Errorf("arena and key accessor are required: %w", ErrInvalidConfig)
	}
	var cfg TableConfig
	for _, o := range options {
		o(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	minSize, maxSize, err := cfg.normalizedSizes()
	if err != nil {
		return err
	}
	hash, eq, err := keyFuncs[K](&cfg)
	if err != nil {
		return err
	}

	c.id = tableIDs.Add(1)
	if c.id >= ownerReleased {
		panic("rhash: table ids exhausted")
	}
	c.arena = arena
	c.dom = arena.Domain()
	c.keyOf = keyOf
	c.hasher = hash
	c.eq = eq
	c.list = list
	c.minSize = minSize
	c.maxSize = maxSize
	if maxSize > 0 {
		c.bounded = true
		c.maxElems = max(int64(maxSize*growNum/growDen), 1)
	}
	c.initSize = initialSize(cfg.sizeHint, minSize, maxSize)
	c.shrinkOn = cfg.autoShrink
	c.retries = cfg.insertRetries
	c.allocGuard = cfg.allocGuard
	c.log = zerolog.Nop()
	if cfg.logger != nil {
		c.log = *cfg.logger
	}
	c.table.Store(c.newBucketTable(c.initSize))
	return nil
}

func (c *core[K, T]) newBucketTable(size int) *bucketTable {
	gen := uint32(uint64(c.gen.Add(1)) & genMask)
	if gen == 0 {
		gen = uint32(uint64(c.gen.Add(1)) & genMask)
	}
	return newBucketTable(size, gen, runtime.GOMAXPROCS(0))
}

//go:nosplit
func (c *core[K, T]) hash(key K, seed uintptr) uintptr {
	return c.hasher(key, seed)
}

//go:nosplit
func (c *core[K, T]) equal(a, b K) bool {
	if c.eq != nil {
		return c.eq(a, b)
	}
	return a == b
}

// ============================================================================
// Lookup
// ============================================================================

// find returns the chain member holding key. Must be called inside a
// read section.
func (c *core[K, T]) find(key K) Handle {
	for bt := c.table.Load(); bt != nil; bt = bt.future.Load() {
		if h := c.findIn(bt, key); h != 0 {
			return h
		}
	}
	return 0
}

func (c *core[K, T]) findIn(bt *bucketTable, key K) Handle {
	idx := int(c.hash(key, bt.seed)) & bt.mask
	head := &bt.buckets[idx]
	for {
		w := loadHead(head)
		for !isNulls(w) {
			h := handleOf(w)
			s := c.arena.slot(h)
			if c.equal(c.keyOf(&s.val), key) {
				return h
			}
			w = s.next.Load()
		}
		if w == bt.nulls(idx) {
			return 0
		}
		// The walk ended in another chain: an entry moved under us.
	}
}

func (c *core[K, T]) lookup(key K) (Handle, bool) {
	tok := c.dom.ReadLock()
	h := c.find(key)
	c.dom.ReadUnlock(tok)
	return h, h != 0
}

// ============================================================================
// Insert
// ============================================================================

func (c *core[K, T]) insert(h Handle) error {
	s, ok := c.arena.lookup(h)
	if !ok {
		return fmt.Errorf("insert of invalid handle %d: %w", h, ErrNotFound)
	}
	if !s.owner.CompareAndSwap(0, c.id|ownerBusy) {
		if s.owner.Load() == ownerReleased {
			return fmt.Errorf("insert of released entry %d: %w", h, ErrNotFound)
		}
		return fmt.Errorf("entry %d already linked: %w", h, ErrKeyExists)
	}
	key := c.keyOf(&s.val)
	for attempt := 0; ; attempt++ {
		tok := c.dom.ReadLock()
		err := c.tryInsert(h, s, key)
		c.dom.ReadUnlock(tok)
		if err == nil {
			c.maybeResize()
			return nil
		}
		if err != errOverloaded {
			s.owner.Store(0)
			return err
		}
		// The table is full and nothing is resizing it: grow now, in the
		// inserting goroutine, and try again.
		gerr := c.resize(growHint, 0)
		if gerr == nil {
			continue
		}
		if attempt >= c.retries {
			s.owner.Store(0)
			return fmt.Errorf("insert entry %d: %w", h, gerr)
		}
		c.log.Debug().Int("attempt", attempt+1).Err(gerr).Msg("rhash: retrying insert")
		spins := maxSpins
		delay(&spins)
	}
}

// errOverloaded asks insert to grow the table synchronously.
var errOverloaded = fmt.Errorf("table overloaded: %w", ErrTransient)

// tryInsert links h under one bucket lock. Must be called inside a read
// section.
func (c *core[K, T]) tryInsert(h Handle, s *entrySlot[T], key K) error {
	bt := c.table.Load()
	for {
		idx := int(c.hash(key, bt.seed)) & bt.mask
		head := &bt.buckets[idx]
		lockBucket(head)
		if rs := c.rs.Load(); rs != nil && rs.hint == blockWritersHint {
			unlockBucket(head)
			rs.wg.Wait()
			bt = c.table.Load()
			continue
		}
		found := c.findLocked(bt, idx, key)
		if found != 0 && !c.list {
			unlockBucket(head)
			return ErrKeyExists
		}
		// A duplicate joins the list where its head is, even while the
		// head's table is being migrated.
		if found == 0 {
			if next := bt.future.Load(); next != nil {
				unlockBucket(head)
				bt = next
				continue
			}
		}
		n := c.nelems.N.Add(1)
		if c.bounded && n > c.maxElems {
			c.nelems.N.Add(-1)
			unlockBucket(head)
			return ErrCapacityExceeded
		}
		if found == 0 && n > int64(bt.size()) &&
			(c.maxSize == 0 || bt.size() < c.maxSize) && c.rs.Load() == nil {
			c.nelems.N.Add(-1)
			unlockBucket(head)
			return errOverloaded
		}

		s.dup.Store(0)
		s.owner.Store(c.id)
		if found != 0 {
			s.next.Store(detachedLink)
			tail := c.arena.slot(found)
			for m := Handle(tail.dup.Load()); m != 0; m = Handle(tail.dup.Load()) {
				tail = c.arena.slot(m)
			}
			tail.dup.Store(uint32(h))
			unlockBucket(head)
			return nil
		}
		s.next.Store(loadHead(head))
		unlockBucketWith(head, linkOf(h))
		return nil
	}
}

// findLocked scans a locked bucket for the chain member holding key.
func (c *core[K, T]) findLocked(bt *bucketTable, idx int, key K) Handle {
	w := loadHead(&bt.buckets[idx])
	for !isNulls(w) {
		h := handleOf(w)
		s := c.arena.slot(h)
		if c.equal(c.keyOf(&s.val), key) {
			return h
		}
		w = s.next.Load()
	}
	if w != bt.nulls(idx) {
		panic(fmt.Sprintf("rhash: bucket %d of table %d ends in foreign terminator %#x", idx, bt.gen, w))
	}
	return 0
}

// ============================================================================
// Remove
// ============================================================================

// linked reports whether h is linked in this table.
func (c *core[K, T]) linked(h Handle) bool {
	s, ok := c.arena.lookup(h)
	return ok && s.owner.Load() == c.id
}

func (c *core[K, T]) remove(h Handle) error {
	s, ok := c.arena.lookup(h)
	if !ok || !s.owner.CompareAndSwap(c.id, c.id|ownerBusy) {
		return ErrNotFound
	}
	key := c.keyOf(&s.val)
	tok := c.dom.ReadLock()
	err := c.tryRemove(h, s, key)
	c.dom.ReadUnlock(tok)
	if err == nil && c.shrinkOn {
		c.maybeResize()
	}
	return err
}

// tryRemove unlinks h, searching the canonical table first and then the
// tables it migrates to. Must be called inside a read section.
func (c *core[K, T]) tryRemove(h Handle, s *entrySlot[T], key K) error {
	bt := c.table.Load()
	for {
		idx := int(c.hash(key, bt.seed)) & bt.mask
		head := &bt.buckets[idx]
		lockBucket(head)
		if rs := c.rs.Load(); rs != nil && rs.hint == blockWritersHint {
			unlockBucket(head)
			rs.wg.Wait()
			bt = c.table.Load()
			continue
		}
		if c.unlinkLocked(bt, idx, h, key) {
			s.owner.Store(0)
			c.nelems.N.Add(-1)
			unlockBucket(head)
			return nil
		}
		if next := bt.future.Load(); next != nil {
			unlockBucket(head)
			bt = next
			continue
		}
		unlockBucket(head)
		if s.owner.Load() != c.id|ownerBusy {
			// Destroy unlinked it.
			return ErrNotFound
		}
		panic(fmt.Sprintf("rhash: entry %d is linked but unreachable", h))
	}
}

// unlinkLocked removes h from a locked bucket. A removed list head is
// replaced in the chain by its successor; a removed list member is
// bypassed. The unlinked entry keeps its own links so readers standing on
// it can move on.
func (c *core[K, T]) unlinkLocked(bt *bucketTable, idx int, h Handle, key K) bool {
	ref := linkRef{head: &bt.buckets[idx]}
	w := ref.load()
	for !isNulls(w) {
		ch := handleOf(w)
		cs := c.arena.slot(ch)
		if ch == h {
			next := cs.next.Load()
			if succ := Handle(cs.dup.Load()); succ != 0 {
				c.arena.slot(succ).next.Store(next)
				ref.store(linkOf(succ))
			} else {
				ref.store(next)
			}
			return true
		}
		if c.list && c.equal(c.keyOf(&cs.val), key) {
			prev := cs
			for m := Handle(cs.dup.Load()); m != 0; {
				ms := c.arena.slot(m)
				succ := Handle(ms.dup.Load())
				if m == h {
					prev.dup.Store(uint32(succ))
					return true
				}
				prev, m = ms, succ
			}
			return false
		}
		ref = linkRef{next: &cs.next}
		w = cs.next.Load()
	}
	return false
}

// ============================================================================
// Destroy
// ============================================================================

// destroy unlinks every entry and installs a fresh table of the initial
// size. Readers keep running; writers wait until it is done.
func (c *core[K, T]) destroy(fn func(Handle)) int {
	var unlinked []Handle
	c.rebuild(blockWritersHint, func() {
		old := c.table.Load()
		fresh := c.newBucketTable(c.initSize)
		// Writers that picked old before the rebuild started continue in
		// fresh once it is over.
		old.future.Store(fresh)
		for i := range old.buckets {
			head := &old.buckets[i]
			lockBucket(head)
			w := loadHead(head)
			for !isNulls(w) {
				h := handleOf(w)
				s := c.arena.slot(h)
				w = s.next.Load()
				for m := Handle(s.dup.Load()); m != 0; {
					ms := c.arena.slot(m)
					next := Handle(ms.dup.Load())
					ms.owner.Store(0)
					unlinked = append(unlinked, m)
					m = next
				}
				s.owner.Store(0)
				unlinked = append(unlinked, h)
			}
			unlockBucketWith(head, old.nulls(i))
		}
		c.nelems.N.Store(0)
		c.table.Store(fresh)
		c.mu.Lock()
		old.invalidateWalkers()
		c.mu.Unlock()
		c.dom.Defer(old.retire)
	})
	c.log.Debug().Int("unlinked", len(unlinked)).Int("size", c.initSize).Msg("rhash: destroyed")
	if fn != nil {
		for _, h := range unlinked {
			fn(h)
		}
	}
	return len(unlinked)
}

// ============================================================================
// Diagnostics
// ============================================================================

// Stats is a point-in-time snapshot of a table.
type Stats struct {
	// Size is the bucket count of the canonical table.
	Size int
	// Len is the number of linked entries, list members included.
	Len int
	// MaxElems is the capacity bound, 0 when unbounded.
	MaxElems int
	// UsedBuckets is the number of non-empty buckets and MaxChain the
	// length of the longest chain, list members not counted.
	UsedBuckets int
	MaxChain    int
	// Growths, Shrinks and FailedResizes count completed and abandoned
	// resizes.
	Growths       uint32
	Shrinks       uint32
	FailedResizes uint32
	// Resizing reports a migration in flight.
	Resizing bool
}

func (c *core[K, T]) stats() Stats {
	tok := c.dom.ReadLock()
	defer c.dom.ReadUnlock(tok)
	bt := c.table.Load()
	st := Stats{
		Size:          bt.size(),
		Len:           int(c.nelems.N.Load()),
		MaxElems:      int(c.maxElems),
		Growths:       c.growths.Load(),
		Shrinks:       c.shrinks.Load(),
		FailedResizes: c.failures.Load(),
		Resizing:      bt.future.Load() != nil,
	}
	for i := range bt.buckets {
		n := 0
		for w := loadHead(&bt.buckets[i]); !isNulls(w); {
			n++
			w = c.arena.slot(handleOf(w)).next.Load()
		}
		if n > 0 {
			st.UsedBuckets++
			st.MaxChain = max(st.MaxChain, n)
		}
	}
	return st
}

// bucketMembers collects the entries of every non-empty bucket of the
// canonical table in chain order, list members after their head.
func (c *core[K, T]) bucketMembers(yield func(bucket int, members []Handle) bool) {
	tok := c.dom.ReadLock()
	defer c.dom.ReadUnlock(tok)
	bt := c.table.Load()
	var members []Handle
	for i := range bt.buckets {
		members = members[:0]
		for w := loadHead(&bt.buckets[i]); !isNulls(w); {
			h := handleOf(w)
			members = append(members, h)
			if c.list {
				for m := Handle(c.arena.slot(h).dup.Load()); m != 0; m = Handle(c.arena.slot(m).dup.Load()) {
					members = append(members, m)
				}
			}
			w = c.arena.slot(h).next.Load()
		}
		if len(members) > 0 && !yield(i, members) {
			return
		}
	}
}

// ============================================================================
// Table
// ============================================================================

// Table is a concurrent resizable chained hash table of unique keys.
//
// The table links entries owned by an Arena; it never copies or frees
// them. Lookups are wait-free with respect to writers, writers lock
// single buckets, and the table grows by doubling when it is more than
// 75% full. A resize migrates entries while lookups, inserts and removes
// continue on both the old and the new bucket table.
//
// Usage:
//
//	arena := NewArena[User]()
//	users, err := NewTable(arena, func(u *User) int64 { return u.ID })
//	h := arena.Alloc(User{ID: 7})
//	err = users.Insert(h)
//	h, ok := users.Lookup(7)
type Table[K comparable, T any] struct {
	c core[K, T]
}

// NewTable creates a table over arena. keyOf returns the key of a record;
// it must depend only on fields that do not change while the record is
// linked.
func NewTable[K comparable, T any](
	arena *Arena[T],
	keyOf func(*T) K,
	options ...func(*TableConfig),
) (*Table[K, T], error) {
	t := &Table[K, T]{}
	if err := t.c.init(arena, keyOf, false, options); err != nil {
		return nil, err
	}
	return t, nil
}

// Arena returns the arena the table links entries of.
func (t *Table[K, T]) Arena() *Arena[T] {
	return t.c.arena
}

// Insert links h. It fails with ErrKeyExists if an entry with an equal key
// is linked or h itself is linked, ErrCapacityExceeded if the table is
// bounded and full, and ErrTransient if the table must grow and its
// bucket allocation failed.
func (t *Table[K, T]) Insert(h Handle) error {
	return t.c.insert(h)
}

// Remove unlinks h. It fails with ErrNotFound if h is not linked in t.
// The record stays valid for concurrent readers; release it through the
// arena when done.
func (t *Table[K, T]) Remove(h Handle) error {
	return t.c.remove(h)
}

// Lookup returns the entry holding key.
func (t *Table[K, T]) Lookup(key K) (Handle, bool) {
	return t.c.lookup(key)
}

// LookupFunc calls fn with the entry holding key inside a read section,
// where the record cannot be recycled. It reports whether key was found.
func (t *Table[K, T]) LookupFunc(key K, fn func(h Handle, v *T)) bool {
	tok := t.c.dom.ReadLock()
	defer t.c.dom.ReadUnlock(tok)
	h := t.c.find(key)
	if h == 0 {
		return false
	}
	fn(h, t.c.arena.Get(h))
	return true
}

// Contains reports whether h is linked in t.
func (t *Table[K, T]) Contains(h Handle) bool {
	return t.c.linked(h)
}

// ReadLock enters a read section of the table's domain. Records found
// inside it stay valid until the matching ReadUnlock.
func (t *Table[K, T]) ReadLock() ReadToken {
	return t.c.dom.ReadLock()
}

// ReadUnlock leaves a read section.
func (t *Table[K, T]) ReadUnlock(tok ReadToken) {
	t.c.dom.ReadUnlock(tok)
}

// Len returns the number of linked entries.
func (t *Table[K, T]) Len() int {
	return int(t.c.nelems.N.Load())
}

// Size returns the bucket count of the canonical bucket table.
func (t *Table[K, T]) Size() int {
	return t.c.table.Load().size()
}

// MaxElems returns the capacity of a bounded table, 0 if unbounded.
func (t *Table[K, T]) MaxElems() int {
	return int(t.c.maxElems)
}

// Grow makes room for n more entries without further resizing.
func (t *Table[K, T]) Grow(n int) error {
	return t.c.grow(n)
}

// Shrink resizes the table to fit its current entries, whether or not
// WithAutoShrink is set.
func (t *Table[K, T]) Shrink() error {
	return t.c.resize(shrinkHint, 0)
}

// Destroy unlinks all entries, calling fn for each when fn is not nil,
// and resets the table to its initial size. It returns the number of
// entries unlinked. Lookups may run concurrently; inserts and removes
// wait for it.
func (t *Table[K, T]) Destroy(fn func(Handle)) int {
	return t.c.destroy(fn)
}

// Walk returns a walker over the table. The walker must be closed.
func (t *Table[K, T]) Walk() *Walker[K, T] {
	return newWalker(&t.c)
}

// Stats returns a diagnostic snapshot.
func (t *Table[K, T]) Stats() Stats {
	return t.c.stats()
}

// Buckets calls yield for every non-empty bucket with its entries in
// chain order.
func (t *Table[K, T]) Buckets(yield func(bucket int, members []Handle) bool) {
	t.c.bucketMembers(yield)
}
