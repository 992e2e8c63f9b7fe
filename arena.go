package rhash

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

// Handle addresses an entry in an Arena. The zero Handle is nil.
type Handle uint32

const (
	arenaChunkBits = 10
	arenaChunkSize = 1 << arenaChunkBits
	arenaChunkMask = arenaChunkSize - 1
	maxHandle      = 1<<32 - 1
)

// entrySlot is the storage of one entry: the caller's record plus the
// linkage words only tables write.
type entrySlot[T any] struct {
	// next is the chain link word while the entry is a chain member.
	next atomic.Uint64
	// dup is the next member of the entry's duplicate list.
	dup atomic.Uint32
	// owner is the id of the table the entry is linked in, 0 when
	// unlinked and ownerReleased from Release until the next Alloc.
	// ownerBusy is set while an insert or remove claims it.
	owner atomic.Uint32
	val   T
}

const (
	ownerBusy     = 1 << 31
	ownerReleased = ownerBusy - 1
)

type arenaChunk[T any] [arenaChunkSize]entrySlot[T]

// ArenaConfig defines configurable options for Arena initialization.
type ArenaConfig struct {
	domain   *Domain
	capacity int
}

// WithDomain makes the arena defer slot reuse through d instead of a
// private domain. Tables over the arena share the same domain.
func WithDomain(d *Domain) func(*ArenaConfig) {
	return func(c *ArenaConfig) {
		c.domain = d
	}
}

// WithArenaCapacity preallocates room for n entries.
func WithArenaCapacity(n int) func(*ArenaConfig) {
	return func(c *ArenaConfig) {
		c.capacity = n
	}
}

// Arena owns entry records for one or more tables. Records never move, so
// a Handle stays valid from Alloc until Release; Get is lock-free.
//
// A released slot is recycled only after a grace period of the arena's
// Domain, so readers that found the entry before it was unlinked keep
// reading the record they found.
type Arena[T any] struct {
	_      noCopy
	dom    *Domain
	chunks atomic.Pointer[[]*arenaChunk[T]]
	mu     sync.Mutex
	free   []Handle
	// next is the next never used handle. Written under mu.
	next atomic.Uint32
	live   atomic.Int64
}

// NewArena creates an arena.
func NewArena[T any](options ...func(*ArenaConfig)) *Arena[T] {
	var cfg ArenaConfig
	for _, o := range options {
		o(&cfg)
	}
	a := &Arena[T]{dom: cfg.domain}
	a.next.Store(1)
	if a.dom == nil {
		a.dom = new(Domain)
	}
	n := (cfg.capacity + arenaChunkSize) >> arenaChunkBits
	chunks := make([]*arenaChunk[T], max(n, 1))
	for i := range chunks {
		chunks[i] = new(arenaChunk[T])
	}
	a.chunks.Store(&chunks)
	return a
}

// Domain returns the reclamation domain of the arena.
func (a *Arena[T]) Domain() *Domain {
	return a.dom
}

// Alloc stores v in a free slot and returns its handle.
func (a *Arena[T]) Alloc(v T) Handle {
	a.mu.Lock()
	var h Handle
	if n := len(a.free); n > 0 {
		h = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		next := a.next.Load()
		if next == maxHandle {
			a.mu.Unlock()
			panic("rhash: arena exhausted")
		}
		h = Handle(next)
		chunks := *a.chunks.Load()
		if idx := int(h >> arenaChunkBits); idx >= len(chunks) {
			grown := append(slices.Clip(chunks), new(arenaChunk[T]))
			a.chunks.Store(&grown)
		}
		a.next.Store(next + 1)
	}
	s := a.slot(h)
	s.val = v
	s.owner.Store(0)
	a.mu.Unlock()
	a.live.Add(1)
	return h
}

// Get returns the record of h. It returns nil for the zero Handle and
// panics for a handle the arena never allocated.
func (a *Arena[T]) Get(h Handle) *T {
	if h == 0 {
		return nil
	}
	s, ok := a.lookup(h)
	if !ok {
		panic(fmt.Sprintf("rhash: invalid handle %d", h))
	}
	return &s.val
}

// Linked reports whether h is currently linked in a table.
func (a *Arena[T]) Linked(h Handle) bool {
	s, ok := a.lookup(h)
	if !ok {
		return false
	}
	o := s.owner.Load() &^ ownerBusy
	return o != 0 && o != ownerReleased
}

// Release returns h to the arena. The slot is reused after a grace period.
// Releasing an entry that is still linked in a table, releasing it twice or
// releasing a handle the arena never allocated panics.
func (a *Arena[T]) Release(h Handle) {
	if h == 0 {
		return
	}
	s, ok := a.lookup(h)
	if !ok {
		panic(fmt.Sprintf("rhash: release of invalid handle %d", h))
	}
	if !s.owner.CompareAndSwap(0, ownerReleased) {
		if s.owner.Load() == ownerReleased {
			panic(fmt.Sprintf("rhash: double release of handle %d", h))
		}
		panic("rhash: release of a linked entry")
	}
	a.live.Add(-1)
	a.dom.Defer(func() {
		var zero T
		a.mu.Lock()
		s.val = zero
		s.next.Store(detachedLink)
		s.dup.Store(0)
		a.free = append(a.free, h)
		a.mu.Unlock()
	})
}

// Len returns the number of allocated, unreleased entries.
func (a *Arena[T]) Len() int {
	return int(a.live.Load())
}

// Close waits until released slots are recycled.
func (a *Arena[T]) Close() {
	a.dom.Barrier()
}

// lookup returns the slot of h if the arena ever allocated h.
func (a *Arena[T]) lookup(h Handle) (*entrySlot[T], bool) {
	if h == 0 || uint32(h) >= a.next.Load() {
		return nil, false
	}
	return a.slot(h), true
}

func (a *Arena[T]) slot(h Handle) *entrySlot[T] {
	chunks := *a.chunks.Load()
	return &chunks[h>>arenaChunkBits][h&arenaChunkMask]
}
