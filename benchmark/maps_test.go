package benchmark

import (
	"math/bits"
	"math/rand/v2"
	"runtime"
	"sync"
	"unsafe"

	"github.com/Snawoot/lfmap"
	"github.com/alphadose/haxmap"
	"github.com/fufuok/cmap"
	"github.com/llxisdsh/pb"
	"github.com/llxisdsh/rhash"
	csmap "github.com/mhmtszr/concurrent-swiss-map"
	orcaman_map "github.com/orcaman/concurrent-map/v2"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/zhangyunhao116/skipmap"
)

// ============================================================================
// Map Adapters
// ============================================================================

// MapInterface is the common surface of the compared maps. A table links
// each key once, so writes are insert-if-absent everywhere.
type MapInterface interface {
	LoadOrStore(key, value int) (int, bool)
	Load(key int) (int, bool)
	Delete(key int)
}

type mapImpl struct {
	name string
	make func() MapInterface
}

func mapImpls() []mapImpl {
	shards := runtime.GOMAXPROCS(0) * 4
	return []mapImpl{
		{"rhash.Table", func() MapInterface { return newRhashMap() }},
		{"rhash.Table/murmur3", func() MapInterface {
			return newRhashMap(rhash.WithByteHasher(rhash.Murmur3))
		}},
		{"sync.Map", func() MapInterface { return &syncMapAdapter{&sync.Map{}} }},
		{"RWShardedMap", func() MapInterface { return NewRWLockShardedMap[int, int](shards) }},
		{"pb.MapOf", func() MapInterface { return pb.NewMapOf[int, int]() }},
		{"xsync.Map", func() MapInterface { return xsync.NewMap[int, int]() }},
		{"haxmap", newHaxmap},
		{"skipmap", newSkipmap},
		{"fufuok_cmap", newCmap},
		{"swiss_map", newSwissMap},
		{"orcaman_map", newOrcamanMap},
		{"lfmap", newLfmap},
	}
}

type kv struct {
	k, v int
}

// rhashMap keeps records in an arena and links them into a Table.
type rhashMap struct {
	arena *rhash.Arena[kv]
	t     *rhash.Table[int, kv]
}

func newRhashMap(options ...func(*rhash.TableConfig)) *rhashMap {
	arena := rhash.NewArena[kv]()
	t, err := rhash.NewTable(arena, func(e *kv) int { return e.k }, options...)
	if err != nil {
		panic(err)
	}
	return &rhashMap{arena: arena, t: t}
}

func (m *rhashMap) LoadOrStore(k, v int) (int, bool) {
	for {
		if old, ok := m.Load(k); ok {
			return old, true
		}
		h := m.arena.Alloc(kv{k, v})
		if err := m.t.Insert(h); err == nil {
			return v, false
		}
		// Lost the race to another insert of k, or k was removed again
		// before it could be read back.
		m.arena.Release(h)
	}
}

func (m *rhashMap) Load(k int) (v int, ok bool) {
	ok = m.t.LookupFunc(k, func(_ rhash.Handle, e *kv) { v = e.v })
	return
}

func (m *rhashMap) Delete(k int) {
	tok := m.t.ReadLock()
	defer m.t.ReadUnlock(tok)
	if h, ok := m.t.Lookup(k); ok && m.t.Remove(h) == nil {
		m.arena.Release(h)
	}
}

type syncMapAdapter struct{ m *sync.Map }

func (a *syncMapAdapter) LoadOrStore(k, v int) (int, bool) {
	actual, loaded := a.m.LoadOrStore(k, v)
	return actual.(int), loaded
}

func (a *syncMapAdapter) Load(k int) (int, bool) {
	v, ok := a.m.Load(k)
	if ok {
		return v.(int), true
	}
	return 0, false
}

func (a *syncMapAdapter) Delete(k int) { a.m.Delete(k) }

// funcMap adapts maps whose method names or results differ.
type funcMap struct {
	loadOrStore func(k, v int) (int, bool)
	load        func(k int) (int, bool)
	del         func(k int)
}

func (f *funcMap) LoadOrStore(k, v int) (int, bool) { return f.loadOrStore(k, v) }
func (f *funcMap) Load(k int) (int, bool)           { return f.load(k) }
func (f *funcMap) Delete(k int)                     { f.del(k) }

func newHaxmap() MapInterface {
	m := haxmap.New[int, int]()
	return &funcMap{
		loadOrStore: func(k, v int) (int, bool) { return m.GetOrSet(k, v) },
		load:        func(k int) (int, bool) { return m.Get(k) },
		del:         func(k int) { m.Del(k) },
	}
}

func newSkipmap() MapInterface {
	m := skipmap.New[int, int]()
	return &funcMap{
		loadOrStore: func(k, v int) (int, bool) { return m.LoadOrStore(k, v) },
		load:        func(k int) (int, bool) { return m.Load(k) },
		del:         func(k int) { m.Delete(k) },
	}
}

func newCmap() MapInterface {
	m := cmap.NewOf[int, int]()
	return &funcMap{
		loadOrStore: func(k, v int) (int, bool) {
			if m.SetIfAbsent(k, v) {
				return v, false
			}
			old, _ := m.Get(k)
			return old, true
		},
		load: func(k int) (int, bool) { return m.Get(k) },
		del:  func(k int) { m.Remove(k) },
	}
}

// newSwissMap has no native LoadOrStore; it is Load then SetIfAbsent.
func newSwissMap() MapInterface {
	m := csmap.New(csmap.WithShardCount[int, int](32))
	return &funcMap{
		loadOrStore: func(k, v int) (int, bool) {
			if old, ok := m.Load(k); ok {
				return old, true
			}
			m.SetIfAbsent(k, v)
			return v, false
		},
		load: func(k int) (int, bool) { return m.Load(k) },
		del:  func(k int) { m.Delete(k) },
	}
}

func newOrcamanMap() MapInterface {
	m := orcaman_map.NewWithCustomShardingFunction[int, int](
		func(key int) uint32 {
			return uint32(key)
		},
	)
	return &funcMap{
		loadOrStore: func(k, v int) (int, bool) {
			if m.SetIfAbsent(k, v) {
				return v, false
			}
			old, _ := m.Get(k)
			return old, true
		},
		load: func(k int) (int, bool) { return m.Get(k) },
		del:  func(k int) { m.Remove(k) },
	}
}

func newLfmap() MapInterface {
	m := lfmap.New[int, int]()
	return &funcMap{
		loadOrStore: func(k, v int) (int, bool) {
			if old, ok := m.Get(k); ok {
				return old, true
			}
			m.Set(k, v)
			return v, false
		},
		load: func(k int) (int, bool) { return m.Get(k) },
		del:  func(k int) { m.Delete(k) },
	}
}

// ============================================================================
// RWLockShardedMap
// ============================================================================

// RWLockShardedMap is a map split into shards, each guarded by its own
// RWMutex. It is the lock-based baseline.
type RWLockShardedMap[K comparable, V any] struct {
	shards    []shard[K, V]
	shardMask uintptr
	hashFunc  pb.HashFunc
	seed      uintptr
}

type shard[K comparable, V any] struct {
	mu sync.RWMutex
	m  map[K]V
}

func NewRWLockShardedMap[K comparable, V any](
	shardCnt int,
) *RWLockShardedMap[K, V] {
	shardCnt = nextPowOf2(max(shardCnt, 1))
	shards := make([]shard[K, V], shardCnt)
	for i := range shards {
		shards[i] = shard[K, V]{m: make(map[K]V)}
	}
	return &RWLockShardedMap[K, V]{
		shards:    shards,
		shardMask: uintptr(shardCnt) - 1,
		hashFunc:  pb.GetBuiltInHasher[K](),
		seed:      uintptr(rand.Uint64()),
	}
}

//go:nosplit
func noescape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}

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
	if bits.UintSize >= 64 {
		v |= v >> 32
	}
	return v + 1
}

func (sm *RWLockShardedMap[K, V]) shardIndex(key K) uintptr {
	return sm.shardMask & sm.hashFunc(noescape(unsafe.Pointer(&key)), sm.seed)
}

func (sm *RWLockShardedMap[K, V]) Load(key K) (V, bool) {
	shard := &sm.shards[sm.shardIndex(key)]
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	val, ok := shard.m[key]
	return val, ok
}

func (sm *RWLockShardedMap[K, V]) LoadOrStore(key K, value V) (V, bool) {
	shard := &sm.shards[sm.shardIndex(key)]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if val, ok := shard.m[key]; ok {
		return val, true
	}
	shard.m[key] = value
	return value, false
}

func (sm *RWLockShardedMap[K, V]) Delete(key K) {
	shard := &sm.shards[sm.shardIndex(key)]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	delete(shard.m, key)
}

func (sm *RWLockShardedMap[K, V]) Size() int {
	size := 0
	for i := range sm.shards {
		shard := &sm.shards[i]
		shard.mu.RLock()
		size += len(shard.m)
		shard.mu.RUnlock()
	}
	return size
}
