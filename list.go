package rhash

import "iter"

// ListTable is a Table that keeps every entry inserted under a key. The
// entries of one key form a list in insertion order; the first of them is
// the list head and is the one Lookup returns. Removing any member keeps
// the order of the others, and removing the head promotes the next
// member.
//
// Len, the load factor and the capacity bound count every member.
type ListTable[K comparable, T any] struct {
	c core[K, T]
}

// NewListTable creates a list table over arena.
func NewListTable[K comparable, T any](
	arena *Arena[T],
	keyOf func(*T) K,
	options ...func(*TableConfig),
) (*ListTable[K, T], error) {
	t := &ListTable[K, T]{}
	if err := t.c.init(arena, keyOf, true, options); err != nil {
		return nil, err
	}
	return t, nil
}

// Arena returns the arena the table links entries of.
func (t *ListTable[K, T]) Arena() *Arena[T] {
	return t.c.arena
}

// Insert appends h to the list of its key. It fails with ErrKeyExists
// only when h itself is already linked.
func (t *ListTable[K, T]) Insert(h Handle) error {
	return t.c.insert(h)
}

// Remove unlinks h from the list of its key.
func (t *ListTable[K, T]) Remove(h Handle) error {
	return t.c.remove(h)
}

// Lookup returns the head of the list of key.
func (t *ListTable[K, T]) Lookup(key K) (Handle, bool) {
	return t.c.lookup(key)
}

// Contains reports whether h is linked in t.
func (t *ListTable[K, T]) Contains(h Handle) bool {
	return t.c.linked(h)
}

// List iterates the list starting at head, head included. Iteration holds
// a read section; the loop body must not call Domain.Synchronize or
// Domain.Barrier.
func (t *ListTable[K, T]) List(head Handle) iter.Seq[Handle] {
	return func(yield func(Handle) bool) {
		if head == 0 {
			return
		}
		tok := t.c.dom.ReadLock()
		defer t.c.dom.ReadUnlock(tok)
		for h := head; h != 0; h = Handle(t.c.arena.slot(h).dup.Load()) {
			if !yield(h) {
				return
			}
		}
	}
}

// Values iterates every entry inserted under key, in insertion order.
func (t *ListTable[K, T]) Values(key K) iter.Seq[Handle] {
	return func(yield func(Handle) bool) {
		tok := t.c.dom.ReadLock()
		defer t.c.dom.ReadUnlock(tok)
		for h := t.c.find(key); h != 0; h = Handle(t.c.arena.slot(h).dup.Load()) {
			if !yield(h) {
				return
			}
		}
	}
}

// Count returns the number of entries under key.
func (t *ListTable[K, T]) Count(key K) int {
	n := 0
	for range t.Values(key) {
		n++
	}
	return n
}

// ReadLock enters a read section of the table's domain.
func (t *ListTable[K, T]) ReadLock() ReadToken {
	return t.c.dom.ReadLock()
}

// ReadUnlock leaves a read section.
func (t *ListTable[K, T]) ReadUnlock(tok ReadToken) {
	t.c.dom.ReadUnlock(tok)
}

// Len returns the number of linked entries, list members included.
func (t *ListTable[K, T]) Len() int {
	return int(t.c.nelems.N.Load())
}

// Size returns the bucket count of the canonical bucket table.
func (t *ListTable[K, T]) Size() int {
	return t.c.table.Load().size()
}

// MaxElems returns the capacity of a bounded table, 0 if unbounded.
func (t *ListTable[K, T]) MaxElems() int {
	return int(t.c.maxElems)
}

// Grow makes room for n more entries without further resizing.
func (t *ListTable[K, T]) Grow(n int) error {
	return t.c.grow(n)
}

// Shrink resizes the table to fit its current entries.
func (t *ListTable[K, T]) Shrink() error {
	return t.c.resize(shrinkHint, 0)
}

// Destroy unlinks all entries, calling fn for each when fn is not nil.
func (t *ListTable[K, T]) Destroy(fn func(Handle)) int {
	return t.c.destroy(fn)
}

// Walk returns a walker visiting every list member.
func (t *ListTable[K, T]) Walk() *Walker[K, T] {
	return newWalker(&t.c)
}

// Stats returns a diagnostic snapshot.
func (t *ListTable[K, T]) Stats() Stats {
	return t.c.stats()
}

// Buckets calls yield for every non-empty bucket with its entries, list
// members after their head.
func (t *ListTable[K, T]) Buckets(yield func(bucket int, members []Handle) bool) {
	t.c.bucketMembers(yield)
}
