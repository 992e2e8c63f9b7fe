package rhash

// walkerState is the part of a Walker a resize touches: the bucket table
// the walker is registered on, nil once that table was replaced.
// Guarded by core.mu.
type walkerState struct {
	tbl *bucketTable
}

// Walker iterates a table while it is being modified and resized.
//
// Between Start and Stop the walker holds a read section; entries
// returned there stay valid until Stop. A walker may be paused with Stop
// and resumed with Start: it continues after the last returned entry if
// that entry is still in its bucket, and otherwise skips as many entries
// of the bucket as it already returned.
//
// Entries linked or unlinked during a walk may or may not be seen. When
// the table is resized under the walker, Start or Next return
// ErrCursorInvalidated once and the walk restarts in the new table, so
// entries may be seen twice.
//
//	w := t.Walk()
//	defer w.Close()
//	if err := w.Start(); err != nil && !errors.Is(err, ErrCursorInvalidated) {
//		return err
//	}
//	for {
//		h, err := w.Next()
//		if errors.Is(err, ErrCursorInvalidated) {
//			continue
//		}
//		if h == 0 {
//			break
//		}
//		visit(h)
//	}
//	w.Stop()
type Walker[K comparable, T any] struct {
	c  *core[K, T]
	ws walkerState
	// cur is the table being walked: the registered table or a future
	// table it is migrating to. It is kept across Stop.
	cur    *bucketTable
	slot   int
	skip   int
	anchor Handle
	tok    ReadToken
	active bool
	closed bool
}

func newWalker[K comparable, T any](c *core[K, T]) *Walker[K, T] {
	w := &Walker[K, T]{c: c}
	c.mu.Lock()
	c.table.Load().addWalker(&w.ws)
	c.mu.Unlock()
	return w
}

// Start enters a read section and positions the walker. It returns
// ErrCursorInvalidated if the table was resized since the walker last
// ran; the walker then restarts at the first bucket of the new table.
func (w *Walker[K, T]) Start() error {
	if w.closed {
		panic("rhash: Start on closed walker")
	}
	if w.active {
		return nil
	}
	w.tok = w.c.dom.ReadLock()
	w.active = true

	w.c.mu.Lock()
	invalidated := w.ws.tbl == nil
	if invalidated {
		w.c.table.Load().addWalker(&w.ws)
		w.restart(w.ws.tbl)
	} else if w.cur == nil {
		w.cur = w.ws.tbl
	}
	w.c.mu.Unlock()

	if invalidated {
		return ErrCursorInvalidated
	}
	if w.anchor != 0 {
		w.reposition()
	}
	return nil
}

func (w *Walker[K, T]) restart(bt *bucketTable) {
	w.cur = bt
	w.slot, w.skip, w.anchor = 0, 0, 0
}

// reposition resumes after the anchor if it is still in its bucket.
func (w *Walker[K, T]) reposition() {
	if w.slot > w.cur.mask {
		return
	}
	i := 0
	w.c.eachInBucket(w.cur, w.slot, func(h Handle) bool {
		i++
		if h == w.anchor {
			w.skip = i
			return false
		}
		return true
	})
}

// Next returns the next entry, or 0 at the end of the walk. It returns
// ErrCursorInvalidated when the walk moved to a new bucket table; call
// Next again to continue there.
func (w *Walker[K, T]) Next() (Handle, error) {
	if !w.active {
		panic("rhash: Walker.Next outside Start/Stop")
	}
	bt := w.cur
	for ; w.slot <= bt.mask; w.slot, w.skip = w.slot+1, 0 {
		if h := w.c.nthInBucket(bt, w.slot, w.skip); h != 0 {
			w.skip++
			w.anchor = h
			return h, nil
		}
	}
	return 0, w.advance(bt)
}

// advance moves the walker past the end of bt. The walker stays
// registered on the table it started in; a future table it jumped to
// may still be receiving entries, so reaching its end first finishes the
// migration and walks it again.
func (w *Walker[K, T]) advance(bt *bucketTable) error {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	if w.ws.tbl != nil && w.ws.tbl != bt {
		w.c.mu.Unlock()
		if rs := w.c.rs.Load(); rs != nil {
			w.c.helpRebuild(rs)
		}
		w.c.mu.Lock()
		if w.ws.tbl != nil {
			w.restart(bt)
			return ErrCursorInvalidated
		}
	}
	if w.ws.tbl == nil {
		w.c.table.Load().addWalker(&w.ws)
		w.restart(w.ws.tbl)
		return ErrCursorInvalidated
	}
	if next := bt.future.Load(); next != nil {
		w.restart(next)
		return ErrCursorInvalidated
	}
	return nil
}

// Stop leaves the read section. Handles returned so far may be recycled
// after Stop unless the caller holds them through other means. The
// position is kept for the next Start.
func (w *Walker[K, T]) Stop() {
	if !w.active {
		return
	}
	w.active = false
	w.c.dom.ReadUnlock(w.tok)
}

// Close stops the walker and unregisters it from the table.
func (w *Walker[K, T]) Close() {
	if w.closed {
		return
	}
	w.Stop()
	w.c.mu.Lock()
	if w.ws.tbl != nil {
		delete(w.ws.tbl.walkers, &w.ws)
		w.ws.tbl = nil
	}
	w.c.mu.Unlock()
	w.closed = true
}

// eachInBucket calls fn for the entries of bucket i in walk order: chain
// members, each followed by its list members. Must be called inside a
// read section.
func (c *core[K, T]) eachInBucket(bt *bucketTable, i int, fn func(Handle) bool) {
	for w := loadHead(&bt.buckets[i]); !isNulls(w); {
		h := handleOf(w)
		s := c.arena.slot(h)
		if !fn(h) {
			return
		}
		if c.list {
			for m := Handle(s.dup.Load()); m != 0; m = Handle(c.arena.slot(m).dup.Load()) {
				if !fn(m) {
					return
				}
			}
		}
		w = s.next.Load()
	}
}

// nthInBucket returns the n-th entry of bucket i in walk order.
func (c *core[K, T]) nthInBucket(bt *bucketTable, i, n int) Handle {
	var found Handle
	c.eachInBucket(bt, i, func(h Handle) bool {
		if n == 0 {
			found = h
			return false
		}
		n--
		return true
	})
	return found
}
