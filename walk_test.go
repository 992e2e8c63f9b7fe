package rhash

import (
	"errors"
	"sync"
	"testing"
)

// walkAll drains w, continuing through invalidations, and counts how
// often each entry was returned across all passes.
func walkAll[K comparable, T any](t *testing.T, w *Walker[K, T]) (seen map[Handle]int, restarts int) {
	t.Helper()
	seen = map[Handle]int{}
	if err := w.Start(); err != nil {
		if !errors.Is(err, ErrCursorInvalidated) {
			t.Fatalf("Start: %v", err)
		}
		restarts++
	}
	for {
		h, err := w.Next()
		if errors.Is(err, ErrCursorInvalidated) {
			restarts++
			continue
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if h == 0 {
			break
		}
		seen[h]++
	}
	w.Stop()
	return seen, restarts
}

func TestWalkerVisitsAll(t *testing.T) {
	a, tbl := newItemTable(t)
	for i := range 500 {
		if err := tbl.Insert(a.Alloc(testItem{id: i})); err != nil {
			t.Fatal(err)
		}
	}
	w := tbl.Walk()
	defer w.Close()
	seen, restarts := walkAll(t, w)
	if restarts != 0 {
		t.Fatalf("restarts = %d on a quiet table", restarts)
	}
	if len(seen) != 500 {
		t.Fatalf("walk returned %d entries, want 500", len(seen))
	}
	for h, n := range seen {
		if n != 1 {
			t.Fatalf("entry %d returned %d times", h, n)
		}
	}
}

func TestWalkerListMembers(t *testing.T) {
	a, l := newItemList(t)
	for i := range 60 {
		if err := l.Insert(a.Alloc(testItem{id: i % 7, tid: i})); err != nil {
			t.Fatal(err)
		}
	}
	w := l.Walk()
	defer w.Close()
	seen, _ := walkAll(t, w)
	if len(seen) != 60 {
		t.Fatalf("walk returned %d entries, want 60", len(seen))
	}
}

func TestWalkerStopStart(t *testing.T) {
	a, tbl := newItemTable(t)
	for i := range 300 {
		if err := tbl.Insert(a.Alloc(testItem{id: i})); err != nil {
			t.Fatal(err)
		}
	}
	w := tbl.Walk()
	defer w.Close()
	seen := map[Handle]int{}
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	for {
		h, err := w.Next()
		if err != nil {
			t.Fatal(err)
		}
		if h == 0 {
			break
		}
		seen[h]++
		if len(seen)%50 == 0 {
			w.Stop()
			if err := w.Start(); err != nil {
				t.Fatalf("Start after pause: %v", err)
			}
		}
	}
	w.Stop()
	if len(seen) != 300 {
		t.Fatalf("walk returned %d distinct entries, want 300", len(seen))
	}
	for h, n := range seen {
		if n != 1 {
			t.Fatalf("entry %d returned %d times", h, n)
		}
	}
}

func TestWalkerInvalidatedWhilePaused(t *testing.T) {
	a, tbl := newItemTable(t)
	for i := range 300 {
		if err := tbl.Insert(a.Alloc(testItem{id: i})); err != nil {
			t.Fatal(err)
		}
	}
	w := tbl.Walk()
	defer w.Close()
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	for range 10 {
		if h, err := w.Next(); h == 0 || err != nil {
			t.Fatalf("Next = %d, %v", h, err)
		}
	}
	w.Stop()

	if err := tbl.Grow(5000); err != nil {
		t.Fatal(err)
	}
	seen, restarts := walkAll(t, w)
	if restarts != 1 {
		t.Fatalf("restarts = %d, want 1", restarts)
	}
	if len(seen) != 300 {
		t.Fatalf("walk returned %d entries after restart, want 300", len(seen))
	}
}

func TestWalkerResizeWhileActive(t *testing.T) {
	a, tbl := newItemTable(t)
	for i := range 300 {
		if err := tbl.Insert(a.Alloc(testItem{id: i})); err != nil {
			t.Fatal(err)
		}
	}
	w := tbl.Walk()
	defer w.Close()
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	for range 10 {
		if h, _ := w.Next(); h == 0 {
			t.Fatal("walk ended early")
		}
	}
	// Resizing does not wait for read sections, so it may run under an
	// active walker.
	if err := tbl.Grow(5000); err != nil {
		t.Fatal(err)
	}
	seen := map[Handle]bool{}
	invalidated := false
	for {
		h, err := w.Next()
		if errors.Is(err, ErrCursorInvalidated) {
			invalidated = true
			clear(seen)
			continue
		}
		if h == 0 {
			break
		}
		seen[h] = true
	}
	w.Stop()
	if !invalidated {
		t.Fatal("walk was not invalidated by the resize")
	}
	if len(seen) != 300 {
		t.Fatalf("pass after restart returned %d entries, want 300", len(seen))
	}
}

func TestWalkerConcurrentGrowth(t *testing.T) {
	a, tbl := newItemTable(t)
	const stable = 500
	want := map[Handle]bool{}
	for i := range stable {
		h := a.Alloc(testItem{id: i})
		if err := tbl.Insert(h); err != nil {
			t.Fatal(err)
		}
		want[h] = true
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range scaled(20000) {
			if err := tbl.Insert(a.Alloc(testItem{id: stable + i})); err != nil {
				t.Errorf("Insert: %v", err)
				return
			}
		}
	}()

	for range 5 {
		w := tbl.Walk()
		seen, _ := walkAll(t, w)
		w.Close()
		for h := range want {
			if seen[h] == 0 {
				t.Fatalf("stable entry %d missed by the walk", h)
			}
		}
	}
	wg.Wait()
}

func TestWalkerDestroyInvalidates(t *testing.T) {
	a, tbl := newItemTable(t)
	for i := range 50 {
		if err := tbl.Insert(a.Alloc(testItem{id: i})); err != nil {
			t.Fatal(err)
		}
	}
	w := tbl.Walk()
	defer w.Close()
	tbl.Destroy(nil)
	if err := w.Start(); !errors.Is(err, ErrCursorInvalidated) {
		t.Fatalf("Start after Destroy: %v, want ErrCursorInvalidated", err)
	}
	if h, err := w.Next(); h != 0 || err != nil {
		t.Fatalf("Next on an empty table = %d, %v", h, err)
	}
	w.Stop()
}

func TestWalkerClose(t *testing.T) {
	_, tbl := newItemTable(t)
	w := tbl.Walk()
	w.Close()
	w.Close()
	defer func() {
		if recover() == nil {
			t.Fatal("Start on a closed walker did not panic")
		}
	}()
	_ = w.Start()
}
