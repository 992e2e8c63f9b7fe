package rhash

import (
	"errors"
	"slices"
	"sync"
	"testing"
)

func newItemList(t *testing.T, options ...func(*TableConfig)) (*Arena[testItem], *ListTable[int, testItem]) {
	t.Helper()
	a := NewArena[testItem]()
	l, err := NewListTable(a, itemKey, options...)
	if err != nil {
		t.Fatalf("NewListTable: %v", err)
	}
	return a, l
}

func listTids(a *Arena[testItem], l *ListTable[int, testItem], key int) []int {
	var tids []int
	for h := range l.Values(key) {
		tids = append(tids, a.Get(h).tid)
	}
	return tids
}

func TestListOrder(t *testing.T) {
	a, l := newItemList(t)
	hA := a.Alloc(testItem{id: 1, tid: 'A'})
	hB := a.Alloc(testItem{id: 1, tid: 'B'})
	hC := a.Alloc(testItem{id: 1, tid: 'C'})
	for _, h := range []Handle{hA, hB, hC} {
		if err := l.Insert(h); err != nil {
			t.Fatal(err)
		}
	}
	if got := listTids(a, l, 1); !slices.Equal(got, []int{'A', 'B', 'C'}) {
		t.Fatalf("list = %q, want ABC", got)
	}
	if l.Len() != 3 || l.Count(1) != 3 {
		t.Fatalf("Len, Count = %d, %d, want 3, 3", l.Len(), l.Count(1))
	}
	if h, _ := l.Lookup(1); h != hA {
		t.Fatalf("Lookup returned %d, want the head %d", h, hA)
	}

	if err := l.Remove(hB); err != nil {
		t.Fatal(err)
	}
	if got := listTids(a, l, 1); !slices.Equal(got, []int{'A', 'C'}) {
		t.Fatalf("list = %q after removing B, want AC", got)
	}

	if err := l.Remove(hA); err != nil {
		t.Fatal(err)
	}
	if h, _ := l.Lookup(1); h != hC {
		t.Fatalf("Lookup returned %d after removing the head, want %d", h, hC)
	}
	hD := a.Alloc(testItem{id: 1, tid: 'D'})
	if err := l.Insert(hD); err != nil {
		t.Fatal(err)
	}
	if got := listTids(a, l, 1); !slices.Equal(got, []int{'C', 'D'}) {
		t.Fatalf("list = %q, want CD", got)
	}
	if err := l.Insert(hD); !errors.Is(err, ErrKeyExists) {
		t.Fatalf("Insert of a linked entry: %v, want ErrKeyExists", err)
	}
	if err := l.Remove(hB); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Remove of an unlinked entry: %v, want ErrNotFound", err)
	}
	if l.Len() != 2 {
		t.Fatalf("Len = %d, want 2", l.Len())
	}
}

func TestListRemoveLast(t *testing.T) {
	a, l := newItemList(t)
	var hs []Handle
	for tid := range 4 {
		h := a.Alloc(testItem{id: 5, tid: tid})
		hs = append(hs, h)
		if err := l.Insert(h); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Remove(hs[3]); err != nil {
		t.Fatal(err)
	}
	if got := listTids(a, l, 5); !slices.Equal(got, []int{0, 1, 2}) {
		t.Fatalf("list = %v, want [0 1 2]", got)
	}
	for _, h := range hs[:3] {
		if err := l.Remove(h); err != nil {
			t.Fatal(err)
		}
	}
	if _, ok := l.Lookup(5); ok || l.Len() != 0 {
		t.Fatal("key still present after removing every member")
	}
}

func TestListIterate(t *testing.T) {
	a, l := newItemList(t)
	for tid := range 5 {
		if err := l.Insert(a.Alloc(testItem{id: 9, tid: tid})); err != nil {
			t.Fatal(err)
		}
	}
	head, _ := l.Lookup(9)
	var got []int
	for h := range l.List(head) {
		got = append(got, a.Get(h).tid)
		if len(got) == 3 {
			break
		}
	}
	if !slices.Equal(got, []int{0, 1, 2}) {
		t.Fatalf("List = %v, want [0 1 2]", got)
	}
	for range l.List(0) {
		t.Fatal("List(0) yielded")
	}
}

func TestListOrderAcrossResize(t *testing.T) {
	a, l := newItemList(t, WithAutoShrink())
	var others []Handle
	for i := range 2000 {
		if i%100 == 0 {
			if err := l.Insert(a.Alloc(testItem{id: -1, tid: i / 100})); err != nil {
				t.Fatal(err)
			}
		}
		h := a.Alloc(testItem{id: i})
		others = append(others, h)
		if err := l.Insert(h); err != nil {
			t.Fatal(err)
		}
	}
	want := make([]int, 20)
	for i := range want {
		want[i] = i
	}
	if got := listTids(a, l, -1); !slices.Equal(got, want) {
		t.Fatalf("list after growth = %v", got)
	}
	for _, h := range others {
		if err := l.Remove(h); err != nil {
			t.Fatal(err)
		}
	}
	if got := listTids(a, l, -1); !slices.Equal(got, want) {
		t.Fatalf("list after shrink = %v", got)
	}
	if l.Len() != 20 {
		t.Fatalf("Len = %d, want 20", l.Len())
	}
	if st := l.Stats(); st.Growths == 0 || st.Shrinks == 0 {
		t.Fatalf("Growths, Shrinks = %d, %d", st.Growths, st.Shrinks)
	}
}

func TestListCustomHasherBuckets(t *testing.T) {
	a, l := newItemList(t,
		WithSizeHint(64),
		WithKeyHasher(func(k int, _ uintptr) uintptr { return uintptr(k % 10) }))
	for _, it := range []testItem{{1, 0}, {11, 0}, {1, 1}, {21, 0}} {
		if err := l.Insert(a.Alloc(it)); err != nil {
			t.Fatal(err)
		}
	}
	var members []Handle
	l.Buckets(func(bucket int, m []Handle) bool {
		if bucket != 1 {
			t.Errorf("entry in bucket %d", bucket)
		}
		members = append(members, m...)
		return true
	})
	if len(members) != 4 {
		t.Fatalf("bucket 1 holds %d entries, want 4", len(members))
	}
	if l.Count(1) != 2 || l.Count(11) != 1 {
		t.Fatalf("Count(1), Count(11) = %d, %d", l.Count(1), l.Count(11))
	}
	if st := l.Stats(); st.MaxChain != 3 {
		t.Fatalf("MaxChain = %d, want 3 chain members", st.MaxChain)
	}
}

func TestListDestroy(t *testing.T) {
	a, l := newItemList(t)
	for i := range 30 {
		if err := l.Insert(a.Alloc(testItem{id: i % 3, tid: i})); err != nil {
			t.Fatal(err)
		}
	}
	var released int
	n := l.Destroy(func(h Handle) {
		released++
		a.Release(h)
	})
	if n != 30 || released != 30 {
		t.Fatalf("Destroy = %d, released %d, want 30", n, released)
	}
	if l.Len() != 0 || a.Len() != 0 || l.Count(0) != 0 {
		t.Fatal("entries remain after Destroy")
	}
}

func TestListConcurrentDuplicates(t *testing.T) {
	a, l := newItemList(t, WithAutoShrink())
	const workers = 8
	const keys = 16
	per := scaled(2000)
	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hs := make([]Handle, per)
			for i := range per {
				hs[i] = a.Alloc(testItem{id: i % keys, tid: w*per + i})
				if err := l.Insert(hs[i]); err != nil {
					t.Errorf("Insert: %v", err)
					return
				}
			}
			for i := 0; i < per; i += 2 {
				if err := l.Remove(hs[i]); err != nil {
					t.Errorf("Remove: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	total := 0
	for k := range keys {
		seen := map[int]bool{}
		prevByWorker := map[int]int{}
		for h := range l.Values(k) {
			it := a.Get(h)
			if it.id != k || seen[it.tid] {
				t.Fatalf("key %d: bad member %+v", k, *it)
			}
			seen[it.tid] = true
			// Each worker's members keep their insertion order.
			w := it.tid / per
			if prev, ok := prevByWorker[w]; ok && prev > it.tid {
				t.Fatalf("key %d: worker %d members out of order", k, w)
			}
			prevByWorker[w] = it.tid
			total++
		}
	}
	if want := workers * per / 2; total != want || l.Len() != want {
		t.Fatalf("members = %d, Len = %d, want %d", total, l.Len(), want)
	}
}
