package stress

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/llxisdsh/rhash"
	"github.com/llxisdsh/rhash/internal/suite"
)

// newIDList creates a list table keyed by id alone, where ids collide in
// bucket id % 10.
func newIDList(c *suite.C, arena *rhash.Arena[Object]) (*rhash.ListTable[Key, Object], error) {
	return rhash.NewListTable(arena, objectKey,
		rhash.WithSizeHint(128),
		rhash.WithKeyHasher(idHash),
		rhash.WithKeyEqual(idEqual),
		rhash.WithLogger(*c.Logger()))
}

// dumpBuckets renders the canonical table of l, one line per non-empty
// bucket, and returns the number of entries shown.
func dumpBuckets(l *rhash.ListTable[Key, Object]) (string, int) {
	arena := l.Arena()
	var b strings.Builder
	cnt := 0
	tok := l.ReadLock()
	defer l.ReadUnlock(tok)
	l.Buckets(func(bucket int, members []rhash.Handle) bool {
		fmt.Fprintf(&b, "bucket[%d] ->", bucket)
		for i, h := range members {
			o := arena.Get(h)
			switch {
			case i == 0:
				fmt.Fprintf(&b, " [[ val %d (tid=%d)", o.Key.ID, o.Key.TID)
			case idEqual(arena.Get(members[i-1]).Key, o.Key):
				fmt.Fprintf(&b, ", val %d (tid=%d)", o.Key.ID, o.Key.TID)
			default:
				fmt.Fprintf(&b, " ]] -> [[ val %d (tid=%d)", o.Key.ID, o.Key.TID)
			}
			cnt++
		}
		b.WriteString(" ]]\n")
		return true
	})
	return b.String(), cnt
}

// runInsertDup links ids 1 and 21, which share a bucket, and a second
// record with id 1, then checks the bucket dump shows every record. The
// migrated variant dumps again after the table was resized.
func runInsertDup(ctx context.Context, c *suite.C, cfg Config) error {
	ids := []int32{1, 21, 1}
	for _, cnt := range []int{2, 3} {
		for _, migrate := range []bool{false, true} {
			if err := ctx.Err(); err != nil {
				return err
			}
			arena := rhash.NewArena[Object]()
			l, err := newIDList(c, arena)
			if err != nil {
				return err
			}
			for i, id := range ids[:cnt] {
				if err := l.Insert(arena.Alloc(Object{Key: Key{ID: id, TID: int32(i)}})); err != nil {
					return fmt.Errorf("insert id %d: %w", id, err)
				}
			}
			if migrate {
				if err := l.Grow(1024); err != nil {
					return err
				}
			}
			dump, n := dumpBuckets(l)
			c.Logger().Debug().Int("entries", cnt).Bool("migrated", migrate).Msg("bucket dump\n" + dump)
			c.Expect(n == cnt, "bucket dump shows %d entries, want %d (migrated=%v)", n, cnt, migrate)
			c.Expect(l.Count(Key{ID: 1}) == cnt-1, "id 1 has %d records, want %d", l.Count(Key{ID: 1}), cnt-1)
			c.Expect(l.Len() == cnt, "live count %d, want %d", l.Len(), cnt)
			l.Destroy(arena.Release)
			arena.Close()
		}
	}
	return nil
}

// runDupOrder checks that equal-key records keep their insertion order
// and that removing a middle record keeps the order of the others.
func runDupOrder(ctx context.Context, c *suite.C, cfg Config) error {
	arena := rhash.NewArena[Object]()
	defer arena.Close()
	l, err := newIDList(c, arena)
	if err != nil {
		return err
	}
	defer l.Destroy(arena.Release)

	key := Key{ID: 7}
	var hs []rhash.Handle
	for tid := range int32(3) {
		h := arena.Alloc(Object{Key: Key{ID: key.ID, TID: 'A' + tid}})
		if err := l.Insert(h); err != nil {
			return err
		}
		hs = append(hs, h)
	}
	order := func() string {
		var b []byte
		for h := range l.Values(key) {
			b = append(b, byte(arena.Get(h).Key.TID))
		}
		return string(b)
	}
	c.Expect(order() == "ABC", "list order %q, want ABC", order())
	if err := l.Remove(hs[1]); err != nil {
		return err
	}
	arena.Release(hs[1])
	c.Expect(order() == "AC", "list order %q after removing B, want AC", order())
	return nil
}

// rhlState is the oracle of runRhlTable: which records are linked.
type rhlState []bool

// runRhlTable links Entries/16 records under one random key, then checks
// membership, removal, reinsertion and a randomized remove/insert mix
// against an oracle.
func runRhlTable(ctx context.Context, c *suite.C, cfg Config) error {
	entries := max(cfg.entries()/16, 1)
	rng := cfg.rng(16)
	arena := rhash.NewArena[Object](rhash.WithArenaCapacity(entries))
	defer arena.Close()
	l, err := rhash.NewListTable(arena, objectKey, rhash.WithLogger(*c.Logger()))
	if err != nil {
		return err
	}
	defer l.Destroy(nil)

	key := Key{ID: rng.Int32()}
	objs := make([]rhash.Handle, entries)
	linked := make(rhlState, entries)
	for i := range objs {
		objs[i] = arena.Alloc(Object{Key: key})
		if err := l.Insert(objs[i]); err != nil {
			return fmt.Errorf("insert %d: %w", i, err)
		}
		linked[i] = true
	}

	for i := range objs {
		if err := ctx.Err(); err != nil {
			return err
		}
		head, ok := l.Lookup(key)
		if !ok {
			return fmt.Errorf("key lost after removing %d of %d records", i, entries)
		}
		members := slices.Collect(l.List(head))
		if i > 0 {
			c.Expect(!slices.Contains(members, objs[i-1]), "removed record %d still listed", i-1)
		}
		if !c.Expect(slices.Contains(members, objs[i]), "record %d not listed", i) {
			break
		}
		if err := l.Remove(objs[i]); err != nil {
			c.Errorf("remove %d: %v", i, err)
			continue
		}
		linked[i] = false
	}
	c.Expect(l.Len() == 0, "live count %d after removing every record", l.Len())

	for i := range objs {
		c.Expect(!linked[i], "record %d still marked linked", i)
		if err := l.Insert(objs[i]); err != nil {
			return fmt.Errorf("reinsert %d: %w", i, err)
		}
		linked[i] = true
	}

	for range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		randomStep(c, l, objs, linked, rng)
	}

	for i, h := range objs {
		err := l.Remove(h)
		if linked[i] {
			c.Expect(err == nil, "final remove of linked record %d: %v", i, err)
		} else {
			c.Expect(errors.Is(err, rhash.ErrNotFound), "final remove of unlinked record %d: %v", i, err)
		}
	}
	c.Expect(l.Len() == 0, "live count %d at the end", l.Len())
	return nil
}

// randomStep removes and reinserts a random record, each step taken with
// probability 1/2, and then toggles another random record.
func randomStep(c *suite.C, l *rhash.ListTable[Key, Object], objs []rhash.Handle, linked rhlState, rng *rand.Rand) {
	bits := rng.Uint64() | 1<<63
	coin := func() bool {
		b := bits&1 == 1
		bits >>= 1
		return b
	}

	i := rng.IntN(len(objs))
	if coin() {
		return
	}
	err := l.Remove(objs[i])
	if linked[i] {
		linked[i] = false
		c.Expect(err == nil, "remove of linked record %d: %v", i, err)
	} else {
		c.Expect(errors.Is(err, rhash.ErrNotFound), "remove of unlinked record %d: %v", i, err)
	}
	if coin() {
		return
	}
	err = l.Insert(objs[i])
	if err == nil {
		c.Expect(!linked[i], "record %d inserted twice", i)
		linked[i] = true
	} else {
		c.Expect(linked[i], "insert of unlinked record %d: %v", i, err)
	}
	if coin() {
		return
	}
	i = rng.IntN(len(objs))
	if linked[i] {
		err = l.Remove(objs[i])
		if c.Expect(err == nil, "remove of linked record %d: %v", i, err) {
			linked[i] = false
		}
	} else {
		err = l.Insert(objs[i])
		if c.Expect(err == nil, "insert of unlinked record %d: %v", i, err) {
			linked[i] = true
		}
	}
}
