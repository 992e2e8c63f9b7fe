package stress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/llxisdsh/rhash"
	"github.com/llxisdsh/rhash/internal/suite"
)

// runSingle inserts Entries records with even ids into a fresh table,
// checks walk counts and lookups over [0, 2*Entries), then removes
// everything, Runs times.
func runSingle(ctx context.Context, c *suite.C, cfg Config) error {
	entries := cfg.entries()
	arena := rhash.NewArena[Object](rhash.WithArenaCapacity(entries))
	defer arena.Close()

	var total time.Duration
	retries := 0
	for run := range cfg.Runs {
		if err := ctx.Err(); err != nil {
			return err
		}
		opts, err := cfg.tableOptions(*c.Logger(), cfg.boundFor(entries))
		if err != nil {
			return err
		}
		tbl, err := rhash.NewTable(arena, objectKey, opts...)
		if err != nil {
			return fmt.Errorf("run %d: %w", run, err)
		}

		start := time.Now()
		handles := make([]rhash.Handle, 0, entries)
		for i := range entries {
			h := arena.Alloc(Object{Key: Key{ID: int32(i * 2)}})
			n, err := insertRetry(ctx, tbl, h, cfg.RetryOnAllocFailure)
			retries += n
			if err != nil {
				arena.Release(h)
				tbl.Destroy(arena.Release)
				return fmt.Errorf("run %d: insert id %d: %w", run, i*2, err)
			}
			handles = append(handles, h)
		}

		checkCounts(c, tbl, entries)
		checkEvenLookups(c, tbl, entries)
		checkCounts(c, tbl, entries)

		for i, h := range handles {
			got, ok := tbl.Lookup(Key{ID: int32(i * 2)})
			if !c.Expect(ok && got == h, "run %d: id %d not found before removal", run, i*2) {
				continue
			}
			if err := tbl.Remove(h); err != nil {
				c.Errorf("run %d: remove id %d: %v", run, i*2, err)
				continue
			}
			arena.Release(h)
		}
		elapsed := time.Since(start)
		total += elapsed
		c.Expect(tbl.Len() == 0, "run %d: %d entries left after removing all", run, tbl.Len())
		tbl.Destroy(arena.Release)

		st := tbl.Stats()
		c.Logger().Debug().
			Int("run", run).
			Dur("elapsed", elapsed).
			Uint32("growths", st.Growths).
			Uint32("shrinks", st.Shrinks).
			Uint32("failed_resizes", st.FailedResizes).
			Msg("single table run")
	}
	c.Logger().Info().
		Int("entries", entries).
		Int("runs", cfg.Runs).
		Int("insert_retries", retries).
		Dur("avg", total/time.Duration(cfg.Runs)).
		Msg("single table runs finished")
	return nil
}

// checkCounts walks tbl and compares the walk count with the live count
// and the expected count.
func checkCounts(c *suite.C, tbl *rhash.Table[Key, Object], want int) {
	n, err := walkCount(tbl.Walk())
	if err != nil {
		c.Errorf("walk: %v", err)
		return
	}
	c.Expect(n == tbl.Len(), "walk counted %d entries, live count is %d", n, tbl.Len())
	c.Expect(n == want, "walk counted %d entries, want %d", n, want)
}

// checkEvenLookups looks up every id in [0, 2*entries): even ids must be
// found holding their own key, odd ids must be absent.
func checkEvenLookups(c *suite.C, tbl *rhash.Table[Key, Object], entries int) {
	tok := tbl.ReadLock()
	defer tbl.ReadUnlock(tok)
	for i := range 2 * entries {
		key := Key{ID: int32(i)}
		expected := i%2 == 0
		found := tbl.LookupFunc(key, func(_ rhash.Handle, o *Object) {
			c.Expect(o.Key == key, "lookup of %v returned %v", key, o.Key)
		})
		c.Expect(found == expected, "lookup of %v: found=%v, want %v", key, found, expected)
	}
}

// runMaxSize fills a table bounded at Entries/8 buckets to capacity and
// checks that one more insert fails without growing the table.
func runMaxSize(ctx context.Context, c *suite.C, cfg Config) error {
	entries := cfg.entries()
	bound := 4
	for bound < entries/8 {
		bound <<= 1
	}
	opts, err := cfg.tableOptions(*c.Logger(), bound)
	if err != nil {
		return err
	}
	arena := rhash.NewArena[Object]()
	defer arena.Close()
	tbl, err := rhash.NewTable(arena, objectKey, opts...)
	if err != nil {
		return err
	}
	defer tbl.Destroy(arena.Release)

	maxElems := tbl.MaxElems()
	if !c.Expect(maxElems > 0, "table bounded at %d buckets has no capacity", bound) {
		return nil
	}
	for i := range maxElems {
		h := arena.Alloc(Object{Key: Key{ID: int32(i * 2)}})
		if _, err := insertRetry(ctx, tbl, h, cfg.RetryOnAllocFailure); err != nil {
			arena.Release(h)
			return fmt.Errorf("insert %d of %d: %w", i+1, maxElems, err)
		}
	}
	size := tbl.Size()
	h := arena.Alloc(Object{Key: Key{ID: int32(maxElems * 2)}})
	_, err = insertRetry(ctx, tbl, h, cfg.RetryOnAllocFailure)
	if err == nil {
		c.Errorf("insert beyond capacity %d succeeded", maxElems)
	} else {
		arena.Release(h)
		c.Expect(errors.Is(err, rhash.ErrCapacityExceeded), "insert beyond capacity: %v, want %v", err, rhash.ErrCapacityExceeded)
	}
	c.Expect(tbl.Size() == size, "table grew from %d to %d buckets past its bound", size, tbl.Size())
	c.Expect(tbl.Len() == maxElems, "live count %d, want %d", tbl.Len(), maxElems)
	return nil
}
