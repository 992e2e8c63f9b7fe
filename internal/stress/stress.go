// Package stress holds the self-test checks of the rhash tables: single
// table runs, capacity bounds, duplicate lists and a concurrent multi
// worker run. The checks register into a suite.Suite.
package stress

import (
	"context"
	"errors"
	"fmt"

	"github.com/llxisdsh/rhash"
	"github.com/llxisdsh/rhash/internal/suite"
)

// Register validates cfg and adds every stress check to s.
func Register(s *suite.Suite, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.Add(Checks(cfg)...)
	return nil
}

// Checks returns the stress checks in run order.
func Checks(cfg Config) []suite.Check {
	bind := func(fn func(context.Context, *suite.C, Config) error) func(context.Context, *suite.C) error {
		return func(ctx context.Context, c *suite.C) error {
			return fn(ctx, c, cfg)
		}
	}
	return []suite.Check{
		{Group: "fixture", Name: "init", Fixture: tableFixture(cfg), Run: runFixtureInit},
		{Group: "single", Name: "run", Run: bind(runSingle)},
		{Group: "single", Name: "max_size", Run: bind(runMaxSize)},
		{Group: "dup", Name: "insert", Run: bind(runInsertDup)},
		{Group: "dup", Name: "order", Run: bind(runDupOrder)},
		{Group: "stress", Name: "threads", Run: bind(runThreads)},
		{Group: "dup", Name: "rhltable", Run: bind(runRhlTable)},
	}
}

// sharedTable is the value of the table fixture.
type sharedTable struct {
	arena *rhash.Arena[Object]
	tbl   *rhash.Table[Key, Object]
}

// tableFixture sets up an empty table keyed by Key for a check and
// destroys it afterwards.
func tableFixture(cfg Config) *suite.Fixture {
	return &suite.Fixture{
		Name: "table",
		Setup: func(ctx context.Context) (any, error) {
			bh, err := rhash.ByteHasherByName(cfg.Hash)
			if err != nil {
				return nil, err
			}
			arena := rhash.NewArena[Object]()
			tbl, err := rhash.NewTable(arena, objectKey, rhash.WithByteHasher(bh))
			if err != nil {
				return nil, err
			}
			return &sharedTable{arena: arena, tbl: tbl}, nil
		},
		Teardown: func(ctx context.Context, v any) error {
			st, ok := v.(*sharedTable)
			if !ok {
				return fmt.Errorf("fixture value %T", v)
			}
			st.tbl.Destroy(st.arena.Release)
			st.arena.Close()
			if n := st.arena.Len(); n != 0 {
				return fmt.Errorf("%d records leaked", n)
			}
			return nil
		},
	}
}

// runFixtureInit checks the fixture table starts empty and accepts,
// finds and refuses records.
func runFixtureInit(ctx context.Context, c *suite.C) error {
	st, ok := c.Value().(*sharedTable)
	if !ok {
		return errors.New("no fixture table")
	}
	c.Expect(st.tbl.Len() == 0, "fresh table holds %d entries", st.tbl.Len())
	key := Key{ID: 234}
	h := st.arena.Alloc(Object{Key: key})
	if err := st.tbl.Insert(h); err != nil {
		return err
	}
	got, ok := st.tbl.Lookup(key)
	c.Expect(ok && got == h, "lookup of %v = %d,%v want %d", key, got, ok, h)
	dup := st.arena.Alloc(Object{Key: key})
	err := st.tbl.Insert(dup)
	c.Expect(errors.Is(err, rhash.ErrKeyExists), "second insert of %v: %v", key, err)
	st.arena.Release(dup)
	return nil
}
