package stress

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llxisdsh/rhash/internal/opt"
	"github.com/llxisdsh/rhash/internal/suite"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Entries = 400
	cfg.Runs = 2
	cfg.Threads = 4
	cfg.Timeout = time.Minute
	cfg.Seed = 1
	if opt.Race_ {
		cfg.Entries = 100
		cfg.Threads = 3
	}
	return cfg
}

func runChecks(t *testing.T, cfg Config) suite.Report {
	t.Helper()
	s := suite.New(zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.InfoLevel))
	require.NoError(t, Register(s, cfg))
	return s.Run(context.Background())
}

func requireAllPassed(t *testing.T, rep suite.Report) {
	t.Helper()
	for _, res := range rep.Results {
		assert.Equal(t, suite.Pass, res.Status, "%s: err=%v failures=%v", res.Check, res.Err, res.Failures)
	}
	require.True(t, rep.OK(), rep.String())
}

func TestChecksPass(t *testing.T) {
	rep := runChecks(t, testConfig())
	assert.Equal(t, 7, rep.Run())
	requireAllPassed(t, rep)
}

func TestChecksPassWithVariants(t *testing.T) {
	for _, tc := range []struct {
		name string
		edit func(*Config)
	}{
		{"shrinking", func(c *Config) { c.AutoShrink = true }},
		{"murmur3", func(c *Config) { c.Hash = "murmur3" }},
		{"xxhash", func(c *Config) { c.Hash = "xxhash"; c.SizeHint = 0 }},
		{"bounded", func(c *Config) { c.MaxSize = 1 << 12 }},
		{"alloc failures", func(c *Config) {
			c.AllocFailRate = 0.5
			c.RetryOnAllocFailure = true
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.edit(&cfg)
			requireAllPassed(t, runChecks(t, cfg))
		})
	}
}

func TestCheckNames(t *testing.T) {
	var names []string
	for _, ch := range Checks(DefaultConfig()) {
		names = append(names, ch.FullName())
	}
	assert.Equal(t, []string{
		"fixture/init",
		"single/run",
		"single/max_size",
		"dup/insert",
		"dup/order",
		"stress/threads",
		"dup/rhltable",
	}, names)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Threads = 0
	cfg.Hash = "md5"
	cfg.Timeout = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "threads 0")
	assert.ErrorContains(t, err, "md5")
	assert.ErrorContains(t, err, "timeout")

	s := suite.New(zerolog.Nop())
	assert.Error(t, Register(s, cfg))
	assert.Empty(t, s.Checks())
}

func TestBoundFor(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 4, cfg.boundFor(3))
	assert.Equal(t, 8, cfg.boundFor(4))
	assert.Equal(t, 4096, cfg.boundFor(2500))
	assert.Equal(t, 65536, cfg.boundFor(25000))
	for _, n := range []int{1, 7, 100, 3072, 3073} {
		assert.GreaterOrEqual(t, cfg.boundFor(n)*3/4, n)
	}
	cfg.MaxSize = 16
	assert.Equal(t, 16, cfg.boundFor(25000))
}

func TestThreadsStateMachine(t *testing.T) {
	cfg := testConfig()
	c := suite.NewC("stress/threads", zerolog.Nop())
	r := &threadsRun{cfg: cfg, c: c}
	r.machine.log = c.Logger()
	require.NoError(t, r.run(context.Background()))
	assert.Equal(t, Verified, r.machine.current())
	assert.False(t, c.Failed(), "%v", c.Failures())

	tombstones := 0
	r.tombstones.Range(func(k Key, _ struct{}) bool {
		tombstones++
		assert.True(t, r.workers[k.TID].removed[k.ID], "tombstone %v of a linked record", k)
		return true
	})
	removed := 0
	for _, w := range r.workers {
		assert.Equal(t, cfg.Entries, w.inserted, "worker %d", w.id)
		for _, gone := range w.removed {
			if gone {
				removed++
			}
		}
	}
	assert.Equal(t, removed, tombstones, "every removed record has a tombstone")
	assert.Positive(t, removed)
}

func TestThreadsShuffleRelinks(t *testing.T) {
	cfg := testConfig()
	cfg.Threads = 1
	cfg.Entries = 8
	c := suite.NewC("stress/threads", zerolog.Nop())
	r := &threadsRun{cfg: cfg, c: c}
	r.machine.log = c.Logger()
	require.NoError(t, r.run(context.Background()))
	assert.False(t, c.Failed(), "%v", c.Failures())

	// Strides remove every record of a range this small, so the
	// randomized phase starts by linking one again.
	w := r.workers[0]
	assert.Positive(t, w.relinked)
}

func TestThreadsCancelled(t *testing.T) {
	cfg := testConfig()
	cfg.Entries = 50_000
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := suite.NewC("stress/threads", zerolog.Nop())
	r := &threadsRun{cfg: cfg, c: c}
	r.machine.log = c.Logger()
	err := r.run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Aborted, r.machine.current())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "configuring", Configuring.String())
	assert.Equal(t, "verified", Verified.String())
	assert.Equal(t, "State(9)", State(9).String())

	nop := zerolog.Nop()
	m := machine{log: &nop}
	m.enter(Priming)
	assert.Panics(t, func() { m.enter(Configuring) })
}
