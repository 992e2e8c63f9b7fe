package stress

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"

	"github.com/llxisdsh/rhash"
)

// maxEntries caps the entries of a worker or a run.
const maxEntries = 1_000_000

// Config parameterizes the stress checks. The koanf tags are the CLI
// option names.
type Config struct {
	// Entries is the number of records per run and per worker.
	Entries int `koanf:"entries"`
	// Runs is the number of single-table runs.
	Runs int `koanf:"runs"`
	// SizeHint is the expected entry count new tables are sized for.
	SizeHint int `koanf:"size"`
	// MaxSize bounds the bucket count of every table. 0 derives a bound
	// from the number of entries a check inserts.
	MaxSize int `koanf:"max_size"`
	// AutoShrink enables shrinking when tables run nearly empty.
	AutoShrink bool `koanf:"shrinking"`
	// Threads is the number of concurrent workers.
	Threads int `koanf:"threads"`
	// RetryOnAllocFailure retries inserts that failed with a transient
	// allocation failure instead of failing the check.
	RetryOnAllocFailure bool `koanf:"enomem_retry"`
	// AllocFailRate is the probability that a bucket table allocation
	// fails. It exercises the transient failure path.
	AllocFailRate float64 `koanf:"alloc_fail_rate"`
	// Hash names the byte hasher: xxh3, xxhash or murmur3.
	Hash string `koanf:"hash"`
	// Timeout bounds the wait for the workers of a concurrent check.
	Timeout time.Duration `koanf:"timeout"`
	// Seed seeds the random choices of the checks. 0 picks one.
	Seed uint64 `koanf:"seed"`
}

// DefaultConfig returns the default parameters.
func DefaultConfig() Config {
	return Config{
		Entries:  2500,
		Runs:     4,
		SizeHint: 8,
		Threads:  10,
		Hash:     "xxh3",
		Timeout:  2 * time.Minute,
	}
}

// Validate reports unusable parameters.
func (c Config) Validate() error {
	var errs []error
	if c.Entries < 0 {
		errs = append(errs, fmt.Errorf("entries %d is negative", c.Entries))
	}
	if c.Runs < 1 {
		errs = append(errs, fmt.Errorf("runs %d: at least one run is required", c.Runs))
	}
	if c.Threads < 1 {
		errs = append(errs, fmt.Errorf("threads %d: at least one worker is required", c.Threads))
	}
	if c.SizeHint < 0 || c.MaxSize < 0 {
		errs = append(errs, fmt.Errorf("size %d, max size %d: negative", c.SizeHint, c.MaxSize))
	}
	if c.AllocFailRate < 0 || c.AllocFailRate >= 1 {
		errs = append(errs, fmt.Errorf("alloc fail rate %v outside [0, 1)", c.AllocFailRate))
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout %v is not positive", c.Timeout))
	}
	if _, err := rhash.ByteHasherByName(c.Hash); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// entries returns Entries clamped to [1, maxEntries].
func (c Config) entries() int {
	return min(max(c.Entries, 1), maxEntries)
}

// boundFor returns MaxSize, or the smallest power-of-2 bucket count
// whose capacity holds n entries.
func (c Config) boundFor(n int) int {
	if c.MaxSize > 0 {
		return c.MaxSize
	}
	size := 4
	for size*3/4 < n {
		size <<= 1
	}
	return size
}

// rng returns a generator seeded from Seed and stream.
func (c Config) rng(stream uint64) *rand.Rand {
	seed := c.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	return rand.New(rand.NewPCG(seed, stream))
}

// tableOptions returns the options of a table bounded at maxSize buckets.
func (c Config) tableOptions(log zerolog.Logger, maxSize int) ([]func(*rhash.TableConfig), error) {
	bh, err := rhash.ByteHasherByName(c.Hash)
	if err != nil {
		return nil, err
	}
	opts := []func(*rhash.TableConfig){
		rhash.WithSizeHint(c.SizeHint),
		rhash.WithMaxSize(maxSize),
		rhash.WithByteHasher(bh),
		rhash.WithLogger(log),
	}
	if c.AutoShrink {
		opts = append(opts, rhash.WithAutoShrink())
	}
	if c.AllocFailRate > 0 {
		opts = append(opts, rhash.WithAllocGuard(failingAlloc(c.AllocFailRate)))
	}
	return opts, nil
}

// errNoMemory is the failure injected into bucket table allocations.
var errNoMemory = errors.New("injected allocation failure")

func failingAlloc(rate float64) func(int) error {
	return func(int) error {
		if rand.Float64() < rate {
			return errNoMemory
		}
		return nil
	}
}
