// Command rhashtest runs the rhash self-test suite and exits non-zero if
// any check does not pass.
//
// Options are read from defaults, then RHASH_* environment variables,
// then command line flags:
//
//	rhashtest -entries 50000 -threads 16 -shrinking
//	RHASH_HASH=murmur3 rhashtest
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/knadh/koanf/v2"
	"github.com/knadh/koanf/providers/basicflag"
	"github.com/knadh/koanf/providers/env"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/llxisdsh/rhash/internal/stress"
	"github.com/llxisdsh/rhash/internal/suite"
)

const (
	envPrefix       = "RHASH_"
	configDelimiter = "."
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes the suite and returns the exit status: 0 when every check
// passed, 1 when one did not, 2 on a usage error.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet(stderr)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	cfg, level, err := loadConfig(fs)
	if err != nil {
		fmt.Fprintf(stderr, "rhashtest: %v\n", err)
		return 2
	}
	if err := initLogger(level, stderr); err != nil {
		fmt.Fprintf(stderr, "rhashtest: %v\n", err)
		return 2
	}

	s := suite.New(log.Logger)
	if err := stress.Register(s, cfg); err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return 2
	}
	log.Info().
		Int("entries", cfg.Entries).
		Int("runs", cfg.Runs).
		Int("threads", cfg.Threads).
		Int("size", cfg.SizeHint).
		Int("max_size", cfg.MaxSize).
		Bool("shrinking", cfg.AutoShrink).
		Str("hash", cfg.Hash).
		Msg("starting self-test")

	rep := s.Run(ctx)
	fmt.Fprintln(stdout, rep.String())
	if !rep.OK() {
		return 1
	}
	return 0
}

func newFlagSet(output io.Writer) *flag.FlagSet {
	def := stress.DefaultConfig()
	fs := flag.NewFlagSet("rhashtest", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Int("entries", def.Entries, "number of entries per run and per worker")
	fs.Int("runs", def.Runs, "number of single table runs")
	fs.Int("size", def.SizeHint, "initial size hint of tables")
	fs.Int("max_size", def.MaxSize, "maximum table size in buckets (0: derived from entries)")
	fs.Bool("shrinking", def.AutoShrink, "enable automatic shrinking")
	fs.Int("threads", def.Threads, "number of concurrent workers")
	fs.Bool("enomem_retry", def.RetryOnAllocFailure, "retry inserts that failed to allocate")
	fs.Float64("alloc_fail_rate", def.AllocFailRate, "probability of an injected bucket allocation failure")
	fs.String("hash", def.Hash, "byte hasher: xxh3, xxhash or murmur3")
	fs.Duration("timeout", def.Timeout, "time the concurrent check may take")
	fs.Uint64("seed", def.Seed, "random seed (0: random)")
	fs.String("log_level", "info", "log level: debug, info, warn, error")
	return fs
}

// loadConfig layers defaults, RHASH_* environment variables and the
// flags set on the command line. The flag provider merges a default only
// for keys the environment left unset.
func loadConfig(fs *flag.FlagSet) (stress.Config, string, error) {
	k := koanf.New(configDelimiter)

	if err := k.Load(env.Provider(envPrefix, configDelimiter, func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil); err != nil {
		return stress.Config{}, "", fmt.Errorf("load environment: %w", err)
	}
	if err := k.Load(basicflag.Provider(fs, configDelimiter, &basicflag.Opt{KeyMap: k}), nil); err != nil {
		return stress.Config{}, "", fmt.Errorf("load flags: %w", err)
	}

	var cfg stress.Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return stress.Config{}, "", fmt.Errorf("decode options: %w", err)
	}
	return cfg, k.String("log_level"), nil
}

// initLogger sets the global level and a console writer on out.
func initLogger(level string, out io.Writer) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: out})
	return nil
}
