// Package suite is a small check registry: named checks grouped by
// component, optional per-check fixtures, and an aggregated report.
package suite

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Status is the outcome of a check.
type Status int

const (
	// Pass means the check ran and no expectation failed.
	Pass Status = iota
	// Fail means an expectation failed.
	Fail
	// Error means the check could not run to completion: it returned an
	// error, panicked, or its fixture failed.
	Error
)

func (s Status) String() string {
	switch s {
	case Pass:
		return "pass"
	case Fail:
		return "fail"
	case Error:
		return "error"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Fixture prepares shared state for a check. Setup runs before the check
// and its value is available through C.Value; Teardown runs after the
// check, also when it failed.
type Fixture struct {
	Name     string
	Setup    func(ctx context.Context) (any, error)
	Teardown func(ctx context.Context, v any) error
}

// Check is a named test. Run reports expectation failures through c and
// returns an error only when it cannot continue.
type Check struct {
	Group   string
	Name    string
	Fixture *Fixture
	Run     func(ctx context.Context, c *C) error
}

// FullName returns "group/name".
func (ch Check) FullName() string {
	if ch.Group == "" {
		return ch.Name
	}
	return ch.Group + "/" + ch.Name
}

// C is the context of a running check. It is safe for concurrent use by
// the goroutines a check starts.
type C struct {
	name  string
	log   zerolog.Logger
	value any

	mu       sync.Mutex
	failures []string
}

// NewC returns a check context outside a suite, for running a check
// function directly.
func NewC(name string, log zerolog.Logger) *C {
	return &C{name: name, log: log.With().Str("check", name).Logger()}
}

// Errorf records an expectation failure. The check keeps running.
func (c *C) Errorf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	c.mu.Lock()
	c.failures = append(c.failures, msg)
	c.mu.Unlock()
	c.log.Error().Msg(msg)
}

// Expect records a failure unless cond holds, and returns cond.
func (c *C) Expect(cond bool, format string, args ...any) bool {
	if !cond {
		c.Errorf(format, args...)
	}
	return cond
}

// Failed reports whether an expectation failed.
func (c *C) Failed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.failures) > 0
}

// Failures returns the recorded failure messages.
func (c *C) Failures() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.failures...)
}

// Value returns the value of the check's fixture, nil without one.
func (c *C) Value() any {
	return c.value
}

// Logger returns a logger tagged with the check name.
func (c *C) Logger() *zerolog.Logger {
	return &c.log
}

// Result is the outcome of one check.
type Result struct {
	Check    string
	Status   Status
	Err      error
	Failures []string
	Elapsed  time.Duration
}

// Report aggregates the results of a run.
type Report struct {
	Results []Result
}

// Run returns the number of checks run.
func (r Report) Run() int {
	return len(r.Results)
}

// Passed returns the number of checks that passed.
func (r Report) Passed() int {
	n := 0
	for _, res := range r.Results {
		if res.Status == Pass {
			n++
		}
	}
	return n
}

// OK reports whether every check passed.
func (r Report) OK() bool {
	return r.Passed() == r.Run()
}

// Failed returns the results of checks that did not pass.
func (r Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Status != Pass {
			out = append(out, res)
		}
	}
	return out
}

func (r Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d/%d checks passed", r.Passed(), r.Run())
	for _, res := range r.Failed() {
		fmt.Fprintf(&b, "\n  %s: %s", res.Check, res.Status)
		if res.Err != nil {
			fmt.Fprintf(&b, ": %v", res.Err)
		}
		for _, f := range res.Failures {
			fmt.Fprintf(&b, "\n    %s", f)
		}
	}
	return b.String()
}

// Suite is an ordered registry of checks.
type Suite struct {
	log    zerolog.Logger
	checks []Check
	names  map[string]struct{}
}

// New creates an empty suite logging through log.
func New(log zerolog.Logger) *Suite {
	return &Suite{log: log, names: make(map[string]struct{})}
}

// Add registers checks. It panics on a duplicate name or a check without
// Run.
func (s *Suite) Add(checks ...Check) {
	for _, ch := range checks {
		if ch.Run == nil {
			panic("suite: check " + ch.FullName() + " has no Run")
		}
		if _, ok := s.names[ch.FullName()]; ok {
			panic("suite: duplicate check " + ch.FullName())
		}
		s.names[ch.FullName()] = struct{}{}
		s.checks = append(s.checks, ch)
	}
}

// Checks returns the registered checks in registration order.
func (s *Suite) Checks() []Check {
	return append([]Check(nil), s.checks...)
}

// Run runs every check in registration order. Checks after a cancelled
// context are reported as errors without running.
func (s *Suite) Run(ctx context.Context) Report {
	var rep Report
	for _, ch := range s.checks {
		var res Result
		if err := ctx.Err(); err != nil {
			res = Result{Check: ch.FullName(), Status: Error, Err: err}
		} else {
			res = s.runOne(ctx, ch)
		}
		ev := s.log.Info()
		if res.Status != Pass {
			ev = s.log.Error().Err(res.Err).Int("failures", len(res.Failures))
		}
		ev.Str("check", res.Check).
			Stringer("status", res.Status).
			Dur("elapsed", res.Elapsed).
			Msg("check finished")
		rep.Results = append(rep.Results, res)
	}
	s.log.Info().Int("passed", rep.Passed()).Int("run", rep.Run()).
		Msgf("%d/%d checks passed", rep.Passed(), rep.Run())
	return rep
}

func (s *Suite) runOne(ctx context.Context, ch Check) (res Result) {
	name := ch.FullName()
	c := NewC(name, s.log)
	res.Check = name
	start := time.Now()
	defer func() {
		res.Elapsed = time.Since(start)
		res.Failures = c.Failures()
		switch {
		case res.Err != nil:
			res.Status = Error
		case len(res.Failures) > 0:
			res.Status = Fail
		default:
			res.Status = Pass
		}
	}()

	if fx := ch.Fixture; fx != nil && fx.Setup != nil {
		v, err := fx.Setup(ctx)
		if err != nil {
			res.Err = fmt.Errorf("fixture %s setup: %w", fx.Name, err)
			return res
		}
		c.value = v
	}
	res.Err = guard(ctx, ch.Run, c)
	if fx := ch.Fixture; fx != nil && fx.Teardown != nil {
		if err := fx.Teardown(ctx, c.value); err != nil && res.Err == nil {
			res.Err = fmt.Errorf("fixture %s teardown: %w", fx.Name, err)
		}
	}
	return res
}

// guard runs fn, turning a panic into an error.
func guard(ctx context.Context, fn func(context.Context, *C) error, c *C) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("check panicked")
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, c)
}
