package stress

import (
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// State is a phase of a concurrent stress run.
type State int32

const (
	// Configuring: the table and the records are being set up.
	Configuring State = iota
	// Priming: workers are started and wait at the start barrier.
	Priming
	// Running: workers insert, look up and remove concurrently.
	Running
	// Draining: the driver waits for every worker to finish.
	Draining
	// Verified: the driver checked the global invariants.
	Verified
	// Aborted: the run stopped before verification.
	Aborted
)

var stateNames = [...]string{"configuring", "priming", "running", "draining", "verified", "aborted"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// machine tracks the state of a run. Transitions only move forward.
type machine struct {
	state atomic.Int32
	log   *zerolog.Logger
}

// enter moves to s and logs the transition. It panics on a backward
// transition.
func (m *machine) enter(s State) {
	prev := State(m.state.Swap(int32(s)))
	if s < prev {
		panic(fmt.Sprintf("stress: state %s after %s", s, prev))
	}
	m.log.Debug().Stringer("from", prev).Stringer("to", s).Msg("stress state")
}

func (m *machine) current() State {
	return State(m.state.Load())
}
