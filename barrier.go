package rhash

import (
	"sync/atomic"

	"github.com/llxisdsh/rhash/internal/opt"
)

// Latch is a one-way door: once Open is called, every current and
// future Wait returns immediately. It is zero-value usable.
type Latch struct {
	_ noCopy
	// state: bit 0 is the open flag, the other bits count waiters.
	state atomic.Uint32
	sema  opt.Sema
}

const (
	latchOpen      = 1
	latchOneWaiter = 2
)

// Open opens the door and wakes all waiters. It is idempotent.
func (l *Latch) Open() {
	for {
		s := l.state.Load()
		if s&latchOpen != 0 {
			return
		}
		if l.state.CompareAndSwap(s, s|latchOpen) {
			for range s >> 1 {
				l.sema.Release()
			}
			return
		}
	}
}

// IsOpen reports whether Open was called. Workers poll it at safe points.
func (l *Latch) IsOpen() bool {
	return l.state.Load()&latchOpen != 0
}

// Wait blocks until Open is called.
func (l *Latch) Wait() {
	for {
		s := l.state.Load()
		if s&latchOpen != 0 {
			return
		}
		if l.state.CompareAndSwap(s, s+latchOneWaiter) {
			l.sema.Acquire()
			return
		}
	}
}

// Rally is a cyclic barrier for a fixed party of goroutines. It is
// zero-value usable and may be reused once a meeting is over.
type Rally struct {
	_ noCopy
	// state: generation in the high 32 bits, arrivals in the low 32.
	state atomic.Uint64
	// Generation N waits on sema[N%2], so a fast goroutine entering the
	// next meeting cannot steal a wakeup of the previous one.
	sema [2]opt.Sema
}

// Meet blocks until parties callers have called Meet. It returns the
// arrival index; parties-1 means the caller arrived last and released
// the others. It panics if parties <= 0.
func (r *Rally) Meet(parties int) int {
	if parties <= 0 {
		panic("rhash: parties must be positive")
	}
	if parties == 1 {
		return 0
	}

	var spins int
	for {
		s := r.state.Load()
		gen := s >> 32
		arrived := uint32(s)
		if arrived == uint32(parties)-1 {
			if r.state.CompareAndSwap(s, (gen+1)<<32) {
				sema := &r.sema[gen%2]
				for range arrived {
					sema.Release()
				}
				return int(arrived)
			}
		} else if r.state.CompareAndSwap(s, s+1) {
			r.sema[gen%2].Acquire()
			return int(arrived)
		}
		delay(&spins)
	}
}

// Arrived returns the number of parties waiting in the current meeting.
func (r *Rally) Arrived() int {
	return int(uint32(r.state.Load()))
}
