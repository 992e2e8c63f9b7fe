package rhash

import (
	"sync"
	"sync/atomic"

	"github.com/llxisdsh/rhash/internal/opt"
)

// Domain is a deferred-reclamation domain: an epoch scheme with
// wait-free read sections and grace periods.
//
// Readers bracket every traversal with ReadLock/ReadUnlock. A writer that
// unlinks memory hands its cleanup to Defer; the cleanup runs after every
// read section that might still observe the memory has ended.
//
// The zero value is ready to use. A Domain must not be copied after first
// use.
type Domain struct {
	_ noCopy
	// phase selects the reader counter new read sections register with.
	phase   atomic.Uint64
	readers [2]opt.Counter_
	// syncMu serializes grace periods.
	syncMu sync.Mutex

	mu       sync.Mutex
	pending  []func()
	queued   uint64 // tickets handed out by Defer, guarded by mu
	running  bool   // reclaimer goroutine active, guarded by mu
	done     progress
	graces   atomic.Uint64
	executed atomic.Uint64
}

// ReadToken identifies the reader counter a read section registered with.
type ReadToken uint8

// ReadLock enters a read section. It never blocks. Read sections may nest
// and may be held across goroutine switches, but Synchronize must not be
// called from inside one.
func (d *Domain) ReadLock() ReadToken {
	for {
		p := d.phase.Load()
		c := &d.readers[p&1].N
		c.Add(1)
		// A flip between the load and the increment would leave this reader
		// counted under a phase the grace period no longer waits for.
		if d.phase.Load() == p {
			return ReadToken(p & 1)
		}
		c.Add(-1)
	}
}

// ReadUnlock leaves the read section entered by the matching ReadLock.
func (d *Domain) ReadUnlock(tok ReadToken) {
	if d.readers[tok&1].N.Add(-1) < 0 {
		panic("rhash: unbalanced ReadUnlock")
	}
}

// Synchronize waits for a grace period: every read section that was
// active when it was called has ended when it returns.
func (d *Domain) Synchronize() {
	d.syncMu.Lock()
	p := d.phase.Add(1) - 1
	c := &d.readers[p&1].N
	var spins int
	for c.Load() != 0 {
		delay(&spins)
	}
	d.graces.Add(1)
	d.syncMu.Unlock()
}

// Defer queues fn to run after a grace period. It never blocks and may be
// called from inside a read section. Callbacks run on a reclaimer
// goroutine, in queue order.
func (d *Domain) Defer(fn func()) {
	d.mu.Lock()
	d.pending = append(d.pending, fn)
	d.queued++
	if !d.running {
		d.running = true
		go d.reclaim()
	}
	d.mu.Unlock()
}

// Barrier waits until every callback queued by Defer before the call has
// run. It must not be called from inside a read section.
func (d *Domain) Barrier() {
	d.mu.Lock()
	ticket := d.queued
	d.mu.Unlock()
	d.done.WaitAtLeast(ticket)
}

// Close drains the domain. The reclaimer goroutine exits on its own once
// the queue is empty; Close only waits for that point.
func (d *Domain) Close() {
	d.Barrier()
}

// Pending returns the number of callbacks queued and not yet run.
func (d *Domain) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int(d.queued - d.done.Current())
}

// Stats returns the number of grace periods elapsed and deferred
// callbacks executed.
func (d *Domain) Stats() (graces, executed uint64) {
	return d.graces.Load(), d.executed.Load()
}

func (d *Domain) reclaim() {
	for {
		d.mu.Lock()
		batch := d.pending
		d.pending = nil
		upto := d.queued
		if len(batch) == 0 {
			d.running = false
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()

		d.Synchronize()
		for _, fn := range batch {
			fn()
		}
		d.executed.Add(uint64(len(batch)))
		d.done.Advance(upto)
	}
}

// progress is a monotonically increasing counter with "wait for target"
// semantics. Waiters are kept in an ordered list and only those whose
// target is met are woken.
type progress struct {
	state atomic.Uint64
	mu    sync.Mutex
	head  *progressWaiter
	tail  *progressWaiter
}

type progressWaiter struct {
	target uint64
	sema   opt.Sema
	// next is protected by progress.mu
	next *progressWaiter
}

// Current returns the counter value.
func (p *progress) Current() uint64 {
	return p.state.Load()
}

// Advance raises the counter to v and wakes waiters whose target is met.
// Values lower than the current one are ignored.
func (p *progress) Advance(v uint64) {
	for {
		cur := p.state.Load()
		if v <= cur {
			return
		}
		if p.state.CompareAndSwap(cur, v) {
			break
		}
	}

	p.mu.Lock()
	var prev *progressWaiter
	curr := p.head
	for curr != nil {
		next := curr.next
		if curr.target <= v {
			if prev == nil {
				p.head = next
			} else {
				prev.next = next
			}
			if curr == p.tail {
				p.tail = prev
			}
			curr.sema.Release()
		} else {
			prev = curr
		}
		curr = next
	}
	p.mu.Unlock()
}

// WaitAtLeast blocks until the counter reaches target.
func (p *progress) WaitAtLeast(target uint64) {
	if p.state.Load() >= target {
		return
	}

	p.mu.Lock()
	if p.state.Load() >= target {
		p.mu.Unlock()
		return
	}
	w := &progressWaiter{target: target}
	if p.tail == nil {
		p.head = w
	} else {
		p.tail.next = w
	}
	p.tail = w
	p.mu.Unlock()

	w.sema.Acquire()
}
