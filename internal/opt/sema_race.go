//go:build race

package opt

import "sync"

// Sema is a counting semaphore. The zero value has no permits. Under the
// race detector it is built on sync so waits carry happens-before edges.
type Sema struct {
	mu      sync.Mutex
	cond    *sync.Cond
	permits uint32
}

// Acquire blocks until a permit is available and takes it.
func (s *Sema) Acquire() {
	s.mu.Lock()
	for s.permits == 0 {
		if s.cond == nil {
			s.cond = sync.NewCond(&s.mu)
		}
		s.cond.Wait()
	}
	s.permits--
	s.mu.Unlock()
}

// TryAcquire takes a permit if one is available.
func (s *Sema) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.permits == 0 {
		return false
	}
	s.permits--
	return true
}

// Release adds a permit and wakes one waiter.
func (s *Sema) Release() {
	s.mu.Lock()
	s.permits++
	if s.cond != nil {
		s.cond.Signal()
	}
	s.mu.Unlock()
}
