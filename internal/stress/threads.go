package stress

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/btree"
	"github.com/llxisdsh/pb"
	"golang.org/x/sync/errgroup"

	"github.com/llxisdsh/rhash"
	"github.com/llxisdsh/rhash/internal/suite"
)

const (
	// maxRemovals bounds the removals of one worker.
	maxRemovals = 501
	// firstStep is the first removal stride; strides go down to 1.
	firstStep = 10
	// randomSteps is the length of a worker's randomized phase.
	randomSteps = 1000
	// reportLimit caps the keys listed per discrepancy.
	reportLimit = 10
)

// threadsRun is one concurrent stress run: Threads workers on disjoint
// key ranges of a shared table.
type threadsRun struct {
	cfg     Config
	c       *suite.C
	machine machine

	arena *rhash.Arena[Object]
	tbl   *rhash.Table[Key, Object]

	start rhash.Rally
	stop  rhash.Latch
	// tombstones holds every key a worker removed.
	tombstones pb.MapOf[Key, struct{}]
	workers    []*worker
}

// worker owns the records with TID == id.
type worker struct {
	id      int32
	objs    []rhash.Handle
	removed []bool
	// inserted counts the records linked in the insert phase.
	inserted int
	// relinked counts the removed records linked again.
	relinked int
	done     chan struct{}
}

func runThreads(ctx context.Context, c *suite.C, cfg Config) error {
	r := &threadsRun{cfg: cfg, c: c}
	r.machine.log = c.Logger()
	return r.run(ctx)
}

func (r *threadsRun) run(ctx context.Context) error {
	r.machine.enter(Configuring)
	entries := r.cfg.entries()
	threads := r.cfg.Threads
	opts, err := r.cfg.tableOptions(*r.c.Logger(), r.cfg.boundFor(threads*entries))
	if err != nil {
		r.machine.enter(Aborted)
		return err
	}
	r.arena = rhash.NewArena[Object](rhash.WithArenaCapacity(threads * entries))
	if r.tbl, err = rhash.NewTable(r.arena, objectKey, opts...); err != nil {
		r.machine.enter(Aborted)
		return err
	}
	r.workers = make([]*worker, threads)
	for i := range r.workers {
		r.workers[i] = &worker{
			id:      int32(i),
			objs:    make([]rhash.Handle, entries),
			removed: make([]bool, entries),
			done:    make(chan struct{}),
		}
	}

	r.machine.enter(Priming)
	var g errgroup.Group
	for _, w := range r.workers {
		g.Go(func() error {
			defer close(w.done)
			r.start.Meet(threads + 1)
			return r.work(ctx, w)
		})
	}
	r.start.Meet(threads + 1)
	r.machine.enter(Running)
	started := time.Now()

	finished := make(chan error, 1)
	go func() { finished <- g.Wait() }()

	r.machine.enter(Draining)
	timer := time.NewTimer(r.cfg.Timeout)
	defer timer.Stop()
	select {
	case <-finished:
		if err := ctx.Err(); err != nil {
			r.machine.enter(Aborted)
			return err
		}
	case <-timer.C:
		r.stop.Open()
		r.reportHung()
		r.machine.enter(Aborted)
		return fmt.Errorf("workers did not finish within %v", r.cfg.Timeout)
	case <-ctx.Done():
		r.stop.Open()
		<-finished
		r.machine.enter(Aborted)
		return ctx.Err()
	}
	relinked := 0
	for _, w := range r.workers {
		relinked += w.relinked
	}
	r.c.Logger().Info().
		Int("threads", threads).
		Int("entries", entries).
		Int("relinked", relinked).
		Dur("elapsed", time.Since(started)).
		Msg("workers finished")

	r.verify()
	r.machine.enter(Verified)
	r.tbl.Destroy(r.arena.Release)
	for _, w := range r.workers {
		for i, h := range w.objs {
			if w.removed[i] {
				r.arena.Release(h)
			}
		}
	}
	r.arena.Close()
	return nil
}

// reportHung records a failure for every worker still running.
func (r *threadsRun) reportHung() {
	for _, w := range r.workers {
		select {
		case <-w.done:
		default:
			r.c.Errorf("worker %d hung", w.id)
		}
	}
}

// stopped reports whether the worker should stop at the next safe point.
func (r *threadsRun) stopped(ctx context.Context) bool {
	return r.stop.IsOpen() || ctx.Err() != nil
}

// work inserts the worker's range, then removes records with strides 10
// down to 1, checking every lookup of the range after each stride, then
// runs a randomized phase. Failures are recorded and stop this worker
// only.
func (r *threadsRun) work(ctx context.Context, w *worker) error {
	for i := range w.objs {
		if r.stopped(ctx) {
			return nil
		}
		h := r.arena.Alloc(Object{Key: Key{ID: int32(i), TID: w.id}})
		if _, err := insertRetry(ctx, r.tbl, h, r.cfg.RetryOnAllocFailure); err != nil {
			r.arena.Release(h)
			r.c.Errorf("worker %d: insert id %d: %v", w.id, i, err)
			return err
		}
		w.objs[i] = h
		w.inserted++
	}
	if !r.lookupAll(w) {
		return nil
	}

	count := 0
	for step := firstStep; step > 0; step-- {
		for i := 0; i < len(w.objs); i += step {
			if count++; count >= maxRemovals || r.stopped(ctx) {
				break
			}
			if w.removed[i] {
				continue
			}
			if err := r.tbl.Remove(w.objs[i]); err != nil {
				r.c.Errorf("worker %d: remove id %d: %v", w.id, i, err)
				return err
			}
			w.removed[i] = true
			r.tombstones.Store(Key{ID: int32(i), TID: w.id}, struct{}{})
		}
		if !r.lookupAll(w) {
			return nil
		}
	}
	return r.shuffle(ctx, w)
}

// shuffle picks random records of the worker's range: a removed one is
// linked again, a linked one is removed. Each step is checked by a lookup
// of the key, the whole range once at the end.
func (r *threadsRun) shuffle(ctx context.Context, w *worker) error {
	rng := r.cfg.rng(uint64(w.id))
	for range randomSteps {
		if r.stopped(ctx) {
			return nil
		}
		i := rng.IntN(w.inserted)
		key := Key{ID: int32(i), TID: w.id}
		if w.removed[i] {
			if _, err := insertRetry(ctx, r.tbl, w.objs[i], r.cfg.RetryOnAllocFailure); err != nil {
				r.c.Errorf("worker %d: reinsert id %d: %v", w.id, i, err)
				return err
			}
			w.removed[i] = false
			w.relinked++
			r.tombstones.Delete(key)
		} else {
			if err := r.tbl.Remove(w.objs[i]); err != nil {
				r.c.Errorf("worker %d: remove id %d: %v", w.id, i, err)
				return err
			}
			w.removed[i] = true
			r.tombstones.Store(key, struct{}{})
		}
		if !r.lookupOne(w, i) {
			return nil
		}
	}
	r.lookupAll(w)
	return nil
}

// lookupAll checks the worker's range: removed records are absent, every
// other record is found holding its own key.
func (r *threadsRun) lookupAll(w *worker) bool {
	ok := true
	for i := range w.objs {
		ok = r.lookupOne(w, i) && ok
	}
	return ok
}

func (r *threadsRun) lookupOne(w *worker, i int) bool {
	errs := 0
	key := Key{ID: int32(i), TID: w.id}
	found := r.tbl.LookupFunc(key, func(_ rhash.Handle, o *Object) {
		if o.Key != key {
			r.c.Errorf("worker %d: lookup of %v returned %v", w.id, key, o.Key)
			errs++
		}
	})
	if found == w.removed[i] {
		r.c.Errorf("worker %d: lookup of %v: found=%v after removed=%v", w.id, key, found, w.removed[i])
		errs++
	}
	return errs == 0
}

// verify checks the global invariants once every worker finished.
func (r *threadsRun) verify() {
	survivors := btree.NewG[Key](16, keyLess)
	for _, w := range r.workers {
		for i := range w.inserted {
			if !w.removed[i] {
				survivors.ReplaceOrInsert(Key{ID: int32(i), TID: w.id})
			}
		}
	}
	r.c.Expect(r.tbl.Len() == survivors.Len(),
		"live count %d, want %d survivors", r.tbl.Len(), survivors.Len())

	var dangling []Key
	r.tombstones.Range(func(k Key, _ struct{}) bool {
		if _, ok := r.tbl.Lookup(k); ok {
			dangling = append(dangling, k)
		}
		return true
	})
	slices.SortFunc(dangling, keyCompare)
	r.c.Expect(len(dangling) == 0, "%d removed keys still found: %v", len(dangling), firstKeys(dangling))

	var missing []Key
	survivors.Ascend(func(k Key) bool {
		if _, ok := r.tbl.Lookup(k); !ok {
			missing = append(missing, k)
		}
		return true
	})
	r.c.Expect(len(missing) == 0, "%d surviving keys not found: %v", len(missing), firstKeys(missing))

	walked := btree.NewG[Key](16, keyLess)
	w := r.tbl.Walk()
	defer w.Close()
	if err := w.Start(); err != nil {
		r.c.Errorf("walk start: %v", err)
		return
	}
	for {
		h, err := w.Next()
		if err != nil {
			r.c.Errorf("walk of a quiescent table: %v", err)
			break
		}
		if h == 0 {
			break
		}
		if _, dup := walked.ReplaceOrInsert(r.arena.Get(h).Key); dup {
			r.c.Errorf("walk returned %v twice", r.arena.Get(h).Key)
		}
	}
	w.Stop()
	var extra []Key
	walked.Ascend(func(k Key) bool {
		if !survivors.Has(k) {
			extra = append(extra, k)
		}
		return true
	})
	r.c.Expect(len(extra) == 0 && walked.Len() == survivors.Len(),
		"walk returned %d keys for %d survivors, unexpected: %v", walked.Len(), survivors.Len(), firstKeys(extra))
}

func firstKeys(keys []Key) []Key {
	return keys[:min(len(keys), reportLimit)]
}
