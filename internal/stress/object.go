package stress

import (
	"cmp"
	"context"
	"errors"
	"fmt"

	"github.com/llxisdsh/rhash"
)

// Key identifies a record: a value id and the id of the worker that owns
// it.
type Key struct {
	ID  int32
	TID int32
}

func (k Key) String() string {
	return fmt.Sprintf("{id=%d tid=%d}", k.ID, k.TID)
}

// keyCompare orders keys by worker, then by id.
func keyCompare(a, b Key) int {
	if c := cmp.Compare(a.TID, b.TID); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

func keyLess(a, b Key) bool {
	return keyCompare(a, b) < 0
}

// Object is the record the checks link into tables.
type Object struct {
	Key Key
}

func objectKey(o *Object) Key { return o.Key }

// idHash puts every id into bucket id % 10, so ids 1, 11 and 21 collide.
func idHash(k Key, _ uintptr) uintptr {
	return uintptr(k.ID % 10)
}

// idEqual compares ids only.
func idEqual(a, b Key) bool {
	return a.ID == b.ID
}

type inserter interface {
	Insert(h rhash.Handle) error
}

// insertRetry inserts h. With retry set, transient failures are retried
// until the insert succeeds or ctx is done. It returns the number of
// retries.
func insertRetry(ctx context.Context, t inserter, h rhash.Handle, retry bool) (int, error) {
	for retries := 0; ; retries++ {
		err := t.Insert(h)
		if err == nil || !retry || !errors.Is(err, rhash.ErrTransient) {
			return retries, err
		}
		if err := ctx.Err(); err != nil {
			return retries, err
		}
	}
}

// walkCount walks w to the end and returns the number of entries of the
// last complete pass.
func walkCount[K comparable, T any](w *rhash.Walker[K, T]) (int, error) {
	defer w.Close()
	n := 0
	if err := w.Start(); err != nil && !errors.Is(err, rhash.ErrCursorInvalidated) {
		return 0, err
	}
	defer w.Stop()
	for {
		h, err := w.Next()
		if errors.Is(err, rhash.ErrCursorInvalidated) {
			n = 0
			continue
		}
		if err != nil {
			return n, err
		}
		if h == 0 {
			return n, nil
		}
		n++
	}
}
