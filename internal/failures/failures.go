// Package failures collects errors reported by the work itself (a corrupt
// archive, a failed script) as opposed to turn protocol errors. Any number of
// workers may add to a Queue concurrently.
package failures

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kingrea/turnstile/internal/turn"
)

// Failure is one reported problem.
type Failure struct {
	Worker string
	Unit   turn.UnitID
	Err    error
	At     time.Time
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s (%s): %v", f.Unit, f.Worker, f.Err)
}

func (f Failure) Unwrap() error { return f.Err }

// Queue is an append-only, multi-producer failure list.
type Queue struct {
	mu    sync.Mutex
	items []Failure
	clock func() time.Time
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{clock: time.Now}
}

// Add records a failure. A nil err is ignored.
func (q *Queue) Add(worker string, unit turn.UnitID, err error) {
	if q == nil || err == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now
	if q.clock != nil {
		now = q.clock
	}
	q.items = append(q.items, Failure{Worker: worker, Unit: unit, Err: err, At: now().UTC()})
}

// Len returns the number of recorded failures.
func (q *Queue) Len() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot copies the failures recorded so far.
func (q *Queue) Snapshot() []Failure {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Failure, len(q.items))
	copy(out, q.items)
	return out
}

// Err joins every failure, or returns nil when there are none.
func (q *Queue) Err() error {
	items := q.Snapshot()
	if len(items) == 0 {
		return nil
	}
	errs := make([]error, len(items))
	for i, f := range items {
		errs[i] = f
	}
	return errors.Join(errs...)
}
