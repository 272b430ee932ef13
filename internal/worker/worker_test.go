package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kingrea/turnstile/internal/sink"
	"github.com/kingrea/turnstile/internal/turn"
)

func newSequencer(t *testing.T, units ...turn.UnitID) *turn.Sequencer {
	t.Helper()
	seq, err := turn.New(units)
	if err != nil {
		t.Fatalf("new sequencer: %v", err)
	}
	return seq
}

func newWorker(t *testing.T, name string, seq *turn.Sequencer, out sink.Sink, units ...turn.UnitID) *Worker {
	t.Helper()
	w, err := New(name, seq, units, out)
	if err != nil {
		t.Fatalf("new worker %s: %v", name, err)
	}
	return w
}

func texts(lines []sink.Line) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.Text
	}
	return out
}

func TestTryDrainOnEmptyBufferIsNoOp(t *testing.T) {
	seq := newSequencer(t, "a")
	mem := sink.NewMemory()
	w := newWorker(t, "w1", seq, mem, "a")
	for i := 0; i < 3; i++ {
		res, err := w.TryDrain(context.Background())
		if err != nil {
			t.Fatalf("try drain: %v", err)
		}
		if res.Status != NothingToDo || res.Written != 0 {
			t.Fatalf("unexpected result %+v", res)
		}
	}
	if active, _ := seq.Active(); active != "a" {
		t.Fatalf("empty drain moved the turn to %q", active)
	}
}

func TestDuplicateMarkEnqueuingDoneIsViolation(t *testing.T) {
	seq := newSequencer(t, "a")
	w := newWorker(t, "w1", seq, sink.NewMemory(), "a")
	if err := w.MarkEnqueuingDone("a"); err != nil {
		t.Fatalf("first mark: %v", err)
	}
	err := w.MarkEnqueuingDone("a")
	if !errors.Is(err, turn.ErrProtocolViolation) || !errors.Is(err, turn.ErrDuplicateCompletion) {
		t.Fatalf("expected duplicate completion violation, got %v", err)
	}
}

func TestUnassignedUnitIsViolation(t *testing.T) {
	seq := newSequencer(t, "a", "b")
	w := newWorker(t, "w1", seq, sink.NewMemory(), "a")
	if err := w.MarkEnqueuingDone("b"); !errors.Is(err, turn.ErrUnitNotAssigned) {
		t.Fatalf("mark done: expected not assigned, got %v", err)
	}
	if err := w.MarkCurrentUnit("b"); !errors.Is(err, turn.ErrUnitNotAssigned) {
		t.Fatalf("mark current: expected not assigned, got %v", err)
	}
}

func TestEmitRequiresCurrentUnit(t *testing.T) {
	seq := newSequencer(t, "a")
	w := newWorker(t, "w1", seq, sink.NewMemory(), "a")
	if err := w.Emit("orphan"); !errors.Is(err, turn.ErrNoCurrentUnit) {
		t.Fatalf("expected no current unit, got %v", err)
	}
	_ = w.MarkCurrentUnit("a")
	if w.CurrentUnit() != "a" || w.IsEnqueuingDone("a") {
		t.Fatalf("current=%q done=%v after mark current", w.CurrentUnit(), w.IsEnqueuingDone("a"))
	}
	if err := w.Emit("ok"); err != nil {
		t.Fatalf("emit: %v", err)
	}
	_ = w.MarkEnqueuingDone("a")
	if w.CurrentUnit() != "" || !w.IsEnqueuingDone("a") {
		t.Fatalf("marking done must clear the current unit and set the flag")
	}
	if err := w.Emit("late"); !errors.Is(err, turn.ErrProtocolViolation) {
		t.Fatalf("emit after done: expected violation, got %v", err)
	}
	if err := w.MarkCurrentUnit("a"); !errors.Is(err, turn.ErrUnitCompleted) {
		t.Fatalf("re-marking a done unit current: expected violation, got %v", err)
	}
}

func TestNewRejectsUnitOutsideOrder(t *testing.T) {
	seq := newSequencer(t, "a")
	if _, err := New("w1", seq, []turn.UnitID{"zz"}, sink.NewMemory()); !errors.Is(err, turn.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestTryDrainKeepsRecordsWhenNotMyTurn(t *testing.T) {
	seq := newSequencer(t, "a", "b")
	mem := sink.NewMemory()
	w := newWorker(t, "w2", seq, mem, "b")
	_ = w.MarkCurrentUnit("b")
	_ = w.Emit("b1")
	_ = w.MarkEnqueuingDone("b")
	res, err := w.TryDrain(context.Background())
	if err != nil {
		t.Fatalf("try drain: %v", err)
	}
	if res.Status != NotMyTurn {
		t.Fatalf("status = %s, want not-my-turn", res.Status)
	}
	if !w.HasPending() || len(mem.Lines()) != 0 {
		t.Fatalf("records must stay buffered until the turn arrives")
	}
	if err := seq.Advance(context.Background(), "other", "a"); err != nil {
		t.Fatalf("advance a: %v", err)
	}
	res, err = w.TryDrain(context.Background())
	if err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if res.Status != Flushed || res.Written != 1 || len(res.Retired) != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if !seq.Done() || !w.Complete() || w.State() != StateComplete {
		t.Fatalf("expected the worker and order to be complete")
	}
}

func TestOpenUnitStopsDrainWithoutAdvancing(t *testing.T) {
	seq := newSequencer(t, "a", "b")
	mem := sink.NewMemory()
	w := newWorker(t, "w1", seq, mem, "a")
	_ = w.MarkCurrentUnit("a")
	_ = w.Emit("a1")
	res, err := w.TryDrain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Written != 1 || len(res.Retired) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if active, _ := seq.Active(); active != "a" {
		t.Fatalf("open unit must keep the turn, active = %q", active)
	}
	// Everything already flushed; marking done must still retire the unit.
	_ = w.MarkEnqueuingDone("a")
	res, err = w.TryDrain(context.Background())
	if err != nil {
		t.Fatalf("drain after done: %v", err)
	}
	if len(res.Retired) != 1 || res.Written != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if active, _ := seq.Active(); active != "b" {
		t.Fatalf("active = %q, want b", active)
	}
}

func TestUnitWithoutOutputStillRetires(t *testing.T) {
	seq := newSequencer(t, "a", "b")
	mem := sink.NewMemory()
	w := newWorker(t, "w1", seq, mem, "a", "b")
	_ = w.MarkCurrentUnit("a")
	_ = w.MarkEnqueuingDone("a")
	_ = w.MarkCurrentUnit("b")
	_ = w.Emit("b1")
	_ = w.MarkEnqueuingDone("b")
	res, err := w.DrainBlocking(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Written != 1 || len(res.Retired) != 2 || !seq.Done() {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestZeroUnitWorkerIsComplete(t *testing.T) {
	seq := newSequencer(t, "a")
	w := newWorker(t, "idle", seq, sink.NewMemory())
	if !w.Complete() || w.State() != StateComplete {
		t.Fatalf("worker without units should start complete")
	}
	res, err := w.DrainBlocking(context.Background())
	if err != nil || res.Status != NothingToDo {
		t.Fatalf("drain = %+v, %v", res, err)
	}
}

// GlobalOrder [A,B,C]; W1 owns A and C and is slow on A; W2 owns B and is done
// almost immediately. B's line must still follow all of A's lines.
func TestFastWorkerWaitsForSlowerUnit(t *testing.T) {
	seq := newSequencer(t, "A", "B", "C")
	mem := sink.NewMemory()
	w1 := newWorker(t, "w1", seq, mem, "A", "C")
	w2 := newWorker(t, "w2", seq, mem, "B")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w2Enqueued := make(chan struct{})
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = w2.MarkCurrentUnit("B")
		_ = w2.Emit("b1")
		_ = w2.MarkEnqueuingDone("B")
		close(w2Enqueued)
		if _, err := w2.TryDrain(ctx); err != nil {
			errs <- err
			return
		}
		if _, err := w2.DrainBlocking(ctx); err != nil {
			errs <- err
		}
	}()
	go func() {
		defer wg.Done()
		<-w2Enqueued
		_ = w1.MarkCurrentUnit("A")
		for _, line := range []string{"a1", "a2", "a3"} {
			time.Sleep(2 * time.Millisecond)
			_ = w1.Emit(line)
			if _, err := w1.TryDrain(ctx); err != nil {
				errs <- err
				return
			}
		}
		_ = w1.MarkEnqueuingDone("A")
		_ = w1.MarkCurrentUnit("C")
		_ = w1.Emit("c1")
		_ = w1.MarkEnqueuingDone("C")
		if _, err := w1.DrainBlocking(ctx); err != nil {
			errs <- err
		}
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("worker error: %v", err)
	}
	got := texts(mem.Lines())
	want := []string{"a1", "a2", "a3", "b1", "c1"}
	if len(got) != len(want) {
		t.Fatalf("output = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("output = %v, want %v", got, want)
		}
	}
	if w2.Stats().NotMyTurn == 0 {
		t.Fatalf("expected w2 to observe at least one not-my-turn poll")
	}
}

type countingListener struct {
	mu      sync.Mutex
	written int
	retired []turn.UnitID
}

func (c *countingListener) RecordWritten(string, turn.UnitID, string) {
	c.mu.Lock()
	c.written++
	c.mu.Unlock()
}

func (c *countingListener) UnitRetired(_ string, unit turn.UnitID) {
	c.mu.Lock()
	c.retired = append(c.retired, unit)
	c.mu.Unlock()
}

func (c *countingListener) StateChanged(string, State) {}

func TestListenerSeesWritesAndRetirements(t *testing.T) {
	seq := newSequencer(t, "a")
	l := &countingListener{}
	w, err := New("w1", seq, []turn.UnitID{"a"}, sink.NewMemory(), WithListener(l), WithPollTimeout(0))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_ = w.MarkCurrentUnit("a")
	_ = w.Printf("line %d", 1)
	_ = w.Printf("line %d", 2)
	_ = w.MarkEnqueuingDone("a")
	if _, err := w.TryDrain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if l.written != 2 || len(l.retired) != 1 {
		t.Fatalf("listener saw %d writes, %v retired", l.written, l.retired)
	}
}

func TestSinkErrorPropagates(t *testing.T) {
	seq := newSequencer(t, "a")
	boom := errors.New("disk full")
	w := newWorker(t, "w1", seq, sink.Func(func(turn.UnitID, string) error { return boom }), "a")
	_ = w.MarkCurrentUnit("a")
	_ = w.Emit("x")
	if _, err := w.TryDrain(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected sink error, got %v", err)
	}
}

func TestUnitsFollowGlobalOrder(t *testing.T) {
	seq := newSequencer(t, "a", "b", "c")
	w := newWorker(t, "w1", seq, sink.NewMemory(), "c", "a")
	units := w.Units()
	if len(units) != 2 || units[0] != "a" || units[1] != "c" {
		t.Fatalf("units = %v, want [a c]", units)
	}
}
