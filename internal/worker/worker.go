// Package worker bridges a worker's private output buffer to the shared turn
// protocol. A Worker is driven by exactly one goroutine; only State and Stats
// may be read from elsewhere.
package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kingrea/turnstile/internal/buffer"
	"github.com/kingrea/turnstile/internal/sink"
	"github.com/kingrea/turnstile/internal/turn"
)

// DefaultPollTimeout bounds how long TryDrain waits for a turn.
const DefaultPollTimeout = time.Millisecond

// State tracks where a worker is in the drain cycle.
type State string

const (
	StateIdle     State = "idle"
	StateBuffered State = "buffered"
	StateAwaiting State = "awaiting-turn"
	StateDraining State = "draining"
	StateComplete State = "complete"
)

// DrainStatus summarizes a drain attempt.
type DrainStatus string

const (
	// NothingToDo means the buffer was empty.
	NothingToDo DrainStatus = "nothing-to-do"
	// NotMyTurn means the front unit is not active yet and nothing was written.
	NotMyTurn DrainStatus = "not-my-turn"
	// Partial means some output was written but records remain buffered.
	Partial DrainStatus = "partial"
	// Flushed means the buffer is empty after the attempt.
	Flushed DrainStatus = "flushed"
)

// DrainResult reports what a drain attempt did.
type DrainResult struct {
	Status  DrainStatus
	Written int
	Retired []turn.UnitID
}

// Stats counts worker activity.
type Stats struct {
	Appended  int `json:"appended"`
	Written   int `json:"written"`
	Retired   int `json:"retired"`
	Polls     int `json:"polls"`
	NotMyTurn int `json:"not_my_turn"`
}

// Listener receives worker progress. Implementations must be safe for use
// from several workers at once.
type Listener interface {
	RecordWritten(worker string, unit turn.UnitID, text string)
	UnitRetired(worker string, unit turn.UnitID)
	StateChanged(worker string, state State)
}

// Option customizes Worker construction.
type Option func(*Worker)

// WithPollTimeout overrides the bounded wait used by TryDrain.
func WithPollTimeout(d time.Duration) Option {
	return func(w *Worker) {
		if d >= 0 {
			w.pollTimeout = d
		}
	}
}

// WithListener attaches a progress listener.
func WithListener(l Listener) Option {
	return func(w *Worker) {
		if l != nil {
			w.listener = l
		}
	}
}

// Worker owns one output buffer and the per-unit enqueuing-done flags for the
// units assigned to it.
type Worker struct {
	name        string
	seq         *turn.Sequencer
	out         sink.Sink
	buf         *buffer.Buffer
	units       []turn.UnitID
	done        map[turn.UnitID]bool
	retired     map[turn.UnitID]bool
	current     turn.UnitID
	pollTimeout time.Duration
	listener    Listener

	mu    sync.Mutex
	state State
	stats Stats
}

// New creates a worker for units. Every unit must belong to seq's order.
// Units are processed in global order: a worker's buffer is FIFO, so output
// for a later unit queued ahead of an earlier one could never drain.
func New(name string, seq *turn.Sequencer, units []turn.UnitID, out sink.Sink, opts ...Option) (*Worker, error) {
	if seq == nil {
		return nil, turn.Configf("worker %q requires a sequencer", name)
	}
	if out == nil {
		return nil, turn.Configf("worker %q requires an output sink", name)
	}
	w := &Worker{
		name:        name,
		seq:         seq,
		out:         out,
		buf:         buffer.New(),
		done:        make(map[turn.UnitID]bool, len(units)),
		retired:     make(map[turn.UnitID]bool, len(units)),
		pollTimeout: DefaultPollTimeout,
		listener:    nopListener{},
		state:       StateIdle,
	}
	for _, unit := range units {
		if !seq.Contains(unit) {
			return nil, &turn.ConfigError{Reason: fmt.Sprintf("worker %q owns a unit outside the order", name), Unit: unit}
		}
		if _, dup := w.done[unit]; dup {
			return nil, &turn.ConfigError{Reason: fmt.Sprintf("worker %q lists a unit twice", name), Unit: unit}
		}
		w.done[unit] = false
		w.units = append(w.units, unit)
	}
	sort.SliceStable(w.units, func(i, j int) bool {
		return seq.Position(w.units[i]) < seq.Position(w.units[j])
	})
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	if len(w.units) == 0 {
		w.state = StateComplete
	}
	return w, nil
}

// Name returns the worker's name.
func (w *Worker) Name() string { return w.name }

// Units returns the units assigned to this worker, in processing order.
func (w *Worker) Units() []turn.UnitID {
	out := make([]turn.UnitID, len(w.units))
	copy(out, w.units)
	return out
}

// CurrentUnit returns the unit new output is tagged with.
func (w *Worker) CurrentUnit() turn.UnitID { return w.current }

// MarkCurrentUnit tags subsequent Emit calls with unit.
func (w *Worker) MarkCurrentUnit(unit turn.UnitID) error {
	done, ok := w.done[unit]
	if !ok {
		return turn.Violation("mark-current", w.name, unit, turn.ErrUnitNotAssigned)
	}
	if done {
		return turn.Violation("mark-current", w.name, unit, turn.ErrUnitCompleted)
	}
	w.current = unit
	return nil
}

// Emit appends text to the buffer, tagged with the current unit. It never
// blocks on the turn protocol.
func (w *Worker) Emit(text string) error {
	if w.current == "" {
		return turn.Violation("emit", w.name, "", turn.ErrNoCurrentUnit)
	}
	w.buf.Append(w.current, text)
	w.mu.Lock()
	w.stats.Appended++
	if w.state == StateIdle {
		w.state = StateBuffered
	}
	w.mu.Unlock()
	return nil
}

// Printf formats and emits one record.
func (w *Worker) Printf(format string, args ...any) error {
	return w.Emit(fmt.Sprintf(format, args...))
}

// MarkEnqueuingDone records that no more output will be appended for unit.
// Marking twice, or marking a unit owned by another worker, is a protocol
// violation.
func (w *Worker) MarkEnqueuingDone(unit turn.UnitID) error {
	done, ok := w.done[unit]
	if !ok {
		return turn.Violation("mark-done", w.name, unit, turn.ErrUnitNotAssigned)
	}
	if done {
		return turn.Violation("mark-done", w.name, unit, turn.ErrDuplicateCompletion)
	}
	w.done[unit] = true
	if w.current == unit {
		w.current = ""
	}
	if back, ok := w.buf.PeekBack(); !ok || back.Unit != unit {
		w.buf.AppendMarker(unit)
	}
	return nil
}

// IsEnqueuingDone reports the enqueuing-done flag for unit.
func (w *Worker) IsEnqueuingDone(unit turn.UnitID) bool {
	return w.done[unit]
}

// HasPending reports whether buffered output is waiting for a turn.
func (w *Worker) HasPending() bool {
	return !w.buf.IsEmpty()
}

// Complete reports whether every assigned unit was marked done and retired.
func (w *Worker) Complete() bool {
	if !w.buf.IsEmpty() {
		return false
	}
	for _, unit := range w.units {
		if !w.retired[unit] {
			return false
		}
	}
	return true
}

// TryDrain flushes whatever the turn protocol allows right now. When the front
// unit is not active within the poll timeout it returns NotMyTurn (or Partial)
// and keeps every buffered record for the next attempt.
func (w *Worker) TryDrain(ctx context.Context) (DrainResult, error) {
	return w.drain(ctx, false)
}

// DrainBlocking flushes the whole buffer, waiting as long as it takes for each
// unit's turn. Call it once production is over.
func (w *Worker) DrainBlocking(ctx context.Context) (DrainResult, error) {
	return w.drain(ctx, true)
}

func (w *Worker) drain(ctx context.Context, blocking bool) (DrainResult, error) {
	var res DrainResult
	if w.buf.IsEmpty() {
		res.Status = NothingToDo
		return res, nil
	}
	for !w.buf.IsEmpty() {
		front, _ := w.buf.PeekFront()
		unit := front.Unit
		w.setState(StateAwaiting)
		if blocking {
			if err := w.seq.WaitTurn(ctx, w.name, unit); err != nil {
				return res, err
			}
		} else {
			w.count(func(s *Stats) { s.Polls++ })
			outcome, err := w.seq.TryTurn(w.name, unit, w.pollTimeout)
			if err != nil {
				return res, err
			}
			if outcome == turn.NotYetTurn {
				w.count(func(s *Stats) { s.NotMyTurn++ })
				w.setState(StateBuffered)
				res.Status = NotMyTurn
				if res.Written > 0 || len(res.Retired) > 0 {
					res.Status = Partial
				}
				return res, nil
			}
		}
		w.setState(StateDraining)
		for n := w.buf.FrontRun(unit); n > 0; n-- {
			rec, err := w.buf.PopFront()
			if err != nil {
				return res, err
			}
			if rec.Marker {
				continue
			}
			if err := w.out.WriteLine(rec.Unit, rec.Text); err != nil {
				return res, fmt.Errorf("worker %s: write %s: %w", w.name, rec.Unit, err)
			}
			res.Written++
			w.count(func(s *Stats) { s.Written++ })
			w.listener.RecordWritten(w.name, rec.Unit, rec.Text)
		}
		if !w.done[unit] {
			// More output for this unit may still arrive.
			break
		}
		if err := w.seq.Advance(ctx, w.name, unit); err != nil {
			return res, err
		}
		w.retired[unit] = true
		res.Retired = append(res.Retired, unit)
		w.count(func(s *Stats) { s.Retired++ })
		w.listener.UnitRetired(w.name, unit)
	}
	if w.buf.IsEmpty() {
		res.Status = Flushed
	} else {
		res.Status = Partial
	}
	switch {
	case w.Complete():
		w.setState(StateComplete)
	case w.buf.IsEmpty():
		w.setState(StateIdle)
	default:
		w.setState(StateBuffered)
	}
	return res, nil
}

// State returns the worker's current drain state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Stats returns a copy of the worker's counters.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Worker) setState(state State) {
	w.mu.Lock()
	changed := w.state != state
	w.state = state
	w.mu.Unlock()
	if changed {
		w.listener.StateChanged(w.name, state)
	}
}

func (w *Worker) count(fn func(*Stats)) {
	w.mu.Lock()
	fn(&w.stats)
	w.mu.Unlock()
}

type nopListener struct{}

func (nopListener) RecordWritten(string, turn.UnitID, string) {}
func (nopListener) UnitRetired(string, turn.UnitID)           {}
func (nopListener) StateChanged(string, State)                {}
