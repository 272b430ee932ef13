package turn

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// UnitID names one unit of work, typically an archive file name.
type UnitID string

// Outcome is the result of a bounded wait for a turn.
type Outcome int

const (
	// NotYetTurn means the bounded wait expired before the unit became active.
	NotYetTurn Outcome = iota
	// Granted means the unit is the active one.
	Granted
)

func (o Outcome) String() string {
	if o == Granted {
		return "granted"
	}
	return "not-yet-turn"
}

// Observer receives protocol transitions. Implementations must not call back
// into the Sequencer.
type Observer interface {
	// TurnWaiting fires when a blocking wait has to park because another unit
	// is active.
	TurnWaiting(worker string, unit, active UnitID)
	TurnGranted(worker string, unit UnitID)
	// TurnAdvanced fires after unit retired; next is empty when done is true.
	TurnAdvanced(worker string, unit, next UnitID, done bool)
}

// Option customizes Sequencer construction.
type Option func(*Sequencer)

// WithObserver attaches an observer for protocol transitions.
func WithObserver(o Observer) Option {
	return func(s *Sequencer) {
		if o != nil {
			s.observer = o
		}
	}
}

// Sequencer is the single source of truth for whose turn it is. The cursor
// and the wake channel only change under mu; every advance closes the current
// wake channel so all parked waiters re-check the cursor.
type Sequencer struct {
	mu       sync.Mutex
	order    []UnitID
	index    map[UnitID]int
	cursor   int
	wake     chan struct{}
	observer Observer
}

// New builds a Sequencer over units sorted lexicographically, the order
// archives are listed in.
func New(units []UnitID, opts ...Option) (*Sequencer, error) {
	sorted := make([]UnitID, len(units))
	copy(sorted, units)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return NewOrdered(sorted, opts...)
}

// NewOrdered builds a Sequencer that honors units exactly as given.
func NewOrdered(units []UnitID, opts ...Option) (*Sequencer, error) {
	if len(units) == 0 {
		return nil, Configf("a total order must be non-empty")
	}
	s := &Sequencer{
		order:    make([]UnitID, 0, len(units)),
		index:    make(map[UnitID]int, len(units)),
		wake:     make(chan struct{}),
		observer: nopObserver{},
	}
	for _, unit := range units {
		if strings.TrimSpace(string(unit)) == "" {
			return nil, Configf("unit names must be non-empty")
		}
		if _, dup := s.index[unit]; dup {
			return nil, &ConfigError{Reason: "unit listed twice in order", Unit: unit}
		}
		s.index[unit] = len(s.order)
		s.order = append(s.order, unit)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Order returns a copy of the global order.
func (s *Sequencer) Order() []UnitID {
	out := make([]UnitID, len(s.order))
	copy(out, s.order)
	return out
}

// Contains reports whether unit is part of the global order.
func (s *Sequencer) Contains(unit UnitID) bool {
	_, ok := s.index[unit]
	return ok
}

// Position returns unit's index in the order, or -1 when unknown.
func (s *Sequencer) Position(unit UnitID) int {
	pos, ok := s.index[unit]
	if !ok {
		return -1
	}
	return pos
}

// Active returns the unit currently allowed to write. ok is false once every
// unit has retired.
func (s *Sequencer) Active() (UnitID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursor >= len(s.order) {
		return "", false
	}
	return s.order[s.cursor], true
}

// Done reports whether the whole order has been retired.
func (s *Sequencer) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor >= len(s.order)
}

// WaitTurn blocks until unit is active or ctx ends.
func (s *Sequencer) WaitTurn(ctx context.Context, worker string, unit UnitID) error {
	_, err := s.wait(ctx, worker, unit, nil, true)
	return err
}

// TryTurn waits at most timeout for unit to become active. Expiry is reported
// as NotYetTurn with a nil error; callers retry later. A timeout <= 0 polls.
func (s *Sequencer) TryTurn(worker string, unit UnitID, timeout time.Duration) (Outcome, error) {
	if timeout <= 0 {
		return s.wait(context.Background(), worker, unit, closedDeadline, false)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	return s.wait(context.Background(), worker, unit, timer.C, false)
}

// Advance retires unit and hands the turn to the next unit in order. It waits
// for the unit's turn first, so calling it early blocks; calling it for a
// unit that already retired is a protocol violation.
func (s *Sequencer) Advance(ctx context.Context, worker string, unit UnitID) error {
	if err := s.WaitTurn(ctx, worker, unit); err != nil {
		return err
	}
	s.mu.Lock()
	if s.cursor >= len(s.order) || s.order[s.cursor] != unit {
		s.mu.Unlock()
		return Violation("advance", worker, unit, ErrTurnRetired)
	}
	s.cursor++
	var next UnitID
	done := s.cursor >= len(s.order)
	if !done {
		next = s.order[s.cursor]
	}
	close(s.wake)
	s.wake = make(chan struct{})
	s.mu.Unlock()
	s.observer.TurnAdvanced(worker, unit, next, done)
	return nil
}

func (s *Sequencer) wait(ctx context.Context, worker string, unit UnitID, deadline <-chan time.Time, blocking bool) (Outcome, error) {
	pos, ok := s.index[unit]
	if !ok {
		return NotYetTurn, Violation("wait", worker, unit, ErrUnknownUnit)
	}
	announced := false
	for {
		s.mu.Lock()
		cursor := s.cursor
		wake := s.wake
		var active UnitID
		if cursor < len(s.order) {
			active = s.order[cursor]
		}
		s.mu.Unlock()
		switch {
		case pos < cursor:
			return NotYetTurn, Violation("wait", worker, unit, ErrTurnRetired)
		case pos == cursor:
			s.observer.TurnGranted(worker, unit)
			return Granted, nil
		}
		if blocking && !announced {
			s.observer.TurnWaiting(worker, unit, active)
			announced = true
		}
		select {
		case <-wake:
		case <-deadline:
			return NotYetTurn, nil
		case <-ctx.Done():
			return NotYetTurn, ctx.Err()
		}
	}
}

// Snapshot is a point-in-time view of the order for observers.
type Snapshot struct {
	Active    UnitID   `json:"active,omitempty"`
	Done      bool     `json:"done"`
	Retired   []UnitID `json:"retired"`
	Remaining []UnitID `json:"remaining"`
	Total     int      `json:"total"`
}

// Snapshot copies the current protocol state.
func (s *Sequencer) Snapshot() Snapshot {
	s.mu.Lock()
	cursor := s.cursor
	s.mu.Unlock()
	snap := Snapshot{Total: len(s.order), Done: cursor >= len(s.order)}
	snap.Retired = append([]UnitID{}, s.order[:cursor]...)
	if !snap.Done {
		snap.Active = s.order[cursor]
		snap.Remaining = append([]UnitID{}, s.order[cursor+1:]...)
	} else {
		snap.Remaining = []UnitID{}
	}
	return snap
}

var closedDeadline = func() <-chan time.Time {
	ch := make(chan time.Time)
	close(ch)
	return ch
}()

type nopObserver struct{}

func (nopObserver) TurnWaiting(string, UnitID, UnitID)        {}
func (nopObserver) TurnGranted(string, UnitID)                {}
func (nopObserver) TurnAdvanced(string, UnitID, UnitID, bool) {}
