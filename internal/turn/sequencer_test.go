package turn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestNewRejectsEmptyOrder(t *testing.T) {
	_, err := New(nil)
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestNewRejectsDuplicateUnits(t *testing.T) {
	_, err := New([]UnitID{"a.tar", "b.tar", "a.tar"})
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) || cfgErr.Unit != "a.tar" {
		t.Fatalf("expected ConfigError naming a.tar, got %#v", err)
	}
}

func TestNewSortsOrder(t *testing.T) {
	seq, err := New([]UnitID{"07.tar", "00.tar", "03.tar"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	got := seq.Order()
	want := []UnitID{"00.tar", "03.tar", "07.tar"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
	if active, ok := seq.Active(); !ok || active != "00.tar" {
		t.Fatalf("active = %q (%v), want 00.tar", active, ok)
	}
}

func TestNewOrderedKeepsCallerOrder(t *testing.T) {
	seq, err := NewOrdered([]UnitID{"c", "a", "b"})
	if err != nil {
		t.Fatalf("new ordered: %v", err)
	}
	if active, _ := seq.Active(); active != "c" {
		t.Fatalf("active = %q, want c", active)
	}
}

func TestTryTurnReportsNotYetTurn(t *testing.T) {
	seq, _ := New([]UnitID{"a", "b"})
	outcome, err := seq.TryTurn("w1", "b", 0)
	if err != nil {
		t.Fatalf("try turn: %v", err)
	}
	if outcome != NotYetTurn {
		t.Fatalf("outcome = %s, want not-yet-turn", outcome)
	}
	outcome, err = seq.TryTurn("w1", "b", 5*time.Millisecond)
	if err != nil || outcome != NotYetTurn {
		t.Fatalf("bounded wait = %s, %v; want not-yet-turn, nil", outcome, err)
	}
	outcome, err = seq.TryTurn("w1", "a", 0)
	if err != nil || outcome != Granted {
		t.Fatalf("active unit = %s, %v; want granted", outcome, err)
	}
}

func TestAdvanceWalksOrderToTerminal(t *testing.T) {
	seq, _ := New([]UnitID{"a", "b", "c"})
	ctx := context.Background()
	for _, unit := range []UnitID{"a", "b", "c"} {
		if err := seq.Advance(ctx, "w", unit); err != nil {
			t.Fatalf("advance %s: %v", unit, err)
		}
	}
	if !seq.Done() {
		t.Fatalf("expected sequencer to be done")
	}
	if _, ok := seq.Active(); ok {
		t.Fatalf("expected no active unit after the last advance")
	}
	snap := seq.Snapshot()
	if len(snap.Retired) != 3 || len(snap.Remaining) != 0 || !snap.Done {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestAdvanceRetiredUnitIsViolation(t *testing.T) {
	seq, _ := New([]UnitID{"a", "b"})
	ctx := context.Background()
	if err := seq.Advance(ctx, "w", "a"); err != nil {
		t.Fatalf("advance a: %v", err)
	}
	err := seq.Advance(ctx, "w", "a")
	if !errors.Is(err, ErrProtocolViolation) || !errors.Is(err, ErrTurnRetired) {
		t.Fatalf("expected retired violation, got %v", err)
	}
	if active, _ := seq.Active(); active != "b" {
		t.Fatalf("violation must not move the turn, active = %q", active)
	}
}

func TestUnknownUnitIsViolation(t *testing.T) {
	seq, _ := New([]UnitID{"a"})
	if _, err := seq.TryTurn("w", "zz", 0); !errors.Is(err, ErrUnknownUnit) {
		t.Fatalf("expected unknown unit, got %v", err)
	}
	if err := seq.WaitTurn(context.Background(), "w", "zz"); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected violation, got %v", err)
	}
}

func TestWaitTurnHonorsContext(t *testing.T) {
	seq, _ := New([]UnitID{"a", "b"})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := seq.WaitTurn(ctx, "w", "b"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestAdvanceWakesEveryWaiter(t *testing.T) {
	units := []UnitID{"a", "b", "c", "d"}
	seq, _ := New(units)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var mu sync.Mutex
	var retired []UnitID
	var wg sync.WaitGroup
	// Start waiters in reverse so arrival order cannot explain the result.
	for i := len(units) - 1; i >= 0; i-- {
		unit := units[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := seq.WaitTurn(ctx, "w-"+string(unit), unit); err != nil {
				t.Errorf("wait %s: %v", unit, err)
				return
			}
			mu.Lock()
			retired = append(retired, unit)
			mu.Unlock()
			if err := seq.Advance(ctx, "w-"+string(unit), unit); err != nil {
				t.Errorf("advance %s: %v", unit, err)
			}
		}()
	}
	wg.Wait()
	if len(retired) != len(units) {
		t.Fatalf("retired %v, want %v", retired, units)
	}
	for i := range units {
		if retired[i] != units[i] {
			t.Fatalf("retire order = %v, want %v", retired, units)
		}
	}
}

type recordingObserver struct {
	mu       sync.Mutex
	waiting  int
	granted  []UnitID
	advanced []UnitID
}

func (r *recordingObserver) TurnWaiting(string, UnitID, UnitID) {
	r.mu.Lock()
	r.waiting++
	r.mu.Unlock()
}

func (r *recordingObserver) TurnGranted(_ string, unit UnitID) {
	r.mu.Lock()
	r.granted = append(r.granted, unit)
	r.mu.Unlock()
}

func (r *recordingObserver) TurnAdvanced(_ string, unit, _ UnitID, _ bool) {
	r.mu.Lock()
	r.advanced = append(r.advanced, unit)
	r.mu.Unlock()
}

func TestObserverSeesTransitions(t *testing.T) {
	obs := &recordingObserver{}
	seq, _ := New([]UnitID{"a", "b"}, WithObserver(obs))
	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- seq.WaitTurn(ctx, "w2", "b") }()
	deadline := time.Now().Add(2 * time.Second)
	for {
		obs.mu.Lock()
		waiting := obs.waiting
		obs.mu.Unlock()
		if waiting > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if err := seq.Advance(ctx, "w1", "a"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("wait b: %v", err)
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.waiting != 1 {
		t.Fatalf("waiting = %d, want 1", obs.waiting)
	}
	if len(obs.advanced) != 1 || obs.advanced[0] != "a" {
		t.Fatalf("advanced = %v, want [a]", obs.advanced)
	}
}

func TestPosition(t *testing.T) {
	seq, _ := New([]UnitID{"b", "a"})
	if seq.Position("a") != 0 || seq.Position("b") != 1 || seq.Position("zz") != -1 {
		t.Fatalf("unexpected positions")
	}
}
