package runner

import (
	"fmt"
	"strings"

	"github.com/kingrea/turnstile/internal/turn"
)

// Assignment is the set of units one worker produces.
type Assignment struct {
	Worker string        `json:"worker" yaml:"name"`
	Units  []turn.UnitID `json:"units" yaml:"units"`
}

// Plan is a validated global order plus its split across workers.
type Plan struct {
	Order       []turn.UnitID
	Assignments []Assignment
}

// NewPlan validates that every unit in order is owned by exactly one worker
// and that no worker owns a unit outside the order. Workers with no units
// are allowed.
func NewPlan(order []turn.UnitID, assignments []Assignment) (Plan, error) {
	if len(order) == 0 {
		return Plan{}, turn.Configf("a total order must be non-empty")
	}
	inOrder := make(map[turn.UnitID]bool, len(order))
	for _, unit := range order {
		if strings.TrimSpace(string(unit)) == "" {
			return Plan{}, turn.Configf("unit names must be non-empty")
		}
		if inOrder[unit] {
			return Plan{}, &turn.ConfigError{Reason: "unit listed twice in order", Unit: unit}
		}
		inOrder[unit] = true
	}
	owner := make(map[turn.UnitID]string, len(order))
	workers := make(map[string]bool, len(assignments))
	plan := Plan{Order: append([]turn.UnitID(nil), order...)}
	for _, a := range assignments {
		name := strings.TrimSpace(a.Worker)
		if name == "" {
			return Plan{}, turn.Configf("worker names must be non-empty")
		}
		if workers[name] {
			return Plan{}, turn.Configf("worker %q listed twice", name)
		}
		workers[name] = true
		for _, unit := range a.Units {
			if !inOrder[unit] {
				return Plan{}, &turn.ConfigError{Reason: fmt.Sprintf("worker %q owns a unit outside the order", name), Unit: unit}
			}
			if prev, taken := owner[unit]; taken {
				return Plan{}, &turn.ConfigError{Reason: fmt.Sprintf("unit owned by both %q and %q", prev, name), Unit: unit}
			}
			owner[unit] = name
		}
		plan.Assignments = append(plan.Assignments, Assignment{Worker: name, Units: append([]turn.UnitID(nil), a.Units...)})
	}
	for _, unit := range order {
		if _, ok := owner[unit]; !ok {
			return Plan{}, &turn.ConfigError{Reason: "unit assigned to no worker", Unit: unit}
		}
	}
	return plan, nil
}

// Owner returns the worker that owns unit.
func (p Plan) Owner(unit turn.UnitID) (string, bool) {
	for _, a := range p.Assignments {
		for _, u := range a.Units {
			if u == unit {
				return a.Worker, true
			}
		}
	}
	return "", false
}

// Strategy splits units across a number of workers.
type Strategy func(units []turn.UnitID, workers int) []Assignment

// StrategyByName resolves "round-robin" or "contiguous".
func StrategyByName(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "round-robin":
		return RoundRobin, nil
	case "contiguous":
		return Contiguous, nil
	default:
		return nil, turn.Configf("unknown assignment strategy %q", name)
	}
}

// WorkerName is the default name of the i-th worker.
func WorkerName(i int) string {
	return fmt.Sprintf("worker-%d", i)
}

// RoundRobin deals units to workers like cards: unit i goes to worker i%n.
func RoundRobin(units []turn.UnitID, workers int) []Assignment {
	out := emptyAssignments(workers)
	for i, unit := range units {
		a := &out[i%len(out)]
		a.Units = append(a.Units, unit)
	}
	return out
}

// Contiguous gives each worker a consecutive slice of units, the first
// len(units)%n workers taking one extra.
func Contiguous(units []turn.UnitID, workers int) []Assignment {
	out := emptyAssignments(workers)
	n := len(out)
	size, extra := len(units)/n, len(units)%n
	next := 0
	for i := range out {
		take := size
		if i < extra {
			take++
		}
		out[i].Units = append(out[i].Units, units[next:next+take]...)
		next += take
	}
	return out
}

func emptyAssignments(workers int) []Assignment {
	if workers < 1 {
		workers = 1
	}
	out := make([]Assignment, workers)
	for i := range out {
		out[i].Worker = WorkerName(i)
	}
	return out
}
