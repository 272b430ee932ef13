// Package producers holds the work run for each unit: synthetic progress
// lines, real tar archives, or a Go script evaluated at runtime.
package producers

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/kingrea/turnstile/internal/production"
	"github.com/kingrea/turnstile/internal/turn"
)

// Synthetic emits Passes x Lines progress lines per unit, optionally pausing
// between lines. Pauses are jittered with a generator seeded from Seed and
// the unit name, so a unit's timing is reproducible.
type Synthetic struct {
	Passes int
	Lines  int
	Delay  time.Duration
	Seed   int64
}

// Produce implements production.Producer.
func (s Synthetic) Produce(ctx context.Context, unit turn.UnitID, out production.Emitter) error {
	passes, lines := s.Passes, s.Lines
	if passes <= 0 {
		passes = 2
	}
	if lines <= 0 {
		lines = 4
	}
	rng := rand.New(rand.NewSource(s.Seed ^ unitSeed(unit)))
	for i := 0; i < passes; i++ {
		for j := 0; j < lines; j++ {
			if err := s.pause(ctx, rng); err != nil {
				return err
			}
			text := fmt.Sprintf("try %d: %s tar is doing work", i, unit)
			if j > 0 {
				text = fmt.Sprintf("%s %d", text, j)
			}
			if err := out.Emit(text); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s Synthetic) pause(ctx context.Context, rng *rand.Rand) error {
	if s.Delay <= 0 {
		return ctx.Err()
	}
	d := time.Duration(float64(s.Delay) * (0.5 + rng.Float64()))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func unitSeed(unit turn.UnitID) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(unit))
	return int64(h.Sum64())
}
