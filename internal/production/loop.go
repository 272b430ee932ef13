// Package production drives a worker through its assigned units. It is the
// only place that calls the real work (a Producer) and the only place that
// reports work failures; the turn protocol is reached solely through the
// worker's four operations.
package production

import (
	"context"
	"errors"
	"fmt"

	"github.com/kingrea/turnstile/internal/failures"
	"github.com/kingrea/turnstile/internal/turn"
	"github.com/kingrea/turnstile/internal/worker"
)

// DefaultDrainEvery is how many records are produced between drain attempts.
const DefaultDrainEvery = 4

// Emitter accepts output records for the unit being produced.
type Emitter interface {
	Emit(text string) error
}

// Producer performs the work for one unit and reports progress through out.
type Producer interface {
	Produce(ctx context.Context, unit turn.UnitID, out Emitter) error
}

// ProducerFunc adapts a function into a Producer.
type ProducerFunc func(ctx context.Context, unit turn.UnitID, out Emitter) error

// Produce executes f.
func (f ProducerFunc) Produce(ctx context.Context, unit turn.UnitID, out Emitter) error {
	return f(ctx, unit, out)
}

// Logger matches logging.Logger.
type Logger interface {
	Printf(format string, args ...any)
}

// Listener observes unit production.
type Listener interface {
	UnitStarted(worker string, unit turn.UnitID)
	UnitProduced(worker string, unit turn.UnitID, records int, err error)
}

// Loop runs one worker's share of the order.
type Loop struct {
	Worker     *worker.Worker
	Producer   Producer
	Failures   *failures.Queue
	DrainEvery int
	Logger     Logger
	Listener   Listener
}

// Run produces every assigned unit in the worker's own order, draining
// opportunistically, then flushes whatever is left with a blocking drain.
// Producer errors are recorded as failures and the unit still retires;
// protocol errors and cancellation abort.
func (l *Loop) Run(ctx context.Context) error {
	if l.Worker == nil {
		return turn.Configf("production loop requires a worker")
	}
	if l.Producer == nil {
		return turn.Configf("production loop for %q requires a producer", l.Worker.Name())
	}
	every := l.DrainEvery
	if every <= 0 {
		every = DefaultDrainEvery
	}
	name := l.Worker.Name()
	for _, unit := range l.Worker.Units() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.Worker.MarkCurrentUnit(unit); err != nil {
			return err
		}
		if l.Listener != nil {
			l.Listener.UnitStarted(name, unit)
		}
		em := &drainingEmitter{ctx: ctx, w: l.Worker, every: every}
		perr := l.Producer.Produce(ctx, unit, em)
		if em.fatal != nil {
			return em.fatal
		}
		if perr != nil {
			if turn.IsFatal(perr) || errors.Is(perr, context.Canceled) || errors.Is(perr, context.DeadlineExceeded) {
				return perr
			}
			l.Failures.Add(name, unit, perr)
			l.logf("production: %s: %s failed: %v", name, unit, perr)
			if err := l.Worker.Emit(fmt.Sprintf("%s: failed: %v", unit, perr)); err != nil {
				return err
			}
		}
		if l.Listener != nil {
			l.Listener.UnitProduced(name, unit, em.count, perr)
		}
		if err := l.Worker.MarkEnqueuingDone(unit); err != nil {
			return err
		}
		if _, err := l.Worker.TryDrain(ctx); err != nil {
			return err
		}
	}
	if _, err := l.Worker.DrainBlocking(ctx); err != nil {
		return err
	}
	l.logf("production: %s: flushed %d unit(s)", name, len(l.Worker.Units()))
	return nil
}

func (l *Loop) logf(format string, args ...any) {
	if l.Logger == nil {
		return
	}
	l.Logger.Printf(format, args...)
}

// drainingEmitter forwards records to the worker and attempts a drain every
// few records, the way output is flushed while extraction is still running.
type drainingEmitter struct {
	ctx   context.Context
	w     *worker.Worker
	every int
	count int
	fatal error
}

func (e *drainingEmitter) Emit(text string) error {
	if e.fatal != nil {
		return e.fatal
	}
	if err := e.w.Emit(text); err != nil {
		e.fatal = err
		return err
	}
	e.count++
	if e.count%e.every == 0 {
		if _, err := e.w.TryDrain(e.ctx); err != nil {
			e.fatal = err
			return err
		}
	}
	return nil
}
