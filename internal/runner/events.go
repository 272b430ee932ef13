package runner

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kingrea/turnstile/internal/eventbridge"
	"github.com/kingrea/turnstile/internal/turn"
	"github.com/kingrea/turnstile/internal/worker"
)

// Publisher receives run events. eventbridge.Router implements it.
type Publisher interface {
	Publish(eventbridge.Event)
}

// Logger matches logging.Logger.
type Logger interface {
	Printf(format string, args ...any)
}

// Journal matches logbook.Logbook's leveled writers.
type Journal interface {
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// reporter turns protocol and production callbacks into log lines and
// events. It implements turn.Observer, worker.Listener and
// production.Listener.
type reporter struct {
	runID   string
	seq     atomic.Int64
	out     Publisher
	logger  Logger
	journal Journal
	clock   func() time.Time
}

func (r *reporter) publish(kind, workerName string, unit turn.UnitID, text string) {
	if r.out == nil {
		return
	}
	r.out.Publish(eventbridge.Event{
		Version:  eventbridge.EventSchemaVersion,
		EventID:  uuid.NewString(),
		RunID:    r.runID,
		Sequence: r.seq.Add(1),
		Type:     kind,
		Worker:   workerName,
		Unit:     string(unit),
		Text:     text,
		Time:     r.clock().UTC(),
	})
}

func (r *reporter) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}

func (r *reporter) TurnWaiting(workerName string, unit, active turn.UnitID) {
	r.logf("turn: %s waiting for %s (active %s)", workerName, unit, active)
	r.publish(eventbridge.TypeTurnWaiting, workerName, unit, string(active))
}

func (r *reporter) TurnGranted(workerName string, unit turn.UnitID) {
	r.publish(eventbridge.TypeTurnGranted, workerName, unit, "")
}

func (r *reporter) TurnAdvanced(workerName string, unit, next turn.UnitID, done bool) {
	if done {
		r.logf("turn: %s retired %s, order complete", workerName, unit)
	} else {
		r.logf("turn: %s retired %s, next %s", workerName, unit, next)
	}
	r.publish(eventbridge.TypeUnitRetired, workerName, unit, string(next))
}

func (r *reporter) RecordWritten(workerName string, unit turn.UnitID, text string) {
	r.publish(eventbridge.TypeRecordWritten, workerName, unit, text)
}

func (r *reporter) UnitRetired(string, turn.UnitID) {}

func (r *reporter) StateChanged(workerName string, state worker.State) {
	r.publish(eventbridge.TypeWorkerState, workerName, "", string(state))
}

func (r *reporter) UnitStarted(workerName string, unit turn.UnitID) {
	r.logf("production: %s started %s", workerName, unit)
	r.publish(eventbridge.TypeUnitStarted, workerName, unit, "")
}

func (r *reporter) UnitProduced(workerName string, unit turn.UnitID, records int, err error) {
	r.publish(eventbridge.TypeUnitProduced, workerName, unit, fmt.Sprintf("%d records", records))
	if err == nil {
		return
	}
	if r.journal != nil {
		r.journal.Warn("%s failed on %s: %v", workerName, unit, err)
	}
	r.publish(eventbridge.TypeFailure, workerName, unit, err.Error())
}
