// Package runner wires a Plan into a running set of workers: one sequencer,
// one Worker and ProductionLoop per assignment, supervised by an errgroup so
// the first fatal error cancels every other worker's wait.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kingrea/turnstile/internal/eventbridge"
	"github.com/kingrea/turnstile/internal/failures"
	"github.com/kingrea/turnstile/internal/production"
	"github.com/kingrea/turnstile/internal/sink"
	"github.com/kingrea/turnstile/internal/turn"
	"github.com/kingrea/turnstile/internal/worker"
)

// ErrAlreadyRan is returned when Run is called twice on one Runner.
var ErrAlreadyRan = errors.New("runner: already ran")

// Option customizes a Runner.
type Option func(*Runner)

// WithPublisher sends run events to p.
func WithPublisher(p Publisher) Option {
	return func(r *Runner) { r.events.out = p }
}

// WithLogger writes the protocol trace to l.
func WithLogger(l Logger) Option {
	return func(r *Runner) { r.events.logger = l }
}

// WithJournal records run milestones in j.
func WithJournal(j Journal) Option {
	return func(r *Runner) { r.events.journal = j }
}

// WithPollTimeout sets the bounded wait used by opportunistic drains.
func WithPollTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d >= 0 {
			r.pollTimeout = d
		}
	}
}

// WithDrainEvery sets how many records are produced between drain attempts.
func WithDrainEvery(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.drainEvery = n
		}
	}
}

// WithRunID overrides the generated run ID.
func WithRunID(id string) Option {
	return func(r *Runner) {
		if id = strings.TrimSpace(id); id != "" {
			r.id = id
		}
	}
}

// WithClock allows tests to control timestamps.
func WithClock(clock func() time.Time) Option {
	return func(r *Runner) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// Runner executes one Plan once.
type Runner struct {
	id          string
	plan        Plan
	seq         *turn.Sequencer
	workers     []*worker.Worker
	loops       []*production.Loop
	failures    *failures.Queue
	events      *reporter
	pollTimeout time.Duration
	drainEvery  int
	clock       func() time.Time

	mu       sync.Mutex
	ran      bool
	running  bool
	started  time.Time
	finished time.Time
}

// WorkerReport summarizes one worker.
type WorkerReport struct {
	Name  string        `json:"name"`
	Units []turn.UnitID `json:"units"`
	State worker.State  `json:"state"`
	Stats worker.Stats  `json:"stats"`
}

// Report is the outcome of a run.
type Report struct {
	RunID    string             `json:"run_id"`
	Order    []turn.UnitID      `json:"order"`
	Workers  []WorkerReport     `json:"workers"`
	Failures []failures.Failure `json:"-"`
	Started  time.Time          `json:"started"`
	Finished time.Time          `json:"finished"`
	Duration time.Duration      `json:"duration"`
}

// FailureErr joins every recorded producer failure.
func (r Report) FailureErr() error {
	errs := make([]error, len(r.Failures))
	for i, f := range r.Failures {
		errs[i] = f
	}
	return errors.Join(errs...)
}

// Status is a point-in-time view of a run, served on /status.
type Status struct {
	RunID    string         `json:"run_id"`
	Running  bool           `json:"running"`
	Order    turn.Snapshot  `json:"order"`
	Workers  []WorkerReport `json:"workers"`
	Failures int            `json:"failures"`
	Started  time.Time      `json:"started,omitempty"`
}

// New validates plan and builds the sequencer, workers and loops.
func New(plan Plan, producer production.Producer, out sink.Sink, opts ...Option) (*Runner, error) {
	checked, err := NewPlan(plan.Order, plan.Assignments)
	if err != nil {
		return nil, err
	}
	if producer == nil {
		return nil, turn.Configf("runner requires a producer")
	}
	if out == nil {
		return nil, turn.Configf("runner requires an output sink")
	}
	r := &Runner{
		id:          uuid.NewString(),
		plan:        checked,
		failures:    failures.NewQueue(),
		events:      &reporter{},
		pollTimeout: worker.DefaultPollTimeout,
		drainEvery:  production.DefaultDrainEvery,
		clock:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.events.runID = r.id
	r.events.clock = r.clock
	seq, err := turn.NewOrdered(checked.Order, turn.WithObserver(r.events))
	if err != nil {
		return nil, err
	}
	r.seq = seq
	for _, a := range checked.Assignments {
		w, err := worker.New(a.Worker, seq, a.Units, out,
			worker.WithPollTimeout(r.pollTimeout),
			worker.WithListener(r.events))
		if err != nil {
			return nil, err
		}
		r.workers = append(r.workers, w)
		loop := &production.Loop{
			Worker:     w,
			Producer:   producer,
			Failures:   r.failures,
			DrainEvery: r.drainEvery,
			Listener:   r.events,
		}
		if r.events.logger != nil {
			loop.Logger = r.events.logger
		}
		r.loops = append(r.loops, loop)
	}
	return r, nil
}

// Run builds a Runner and runs it.
func Run(ctx context.Context, plan Plan, producer production.Producer, out sink.Sink, opts ...Option) (Report, error) {
	r, err := New(plan, producer, out, opts...)
	if err != nil {
		return Report{}, err
	}
	return r.Run(ctx)
}

// ID returns the run ID stamped on every event.
func (r *Runner) ID() string { return r.id }

// Plan returns the validated plan.
func (r *Runner) Plan() Plan { return r.plan }

// Run drives every worker to completion. Producer failures are reported in
// the Report; the returned error is the first fatal error (protocol,
// configuration, sink or cancellation), after which every other worker is
// cancelled.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	r.mu.Lock()
	if r.ran {
		r.mu.Unlock()
		return Report{}, ErrAlreadyRan
	}
	r.ran = true
	r.running = true
	r.started = r.clock()
	r.mu.Unlock()

	r.events.logf("runner: run %s started: %d units across %d workers", r.id, len(r.plan.Order), len(r.loops))
	if r.events.journal != nil {
		r.events.journal.Info("run %s started: %s", r.id, joinUnits(r.plan.Order))
	}
	r.events.publish(eventbridge.TypeRunStarted, "", "", joinUnits(r.plan.Order))

	g, gctx := errgroup.WithContext(ctx)
	for _, loop := range r.loops {
		loop := loop
		g.Go(func() error {
			name := loop.Worker.Name()
			err := loop.Run(gctx)
			if err != nil {
				r.events.publish(eventbridge.TypeWorkerFinished, name, "", err.Error())
				return fmt.Errorf("runner: worker %s: %w", name, err)
			}
			r.events.publish(eventbridge.TypeWorkerFinished, name, "", "ok")
			return nil
		})
	}
	err := g.Wait()

	r.mu.Lock()
	r.running = false
	r.finished = r.clock()
	r.mu.Unlock()

	report := r.report()
	result := "ok"
	switch {
	case err != nil:
		result = err.Error()
		if r.events.journal != nil {
			r.events.journal.Error("run %s aborted: %v", r.id, err)
		}
	case len(report.Failures) > 0:
		result = fmt.Sprintf("%d failure(s)", len(report.Failures))
		if r.events.journal != nil {
			r.events.journal.Warn("run %s finished with %d failure(s)", r.id, len(report.Failures))
		}
	default:
		if r.events.journal != nil {
			r.events.journal.Info("run %s finished in %s", r.id, report.Duration)
		}
	}
	r.events.logf("runner: run %s finished: %s", r.id, result)
	r.events.publish(eventbridge.TypeRunFinished, "", "", result)
	return report, err
}

// Status copies the current run state. It is safe to call while Run executes.
func (r *Runner) Status() Status {
	r.mu.Lock()
	running, started := r.running, r.started
	r.mu.Unlock()
	return Status{
		RunID:    r.id,
		Running:  running,
		Order:    r.seq.Snapshot(),
		Workers:  r.workerReports(),
		Failures: r.failures.Len(),
		Started:  started,
	}
}

func (r *Runner) report() Report {
	r.mu.Lock()
	started, finished := r.started, r.finished
	r.mu.Unlock()
	return Report{
		RunID:    r.id,
		Order:    r.seq.Order(),
		Workers:  r.workerReports(),
		Failures: r.failures.Snapshot(),
		Started:  started,
		Finished: finished,
		Duration: finished.Sub(started),
	}
}

func (r *Runner) workerReports() []WorkerReport {
	out := make([]WorkerReport, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, WorkerReport{
			Name:  w.Name(),
			Units: w.Units(),
			State: w.State(),
			Stats: w.Stats(),
		})
	}
	return out
}

func joinUnits(units []turn.UnitID) string {
	names := make([]string, len(units))
	for i, u := range units {
		names[i] = string(u)
	}
	return strings.Join(names, ",")
}
