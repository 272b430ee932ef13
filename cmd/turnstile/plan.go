package main

import (
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kingrea/turnstile/internal/config"
	"github.com/kingrea/turnstile/internal/production"
	"github.com/kingrea/turnstile/internal/producers"
	"github.com/kingrea/turnstile/internal/runner"
	"github.com/kingrea/turnstile/internal/turn"
)

// demoAssignments is the seven-archive, three-worker split turnstile was
// first written for.
var demoAssignments = []runner.Assignment{
	{Worker: "worker-0", Units: []turn.UnitID{"00.tar", "07.tar", "15.tar"}},
	{Worker: "worker-1", Units: []turn.UnitID{"03.tar", "12.tar"}},
	{Worker: "worker-2", Units: []turn.UnitID{"04.tar", "10.tar"}},
}

// applyDemo rewrites cfg to run the demo scenario with the synthetic producer.
func applyDemo(cfg *config.Config) {
	cfg.Units = nil
	cfg.Workers.Assignments = nil
	for _, a := range demoAssignments {
		units := make([]string, len(a.Units))
		for i, u := range a.Units {
			units[i] = string(u)
		}
		cfg.Units = append(cfg.Units, units...)
		cfg.Workers.Assignments = append(cfg.Workers.Assignments, config.AssignmentConfig{Name: a.Worker, Units: units})
	}
	cfg.Order = config.OrderSorted
	cfg.Producer.Kind = config.ProducerSynthetic
	if cfg.Delay() == 0 {
		cfg.Producer.Delay = (20 * time.Millisecond).String()
	}
}

// resolvePlan turns configured units (plus extra CLI units) into a validated
// plan. Explicit assignments win over count and strategy.
func resolvePlan(cfg *config.Config, extra []string) (runner.Plan, error) {
	units := cfg.UnitIDs()
	for _, name := range extra {
		units = append(units, turn.UnitID(name))
	}
	if cfg.Order == config.OrderSorted {
		sort.SliceStable(units, func(i, j int) bool { return units[i] < units[j] })
	}
	if len(cfg.Workers.Assignments) > 0 {
		assignments := make([]runner.Assignment, 0, len(cfg.Workers.Assignments))
		for _, a := range cfg.Workers.Assignments {
			owned := make([]turn.UnitID, len(a.Units))
			for i, u := range a.Units {
				owned[i] = turn.UnitID(u)
			}
			assignments = append(assignments, runner.Assignment{Worker: a.Name, Units: owned})
		}
		return runner.NewPlan(units, assignments)
	}
	strategy, err := runner.StrategyByName(cfg.Workers.Strategy)
	if err != nil {
		return runner.Plan{}, err
	}
	return runner.NewPlan(units, strategy(units, cfg.Workers.Count))
}

// buildProducer returns the producer selected by producer.kind.
func buildProducer(cfg *config.Config) (production.Producer, error) {
	switch cfg.Producer.Kind {
	case config.ProducerArchive:
		return producers.Archive{Dir: cfg.Producer.Dir, ExtractTo: cfg.Producer.ExtractTo}, nil
	case config.ProducerScript:
		script, err := producers.LoadScript(cfg.Producer.Script)
		if err != nil {
			return nil, err
		}
		return script, nil
	case config.ProducerSynthetic:
		return producers.Synthetic{
			Passes: cfg.Producer.Passes,
			Lines:  cfg.Producer.Lines,
			Delay:  cfg.Delay(),
			Seed:   cfg.Producer.Seed,
		}, nil
	default:
		return nil, turn.Configf("unknown producer kind %q", cfg.Producer.Kind)
	}
}

type planDump struct {
	Order   []string           `yaml:"order"`
	Workers []planDumpWorker   `yaml:"workers"`
	Drain   config.DrainConfig `yaml:"drain"`
	Kind    string             `yaml:"producer"`
}

type planDumpWorker struct {
	Name  string   `yaml:"name"`
	Units []string `yaml:"units,flow"`
}

// marshalPlan renders the resolved plan for --print-plan.
func marshalPlan(cfg *config.Config, plan runner.Plan) ([]byte, error) {
	dump := planDump{Drain: cfg.Drain, Kind: cfg.Producer.Kind}
	for _, u := range plan.Order {
		dump.Order = append(dump.Order, string(u))
	}
	for _, a := range plan.Assignments {
		w := planDumpWorker{Name: a.Worker, Units: []string{}}
		for _, u := range a.Units {
			w.Units = append(w.Units, string(u))
		}
		dump.Workers = append(dump.Workers, w)
	}
	return yaml.Marshal(dump)
}
