package main

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/kingrea/turnstile/internal/config"
	"github.com/kingrea/turnstile/internal/logbook"
	"github.com/kingrea/turnstile/internal/producers"
	"github.com/kingrea/turnstile/internal/runner"
	"github.com/kingrea/turnstile/internal/sink"
	"github.com/kingrea/turnstile/internal/turn"
)

func TestDemoPlanSplitsSevenArchives(t *testing.T) {
	cfg, err := loadConfig(options{configPath: filepath.Join(t.TempDir(), "missing.yaml"), demo: true})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	plan, err := resolvePlan(cfg, nil)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	want := []turn.UnitID{"00.tar", "03.tar", "04.tar", "07.tar", "10.tar", "12.tar", "15.tar"}
	if len(plan.Order) != len(want) {
		t.Fatalf("order = %v", plan.Order)
	}
	for i := range want {
		if plan.Order[i] != want[i] {
			t.Fatalf("order = %v, want %v", plan.Order, want)
		}
	}
	if owner, _ := plan.Owner("15.tar"); owner != "worker-0" {
		t.Fatalf("15.tar owned by %q", owner)
	}
	if cfg.Delay() <= 0 {
		t.Fatalf("demo should pace the synthetic producer")
	}
}

func TestResolvePlanAppendsCliUnits(t *testing.T) {
	cfg := config.Default(t.TempDir())
	cfg.Units = []string{"b"}
	cfg.Workers.Count = 2
	plan, err := resolvePlan(cfg, []string{"c", "a"})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if got := plan.Order; len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Fatalf("sorted order = %v", got)
	}
	if len(plan.Assignments) != 2 {
		t.Fatalf("assignments = %+v", plan.Assignments)
	}

	cfg.Order = config.OrderGiven
	plan, err = resolvePlan(cfg, []string{"c", "a"})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.Order[0] != "b" || plan.Order[1] != "c" {
		t.Fatalf("given order = %v", plan.Order)
	}

	if _, err := resolvePlan(cfg, []string{"b"}); !errors.Is(err, turn.ErrConfiguration) {
		t.Fatalf("duplicate unit should be a configuration error, got %v", err)
	}
}

func TestFlagsOverrideConfig(t *testing.T) {
	opts, units, err := parseFlags([]string{"--workers", "5", "--producer", "archive", "--plain", "x.tar"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	opts.configPath = filepath.Join(t.TempDir(), config.DefaultFileName)
	cfg, err := loadConfig(opts)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Workers.Count != 5 || cfg.Producer.Kind != config.ProducerArchive || !cfg.Output.Plain {
		t.Fatalf("flags not applied: %+v", cfg)
	}
	if len(units) != 1 || units[0] != "x.tar" {
		t.Fatalf("units = %v", units)
	}
	producer, err := buildProducer(cfg)
	if err != nil {
		t.Fatalf("producer: %v", err)
	}
	if _, ok := producer.(producers.Archive); !ok {
		t.Fatalf("producer = %T, want producers.Archive", producer)
	}

	opts.producer = "ftp"
	if _, err := loadConfig(opts); !errors.Is(err, turn.ErrConfiguration) {
		t.Fatalf("unknown producer should fail validation, got %v", err)
	}
}

func TestMarshalPlan(t *testing.T) {
	cfg, err := loadConfig(options{configPath: filepath.Join(t.TempDir(), "missing.yaml"), demo: true})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	plan, err := resolvePlan(cfg, nil)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	data, err := marshalPlan(cfg, plan)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), "units: [03.tar, 12.tar]") {
		t.Fatalf("unexpected dump:\n%s", data)
	}
	var back planDump
	if err := yaml.Unmarshal(data, &back); err != nil {
		t.Fatalf("dump is not valid yaml: %v", err)
	}
	if len(back.Workers) != 3 || back.Kind != config.ProducerSynthetic {
		t.Fatalf("decoded dump = %+v", back)
	}
}

func TestStatusIncludesJournalTail(t *testing.T) {
	plan, err := runner.NewPlan([]turn.UnitID{"a"}, runner.RoundRobin([]turn.UnitID{"a"}, 1))
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	r, err := runner.New(plan, producers.Synthetic{Passes: 1, Lines: 1}, sink.NewMemory(), runner.WithRunID("run-7"))
	if err != nil {
		t.Fatalf("runner: %v", err)
	}
	journal, err := logbook.New(filepath.Join(t.TempDir(), "journey.log"))
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	for i := 0; i < 12; i++ {
		journal.Info("entry-%d", i)
	}
	data, err := json.Marshal(statusSnapshot(r, journal)())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded struct {
		RunID   string `json:"run_id"`
		Journal struct {
			Entries int      `json:"entries"`
			Recent  []string `json:"recent"`
		} `json:"journal"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.RunID != "run-7" || decoded.Journal.Entries != 12 || len(decoded.Journal.Recent) != statusJournalLines {
		t.Fatalf("unexpected status %s", data)
	}

	data, _ = json.Marshal(statusSnapshot(r, nil)())
	if strings.Contains(string(data), "journal") {
		t.Fatalf("status without a journal should omit it: %s", data)
	}
}
