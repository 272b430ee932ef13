// cmd/turnstile/main.go
//
// Entry point for the turnstile CLI.
//
// Flow:
// 1. Load turnstile.yaml and apply flag overrides
// 2. Resolve the plan: global order plus the split across workers
// 3. Run every worker, flushing output in global order to the console (or
//    the TUI) and the optional output file
// 4. Report failures and exit non-zero when anything went wrong

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kingrea/turnstile/internal/config"
	"github.com/kingrea/turnstile/internal/eventbridge"
	"github.com/kingrea/turnstile/internal/logbook"
	"github.com/kingrea/turnstile/internal/logging"
	"github.com/kingrea/turnstile/internal/runner"
	"github.com/kingrea/turnstile/internal/sink"
	"github.com/kingrea/turnstile/internal/tui"
)

const (
	exitFatal    = 1
	exitFailures = 2
)

type options struct {
	configPath string
	workers    int
	tui        bool
	producer   string
	plain      bool
	out        string
	demo       bool
	printPlan  bool
	initConfig bool
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	opts, units, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFatal
	}
	if opts.initConfig {
		if err := config.WriteDefault(opts.configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", opts.configPath, err)
			return exitFatal
		}
		fmt.Printf("Wrote %s\n", opts.configPath)
		return 0
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return exitFatal
	}
	plan, err := resolvePlan(cfg, units)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFatal
	}
	if opts.printPlan {
		data, err := marshalPlan(cfg, plan)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding plan: %v\n", err)
			return exitFatal
		}
		os.Stdout.Write(data)
		return 0
	}
	producer, err := buildProducer(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFatal
	}

	logger, err := logging.New(cfg.LogDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	defer logger.Close()
	journal, err := logbook.New(cfg.JournalPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: journal unavailable: %v\n", err)
	}

	var sinks sink.Multi
	var stream *sink.Stream
	if opts.tui {
		stream = sink.NewStream()
		sinks = append(sinks, stream)
	} else {
		sinks = append(sinks, sink.NewConsole(os.Stdout, cfg.Output.Plain))
	}
	if cfg.Output.Path != "" {
		file, err := sink.NewFile(cfg.Output.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return exitFatal
		}
		defer file.Close()
		sinks = append(sinks, file)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	router := eventbridge.NewRouter(eventbridge.RouterWithLogger(logger))
	runOpts := []runner.Option{
		runner.WithPublisher(router),
		runner.WithLogger(logger),
		runner.WithPollTimeout(cfg.PollTimeout()),
		runner.WithDrainEvery(cfg.Drain.Every),
	}
	if journal != nil {
		runOpts = append(runOpts, runner.WithJournal(journal))
	}
	r, err := runner.New(plan, producer, sinks, runOpts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFatal
	}

	server := eventbridge.NewServer(eventbridge.SettingsFromConfig(cfg),
		eventbridge.WithStatus(statusSnapshot(r, journal)),
		eventbridge.WithRouter(router),
		eventbridge.WithLogger(logger))
	switch err := server.Start(ctx); {
	case err == nil:
		fmt.Fprintf(os.Stderr, "Status server on %s\n", server.BaseURL())
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
			defer done()
			_ = server.Shutdown(shutdownCtx)
		}()
	case errors.Is(err, eventbridge.ErrServerDisabled):
	default:
		fmt.Fprintf(os.Stderr, "Warning: status server not started: %v\n", err)
	}

	var report runner.Report
	if opts.tui {
		report, err = runWithTUI(ctx, cancel, r, router, stream, journal)
	} else {
		fmt.Fprintf(os.Stderr, "Run %s · log %s · journal %s\n", r.ID(), cfg.LogPath(), cfg.JournalPath())
		report, err = r.Run(ctx)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFatal
	}
	if len(report.Failures) > 0 {
		fmt.Fprintf(os.Stderr, "%d unit(s) failed:\n", len(report.Failures))
		for _, f := range report.Failures {
			fmt.Fprintf(os.Stderr, "  %v\n", f)
		}
		return exitFailures
	}
	return 0
}

func parseFlags(args []string) (options, []string, error) {
	var opts options
	fs := flag.NewFlagSet("turnstile", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", config.DefaultFileName, "path to turnstile.yaml")
	fs.IntVar(&opts.workers, "workers", 0, "number of workers (overrides config)")
	fs.BoolVar(&opts.tui, "tui", false, "show the live run view")
	fs.StringVar(&opts.producer, "producer", "", "producer kind: synthetic, archive or script")
	fs.BoolVar(&opts.plain, "plain", false, "print output lines without unit headers")
	fs.StringVar(&opts.out, "out", "", "also append ordered output to this file")
	fs.BoolVar(&opts.demo, "demo", false, "run the seven-archive, three-worker demo")
	fs.BoolVar(&opts.printPlan, "print-plan", false, "print the resolved plan as YAML and exit")
	fs.BoolVar(&opts.initConfig, "init", false, "write a default config file and exit")
	if err := fs.Parse(args); err != nil {
		return options{}, nil, err
	}
	return opts, fs.Args(), nil
}

// loadConfig reads the config file and layers flags on top.
func loadConfig(opts options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.demo {
		applyDemo(cfg)
	}
	if opts.workers > 0 {
		cfg.Workers.Count = opts.workers
	}
	if opts.producer != "" {
		cfg.Producer.Kind = opts.producer
	}
	if opts.plain {
		cfg.Output.Plain = true
	}
	if opts.out != "" {
		abs, err := filepath.Abs(opts.out)
		if err != nil {
			return nil, fmt.Errorf("resolve --out: %w", err)
		}
		cfg.Output.Path = abs
	}
	if err := cfg.Refresh(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// journalStatus is the journal section of /status.
type journalStatus struct {
	Path    string   `json:"path"`
	Entries int      `json:"entries"`
	Recent  []string `json:"recent"`
}

// statusPayload is served on /status: the run snapshot plus the journal tail.
type statusPayload struct {
	runner.Status
	Journal *journalStatus `json:"journal,omitempty"`
}

const statusJournalLines = 10

func statusSnapshot(r *runner.Runner, journal *logbook.Logbook) eventbridge.StatusFunc {
	return func() any {
		payload := statusPayload{Status: r.Status()}
		if journal != nil {
			recent, total := journal.Tail(statusJournalLines)
			payload.Journal = &journalStatus{Path: journal.Path(), Entries: total, Recent: recent}
		}
		return payload
	}
}

// runWithTUI runs r in the background while the run view follows its events
// and reads the ordered output from stream. Quitting the view cancels the run.
func runWithTUI(ctx context.Context, cancel context.CancelFunc, r *runner.Runner, router *eventbridge.Router, stream *sink.Stream, journal *logbook.Logbook) (runner.Report, error) {
	sub := router.Subscribe(r.ID())
	defer sub.Close()

	type result struct {
		report runner.Report
		err    error
	}
	done := make(chan result, 1)
	go func() {
		report, err := r.Run(ctx)
		stream.Close()
		done <- result{report, err}
	}()

	names := make([]string, 0, len(r.Plan().Assignments))
	for _, a := range r.Plan().Assignments {
		names = append(names, a.Worker)
	}
	opts := tui.Options{
		RunID:   r.ID(),
		Order:   r.Plan().Order,
		Workers: names,
		Events:  sub.Events,
		Output:  stream,
		Cancel:  cancel,
	}
	if journal != nil {
		opts.Journal = journal
	}
	p := tea.NewProgram(tui.NewApp(opts), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		cancel()
		res := <-done
		return res.report, fmt.Errorf("run view: %w", err)
	}
	res := <-done
	return res.report, res.err
}
