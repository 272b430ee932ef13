// internal/tui/app.go
//
// The run view: a bubbletea model that follows one run through the event
// router. It shows the global order with each unit's progress, what every
// worker is doing, and the ordered output as it is flushed.

package tui

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/turnstile/internal/eventbridge"
	"github.com/kingrea/turnstile/internal/sink"
	"github.com/kingrea/turnstile/internal/turn"
)

// journalLines is how many journal entries the log panel shows.
const journalLines = 6

// UnitState is the progress of one unit as seen through events.
type UnitState string

const (
	UnitPending   UnitState = "pending"
	UnitProducing UnitState = "producing"
	UnitProduced  UnitState = "produced"
	UnitFlushing  UnitState = "flushing"
	UnitRetired   UnitState = "retired"
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B"))
	headStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	boxStyle      = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#444444")).Padding(0, 1)
	footerStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).MarginTop(1)
	pendingStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	activeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	producedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801"))
	retiredStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50"))
	failedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	detailStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
)

type eventMsg struct {
	event eventbridge.Event
}

type streamClosedMsg struct{}

type outputMsg struct {
	lines []sink.Line
}

type outputClosedMsg struct{}

// LineSource hands over ordered output lines. sink.Stream implements it.
type LineSource interface {
	Next() ([]sink.Line, bool)
}

// Journal is the run journal shown in the log panel. logbook.Logbook
// implements it.
type Journal interface {
	Path() string
	Tail(maxLines int) ([]string, int)
}

// Options wires the run view to a run.
type Options struct {
	RunID   string
	Order   []turn.UnitID
	Workers []string
	// Events drives unit and worker progress; a router Subscription's channel.
	Events <-chan eventbridge.Event
	// Output supplies the flushed lines shown in the output panel.
	Output  LineSource
	Journal Journal
	// Cancel is invoked when the user quits before the run ends.
	Cancel func()
}

// App renders one run.
type App struct {
	runID   string
	order   []turn.UnitID
	units   map[turn.UnitID]UnitState
	failed  map[turn.UnitID]string
	workers []string
	states  map[string]string
	current map[string]turn.UnitID
	lines   []string

	events  <-chan eventbridge.Event
	output  LineSource
	journal Journal
	cancel  func()

	spinner  spinner.Model
	viewport viewport.Model
	width    int
	height   int

	finished bool
	result   string
}

// NewApp builds the run view.
func NewApp(opts Options) *App {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = activeStyle
	a := &App{
		runID:    opts.RunID,
		order:    append([]turn.UnitID(nil), opts.Order...),
		units:    make(map[turn.UnitID]UnitState, len(opts.Order)),
		failed:   map[turn.UnitID]string{},
		workers:  append([]string(nil), opts.Workers...),
		states:   make(map[string]string, len(opts.Workers)),
		current:  make(map[string]turn.UnitID, len(opts.Workers)),
		events:   opts.Events,
		output:   opts.Output,
		journal:  opts.Journal,
		cancel:   opts.Cancel,
		spinner:  s,
		viewport: viewport.New(80, 12),
	}
	for _, unit := range opts.Order {
		a.units[unit] = UnitPending
	}
	for _, name := range opts.Workers {
		a.states[name] = "idle"
	}
	return a
}

// Init starts the spinner, the event pump and the output pump.
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.spinner.Tick, waitForEvent(a.events), waitForOutput(a.output))
}

func waitForOutput(src LineSource) tea.Cmd {
	if src == nil {
		return nil
	}
	return func() tea.Msg {
		lines, ok := src.Next()
		if !ok {
			return outputClosedMsg{}
		}
		return outputMsg{lines: lines}
	}
}

func waitForEvent(events <-chan eventbridge.Event) tea.Cmd {
	if events == nil {
		return nil
	}
	return func() tea.Msg {
		event, ok := <-events
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg{event: event}
	}
}

// Update is called when a message is received.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.viewport.Width = max(20, msg.Width-6)
		reserved := len(a.order) + len(a.workers) + 14
		if a.journal != nil {
			reserved += journalLines + 3
		}
		a.viewport.Height = max(5, msg.Height-reserved)
		a.refreshOutput()
		return a, nil

	case eventMsg:
		a.Apply(msg.event)
		return a, waitForEvent(a.events)

	case streamClosedMsg:
		a.events = nil
		return a, nil

	case outputMsg:
		a.appendLines(msg.lines)
		return a, waitForOutput(a.output)

	case outputClosedMsg:
		a.output = nil
		return a, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if !a.finished && a.cancel != nil {
				a.cancel()
			}
			return a, tea.Quit
		}
	}

	var cmd tea.Cmd
	a.viewport, cmd = a.viewport.Update(msg)
	return a, cmd
}

// Apply folds one event into the view. Events from other runs are ignored.
func (a *App) Apply(event eventbridge.Event) {
	if a.runID != "" && event.RunID != a.runID {
		return
	}
	unit := turn.UnitID(event.Unit)
	switch event.Type {
	case eventbridge.TypeUnitStarted:
		a.setUnit(unit, UnitProducing)
		a.current[event.Worker] = unit
	case eventbridge.TypeUnitProduced:
		a.setUnit(unit, UnitProduced)
	case eventbridge.TypeTurnGranted:
		a.setUnit(unit, UnitFlushing)
	case eventbridge.TypeRecordWritten:
		a.setUnit(unit, UnitFlushing)
	case eventbridge.TypeUnitRetired:
		a.units[unit] = UnitRetired
	case eventbridge.TypeWorkerState:
		a.states[event.Worker] = event.Text
	case eventbridge.TypeWorkerFinished:
		delete(a.current, event.Worker)
	case eventbridge.TypeFailure:
		a.failed[unit] = event.Text
	case eventbridge.TypeRunFinished:
		a.finished = true
		a.result = event.Text
	}
}

// setUnit moves a unit forward; a retired unit stays retired.
func (a *App) setUnit(unit turn.UnitID, state UnitState) {
	if current, ok := a.units[unit]; ok && current != UnitRetired {
		a.units[unit] = state
	}
}

func (a *App) appendLines(lines []sink.Line) {
	for _, line := range lines {
		a.lines = append(a.lines, line.Text)
	}
	a.refreshOutput()
}

func (a *App) refreshOutput() {
	a.viewport.SetContent(strings.Join(a.lines, "\n"))
	a.viewport.GotoBottom()
}

// StateOf reports what the view currently shows for unit.
func (a *App) StateOf(unit turn.UnitID) UnitState {
	return a.units[unit]
}

// Retired counts retired units.
func (a *App) Retired() int {
	n := 0
	for _, state := range a.units {
		if state == UnitRetired {
			n++
		}
	}
	return n
}

// Finished reports whether run_finished was seen.
func (a *App) Finished() bool { return a.finished }

// View renders the view.
func (a *App) View() string {
	header := titleStyle.Render("⬡ TURNSTILE") + " " + detailStyle.Render(a.runID)
	sections := []string{
		header,
		"",
		boxStyle.Render(a.renderOrder()),
		boxStyle.Render(a.renderWorkers()),
		boxStyle.Render(headStyle.Render(fmt.Sprintf("OUTPUT · %d lines", len(a.lines))) + "\n" + a.viewport.View()),
	}
	if panel := a.renderJournal(); panel != "" {
		sections = append(sections, panel)
	}
	sections = append(sections, footerStyle.Render(a.renderFooter()))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (a *App) renderJournal() string {
	if a.journal == nil {
		return ""
	}
	lines, total := a.journal.Tail(journalLines)
	if len(lines) == 0 {
		return ""
	}
	name := filepath.Base(a.journal.Path())
	if name == "." || name == "" {
		name = "journal"
	}
	head := headStyle.Render(fmt.Sprintf("JOURNAL · %s · %d entries", name, total))
	body := detailStyle.Render(strings.Join(lines, "\n"))
	return boxStyle.Render(head + "\n" + body)
}

func (a *App) renderOrder() string {
	lines := []string{headStyle.Render(fmt.Sprintf("ORDER · %d/%d retired", a.Retired(), len(a.order)))}
	for i, unit := range a.order {
		state := a.units[unit]
		label := fmt.Sprintf("%2d. %-24s %s", i+1, unit, state)
		style := pendingStyle
		switch state {
		case UnitProducing, UnitFlushing:
			style = activeStyle
		case UnitProduced:
			style = producedStyle
		case UnitRetired:
			style = retiredStyle
		}
		line := style.Render(label)
		if reason, ok := a.failed[unit]; ok {
			line += " " + failedStyle.Render("failed: "+reason)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func (a *App) renderWorkers() string {
	lines := []string{headStyle.Render("WORKERS")}
	for _, name := range a.workers {
		state := a.states[name]
		marker := " "
		if state != "complete" && state != "idle" && !a.finished {
			marker = a.spinner.View()
		}
		line := fmt.Sprintf("%s %-12s %s", marker, name, state)
		if unit, ok := a.current[name]; ok {
			line += detailStyle.Render(" · " + string(unit))
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func (a *App) renderFooter() string {
	status := "running"
	if a.finished {
		status = "finished: " + a.result
	}
	if n := len(a.failed); n > 0 {
		status += failedStyle.Render(fmt.Sprintf(" · %d failure(s)", n))
	}
	return status + " · ↑/↓ scroll · q quit"
}
