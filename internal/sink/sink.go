// Package sink provides the destinations ordered output is flushed to. The
// turn protocol only needs "append a line"; everything else here is
// presentation.
package sink

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/kingrea/turnstile/internal/turn"
)

// ErrClosed is returned when writing to a closed Stream.
var ErrClosed = errors.New("sink: stream closed")

// Sink accepts ordered output lines.
type Sink interface {
	WriteLine(unit turn.UnitID, text string) error
}

// Func adapts a function into a Sink.
type Func func(unit turn.UnitID, text string) error

// WriteLine executes f(unit, text).
func (f Func) WriteLine(unit turn.UnitID, text string) error {
	if f == nil {
		return nil
	}
	return f(unit, text)
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	lineStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#CCCCCC"))
)

// Console writes lines to a terminal-like writer and prints a header each time
// the unit changes.
type Console struct {
	mu    sync.Mutex
	w     io.Writer
	plain bool
	last  turn.UnitID
}

// NewConsole wraps w. With plain set, no headers or styling are written.
func NewConsole(w io.Writer, plain bool) *Console {
	if w == nil {
		w = os.Stdout
	}
	return &Console{w: w, plain: plain}
}

// WriteLine prints one line, preceded by a unit header on unit change.
func (c *Console) WriteLine(unit turn.UnitID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	text = strings.TrimRight(text, "\n")
	if c.plain {
		_, err := fmt.Fprintln(c.w, text)
		return err
	}
	if unit != c.last {
		c.last = unit
		if _, err := fmt.Fprintln(c.w, headerStyle.Render("── "+string(unit))); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(c.w, "  "+lineStyle.Render(text))
	return err
}

// File appends "<unit>\t<text>" lines to a file.
type File struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// NewFile creates (or appends to) the file at path.
func NewFile(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sink: ensure dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sink: open %s: %w", path, err)
	}
	return &File{path: path, f: f}, nil
}

// Path returns the file backing this sink.
func (s *File) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// WriteLine appends one line.
func (s *File) WriteLine(unit turn.UnitID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return fmt.Errorf("sink: %s is closed", s.path)
	}
	_, err := fmt.Fprintf(s.f, "%s\t%s\n", unit, strings.TrimRight(text, "\n"))
	return err
}

// Close releases the file handle.
func (s *File) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// Line is one captured output line.
type Line struct {
	Unit turn.UnitID
	Text string
}

// Memory keeps every line in memory.
type Memory struct {
	mu    sync.Mutex
	lines []Line
}

// NewMemory returns an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{}
}

// WriteLine records one line.
func (m *Memory) WriteLine(unit turn.UnitID, text string) error {
	m.mu.Lock()
	m.lines = append(m.lines, Line{Unit: unit, Text: text})
	m.mu.Unlock()
	return nil
}

// Lines returns a copy of the captured lines.
func (m *Memory) Lines() []Line {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Line, len(m.lines))
	copy(out, m.lines)
	return out
}

// Units returns one entry per contiguous run of lines, in arrival order. A
// unit whose lines arrive in two separate runs is listed twice.
func (m *Memory) Units() []turn.UnitID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var units []turn.UnitID
	for i, line := range m.lines {
		if i == 0 || m.lines[i-1].Unit != line.Unit {
			units = append(units, line.Unit)
		}
	}
	return units
}

// Stream queues lines for a single reader without ever blocking or dropping
// a write. The reader takes everything queued so far with Next.
type Stream struct {
	mu     sync.Mutex
	lines  []Line
	ready  chan struct{}
	closed bool
}

// NewStream returns an open, empty stream.
func NewStream() *Stream {
	return &Stream{ready: make(chan struct{}, 1)}
}

// WriteLine queues one line. Writes after Close are rejected.
func (s *Stream) WriteLine(unit turn.UnitID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.lines = append(s.lines, Line{Unit: unit, Text: text})
	s.signal()
	return nil
}

// Close marks the end of output. Lines already queued are still returned by
// Next.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.signal()
}

// Next blocks until lines are queued or the stream is closed, then returns
// every queued line in write order. ok is false once the stream is closed and
// drained.
func (s *Stream) Next() (lines []Line, ok bool) {
	for {
		s.mu.Lock()
		if len(s.lines) > 0 {
			lines, s.lines = s.lines, nil
			s.mu.Unlock()
			return lines, true
		}
		if s.closed {
			s.mu.Unlock()
			return nil, false
		}
		s.mu.Unlock()
		<-s.ready
	}
}

func (s *Stream) signal() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Multi fans a line out to several sinks. Every sink is attempted; errors are
// joined.
type Multi []Sink

// WriteLine writes to each sink in order.
func (m Multi) WriteLine(unit turn.UnitID, text string) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.WriteLine(unit, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
