package sink

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kingrea/turnstile/internal/turn"
)

func TestConsolePlainWritesLinesOnly(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf, true)
	_ = c.WriteLine("a.tar", "first\n")
	_ = c.WriteLine("b.tar", "second")
	if got, want := buf.String(), "first\nsecond\n"; got != want {
		t.Fatalf("console = %q, want %q", got, want)
	}
}

func TestConsolePrintsHeaderOnUnitChange(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf, false)
	_ = c.WriteLine("a.tar", "one")
	_ = c.WriteLine("a.tar", "two")
	_ = c.WriteLine("b.tar", "three")
	out := buf.String()
	if strings.Count(out, "a.tar") != 1 || strings.Count(out, "b.tar") != 1 {
		t.Fatalf("expected one header per unit, got:\n%s", out)
	}
	if strings.Index(out, "two") > strings.Index(out, "b.tar") {
		t.Fatalf("header for b.tar printed before a.tar finished:\n%s", out)
	}
}

func TestFileAppendsTabSeparatedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "ordered.log")
	f, err := NewFile(path)
	if err != nil {
		t.Fatalf("new file sink: %v", err)
	}
	_ = f.WriteLine("a.tar", "hello")
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := f.WriteLine("a.tar", "late"); err == nil {
		t.Fatalf("expected error writing to closed sink")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "a.tar\thello\n" {
		t.Fatalf("file = %q", data)
	}
}

func TestMemoryUnitsCollapsesRuns(t *testing.T) {
	m := NewMemory()
	for _, u := range []turn.UnitID{"a", "a", "b", "c", "c"} {
		_ = m.WriteLine(u, "x")
	}
	units := m.Units()
	if len(units) != 3 || units[0] != "a" || units[2] != "c" {
		t.Fatalf("units = %v", units)
	}
	_ = m.WriteLine("a", "again")
	if units := m.Units(); len(units) != 4 || units[3] != "a" {
		t.Fatalf("a separate run of a must be listed again, got %v", units)
	}
}

func TestMultiJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	mem := NewMemory()
	m := Multi{Func(func(turn.UnitID, string) error { return boom }), mem}
	if err := m.WriteLine("a", "x"); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if len(mem.Lines()) != 1 {
		t.Fatalf("later sinks must still receive the line")
	}
}

func TestStreamKeepsEveryLineForSlowReader(t *testing.T) {
	s := NewStream()
	for i := 0; i < 300; i++ {
		if err := s.WriteLine("a.tar", fmt.Sprintf("line %d", i)); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	lines, ok := s.Next()
	if !ok || len(lines) != 300 {
		t.Fatalf("next returned %d lines (ok=%v), want 300", len(lines), ok)
	}
	for i, line := range lines {
		if line.Text != fmt.Sprintf("line %d", i) {
			t.Fatalf("line %d = %q", i, line.Text)
		}
	}
	_ = s.WriteLine("b.tar", "last")
	s.Close()
	if err := s.WriteLine("b.tar", "late"); !errors.Is(err, ErrClosed) {
		t.Fatalf("write after close = %v, want ErrClosed", err)
	}
	if lines, ok := s.Next(); !ok || len(lines) != 1 || lines[0].Text != "last" {
		t.Fatalf("lines queued before close must still be returned, got %v %v", lines, ok)
	}
	if _, ok := s.Next(); ok {
		t.Fatalf("drained closed stream should report !ok")
	}
}

func TestStreamNextWaitsForWriter(t *testing.T) {
	s := NewStream()
	got := make(chan []Line, 1)
	go func() {
		lines, _ := s.Next()
		got <- lines
	}()
	_ = s.WriteLine("a.tar", "hello")
	lines := <-got
	if len(lines) != 1 || lines[0].Unit != "a.tar" {
		t.Fatalf("unexpected lines %v", lines)
	}
}
