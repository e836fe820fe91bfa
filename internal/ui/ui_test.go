package ui

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		col  Column
		want string
	}{
		{"hello world", Column{MaxWidth: 0}, "hello world"},
		{"hello world", Column{MaxWidth: 20}, "hello world"},
		{"hello world", Column{MaxWidth: 6}, "hello…"},
		{"hello world", Column{MaxWidth: 6, Truncate: TruncateStart}, "…world"},
		{"hello world", Column{MaxWidth: 7, Truncate: TruncateMiddle}, "hel…rld"},
		{"sha256:abc", Column{MaxWidth: 1}, "s"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.col); got != tt.want {
			t.Errorf("truncate(%q, %+v) = %q, want %q", tt.in, tt.col, got, tt.want)
		}
	}
}

func TestTableRender(t *testing.T) {
	tbl := NewTable(Column{Header: "KEY"}, Column{Header: "SIZE", Align: AlignRight})
	tbl.AddRow("resolver", "12 MB")
	tbl.AddRow("layer", "3 kB", "ignored")

	var out bytes.Buffer
	if err := tbl.Render(&out); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"KEY", "SIZE", "resolver", "12 MB", "3 kB"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("missing %q in:\n%s", want, out.String())
		}
	}
	if strings.Contains(out.String(), "ignored") {
		t.Errorf("extra cell rendered:\n%s", out.String())
	}
	if tbl.Len() != 2 {
		t.Fatalf("Len = %d", tbl.Len())
	}
}

func TestLoggerLevels(t *testing.T) {
	var out, full bytes.Buffer
	l := New(Options{Out: &out, FullLogWriter: &full, LogLevel: LogLevelWarn})

	l.Debug("hidden %d", 1)
	l.Info("shown %d", 2)
	l.InfoSilent("silent")

	if strings.Contains(out.String(), "hidden") || strings.Contains(out.String(), "silent") {
		t.Fatalf("terminal got filtered lines:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "[INFO] shown 2") {
		t.Fatalf("terminal missing info line:\n%s", out.String())
	}
	for _, want := range []string{"[DEBG] hidden 1", "[INFO] shown 2", "[INFO] silent"} {
		if !strings.Contains(full.String(), want) {
			t.Errorf("full log missing %q:\n%s", want, full.String())
		}
	}
}

func TestFullLogBuffersUntilWriterSet(t *testing.T) {
	var out, full bytes.Buffer
	l := New(Options{Out: &out, LogLevel: LogLevelWarn})
	l.Warn("early")
	l.SetFullLogWriter(&full)
	l.Warn("late")

	if got := full.String(); !strings.Contains(got, "[WARN] early") || !strings.Contains(got, "[WARN] late") {
		t.Fatalf("full log = %q", got)
	}
}

func TestTailWithoutTerminal(t *testing.T) {
	var out, full bytes.Buffer
	l := New(Options{Out: &out, FullLogWriter: &full, EnableTail: true, TailLines: 2, LogLevel: LogLevelWarn})

	tail := l.NewTail("uv sync")
	_, _ = tail.Write([]byte("one\ntwo\r\nthr"))
	_, _ = tail.Write([]byte("ee\n"))
	tail.Close()

	if !strings.Contains(full.String(), "[TAIL uv sync] one") || !strings.Contains(full.String(), "[TAIL uv sync] three") {
		t.Fatalf("full log = %q", full.String())
	}
	if strings.Contains(out.String(), "one") {
		t.Fatalf("box kept more than TailLines lines:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "two") || !strings.Contains(out.String(), "three") {
		t.Fatalf("final box missing last lines:\n%s", out.String())
	}
}

func TestNewTailClosesPrevious(t *testing.T) {
	var out, full bytes.Buffer
	l := New(Options{Out: &out, FullLogWriter: &full, LogLevel: LogLevelWarn})

	first := l.NewTail("uv venv")
	first.Println("created")
	second := l.NewTail("uv sync")
	first.Println("late line")
	second.Println("installed")
	second.Close()
	first.Close()

	for _, want := range []string{"[TAIL uv venv] end", "[TAIL] late line", "[TAIL uv sync] installed"} {
		if !strings.Contains(full.String(), want) {
			t.Errorf("full log missing %q:\n%s", want, full.String())
		}
	}
	if strings.Count(full.String(), "[TAIL uv sync] end") != 1 {
		t.Errorf("second tail closed more than once:\n%s", full.String())
	}
}

func TestRunLogStampsEveryLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "run.log")
	rl, err := openRunLog(path)
	if err != nil {
		t.Fatal(err)
	}
	rl.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	if _, err := rl.Write([]byte("[INFO] one\n[INFO] two\n")); err != nil {
		t.Fatal(err)
	}
	if err := rl.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := "[2026-01-02T03:04:05.000] [INFO] one\n[2026-01-02T03:04:05.000] [INFO] two\n"
	if string(data) != want {
		t.Fatalf("run log = %q, want %q", data, want)
	}
}

func TestSetFullLogWriterKeepsFirst(t *testing.T) {
	var out, first, second bytes.Buffer
	l := New(Options{Out: &out, FullLogWriter: &first, LogLevel: LogLevelWarn})
	l.SetFullLogWriter(&second)
	l.Warn("hello")

	if second.Len() != 0 || !strings.Contains(first.String(), "hello") {
		t.Fatalf("first = %q, second = %q", first.String(), second.String())
	}
	if !strings.Contains(out.String(), "already attached") {
		t.Fatalf("out = %q", out.String())
	}
}
