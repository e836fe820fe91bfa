package ui

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/moby/term"
)

type LogLevel int

// Levels are ordered by verbosity. A line is shown when the logger's level
// is at least the line's level.
const (
	LogLevelError LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelDebug
	LogLevelDebugVerbose

	// logLevelRecordOnly lines only reach the run log.
	logLevelRecordOnly
)

type Options struct {
	// Out receives user-facing lines. Defaults to os.Stderr so stdout stays
	// free for command output.
	Out io.Writer

	// FullLogWriter receives every line in plain text regardless of level.
	FullLogWriter io.Writer

	// TailLines is the height of a tail box. Defaults to 5.
	TailLines int

	// EnableTail redraws tail boxes in place. Ignored unless Out is a
	// terminal.
	EnableTail bool

	LogLevel LogLevel

	// Component prefixes every line, e.g. "docker".
	Component string
}

// Logger prints leveled lines to the terminal and keeps a complete plain
// copy in the run log.
type Logger struct {
	mu sync.Mutex

	out   io.Writer
	level LogLevel
	tag   string
	look  palette

	// record is nil until a run log is attached. Lines logged before
	// that wait in pending.
	record  io.Writer
	pending []string

	tail      *tailBox
	tailLines int
	redraw    bool
}

type palette struct {
	levels map[string]lipgloss.Style
	banner lipgloss.Style
	box    lipgloss.Style
	title  lipgloss.Style
}

func newPalette() palette {
	return palette{
		levels: map[string]lipgloss.Style{
			"ERR ": lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
			"WARN": lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
			"INFO": lipgloss.NewStyle(),
			"DEBG": lipgloss.NewStyle().Faint(true),
		},
		banner: lipgloss.NewStyle().Bold(true).Border(lipgloss.NormalBorder()).Padding(0, 1).Margin(1, 0),
		box:    lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1),
		title:  lipgloss.NewStyle().Bold(true),
	}
}

func New(opts Options) *Logger {
	if opts.Out == nil {
		opts.Out = os.Stderr
	}
	if opts.TailLines <= 0 {
		opts.TailLines = 5
	}
	return &Logger{
		out:       opts.Out,
		level:     opts.LogLevel,
		tag:       opts.Component,
		look:      newPalette(),
		record:    opts.FullLogWriter,
		tailLines: opts.TailLines,
		redraw:    opts.EnableTail && isTerminal(opts.Out),
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	_, isTerm := term.GetFdInfo(f)
	return isTerm
}

func (l *Logger) SetLogLevel(level LogLevel) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

func (l *Logger) SetComponent(component string) {
	l.mu.Lock()
	l.tag = component
	l.mu.Unlock()
}

// SetFullLogWriter attaches the run log and flushes what was logged so far.
// Only the first writer is kept.
func (l *Logger) SetFullLogWriter(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.record != nil {
		l.printLocked(LogLevelError, "ERR ", "run log already attached, ignoring another one")
		return
	}
	l.record = w
	for _, line := range l.pending {
		io.WriteString(w, line)
	}
	l.pending = nil
}

// SetFullLogPath appends the run log to the file at path.
func (l *Logger) SetFullLogPath(path string) error {
	rl, err := openRunLog(path)
	if err != nil {
		return err
	}
	l.SetFullLogWriter(rl)
	return nil
}

// Close leaves any open tail on screen and closes the run log.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closeTailLocked()
	if c, ok := l.record.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (l *Logger) Error(format string, args ...any) { l.log(LogLevelError, "ERR ", format, args...) }
func (l *Logger) Info(format string, args ...any)  { l.log(LogLevelInfo, "INFO", format, args...) }
func (l *Logger) Warn(format string, args ...any)  { l.log(LogLevelWarn, "WARN", format, args...) }
func (l *Logger) Debug(format string, args ...any) { l.log(LogLevelDebug, "DEBG", format, args...) }

// InfoSilent only reaches the run log.
func (l *Logger) InfoSilent(format string, args ...any) {
	l.log(logLevelRecordOnly, "INFO", format, args...)
}

func (l *Logger) log(level LogLevel, label, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.level >= LogLevelDebugVerbose {
		// log <- Logger.Info <- logs.Infof <- caller
		msg = callSite(3) + msg
	}
	l.printLocked(level, label, msg)
}

func callSite(skip int) string {
	pc, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return "[?] "
	}
	fn := "?"
	if f := runtime.FuncForPC(pc); f != nil {
		fn = strings.TrimPrefix(f.Name(), "github.com/0xa1bed0/mkimage/")
	}
	return fmt.Sprintf("[%s:%d %s] ", filepath.Base(file), line, fn)
}

// Must be called with l.mu held.
func (l *Logger) printLocked(level LogLevel, label, msg string) {
	if l.tag != "" {
		msg = "[" + l.tag + "] " + msg
	}
	l.recordLocked("[" + label + "] " + msg + "\n")
	if level > l.level {
		return
	}
	line := fmt.Sprintf("[%s] [%s] %s", time.Now().Format(timestampLayout), label, msg)
	l.aboveTailLocked(func() {
		fmt.Fprintln(l.out, l.look.levels[label].Render(line))
	})
}

// Must be called with l.mu held.
func (l *Logger) recordLocked(line string) {
	if l.record == nil {
		l.pending = append(l.pending, line)
		return
	}
	io.WriteString(l.record, line)
}

// Banner prints a boxed title and marks a section in the run log.
func (l *Logger) Banner(title string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.recordLocked("\n===== " + title + " =====\n\n")
	l.aboveTailLocked(func() {
		fmt.Fprintln(l.out, l.look.banner.Render(title))
	})
}
