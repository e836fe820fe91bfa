package ui

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/moby/term"
)

// Tail streams the output of a long running command, such as uv, into a
// box holding its last few lines. On a terminal the box is redrawn in place.
// Closing the tail leaves a static copy of the box behind. Every line also
// goes to the run log.
type Tail interface {
	Write([]byte) (int, error)
	Println(msg string)
	Printf(msg string, args ...any)
	Close()
}

type tailBox struct {
	title string
	lines []string
	max   int

	// drawn is the number of terminal rows the box occupies, 0 when it is
	// not on screen.
	drawn int
}

func (b *tailBox) push(line string) {
	b.lines = append(b.lines, line)
	if over := len(b.lines) - b.max; over > 0 {
		b.lines = b.lines[over:]
	}
}

func (b *tailBox) render(p palette) string {
	title := b.title
	if title == "" {
		title = "output"
	}
	body := p.title.Render(title)
	if len(b.lines) > 0 {
		body += "\n" + strings.Join(b.lines, "\n")
	}
	return p.box.Render(body)
}

type tailWriter struct {
	l       *Logger
	box     *tailBox
	partial []byte
}

// NewTail opens a tail box, closing the previous one.
func (l *Logger) NewTail(title string) Tail {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closeTailLocked()
	l.tail = &tailBox{title: title, max: l.tailLines}
	l.recordLocked(fmt.Sprintf("[TAIL %s] start\n", title))
	return &tailWriter{l: l, box: l.tail}
}

// Write splits p into lines. A trailing partial line waits for the next
// write or for Close.
func (t *tailWriter) Write(p []byte) (int, error) {
	t.l.mu.Lock()
	defer t.l.mu.Unlock()

	t.partial = append(t.partial, p...)
	for {
		before, after, found := bytes.Cut(t.partial, []byte{'\n'})
		if !found {
			break
		}
		t.lineLocked(string(bytes.TrimSuffix(before, []byte{'\r'})))
		t.partial = after
	}
	return len(p), nil
}

func (t *tailWriter) Printf(msg string, args ...any) {
	t.Println(fmt.Sprintf(msg, args...))
}

func (t *tailWriter) Println(msg string) {
	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	t.lineLocked(msg)
}

func (t *tailWriter) Close() {
	t.l.mu.Lock()
	defer t.l.mu.Unlock()

	if len(t.partial) > 0 {
		t.lineLocked(string(t.partial))
		t.partial = nil
	}
	if t.l.tail == t.box {
		t.l.closeTailLocked()
	}
}

// Must be called with l.mu held.
func (t *tailWriter) lineLocked(msg string) {
	l := t.l
	if l.tail != t.box {
		// A newer tail replaced this one; print plainly.
		l.recordLocked("[TAIL] " + msg + "\n")
		fmt.Fprintln(l.out, msg)
		return
	}

	l.recordLocked(fmt.Sprintf("[TAIL %s] %s\n", t.box.title, msg))
	t.box.push(clip(msg, terminalWidth()-8))
	if l.redraw {
		l.eraseTailLocked()
		l.drawTailLocked()
	}
}

func terminalWidth() int {
	ws, err := term.GetWinsize(os.Stderr.Fd())
	if err != nil || ws.Width == 0 {
		return 120
	}
	return int(ws.Width)
}

func clip(msg string, width int) string {
	const more = " [...]"
	if width <= len(more) || len(msg) <= width {
		return msg
	}
	return msg[:width-len(more)] + more
}

// aboveTailLocked runs fn with the live box moved out of the way, so the
// printed lines scroll above it. Must be called with l.mu held.
func (l *Logger) aboveTailLocked(fn func()) {
	live := l.tail != nil && l.tail.drawn > 0
	if live {
		l.eraseTailLocked()
	}
	fn()
	if live {
		l.drawTailLocked()
	}
}

// Must be called with l.mu held.
func (l *Logger) eraseTailLocked() {
	if l.tail == nil || l.tail.drawn == 0 {
		return
	}
	rows := l.tail.drawn
	fmt.Fprintf(l.out, "\x1b[%dF", rows)
	fmt.Fprint(l.out, strings.Repeat("\x1b[2K\r\n", rows))
	fmt.Fprintf(l.out, "\x1b[%dF", rows)
	l.tail.drawn = 0
}

// Must be called with l.mu held.
func (l *Logger) drawTailLocked() {
	if l.tail == nil || len(l.tail.lines) == 0 {
		return
	}
	box := l.tail.render(l.look)
	fmt.Fprintln(l.out, box)
	l.tail.drawn = strings.Count(box, "\n") + 1
}

// closeTailLocked replaces the live box with a static one. Without a
// terminal the box is printed here for the first time. Must be called with
// l.mu held.
func (l *Logger) closeTailLocked() {
	b := l.tail
	if b == nil {
		return
	}
	l.eraseTailLocked()
	if len(b.lines) > 0 && l.level >= LogLevelInfo {
		fmt.Fprintln(l.out, b.render(l.look))
	}
	l.recordLocked(fmt.Sprintf("[TAIL %s] end\n", b.title))
	l.tail = nil
}
