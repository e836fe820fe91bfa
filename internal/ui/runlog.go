package ui

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	timestampLayout = "2006-01-02T15:04:05.000"
	runLogFlush     = 200 * time.Millisecond
)

// runLog is the append-only file a run mirrors its log into. Every line is
// timestamped. The file is fsynced in the background at most every
// runLogFlush so another process tailing it sees lines promptly.
type runLog struct {
	mu    sync.Mutex
	f     *os.File
	now   func() time.Time
	dirty bool
	stop  chan struct{}
	done  chan struct{}
}

func openRunLog(path string) (*runLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	rl := &runLog{
		f:    f,
		now:  time.Now,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go rl.flushLoop()
	return rl, nil
}

// Write stamps each line of p. Callers write whole lines.
func (rl *runLog) Write(p []byte) (int, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	stamp := []byte("[" + rl.now().Format(timestampLayout) + "] ")
	var buf bytes.Buffer
	for line := range bytes.Lines(p) {
		buf.Write(stamp)
		buf.Write(line)
	}
	if _, err := rl.f.Write(buf.Bytes()); err != nil {
		return 0, err
	}
	rl.dirty = true
	return len(p), nil
}

func (rl *runLog) Sync() error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if !rl.dirty {
		return nil
	}
	rl.dirty = false
	return rl.f.Sync()
}

func (rl *runLog) flushLoop() {
	defer close(rl.done)
	t := time.NewTicker(runLogFlush)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			_ = rl.Sync()
		case <-rl.stop:
			_ = rl.Sync()
			return
		}
	}
}

func (rl *runLog) Close() error {
	close(rl.stop)
	<-rl.done
	return rl.f.Close()
}
