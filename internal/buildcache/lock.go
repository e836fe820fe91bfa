package buildcache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/0xa1bed0/mkimage/internal/logs"
)

const (
	lockStaleAfter = 10 * time.Minute
	lockHeartbeat  = lockStaleAfter / 4
	lockRetryDelay = 50 * time.Millisecond
)

// Locker grants exclusive ownership of a key until unlock is called.
type Locker interface {
	Lock(ctx context.Context, key Key) (unlock func(), err error)
}

// LocalLocker serializes holders of the same key inside one process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[Key]chan struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: map[Key]chan struct{}{}}
}

func (l *LocalLocker) Lock(ctx context.Context, key Key) (func(), error) {
	for {
		l.mu.Lock()
		ch, busy := l.held[key]
		if !busy {
			ch = make(chan struct{})
			l.held[key] = ch
			l.mu.Unlock()

			var once sync.Once
			return func() {
				once.Do(func() {
					l.mu.Lock()
					delete(l.held, key)
					l.mu.Unlock()
					close(ch)
				})
			}, nil
		}
		l.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// FileLocker extends LocalLocker across processes with one lock file per key
// under dir.
type FileLocker struct {
	dir   string
	local *LocalLocker
}

func NewFileLocker(dir string) (*FileLocker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("buildcache: create lock dir: %w", err)
	}
	return &FileLocker{dir: dir, local: NewLocalLocker()}, nil
}

func (l *FileLocker) Lock(ctx context.Context, key Key) (func(), error) {
	unlockLocal, err := l.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	mu := newFSMutex(filepath.Join(l.dir, string(key)+".lock"))
	if err := mu.Lock(ctx); err != nil {
		unlockLocal()
		return nil, err
	}
	return func() {
		mu.Unlock()
		unlockLocal()
	}, nil
}

// fsMutex is an O_EXCL lock file stamped with its owner, pid and host. The
// holder touches the file every heartbeat, so a lock whose mtime is older
// than lockStaleAfter has lost its holder. A lock recorded by a live process
// on this host is never broken, whatever its age.
type fsMutex struct {
	lockPath  string
	owner     string
	heartbeat time.Duration

	mu     sync.Mutex
	locked bool
	stop   chan struct{}
	done   chan struct{}
}

func newFSMutex(lockPath string) *fsMutex {
	return &fsMutex{lockPath: lockPath, owner: uuid.NewString(), heartbeat: lockHeartbeat}
}

func (mu *fsMutex) Lock(ctx context.Context) error {
	host, _ := os.Hostname()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		f, err := os.OpenFile(mu.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, _ = fmt.Fprintf(f, "%s\n%d\n%d\n%s\n", mu.owner, os.Getpid(), time.Now().Unix(), host)
			_ = f.Close()
			mu.hold()
			return nil
		}

		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("buildcache: acquire %s: %w", mu.lockPath, err)
		}

		info, statErr := os.Stat(mu.lockPath)
		if statErr != nil {
			// Vanished between calls: retry at once.
			if errors.Is(statErr, os.ErrNotExist) {
				continue
			}
			return statErr
		}

		if age := time.Since(info.ModTime()); age > lockStaleAfter && !heldByLiveProcess(mu.lockPath, host) {
			logs.Warnf("breaking stale cache lock %s (untouched for %s)", filepath.Base(mu.lockPath), age.Round(time.Second))
			_ = os.Remove(mu.lockPath)
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockRetryDelay):
		}
	}
}

// hold marks the lock taken and starts touching the lock file until Unlock.
func (mu *fsMutex) hold() {
	mu.mu.Lock()
	defer mu.mu.Unlock()
	mu.locked = true
	mu.stop = make(chan struct{})
	mu.done = make(chan struct{})

	go func(stop <-chan struct{}, done chan<- struct{}) {
		defer close(done)
		ticker := time.NewTicker(mu.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case now := <-ticker.C:
				if err := os.Chtimes(mu.lockPath, now, now); err != nil {
					logs.Warnf("refresh cache lock %s: %v", filepath.Base(mu.lockPath), err)
				}
			}
		}
	}(mu.stop, mu.done)
}

// Unlock removes the lock file unless another owner has since broken and
// re-taken it.
func (mu *fsMutex) Unlock() {
	mu.mu.Lock()
	if !mu.locked {
		mu.mu.Unlock()
		return
	}
	mu.locked = false
	close(mu.stop)
	done := mu.done
	mu.mu.Unlock()
	<-done

	data, err := os.ReadFile(mu.lockPath)
	if err != nil {
		return
	}
	if first, _, _ := strings.Cut(string(data), "\n"); first != mu.owner {
		return
	}
	_ = os.Remove(mu.lockPath)
}

// heldByLiveProcess reports whether the lock file names a process on this
// host that still exists. Locks from other hosts, or with no readable owner,
// fall back to the mtime check alone.
func heldByLiveProcess(lockPath, host string) bool {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return false
	}
	lines := strings.Split(string(data), "\n")
	if len(lines) < 4 || lines[3] != host {
		return false
	}
	pid, err := strconv.Atoi(lines[1])
	if err != nil || pid <= 0 {
		return false
	}
	return processAlive(pid)
}

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	if err == nil || errors.Is(err, syscall.EPERM) {
		return true
	}
	return false
}
