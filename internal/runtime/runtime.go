// Package runtime holds the state of one mkimage invocation: its context,
// run id, background goroutines and build history.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	hostappconfig "github.com/0xa1bed0/mkimage/internal/apps/mkimage/config"
	"github.com/0xa1bed0/mkimage/internal/launcher"
	"github.com/0xa1bed0/mkimage/internal/logs"
)

const (
	// ExitInterrupted is the exit code after SIGINT or SIGTERM cancelled the
	// run.
	ExitInterrupted = 130

	shutdownGrace = 5 * time.Second
)

type Runtime struct {
	runID string

	ctx        context.Context
	cancelFunc context.CancelFunc
	stopSignal context.CancelFunc

	wg sync.WaitGroup

	mu      sync.Mutex
	failure error
}

type runtimeKey struct{}

// New returns a runtime whose context is cancelled by SIGINT or SIGTERM.
func New() *Runtime {
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithCancel(sigCtx)

	rt := &Runtime{
		runID:      uuid.NewString(),
		cancelFunc: cancel,
		stopSignal: stop,
	}
	rt.ctx = context.WithValue(ctx, runtimeKey{}, rt)
	return rt
}

func (rt *Runtime) RunID() string        { return rt.runID }
func (rt *Runtime) Ctx() context.Context { return rt.ctx }
func (rt *Runtime) CancelCtx()           { rt.cancelFunc() }

// FromContext returns the runtime a command context was derived from, or nil.
func FromContext(ctx context.Context) *Runtime {
	rt, _ := ctx.Value(runtimeKey{}).(*Runtime)
	return rt
}

func FromContextOrPanic(ctx context.Context) *Runtime {
	if rt := FromContext(ctx); rt != nil {
		return rt
	}
	panic(errors.New("no runtime in context"))
}

// OpenRunLog mirrors every log line of this run into the project's run log
// and returns its path, or "" when the file can't be opened.
func (rt *Runtime) OpenRunLog(projectName string) string {
	path := hostappconfig.RunLogPath(projectName, rt.runID)
	if err := logs.SetFullLogPath(path); err != nil {
		logs.Warnf("can't open run log: %v", err)
		return ""
	}
	logs.Debugf("run log at %s", path)
	return path
}

// GoNamed runs fn in a goroutine Wait accounts for. A panic in fn becomes
// the run's failure and cancels the context.
func (rt *Runtime) GoNamed(name string, fn func()) {
	rt.wg.Go(func() {
		defer func() {
			if r := recover(); r != nil {
				rt.fail(fmt.Errorf("%s panic: %v\n%s", name, r, debug.Stack()))
			}
		}()
		logs.Debugf("[%s] started", name)
		fn()
		logs.Debugf("[%s] done", name)
	})
}

func (rt *Runtime) fail(err error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.failure != nil {
		return
	}
	rt.failure = err
	rt.cancelFunc()
}

// Wait blocks until every GoNamed goroutine returned and reports the first
// panic among them.
func (rt *Runtime) Wait() error {
	rt.wg.Wait()
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.failure
}

// OnShutdown runs fn after the runtime context is done. fn gets a fresh
// context with a short deadline.
func (rt *Runtime) OnShutdown(fn func(ctx context.Context)) {
	rt.GoNamed("shutdown", func() {
		<-rt.ctx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		fn(ctx)
	})
}

// ExitCode maps a command error to the process exit code. A launched
// server's own exit code is passed through.
func ExitCode(err error) int {
	var ee *launcher.ExitError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &ee):
		return ee.Code
	case errors.Is(err, context.Canceled):
		return ExitInterrupted
	default:
		return 1
	}
}

// stop cancels the run, drains background goroutines and detaches signals.
func (rt *Runtime) stop() error {
	rt.CancelCtx()
	err := rt.Wait()
	rt.stopSignal()
	return err
}

// Finalize reports the outcome of the run and exits with its code. Defer it
// first thing in main; it also turns a panic into exit code 1.
func (rt *Runtime) Finalize(appName, helpHint string, execErr *error) {
	if r := recover(); r != nil {
		fmt.Fprintf(os.Stderr, "%s panic: %v\n%s\n", appName, r, debug.Stack())
		_ = rt.stop()
		logs.Close()
		os.Exit(1)
	}

	err := rt.stop()
	if execErr != nil && *execErr != nil {
		err = *execErr
	}
	code := ExitCode(err)

	var ee *launcher.ExitError
	switch {
	case err == nil:
	case errors.As(err, &ee):
		logs.Debugf("%s: %v", appName, err)
	case code == ExitInterrupted:
		logs.Warnf("%s interrupted", appName)
	default:
		logs.Errorf("%s: %v", appName, err)
		if helpHint != "" {
			fmt.Fprintln(os.Stderr, helpHint)
		}
	}

	logs.Close()
	if code != 0 {
		os.Exit(code)
	}
}
