// Package launcher derives the single server command of the image from the
// effective runtime configuration and runs it in the foreground.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/0xa1bed0/mkimage/internal/logs"
	"github.com/0xa1bed0/mkimage/internal/runconfig"
)

// ExitPortMismatch is the exit code of the image entrypoint when the listen
// port was overridden at run time to something the image does not expose.
const ExitPortMismatch = 64

var (
	ErrModuleNotFound = errors.New("application module not found")
	ErrPortBind       = errors.New("address is not bindable")
)

// PortBindError reports an address the server would fail to listen on.
type PortBindError struct {
	Addr string
	Err  error
}

func (e *PortBindError) Error() string {
	return fmt.Sprintf("cannot bind %s: %v", e.Addr, e.Err)
}

func (e *PortBindError) Unwrap() error { return ErrPortBind }

// ExitError carries the exit code of the launched process.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("server exited with code %d: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("server exited with code %d", e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// App names the ASGI application and the tools that serve it.
type App struct {
	// Module is the uvicorn import string, e.g. "server:app".
	Module string `yaml:"module"`
	Server string `yaml:"server"`
	Python string `yaml:"python"`
}

func DefaultApp() App {
	return App{Module: "server:app", Server: "uvicorn", Python: "python"}
}

func (a App) withDefaults() App {
	d := DefaultApp()
	if a.Module == "" {
		a.Module = d.Module
	}
	if a.Server == "" {
		a.Server = d.Server
	}
	if a.Python == "" {
		a.Python = d.Python
	}
	return a
}

// ModuleFile is the relative path of the python module holding the app,
// e.g. "server.py" for "server:app" or "api/main.py" for "api.main:app".
func (a App) ModuleFile() string {
	mod, _, _ := strings.Cut(a.withDefaults().Module, ":")
	return strings.ReplaceAll(mod, ".", "/") + ".py"
}

// Entrypoint renders the image entrypoint. Host and port always come from
// the environment the configurator wrote, so a run-time override of either
// reaches the server, and a port that the image does not expose makes the
// container exit with ExitPortMismatch before the server starts. A run-time
// PYTHONPATH gets the baked source root appended.
func Entrypoint(app App) []string {
	app = app.withDefaults()
	script := fmt.Sprintf(
		`if [ "${%[1]s}" != "${%[2]s}" ]; then echo "refusing to start: %[1]s=${%[1]s} but the image exposes ${%[2]s}" >&2; exit %[3]d; fi; `+
			`if [ -n "${%[8]s}" ]; then case ":${%[9]s}:" in *":${%[8]s}:"*) ;; *) %[9]s="${%[9]s:+$%[9]s:}${%[8]s}"; export %[9]s ;; esac; fi; `+
			`exec %[4]s -m %[5]s %[6]s --host "${%[7]s}" --port "${%[1]s}"`,
		runconfig.EnvPort, runconfig.EnvExposedPort, ExitPortMismatch,
		app.Python, app.Server, app.Module, runconfig.EnvHost,
		runconfig.EnvSourceRoot, runconfig.EnvPythonPath,
	)
	return []string{"/bin/sh", "-c", script}
}

// Command is a fully resolved process invocation.
type Command struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Path}, c.Args...), " ")
}

// BuildCommand produces the direct invocation of the server for cfg. The
// environment is environ with the configuration merged in.
func BuildCommand(app App, cfg runconfig.Config, environ []string) Command {
	app = app.withDefaults()
	return Command{
		Path: app.Python,
		Args: []string{
			"-m", app.Server, app.Module,
			"--host", cfg.BindAddress,
			"--port", strconv.Itoa(cfg.ListenPort),
		},
		Env: cfg.Environ(environ),
	}
}

// Preflight checks that the app module is importable from the module search
// path or workdir and that the configured address can be bound.
func Preflight(app App, cfg runconfig.Config, workdir string) error {
	rel := app.ModuleFile()
	found := false
	for _, dir := range append(append([]string{}, cfg.ModuleSearchPath...), workdir) {
		if dir == "" {
			continue
		}
		if fi, err := os.Stat(filepath.Join(dir, rel)); err == nil && fi.Mode().IsRegular() {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %s not under %s or %s", ErrModuleNotFound, rel, strings.Join(cfg.ModuleSearchPath, ":"), workdir)
	}

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return &PortBindError{Addr: cfg.Addr(), Err: err}
	}
	return ln.Close()
}

// Launch starts cmd as the single foreground process, forwards SIGINT and
// SIGTERM to it and waits. A non-zero exit is reported as *ExitError.
// Cancelling ctx sends SIGTERM. The process is never restarted.
func Launch(ctx context.Context, c Command) error {
	path, err := exec.LookPath(c.Path)
	if err != nil {
		return &ExitError{Code: 127, Err: err}
	}

	cmd := exec.Command(path, c.Args...)
	cmd.Env = c.Env
	cmd.Dir = c.Dir
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := cmd.Start(); err != nil {
		return &ExitError{Code: 1, Err: err}
	}
	logs.Debugf("launched %s (pid %d)", c, cmd.Process.Pid)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	ctxDone := ctx.Done()
	for {
		select {
		case sig := <-sigCh:
			logs.Debugf("forwarding %s to pid %d", sig, cmd.Process.Pid)
			_ = cmd.Process.Signal(sig)
		case <-ctxDone:
			ctxDone = nil
			_ = cmd.Process.Signal(syscall.SIGTERM)
		case err := <-done:
			return exitErr(err)
		}
	}
}

func exitErr(err error) error {
	if err == nil {
		return nil
	}
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return &ExitError{Code: 1, Err: err}
	}
	if status, ok := ee.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return &ExitError{Code: 128 + int(status.Signal())}
	}
	return &ExitError{Code: ee.ExitCode()}
}
