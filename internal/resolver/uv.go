package resolver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/0xa1bed0/mkimage/internal/logs"
	"github.com/0xa1bed0/mkimage/internal/stagefs"
)

//go:generate mockgen -source=uv.go -destination=mocks/runner_mock.go -package=mocks

// Runner executes an external command.
type Runner interface {
	Run(ctx context.Context, dir string, env []string, name string, args ...string) error
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, dir string, env []string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = env

	var out bytes.Buffer
	tail := logs.NewTailBox(name + " " + strings.Join(args[:min(len(args), 1)], " "))
	defer tail.Close()
	cmd.Stdout = io.MultiWriter(&out, tail)
	cmd.Stderr = cmd.Stdout

	logs.Debugf("[uv] %s %s", name, strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s: %w\n%s", name, strings.Join(args, " "), err, lastLines(out.String(), 20))
	}
	logs.Debugf("[uv] %s", lastLines(out.String(), 5))
	return nil
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// UVInstaller builds environments with the uv executable on the host. Each
// install runs in a throwaway project holding only pyproject.toml, the lock
// and the pin, so nothing in the source tree influences the result. The
// download cache is shared across installs.
type UVInstaller struct {
	Binary   string
	CacheDir string
	runner   Runner
}

func NewUVInstaller(binary, cacheDir string) *UVInstaller {
	return NewUVInstallerWithRunner(binary, cacheDir, execRunner{})
}

// NewUVInstallerWithRunner allows injecting the command runner for tests.
func NewUVInstallerWithRunner(binary, cacheDir string, runner Runner) *UVInstaller {
	if binary == "" {
		binary = "uv"
	}
	return &UVInstaller{Binary: binary, CacheDir: cacheDir, runner: runner}
}

func (u *UVInstaller) Install(ctx context.Context, req InstallRequest) (*stagefs.Tree, error) {
	if req.Lock == nil {
		return nil, errors.New("uv: no lock specification")
	}

	work, err := os.MkdirTemp("", "mkimage-uv-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(work)

	project := filepath.Join(work, "project")
	venv := filepath.Join(work, "venv")
	pythons := filepath.Join(work, "python")
	for _, dir := range []string{project, pythons} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	manifest, err := os.ReadFile(filepath.Join(req.ProjectDir, "pyproject.toml"))
	if err != nil {
		return nil, fmt.Errorf("uv: %w", err)
	}
	files := map[string][]byte{
		"pyproject.toml":  manifest,
		"uv.lock":         req.Lock.Bytes(),
		".python-version": []byte(req.Pin.Raw + "\n"),
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(project, name), data, 0o644); err != nil {
			return nil, err
		}
	}

	env := append(os.Environ(),
		"UV_PROJECT_ENVIRONMENT="+venv,
		"UV_PYTHON_INSTALL_DIR="+pythons,
		"UV_PYTHON_PREFERENCE=only-managed",
		"UV_LINK_MODE=copy",
		"UV_COMPILE_BYTECODE=0",
		"UV_NO_CONFIG=1",
	)
	if u.CacheDir != "" {
		env = append(env, "UV_CACHE_DIR="+u.CacheDir)
	}

	if err := u.runner.Run(ctx, project, env, u.Binary, "python", "install", req.Pin.Raw); err != nil {
		return nil, err
	}
	if err := u.runner.Run(ctx, project, env, u.Binary, "sync", "--frozen", "--no-dev", "--no-install-project", "--python", req.Pin.Raw); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	interp, err := findInterpreter(pythons)
	if err != nil {
		return nil, err
	}
	return relocate(venv, interp)
}

// findInterpreter returns the single managed CPython install under dir.
func findInterpreter(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var found []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "cpython-") {
			found = append(found, filepath.Join(dir, e.Name()))
		}
	}
	if len(found) != 1 {
		return "", fmt.Errorf("uv: expected one managed interpreter in %s, found %d", dir, len(found))
	}
	return found[0], nil
}

// relocate imports the host venv and interpreter into a tree at VenvDir and
// PythonDir, rewriting host paths in symlinks, pyvenv.cfg and bin scripts.
func relocate(venv, interp string) (*stagefs.Tree, error) {
	rewrite := strings.NewReplacer(interp, PythonDir, venv, VenvDir)
	skipCaches := stagefs.WithSkip(func(_ string, d fs.DirEntry) bool {
		return d.IsDir() && d.Name() == "__pycache__"
	})
	relink := stagefs.WithSymlinkRewrite(rewrite.Replace)

	tree := stagefs.New()
	if err := tree.ImportDir(interp, PythonDir, skipCaches, relink); err != nil {
		return nil, fmt.Errorf("import interpreter: %w", err)
	}
	if err := tree.ImportDir(venv, VenvDir, skipCaches, relink); err != nil {
		return nil, fmt.Errorf("import venv: %w", err)
	}

	var scripts []string
	_ = tree.Walk(VenvDir+"/bin", func(p string, n stagefs.Node) error {
		if n.Type == stagefs.TypeFile {
			scripts = append(scripts, p)
		}
		return nil
	})
	for _, p := range append(scripts, VenvDir+"/pyvenv.cfg") {
		n, ok := tree.Lstat(p)
		if !ok || n.Type != stagefs.TypeFile {
			continue
		}
		rewritten := rewrite.Replace(string(n.Data))
		if rewritten == string(n.Data) {
			continue
		}
		n.Data = []byte(rewritten)
		if err := tree.Put(p, n); err != nil {
			return nil, err
		}
	}
	return tree, nil
}
