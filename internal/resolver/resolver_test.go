package resolver_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/mock/gomock"

	"github.com/0xa1bed0/mkimage/internal/buildcache"
	"github.com/0xa1bed0/mkimage/internal/lockspec"
	"github.com/0xa1bed0/mkimage/internal/resolver"
	resolverMocks "github.com/0xa1bed0/mkimage/internal/resolver/mocks"
	"github.com/0xa1bed0/mkimage/internal/runtimepin"
	"github.com/0xa1bed0/mkimage/internal/stagefs"
)

const (
	hashA = "sha256:aff07c09a53a08bc8cfccb9c85b05f1aa9a2a6f23728d790723543408344ce89"
	hashB = "sha256:1f02e8b43a8fbbc3f3e0d4f0f4bbc4e0c0b7d1b38a95f7dbf3b2a6fb1f35a8e0"
)

const testLock = `version = 1
revision = 2
requires-python = ">=3.11"

[[package]]
name = "fastapi"
version = "0.115.0"
source = { registry = "https://pypi.org/simple" }
wheels = [
    { url = "https://files.example/fastapi-0.115.0-py3-none-any.whl", hash = "` + hashA + `", size = 94000 },
]

[[package]]
name = "pydantic-core"
version = "2.23.4"
source = { registry = "https://pypi.org/simple" }
wheels = [
    { url = "https://files.example/pydantic_core-2.23.4-cp312-cp312-manylinux_2_17_x86_64.whl", hash = "` + hashB + `", size = 2000 },
]

[[package]]
name = "service"
version = "0.1.0"
source = { virtual = "." }
dependencies = [
    { name = "fastapi" },
    { name = "pydantic-core" },
]
`

// universalLock is shaped like a real uv lock: a win32-only edge, a dev group
// and an edge gated on the interpreter version.
const universalLock = `version = 1
revision = 2
requires-python = ">=3.11"

[[package]]
name = "click"
version = "8.1.7"
source = { registry = "https://pypi.org/simple" }
dependencies = [
    { name = "colorama", marker = "sys_platform == 'win32'" },
]
wheels = [
    { url = "https://files.example/click-8.1.7-py3-none-any.whl", hash = "` + hashA + `" },
]

[[package]]
name = "colorama"
version = "0.4.6"
source = { registry = "https://pypi.org/simple" }
wheels = [
    { url = "https://files.example/colorama-0.4.6-py2.py3-none-any.whl", hash = "` + hashB + `" },
]

[[package]]
name = "pytest"
version = "8.3.3"
source = { registry = "https://pypi.org/simple" }
wheels = [
    { url = "https://files.example/pytest-8.3.3-py3-none-any.whl", hash = "` + hashA + `" },
]

[[package]]
name = "tomli"
version = "2.0.2"
source = { registry = "https://pypi.org/simple" }
wheels = [
    { url = "https://files.example/tomli-2.0.2-py3-none-any.whl", hash = "` + hashB + `" },
]

[[package]]
name = "uvicorn"
version = "0.32.0"
source = { registry = "https://pypi.org/simple" }
dependencies = [
    { name = "click" },
    { name = "tomli", marker = "python_full_version < '3.12'" },
]
wheels = [
    { url = "https://files.example/uvicorn-0.32.0-py3-none-any.whl", hash = "` + hashA + `" },
]

[[package]]
name = "service"
version = "0.1.0"
source = { virtual = "." }
dependencies = [
    { name = "uvicorn" },
]

[package.dev-dependencies]
dev = [
    { name = "pytest" },
]
`

func mustLock(t *testing.T) *lockspec.Spec {
	t.Helper()
	spec, err := lockspec.Parse([]byte(testLock))
	if err != nil {
		t.Fatalf("parse lock: %v", err)
	}
	return spec
}

func mustPin(t *testing.T, raw string) runtimepin.Pin {
	t.Helper()
	pin, err := runtimepin.Parse([]byte(raw + "\n"))
	if err != nil {
		t.Fatalf("parse pin: %v", err)
	}
	return pin
}

// envTree mimics what an installer produces for python version and the given
// name==version distributions.
func envTree(t *testing.T, version string, dists ...string) *stagefs.Tree {
	t.Helper()
	tr := stagefs.New()
	write := func(p, data string) {
		if err := tr.WriteFile(p, []byte(data), 0o644); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}
	write("/opt/python/bin/python3.12", "ELF")
	write("/app/.venv/pyvenv.cfg", "home = /opt/python/bin\nimplementation = CPython\nversion_info = "+version+"\n")
	if err := tr.Symlink("/opt/python/bin/python3.12", "/app/.venv/bin/python"); err != nil {
		t.Fatal(err)
	}
	for _, d := range dists {
		name, v, _ := strings.Cut(d, "==")
		dir := "/app/.venv/lib/python3.12/site-packages/" + strings.ReplaceAll(name, "-", "_") + "-" + v + ".dist-info"
		write(dir+"/METADATA", "Name: "+name+"\nVersion: "+v+"\n")
	}
	return tr
}

func newResolver(installer resolver.Installer) *resolver.Resolver {
	cache := buildcache.NewController(buildcache.NewMemoryStore(), buildcache.NewMemoryBlobStore(), nil)
	return resolver.New(cache, installer)
}

func TestResolveReusesCachedEnvironment(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	installer := resolverMocks.NewMockInstaller(ctrl)
	installer.EXPECT().
		Install(gomock.Any(), gomock.Any()).
		Return(envTree(t, "3.12.4", "fastapi==0.115.0", "pydantic-core==2.23.4"), nil).
		Times(1)

	r := newResolver(installer)
	pin, lock := mustPin(t, "3.12.4"), mustLock(t)

	first, err := r.Resolve(context.Background(), pin, lock, t.TempDir())
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if first.CacheHit {
		t.Fatal("first resolution cannot be a hit")
	}

	second, err := r.Resolve(context.Background(), pin, lock, t.TempDir())
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if !second.CacheHit || second.Key != first.Key || second.Digest != first.Digest {
		t.Fatalf("expected identical cache hit, got %+v vs %+v", second, first)
	}

	a, _ := first.Tree.Bytes()
	b, _ := second.Tree.Bytes()
	if !bytes.Equal(a, b) {
		t.Fatal("environment tars differ between resolutions")
	}
	if len(second.Paths) != 2 || second.Paths[0] != resolver.VenvDir || second.Paths[1] != resolver.PythonDir {
		t.Fatalf("paths = %v", second.Paths)
	}
}

func TestResolveFollowsMarkersAndSkipsDevGroup(t *testing.T) {
	lock, err := lockspec.Parse([]byte(universalLock))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		pin   string
		dists []string
	}{
		{pin: "3.12.4", dists: []string{"click==8.1.7", "uvicorn==0.32.0"}},
		{pin: "3.11.9", dists: []string{"click==8.1.7", "tomli==2.0.2", "uvicorn==0.32.0"}},
	}
	for _, tt := range tests {
		t.Run(tt.pin, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			installer := resolverMocks.NewMockInstaller(ctrl)
			installer.EXPECT().Install(gomock.Any(), gomock.Any()).Return(envTree(t, tt.pin, tt.dists...), nil)

			env, err := newResolver(installer).Resolve(context.Background(), mustPin(t, tt.pin), lock, t.TempDir())
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if env.CacheHit {
				t.Fatal("unexpected cache hit")
			}
		})
	}
}

func TestResolveRejectsDevPackages(t *testing.T) {
	lock, err := lockspec.Parse([]byte(universalLock))
	if err != nil {
		t.Fatal(err)
	}
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	installer := resolverMocks.NewMockInstaller(ctrl)
	installer.EXPECT().
		Install(gomock.Any(), gomock.Any()).
		Return(envTree(t, "3.12.4", "click==8.1.7", "uvicorn==0.32.0", "pytest==8.3.3"), nil)

	_, err = newResolver(installer).Resolve(context.Background(), mustPin(t, "3.12.4"), lock, t.TempDir())
	if !errors.Is(err, resolver.ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch for a dev package, got %v", err)
	}
}

func TestResolveKeyDependsOnLockAndPin(t *testing.T) {
	r := newResolver(nil)
	lock := mustLock(t)
	if r.Key(mustPin(t, "3.12.4"), lock) == r.Key(mustPin(t, "3.12.5"), lock) {
		t.Fatal("different pins must produce different keys")
	}
	other, err := lockspec.Parse([]byte(testLock + "\n"))
	if err != nil {
		t.Fatal(err)
	}
	if r.Key(mustPin(t, "3.12.4"), lock) == r.Key(mustPin(t, "3.12.4"), other) {
		t.Fatal("different locks must produce different keys")
	}
}

func TestResolveRejectsIncompatiblePin(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	// No expectations: the installer must not run.
	r := newResolver(resolverMocks.NewMockInstaller(ctrl))

	for _, raw := range []string{"3.10", "3.11.9"} {
		_, err := r.Resolve(context.Background(), mustPin(t, raw), mustLock(t), t.TempDir())
		var vm *resolver.VersionMismatchError
		if !errors.As(err, &vm) || !errors.Is(err, resolver.ErrVersionMismatch) {
			t.Fatalf("pin %s: expected VersionMismatchError, got %v", raw, err)
		}
	}
}

func TestResolveRejectsDrift(t *testing.T) {
	build := map[string]func(t *testing.T) *stagefs.Tree{
		"missing package": func(t *testing.T) *stagefs.Tree {
			return envTree(t, "3.12.4", "fastapi==0.115.0")
		},
		"wrong version": func(t *testing.T) *stagefs.Tree {
			return envTree(t, "3.12.4", "fastapi==0.115.2", "pydantic-core==2.23.4")
		},
		"extra package": func(t *testing.T) *stagefs.Tree {
			return envTree(t, "3.12.4", "fastapi==0.115.0", "pydantic-core==2.23.4", "requests==2.32.3")
		},
		"wrong interpreter": func(t *testing.T) *stagefs.Tree {
			return envTree(t, "3.12.7", "fastapi==0.115.0", "pydantic-core==2.23.4")
		},
	}

	for name, mk := range build {
		t.Run(name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			installer := resolverMocks.NewMockInstaller(ctrl)
			installer.EXPECT().Install(gomock.Any(), gomock.Any()).Return(mk(t), nil).Times(2)

			r := newResolver(installer)
			for i := 0; i < 2; i++ {
				_, err := r.Resolve(context.Background(), mustPin(t, "3.12.4"), mustLock(t), t.TempDir())
				if !errors.Is(err, resolver.ErrVersionMismatch) {
					t.Fatalf("attempt %d: expected ErrVersionMismatch, got %v", i, err)
				}
			}
		})
	}
}

func TestResolvePropagatesInstallerError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	boom := errors.New("network unreachable")
	installer := resolverMocks.NewMockInstaller(ctrl)
	installer.EXPECT().Install(gomock.Any(), gomock.Any()).Return(nil, boom)

	_, err := newResolver(installer).Resolve(context.Background(), mustPin(t, "3.12.4"), mustLock(t), t.TempDir())
	if !errors.Is(err, boom) {
		t.Fatalf("expected installer error, got %v", err)
	}
}

func TestResolvePassesRequest(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	pin, lock, dir := mustPin(t, "3.12"), mustLock(t), t.TempDir()
	installer := resolverMocks.NewMockInstaller(ctrl)
	installer.EXPECT().
		Install(gomock.Any(), resolver.InstallRequest{Pin: pin, Lock: lock, ProjectDir: dir}).
		Return(envTree(t, "3.12.7", "fastapi==0.115.0", "pydantic-core==2.23.4"), nil)

	if _, err := newResolver(installer).Resolve(context.Background(), pin, lock, dir); err != nil {
		t.Fatalf("resolve: %v", err)
	}
}

func TestUVInstallerRelocatesEnvironment(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	project := t.TempDir()
	if err := os.WriteFile(filepath.Join(project, "pyproject.toml"), []byte("[project]\nname = \"service\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	envValue := func(env []string, key string) string {
		for _, kv := range env {
			if strings.HasPrefix(kv, key+"=") {
				return strings.TrimPrefix(kv, key+"=")
			}
		}
		return ""
	}

	var interp, venv string
	runner := resolverMocks.NewMockRunner(ctrl)
	gomock.InOrder(
		runner.EXPECT().
			Run(gomock.Any(), gomock.Any(), gomock.Any(), "uv", "python", "install", "3.12.4").
			DoAndReturn(func(_ context.Context, dir string, env []string, _ string, _ ...string) error {
				if _, err := os.Stat(filepath.Join(dir, "uv.lock")); err != nil {
					t.Errorf("lock not staged: %v", err)
				}
				if envValue(env, "UV_CACHE_DIR") != "/cache/uv" {
					t.Errorf("cache dir not passed: %v", env)
				}
				interp = filepath.Join(envValue(env, "UV_PYTHON_INSTALL_DIR"), "cpython-3.12.4-linux-x86_64-gnu")
				if err := os.MkdirAll(filepath.Join(interp, "bin"), 0o755); err != nil {
					return err
				}
				return os.WriteFile(filepath.Join(interp, "bin", "python3.12"), []byte("ELF"), 0o755)
			}),
		runner.EXPECT().
			Run(gomock.Any(), gomock.Any(), gomock.Any(), "uv", "sync", "--frozen", "--no-dev", "--no-install-project", "--python", "3.12.4").
			DoAndReturn(func(_ context.Context, _ string, env []string, _ string, _ ...string) error {
				venv = envValue(env, "UV_PROJECT_ENVIRONMENT")
				bin := filepath.Join(venv, "bin")
				if err := os.MkdirAll(bin, 0o755); err != nil {
					return err
				}
				if err := os.Symlink(filepath.Join(interp, "bin", "python3.12"), filepath.Join(bin, "python")); err != nil {
					return err
				}
				script := "#!" + filepath.Join(bin, "python") + "\nimport uvicorn\n"
				if err := os.WriteFile(filepath.Join(bin, "uvicorn"), []byte(script), 0o755); err != nil {
					return err
				}
				cfg := "home = " + filepath.Join(interp, "bin") + "\nversion_info = 3.12.4\n"
				if err := os.WriteFile(filepath.Join(venv, "pyvenv.cfg"), []byte(cfg), 0o644); err != nil {
					return err
				}
				return os.MkdirAll(filepath.Join(venv, "lib", "python3.12", "site-packages", "__pycache__"), 0o755)
			}),
	)

	u := resolver.NewUVInstallerWithRunner("uv", "/cache/uv", runner)
	tree, err := u.Install(context.Background(), resolver.InstallRequest{
		Pin:        mustPin(t, "3.12.4"),
		Lock:       mustLock(t),
		ProjectDir: project,
	})
	if err != nil {
		t.Fatalf("install: %v", err)
	}

	link, ok := tree.Lstat("/app/.venv/bin/python")
	if !ok || link.Target != "/opt/python/bin/python3.12" {
		t.Fatalf("python symlink = %+v", link)
	}
	script, _ := tree.ReadFile("/app/.venv/bin/uvicorn")
	if !strings.HasPrefix(string(script), "#!/app/.venv/bin/python\n") {
		t.Fatalf("shebang not relocated: %q", script)
	}
	cfg, _ := tree.ReadFile("/app/.venv/pyvenv.cfg")
	if !strings.Contains(string(cfg), "home = /opt/python/bin") {
		t.Fatalf("pyvenv.cfg not relocated: %q", cfg)
	}
	if !tree.Exists("/opt/python/bin/python3.12") {
		t.Fatal("interpreter not imported")
	}
	if tree.Exists("/app/.venv/lib/python3.12/site-packages/__pycache__") {
		t.Fatal("bytecode cache imported")
	}
	if _, err := os.Stat(venv); !os.IsNotExist(err) {
		t.Fatalf("work dir not cleaned up: %v", err)
	}
}

func TestUVInstallerNeedsManifest(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	u := resolver.NewUVInstallerWithRunner("uv", "", resolverMocks.NewMockRunner(ctrl))
	_, err := u.Install(context.Background(), resolver.InstallRequest{Pin: mustPin(t, "3.12.4"), Lock: mustLock(t), ProjectDir: t.TempDir()})
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected missing pyproject error, got %v", err)
	}
}
