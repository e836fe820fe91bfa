package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"go.uber.org/mock/gomock"

	"github.com/0xa1bed0/mkimage/internal/assembler"
	"github.com/0xa1bed0/mkimage/internal/buildcache"
	"github.com/0xa1bed0/mkimage/internal/launcher"
	"github.com/0xa1bed0/mkimage/internal/lockspec"
	"github.com/0xa1bed0/mkimage/internal/ociimage"
	"github.com/0xa1bed0/mkimage/internal/resolver"
	resolverMocks "github.com/0xa1bed0/mkimage/internal/resolver/mocks"
	"github.com/0xa1bed0/mkimage/internal/stagefs"
)

const uvicornHash = "sha256:60b8f3a5ac027dcd31d81bb3b6ea1d2fde7e6d5e4a9d5a61d6f5d1c3c1e7b2a4"

const testLock = `version = 1
revision = 2
requires-python = ">=3.12"

[[package]]
name = "uvicorn"
version = "0.32.0"
source = { registry = "https://pypi.org/simple" }
wheels = [
    { url = "https://files.example/uvicorn-0.32.0-py3-none-any.whl", hash = "` + uvicornHash + `" },
]
`

func writeProject(t *testing.T, extra map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"pyproject.toml":  "[project]\nname = \"tarot\"\nversion = \"1.0.0\"\n",
		".python-version": "3.12.4\n",
		"uv.lock":         testLock,
		"src/api/main.py": "from fastapi import FastAPI\napp = FastAPI()\n",
		"server.py":       "from api.main import app\n",
	}
	for name, content := range extra {
		files[name] = content
	}
	for name, content := range files {
		p := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

// installedEnv is what uv leaves behind for testLock under python 3.12.4.
func installedEnv(t *testing.T) *stagefs.Tree {
	t.Helper()
	tr := stagefs.New()
	write := func(p, data string) {
		if err := tr.WriteFile(p, []byte(data), 0o644); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}
	write(resolver.PythonDir+"/bin/python3.12", "ELF")
	write(resolver.VenvDir+"/pyvenv.cfg", "home = /opt/python/bin\nimplementation = CPython\nversion_info = 3.12.4\n")
	if err := tr.Symlink(resolver.PythonDir+"/bin/python3.12", resolver.VenvDir+"/bin/python"); err != nil {
		t.Fatal(err)
	}
	write(resolver.VenvDir+"/lib/python3.12/site-packages/uvicorn-0.32.0.dist-info/METADATA", "Name: uvicorn\nVersion: 0.32.0\n")
	write(resolver.VenvDir+"/lib/python3.12/site-packages/uvicorn/__init__.py", "")
	return tr
}

func newPipeline(t *testing.T) (*Pipeline, *resolverMocks.MockInstaller) {
	ctrl := gomock.NewController(t)
	installer := resolverMocks.NewMockInstaller(ctrl)
	cache := buildcache.NewController(buildcache.NewMemoryStore(), buildcache.NewMemoryBlobStore(), nil)
	p := New(cache, installer)
	p.goos = "linux"
	return p, installer
}

func expectInstall(t *testing.T, installer *resolverMocks.MockInstaller, times int) {
	installer.EXPECT().Install(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, resolver.InstallRequest) (*stagefs.Tree, error) {
			return installedEnv(t), nil
		}).Times(times)
}

func flatten(t *testing.T, img *ociimage.Image) *stagefs.Tree {
	t.Helper()
	tree, err := img.Tree()
	if err != nil {
		t.Fatalf("flatten image: %v", err)
	}
	return tree
}

func TestBuildProducesHardenedImage(t *testing.T) {
	p, installer := newPipeline(t)
	expectInstall(t, installer, 1)
	dir := writeProject(t, nil)

	res, err := p.Build(context.Background(), Options{Dir: dir})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if res.Ref != "tarot:1.0.0" {
		t.Errorf("ref = %q", res.Ref)
	}
	if _, err := os.Stat(filepath.Join(dir, DefaultOutput, "index.json")); err != nil {
		t.Fatalf("layout not written: %v", err)
	}

	cfg := res.Image.Config.Config
	if cfg.User != "10000:10000" {
		t.Errorf("user = %q", cfg.User)
	}
	if got := res.Image.ExposedPorts(); !slices.Equal(got, []string{"8080/tcp"}) {
		t.Errorf("exposed ports = %v", got)
	}
	if _, ok := cfg.Volumes["/app/data"]; !ok {
		t.Errorf("volumes = %v", cfg.Volumes)
	}
	if !slices.Equal(cfg.Entrypoint, launcher.Entrypoint(launcher.DefaultApp())) {
		t.Errorf("entrypoint = %q", cfg.Entrypoint)
	}

	tree := flatten(t, res.Image)
	if err := assembler.New().VerifyNoToolchain(tree); err != nil {
		t.Errorf("toolchain in image: %v", err)
	}
	for _, p := range []string{"/app/src/api/main.py", "/app/server.py", resolver.VenvDir + "/pyvenv.cfg"} {
		n, ok := tree.Lstat(p)
		if !ok {
			t.Errorf("%s missing from image", p)
			continue
		}
		if n.UID != 0 {
			t.Errorf("%s owned by %d, artifacts must stay root-owned", p, n.UID)
		}
	}
	data, ok := tree.Lstat("/app/data")
	if !ok || data.Type != stagefs.TypeDir {
		t.Fatal("data directory missing")
	}
	if data.UID != 10000 || data.GID != 10000 || data.Mode != 0o750 {
		t.Errorf("data dir = %d:%d %o", data.UID, data.GID, data.Mode)
	}
	passwd, err := tree.ReadFile("/etc/passwd")
	if err != nil || !strings.Contains(string(passwd), "app:x:10000:10000") {
		t.Errorf("identity not registered: %q (%v)", passwd, err)
	}
}

func TestBuildPortOverride(t *testing.T) {
	p, installer := newPipeline(t)
	expectInstall(t, installer, 1)
	dir := writeProject(t, nil)

	res, err := p.Build(context.Background(), Options{
		Dir:       dir,
		BuildArgs: map[string]string{"FAST_API_PORT": "9090", "HOST": "127.0.0.1"},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got := res.Image.ExposedPorts(); !slices.Equal(got, []string{"9090/tcp"}) {
		t.Fatalf("exposed ports = %v", got)
	}

	env := res.Image.Config.Config.Env
	if !slices.Contains(env, "MKIMAGE_EXPOSED_PORT=9090") || !slices.Contains(env, "HOST=127.0.0.1") {
		t.Fatalf("env = %v", env)
	}
	cmd := launcher.BuildCommand(launcher.DefaultApp(), res.Config, env)
	if !strings.Contains(cmd.String(), "--host 127.0.0.1 --port 9090") {
		t.Fatalf("command = %s", cmd)
	}
}

func TestBuildRejectsLockWithoutHash(t *testing.T) {
	p, installer := newPipeline(t)
	expectInstall(t, installer, 0)
	dir := writeProject(t, map[string]string{
		"uv.lock": strings.Replace(testLock, `, hash = "`+uvicornHash+`"`, "", 1),
	})

	_, err := p.Build(context.Background(), Options{Dir: dir})
	if !errors.Is(err, lockspec.ErrLockIntegrity) {
		t.Fatalf("expected lock integrity error, got %v", err)
	}
	var lie *lockspec.LockIntegrityError
	if !errors.As(err, &lie) {
		t.Fatalf("error does not carry the package: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, DefaultOutput)); !os.IsNotExist(err) {
		t.Fatalf("output written for a rejected lock: %v", err)
	}
}

func TestBuildAfterSourceChangeReusesDependencies(t *testing.T) {
	p, installer := newPipeline(t)
	expectInstall(t, installer, 1)
	dir := writeProject(t, nil)
	ctx := context.Background()

	first, err := p.Build(ctx, Options{Dir: dir})
	if err != nil {
		t.Fatalf("first build: %v", err)
	}
	if s, _ := first.Stage(StageDependencies); s.CacheHit {
		t.Fatal("first build cannot hit the dependency layer")
	}

	if err := os.WriteFile(filepath.Join(dir, "src/api/main.py"), []byte("from fastapi import FastAPI\napp = FastAPI(title=\"tarot\")\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	second, err := p.Build(ctx, Options{Dir: dir})
	if err != nil {
		t.Fatalf("second build: %v", err)
	}

	for name, want := range map[string]bool{StageResolve: true, StageDependencies: true, StageSources: false} {
		s, ok := second.Stage(name)
		if !ok {
			t.Fatalf("no report for %s", name)
		}
		if s.CacheHit != want {
			t.Errorf("%s cache hit = %v, want %v", name, s.CacheHit, want)
		}
	}
	if first.Manifest.Digest == second.Manifest.Digest {
		t.Fatal("a source change must change the image")
	}
}

func TestBuildIsReproducible(t *testing.T) {
	p, installer := newPipeline(t)
	expectInstall(t, installer, 1)
	dir := writeProject(t, nil)
	ctx := context.Background()

	first, err := p.Build(ctx, Options{Dir: dir, Output: filepath.Join(t.TempDir(), "a")})
	if err != nil {
		t.Fatal(err)
	}
	second, err := p.Build(ctx, Options{Dir: dir, Output: filepath.Join(t.TempDir(), "b")})
	if err != nil {
		t.Fatal(err)
	}
	if first.Manifest.Digest != second.Manifest.Digest {
		t.Fatalf("unchanged inputs built %s then %s", first.Manifest.Digest, second.Manifest.Digest)
	}
	if first.BuildID == second.BuildID {
		t.Fatal("build ids must be unique")
	}
}

func TestBuildMissingSelector(t *testing.T) {
	p, installer := newPipeline(t)
	expectInstall(t, installer, 1)
	dir := writeProject(t, map[string]string{
		"mkimage.yaml": "selectors:\n  - from: /app/src\n  - from: /app/static\n",
	})

	_, err := p.Build(context.Background(), Options{Dir: dir})
	var sel *assembler.SelectorNotFoundError
	if !errors.As(err, &sel) || sel.Selector.From != "/app/static" {
		t.Fatalf("expected missing /app/static, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, DefaultOutput)); !os.IsNotExist(err) {
		t.Fatalf("output written for a failed build: %v", err)
	}
}

func TestBuildRefusesNonLinuxHost(t *testing.T) {
	p, installer := newPipeline(t)
	expectInstall(t, installer, 0)
	p.goos = "darwin"

	if _, err := p.Build(context.Background(), Options{Dir: writeProject(t, nil)}); !errors.Is(err, ErrUnsupportedPlatform) {
		t.Fatalf("expected ErrUnsupportedPlatform, got %v", err)
	}
}
