package project

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/0xa1bed0/mkimage/internal/hardener"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDefaults(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "Tarot Reader")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	p, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.Name != "tarot-reader" {
		t.Fatalf("name = %q", p.Name)
	}
	if p.Version != DefaultVersion {
		t.Fatalf("version = %q", p.Version)
	}
	if !reflect.DeepEqual(p.Config, Defaults()) {
		t.Fatalf("config = %+v\nwant %+v", p.Config, Defaults())
	}
	if p.Ref() != "tarot-reader:0.0.0" {
		t.Fatalf("ref = %q", p.Ref())
	}
	if got := p.SourceTarget("src"); got != "/app/src" {
		t.Fatalf("source target = %q", got)
	}
}

func TestLoadManifestAndConfig(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ManifestFile, "[project]\nname = \"Tarot_API\"\nversion = \"1.4.2\"\n")
	writeFile(t, dir, ConfigFile, strings.Join([]string{
		"sources: [app, main.py]",
		"data_dir: /srv/data",
		"identity:",
		"  user: svc",
		"  uid: 20000",
		"app:",
		"  module: main:app",
		"selectors:",
		"  - from: /app/.venv",
		"  - from: /app/app",
		"    to: /srv/app",
		"build_args:",
		"  FAST_API_PORT: \"9090\"",
		"",
	}, "\n"))

	p, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.Name != "tarot_api" || p.Version != "1.4.2" {
		t.Fatalf("name/version = %q/%q", p.Name, p.Version)
	}
	cfg := p.Config
	if !reflect.DeepEqual(cfg.Sources, []string{"app", "main.py"}) || cfg.DataDir != "/srv/data" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Identity.User != "svc" || cfg.Identity.UID != 20000 || cfg.Identity.GID != 10000 || cfg.Identity.Group != "app" {
		t.Fatalf("identity defaults not merged: %+v", cfg.Identity)
	}
	if cfg.App.Module != "main:app" {
		t.Fatalf("app = %+v", cfg.App)
	}
	if len(cfg.Selectors) != 2 || cfg.Selectors[1].To != "/srv/app" {
		t.Fatalf("selectors = %+v", cfg.Selectors)
	}
	if cfg.BuildArgs["FAST_API_PORT"] != "9090" {
		t.Fatalf("build args = %v", cfg.BuildArgs)
	}
	if cfg.Lock != "uv.lock" || cfg.RuntimePin != ".python-version" {
		t.Fatalf("file defaults lost: %+v", cfg)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := map[string]string{
		"bad yaml":          "sources: [",
		"relative workdir":  "workdir: app",
		"relative data dir": "data_dir: data",
		"escaping source":   "sources: [../secrets]",
		"remote w/o creds":  "cache:\n  remote:\n    endpoint: localhost:9000\n    bucket: mkimage\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, dir, ConfigFile, content)
			if _, err := Load(dir); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadRejectsRootIdentity(t *testing.T) {
	for _, content := range []string{"identity:\n  uid: 0\n", "identity:\n  user: svc\n  gid: 0\n"} {
		dir := t.TempDir()
		writeFile(t, dir, ConfigFile, content)
		_, err := Load(dir)
		if !errors.Is(err, hardener.ErrPrivilege) {
			t.Fatalf("%q: expected ErrPrivilege, got %v", content, err)
		}
	}
}

func TestLoadCustomWorkdir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ConfigFile, "workdir: /srv/tarot\nsources: [src, main.py]\n")

	p, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	var froms []string
	for _, sel := range p.Config.Selectors {
		froms = append(froms, sel.From)
	}
	if want := []string{"/app/.venv", "/srv/tarot/src", "/srv/tarot/main.py"}; !reflect.DeepEqual(froms, want) {
		t.Fatalf("selectors = %v, want %v", froms, want)
	}
	if got := p.Config.SourceRoot(); got != "/srv/tarot/src" {
		t.Fatalf("source root = %q", got)
	}
	for _, f := range []string{"src/api/main.py", "main.py"} {
		target := p.SourceTarget(f)
		covered := false
		for _, from := range froms {
			if target == from || strings.HasPrefix(target, from+"/") {
				covered = true
			}
		}
		if !covered {
			t.Errorf("source %s lands at %s, which no selector keeps", f, target)
		}
	}
}

func TestLoadRemoteCredentialsFromEnvironment(t *testing.T) {
	t.Setenv("MKIMAGE_CACHE_ACCESS_KEY", "minio")
	t.Setenv("MKIMAGE_CACHE_SECRET_KEY", "minio123")

	dir := t.TempDir()
	writeFile(t, dir, ConfigFile, "cache:\n  remote:\n    endpoint: localhost:9000\n    bucket: mkimage\n")

	p, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	remote := p.Config.Cache.Remote
	if !remote.Enabled() || remote.AccessKey != "minio" || remote.SecretKey != "minio123" {
		t.Fatalf("remote = %+v", remote)
	}
}

func TestLoadMissingDirectory(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected error for a missing directory")
	}
}

func TestLabels(t *testing.T) {
	p := &Project{Name: "tarot", Version: "1.0.0"}
	labels := p.Labels("sha256:abc", "3.12.4")
	want := map[string]string{
		"org.opencontainers.image.title":   "tarot",
		"org.opencontainers.image.version": "1.0.0",
		"mkimage.image_schema_version":     "1",
		"mkimage.lock_digest":              "sha256:abc",
		"mkimage.runtime_pin":              "3.12.4",
	}
	if !reflect.DeepEqual(labels, want) {
		t.Fatalf("labels = %v", labels)
	}
}
