// Package project loads the build description of a service directory:
// mkimage.yaml, the application version from pyproject.toml and the
// defaults for everything the file leaves out.
package project

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/0xa1bed0/mkimage/internal/assembler"
	"github.com/0xa1bed0/mkimage/internal/buildcache"
	"github.com/0xa1bed0/mkimage/internal/hardener"
	"github.com/0xa1bed0/mkimage/internal/launcher"
	"github.com/0xa1bed0/mkimage/internal/lockspec"
	"github.com/0xa1bed0/mkimage/internal/runconfig"
	"github.com/0xa1bed0/mkimage/internal/runtimepin"
	"github.com/0xa1bed0/mkimage/internal/version"
)

const (
	ConfigFile   = "mkimage.yaml"
	ManifestFile = "pyproject.toml"

	DefaultVersion = "0.0.0"
	DefaultWorkdir = "/app"
	DefaultDataDir = "/app/data"

	// Image references may use ${PYTHON_VERSION} and ${PYTHON_MAJOR_MINOR}.
	DefaultBuilderImage = "ghcr.io/astral-sh/uv:python${PYTHON_MAJOR_MINOR}-bookworm-slim"
	DefaultRuntimeImage = "python:${PYTHON_VERSION}-slim-bookworm"
)

const (
	LabelLockDigest = "mkimage.lock_digest"
	LabelRuntimePin = "mkimage.runtime_pin"
)

var invalidNameChars = regexp.MustCompile(`[^a-z0-9._-]+`)

type Images struct {
	Builder string `yaml:"builder"`
	Runtime string `yaml:"runtime"`
}

type CacheConfig struct {
	Remote buildcache.RemoteConfig `yaml:"remote"`
}

// Config mirrors mkimage.yaml. Relative paths are relative to the project
// directory.
type Config struct {
	Name       string               `yaml:"name"`
	RuntimePin string               `yaml:"runtime_pin"`
	Lock       string               `yaml:"lock"`
	LockDigest string               `yaml:"lock_digest"`
	Manifest   string               `yaml:"manifest"`
	Sources    []string             `yaml:"sources"`
	Ignore     []string             `yaml:"ignore"`
	Workdir    string               `yaml:"workdir"`
	DataDir    string               `yaml:"data_dir"`
	Identity   hardener.Identity    `yaml:"identity"`
	App        launcher.App         `yaml:"app"`
	Selectors  []assembler.Selector `yaml:"selectors"`
	Images     Images               `yaml:"images"`
	BaseLayout string               `yaml:"base_layout"`
	BuildArgs  map[string]string    `yaml:"build_args"`
	Cache      CacheConfig          `yaml:"cache"`
}

// Defaults is the configuration of a project without mkimage.yaml.
func Defaults() Config {
	return Config{
		RuntimePin: runtimepin.DefaultFile,
		Lock:       lockspec.DefaultFile,
		Manifest:   ManifestFile,
		Sources:    []string{"src", "server.py"},
		Ignore:     []string{"__pycache__", "*.pyc", ".pytest_cache", ".mypy_cache"},
		Workdir:    DefaultWorkdir,
		DataDir:    DefaultDataDir,
		Identity:   hardener.DefaultIdentity(),
		App:        launcher.DefaultApp(),
		Selectors:  DefaultSelectors(DefaultWorkdir, []string{"src", "server.py"}),
		Images: Images{
			Builder: DefaultBuilderImage,
			Runtime: DefaultRuntimeImage,
		},
	}
}

// DefaultSelectors keeps the environment and every source as laid out below
// workdir.
func DefaultSelectors(workdir string, sources []string) []assembler.Selector {
	sels := []assembler.Selector{{From: runconfig.VenvDir}}
	for _, s := range sources {
		sels = append(sels, assembler.Selector{From: path.Join(workdir, filepath.ToSlash(s))})
	}
	return sels
}

// SourceRoot is the in-image directory the application imports from.
func (c Config) SourceRoot() string {
	return path.Join(c.Workdir, "src")
}

func (c *Config) applyDefaults() {
	d := Defaults()
	if c.RuntimePin == "" {
		c.RuntimePin = d.RuntimePin
	}
	if c.Lock == "" {
		c.Lock = d.Lock
	}
	if c.Manifest == "" {
		c.Manifest = d.Manifest
	}
	if len(c.Sources) == 0 {
		c.Sources = d.Sources
	}
	if c.Ignore == nil {
		c.Ignore = d.Ignore
	}
	if c.Workdir == "" {
		c.Workdir = d.Workdir
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	c.Identity = c.Identity.WithDefaults()
	if c.App == (launcher.App{}) {
		c.App = d.App
	}
	if len(c.Selectors) == 0 {
		c.Selectors = DefaultSelectors(c.Workdir, c.Sources)
	}
	if c.Images.Builder == "" {
		c.Images.Builder = d.Images.Builder
	}
	if c.Images.Runtime == "" {
		c.Images.Runtime = d.Images.Runtime
	}
}

func (c Config) validate() error {
	if !filepath.IsAbs(c.Workdir) {
		return fmt.Errorf("workdir %q must be absolute", c.Workdir)
	}
	if !filepath.IsAbs(c.DataDir) {
		return fmt.Errorf("data_dir %q must be absolute", c.DataDir)
	}
	for _, s := range c.Sources {
		if filepath.IsAbs(s) || strings.HasPrefix(filepath.Clean(s), "..") {
			return fmt.Errorf("source %q must be relative to the project", s)
		}
	}
	if c.Cache.Remote.Enabled() {
		if err := c.Cache.Remote.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Project is a loaded service directory.
type Project struct {
	Dir     string
	Name    string
	Version string
	Config  Config
}

// Load reads dir/mkimage.yaml (optional) and dir/pyproject.toml (optional).
func Load(dir string) (*Project, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("project path %s is not a directory", abs)
	}

	cfg := Config{}
	data, err := os.ReadFile(filepath.Join(abs, ConfigFile))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", ConfigFile, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}
	cfg.applyDefaults()
	if err := env.Parse(&cfg.Cache.Remote); err != nil {
		return nil, fmt.Errorf("remote cache environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", ConfigFile, err)
	}

	p := &Project{Dir: abs, Config: cfg, Version: DefaultVersion}

	manifest, err := readManifest(p.Path(cfg.Manifest))
	if err != nil {
		return nil, err
	}
	if manifest.Project.Version != "" {
		p.Version = manifest.Project.Version
	}

	switch {
	case cfg.Name != "":
		p.Name = sanitizeName(cfg.Name)
	case manifest.Project.Name != "":
		p.Name = sanitizeName(manifest.Project.Name)
	default:
		p.Name = projectNameFromPath(abs)
	}
	return p, nil
}

type pyproject struct {
	Project struct {
		Name    string `toml:"name"`
		Version string `toml:"version"`
	} `toml:"project"`
}

func readManifest(file string) (pyproject, error) {
	var m pyproject
	data, err := os.ReadFile(file)
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return m, err
	}
	if err := toml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("%s: %w", filepath.Base(file), err)
	}
	return m, nil
}

// Path resolves a project-relative path.
func (p *Project) Path(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(p.Dir, rel)
}

// SourceTarget maps a project-relative source to its in-image path.
func (p *Project) SourceTarget(rel string) string {
	return filepath.ToSlash(filepath.Join(p.Config.Workdir, rel))
}

// Ref is the default image reference, name:version.
func (p *Project) Ref() string {
	return p.Name + ":" + p.Version
}

// Labels are the image labels every backend records.
func (p *Project) Labels(lock digest.Digest, pin string) map[string]string {
	return map[string]string{
		ocispec.AnnotationTitle:         p.Name,
		ocispec.AnnotationVersion:       p.Version,
		version.ImageSchemaVersionLabel: fmt.Sprint(version.ImageSchemaVersion),
		LabelLockDigest:                 lock.String(),
		LabelRuntimePin:                 pin,
	}
}

func sanitizeName(name string) string {
	name = invalidNameChars.ReplaceAllString(strings.ToLower(name), "-")
	name = strings.Trim(name, ".-_")
	if name == "" {
		return "project"
	}
	return name
}

// projectNameFromPath derives an image name from the last element of the
// project directory.
func projectNameFromPath(input string) string {
	if input == "" {
		input = "."
	}

	abs, _ := filepath.Abs(input)
	if fi, err := os.Stat(abs); err == nil && !fi.IsDir() {
		abs = filepath.Dir(abs)
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		abs = real
	}

	base := filepath.Base(filepath.ToSlash(abs))
	if runtime.GOOS == "windows" && len(base) == 2 && base[1] == ':' {
		base = ""
	}
	return sanitizeName(base)
}
