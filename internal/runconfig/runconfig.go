// Package runconfig resolves the environment-driven parameters of the shipped
// service: bind address, listen port and module search path.
//
// Values are layered: defaults, then build-time overrides (build args), then
// run-time overrides (the container environment). A layer only applies to the
// keys it actually sets.
package runconfig

import (
	"errors"
	"fmt"
	"net"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Environment variable names understood by the image and the launcher.
const (
	EnvHost        = "HOST"
	EnvPort        = "FAST_API_PORT"
	EnvPythonPath  = "PYTHONPATH"
	EnvLogLevel    = "LOG_LEVEL"
	EnvPath        = "PATH"
	EnvExposedPort = "MKIMAGE_EXPOSED_PORT"
	EnvSourceRoot  = "MKIMAGE_SOURCE_ROOT"
)

const (
	DefaultHost      = "0.0.0.0"
	DefaultPort      = 8080
	DefaultSourceDir = "/app/src"
	DefaultLogLevel  = "INFO"

	VenvDir = "/app/.venv"

	defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
)

var (
	ErrInvalidConfig = errors.New("invalid runtime configuration")
	ErrPortMismatch  = errors.New("listen port differs from the exposed port")
)

// Config is the effective runtime configuration of the service.
// ModuleSearchPath holds the PYTHONPATH override entries followed by
// SourceRoot, which is always present.
type Config struct {
	BindAddress      string   `env:"HOST" envDefault:"0.0.0.0"`
	ListenPort       int      `env:"FAST_API_PORT" envDefault:"8080"`
	ModuleSearchPath []string `env:"PYTHONPATH" envSeparator:":"`
	SourceRoot       string   `env:"MKIMAGE_SOURCE_ROOT"`
	LogLevel         string   `env:"LOG_LEVEL" envDefault:"INFO"`
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() Config {
	return Config{
		BindAddress:      DefaultHost,
		ListenPort:       DefaultPort,
		ModuleSearchPath: []string{DefaultSourceDir},
		SourceRoot:       DefaultSourceDir,
		LogLevel:         DefaultLogLevel,
	}
}

// Resolve layers build-time and run-time overrides over the defaults, with
// the application sources under DefaultSourceDir.
func Resolve(build, runtime map[string]string) (Config, error) {
	return ResolveIn(DefaultSourceDir, build, runtime)
}

// ResolveIn is Resolve for sources rooted at sourceRoot. Either map may be
// nil. Empty values count as unset. A layer setting MKIMAGE_SOURCE_ROOT
// replaces sourceRoot.
func ResolveIn(sourceRoot string, build, runtime map[string]string) (Config, error) {
	merged := map[string]string{EnvSourceRoot: sourceRoot}
	for _, layer := range []map[string]string{build, runtime} {
		for k, v := range layer {
			if v == "" {
				continue
			}
			merged[k] = v
		}
	}

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: merged}); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if !path.IsAbs(cfg.SourceRoot) {
		return Config{}, fmt.Errorf("%w: %s=%q must be absolute", ErrInvalidConfig, EnvSourceRoot, cfg.SourceRoot)
	}
	cfg.SourceRoot = path.Clean(cfg.SourceRoot)
	cfg.ModuleSearchPath = cleanSearchPath(append(cfg.ModuleSearchPath, cfg.SourceRoot))
	cfg.LogLevel = strings.ToUpper(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the port range, the bind address and the log level.
func (c Config) Validate() error {
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return fmt.Errorf("%w: %s=%d is outside 1-65535", ErrInvalidConfig, EnvPort, c.ListenPort)
	}
	if c.BindAddress == "" {
		return fmt.Errorf("%w: %s is empty", ErrInvalidConfig, EnvHost)
	}
	if strings.ContainsAny(c.BindAddress, " \t/") {
		return fmt.Errorf("%w: %s=%q is not a host", ErrInvalidConfig, EnvHost, c.BindAddress)
	}
	switch c.LogLevel {
	case "CRITICAL", "ERROR", "WARNING", "INFO", "DEBUG", "TRACE":
	default:
		return fmt.Errorf("%w: %s=%q is not a known level", ErrInvalidConfig, EnvLogLevel, c.LogLevel)
	}
	return nil
}

// Addr is the host:port the server binds.
func (c Config) Addr() string {
	return net.JoinHostPort(c.BindAddress, strconv.Itoa(c.ListenPort))
}

// ExposedPort is the image config port key, e.g. "8080/tcp".
func (c Config) ExposedPort() string {
	return strconv.Itoa(c.ListenPort) + "/tcp"
}

// Environ merges the configuration into base (KEY=VALUE pairs) and returns
// the result sorted by key. PATH gains the venv bin directory and PYTHONPATH
// gains the module search path, both in front of whatever base carried.
func (c Config) Environ(base []string) []string {
	vars := map[string]string{}
	for _, kv := range base {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		vars[k] = v
	}

	path := vars[EnvPath]
	if path == "" {
		path = defaultPath
	}
	vars[EnvPath] = prependList([]string{VenvDir + "/bin"}, path)
	vars[EnvPythonPath] = prependList(c.ModuleSearchPath, vars[EnvPythonPath])
	vars[EnvHost] = c.BindAddress
	vars[EnvPort] = strconv.Itoa(c.ListenPort)
	vars[EnvExposedPort] = strconv.Itoa(c.ListenPort)
	vars[EnvLogLevel] = c.LogLevel
	if c.SourceRoot != "" {
		vars[EnvSourceRoot] = c.SourceRoot
	}

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+vars[k])
	}
	return out
}

// CheckExposed fails when the port the image declares differs from the one
// the service would listen on.
func CheckExposed(declared int, cfg Config) error {
	if declared != cfg.ListenPort {
		return fmt.Errorf("%w: exposed %d, listening on %d", ErrPortMismatch, declared, cfg.ListenPort)
	}
	return nil
}

// DeclaredPort reads the port recorded in the image environment.
func DeclaredPort(environ map[string]string) (int, bool) {
	v, ok := environ[EnvExposedPort]
	if !ok {
		return 0, false
	}
	port, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return port, true
}

// EnvironMap turns KEY=VALUE pairs into a map. Later pairs win.
func EnvironMap(environ []string) map[string]string {
	out := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			out[k] = v
		}
	}
	return out
}

func cleanSearchPath(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, p := range in {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// prependList puts head in front of the colon separated list tail, dropping
// duplicates and empty entries.
func prependList(head []string, tail string) string {
	seen := map[string]bool{}
	var out []string
	for _, p := range append(append([]string{}, head...), strings.Split(tail, ":")...) {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return strings.Join(out, ":")
}
