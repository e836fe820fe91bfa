// Package dockerfile renders the two-stage build of a service as a Dockerfile
// for the docker backend: a dependency stage that carries the uv toolchain and
// a runtime stage that receives only the selected artifacts.
package dockerfile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/0xa1bed0/mkimage/internal/hardener"
	"github.com/0xa1bed0/mkimage/internal/launcher"
	"github.com/0xa1bed0/mkimage/internal/runconfig"
	"github.com/0xa1bed0/mkimage/internal/runtimepin"
)

// Stage names. Building with Target set to DepsStage produces the reusable
// dependency image.
const (
	DepsStage    = "deps"
	RuntimeStage = "runtime"
)

var ErrInvalidParams = errors.New("dockerfile: invalid parameters")

type Dockerfile []string

func (df Dockerfile) String() string {
	out := ""
	for _, line := range df {
		out += line + "\n"
	}
	return out
}

// Params describe everything the rendered Dockerfile depends on.
type Params struct {
	Pin runtimepin.Pin

	// BuilderImage and RuntimeImage may reference ${PYTHON_VERSION} and
	// ${PYTHON_MAJOR_MINOR}.
	BuilderImage string
	RuntimeImage string

	// DepsImage replaces the dependency stage with an already built image.
	DepsImage string

	// Files copied into the dependency stage, relative to the build context.
	LockFile     string
	PinFile      string
	ManifestFile string

	// Sources are context-relative paths copied below Workdir.
	Sources []string
	Workdir string
	DataDir string

	Identity hardener.Identity
	App      launcher.App
	Config   runconfig.Config
	Labels   map[string]string
}

func (p Params) validate() error {
	if p.Pin.Version == nil {
		return fmt.Errorf("%w: runtime pin is required", ErrInvalidParams)
	}
	if p.BuilderImage == "" && p.DepsImage == "" {
		return fmt.Errorf("%w: builder image is required", ErrInvalidParams)
	}
	if p.RuntimeImage == "" {
		return fmt.Errorf("%w: runtime image is required", ErrInvalidParams)
	}
	if !path.IsAbs(p.Workdir) || !path.IsAbs(p.DataDir) {
		return fmt.Errorf("%w: workdir and data dir must be absolute", ErrInvalidParams)
	}
	if p.Identity.UID == 0 || p.Identity.GID == 0 {
		return fmt.Errorf("%w: runtime identity must not be root", ErrInvalidParams)
	}
	return p.Config.Validate()
}

func (p Params) imageVars() map[string]string {
	return map[string]string{
		"PYTHON_VERSION":     p.Pin.Raw,
		"PYTHON_MAJOR_MINOR": p.Pin.MajorMinor(),
	}
}

// Render produces the Dockerfile for p. Identical params render identical
// lines.
func Render(p Params) (Dockerfile, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	vars := p.imageVars()
	id := p.Identity
	owner := fmt.Sprintf("%d:%d", id.UID, id.GID)
	venv := runconfig.VenvDir

	lines := Dockerfile{}

	lines = append(lines, "# ───────────────────────────────────────────")
	if p.DepsImage != "" {
		lines = append(lines, "# DEPENDENCY STAGE (CACHED)")
		lines = append(lines, fmt.Sprintf("FROM %s AS %s", p.DepsImage, DepsStage))
	} else {
		lines = append(lines, "# DEPENDENCY STAGE (BUILD-ONLY TOOLCHAIN)")
		lines = append(lines, fmt.Sprintf("FROM %s AS %s", replaceVars(p.BuilderImage, vars), DepsStage))
		lines = append(lines, "ENV "+envPairs(map[string]string{
			"UV_COMPILE_BYTECODE":    "0",
			"UV_LINK_MODE":           "copy",
			"UV_NO_CONFIG":           "1",
			"UV_PROJECT_ENVIRONMENT": venv,
			"UV_PYTHON_PREFERENCE":   "only-system",
			"UV_PYTHON_DOWNLOADS":    "never",
			"UV_NO_CACHE":            "1",
		}))
		lines = append(lines, fmt.Sprintf("WORKDIR %s", p.Workdir))
		lines = append(lines, "COPY "+jsonExec([]string{p.ManifestFile, p.LockFile, p.PinFile, "./"}))
		// The tagged deps image is the cache, so the stage must build on the
		// classic builder as well as BuildKit.
		lines = append(lines, "RUN "+jsonExec([]string{
			"uv", "sync", "--frozen", "--no-dev", "--no-install-project", "--python", p.Pin.MajorMinor(),
		}))
	}

	lines = append(lines, "", "# ───────────────────────────────────────────")
	lines = append(lines, "# RUNTIME BASE IMAGE (MINIMAL)")
	lines = append(lines, fmt.Sprintf("FROM %s AS %s", replaceVars(p.RuntimeImage, vars), RuntimeStage))
	lines = append(lines, fmt.Sprintf("ARG %s=%s", runconfig.EnvHost, p.Config.BindAddress))
	lines = append(lines, fmt.Sprintf("ARG %s=%d", runconfig.EnvPort, p.Config.ListenPort))

	lines = append(lines, "", "# ───────────────────────────────────────────")
	lines = append(lines, "# RUNTIME IDENTITY (NON-ROOT)")
	lines = append(lines, "RUN "+jsonExec([]string{"groupadd", "--system", "--gid", fmt.Sprint(id.GID), id.Group}))
	lines = append(lines, "RUN "+jsonExec([]string{
		"useradd", "--system", "--no-create-home",
		"--uid", fmt.Sprint(id.UID), "--gid", fmt.Sprint(id.GID),
		"--home-dir", id.Home, "--shell", id.Shell, id.User,
	}))
	lines = append(lines, "RUN "+jsonExec([]string{"install", "-d", "-o", fmt.Sprint(id.UID), "-g", fmt.Sprint(id.GID), "-m", "0755", id.Home}))
	lines = append(lines, "RUN "+jsonExec([]string{"install", "-d", "-o", fmt.Sprint(id.UID), "-g", fmt.Sprint(id.GID), "-m", fmt.Sprintf("%04o", uint32(hardener.DataDirMode)), p.DataDir}))
	lines = append(lines, fmt.Sprintf("WORKDIR %s", p.Workdir))

	lines = append(lines, "", "# ───────────────────────────────────────────")
	lines = append(lines, "# SELECTED ARTIFACTS")
	// Artifacts stay root-owned and read-only to the runtime identity.
	lines = append(lines, fmt.Sprintf("COPY --from=%s %s %s", DepsStage, venv, venv))
	for _, src := range sortedSources(p.Sources) {
		lines = append(lines, "COPY "+jsonExec([]string{src, path.Join(p.Workdir, src)}))
	}

	lines = append(lines, "", "# ───────────────────────────────────────────")
	lines = append(lines, "# ENVIRONMENT")
	lines = append(lines, fmt.Sprintf("ENV %s=%s/bin:${%s}", runconfig.EnvPath, venv, runconfig.EnvPath))
	searchPath := strings.Join(p.Config.ModuleSearchPath, ":")
	lines = append(lines, fmt.Sprintf("ENV %s=%s${%s:+:$%s}", runconfig.EnvPythonPath, searchPath, runconfig.EnvPythonPath, runconfig.EnvPythonPath))
	lines = append(lines, fmt.Sprintf("ENV %s=%s", runconfig.EnvSourceRoot, p.Config.SourceRoot))
	lines = append(lines, fmt.Sprintf("ENV %s=${%s}", runconfig.EnvHost, runconfig.EnvHost))
	lines = append(lines, fmt.Sprintf("ENV %s=${%s}", runconfig.EnvPort, runconfig.EnvPort))
	lines = append(lines, fmt.Sprintf("ENV %s=${%s}", runconfig.EnvExposedPort, runconfig.EnvPort))
	lines = append(lines, fmt.Sprintf("ENV %s=%s", runconfig.EnvLogLevel, p.Config.LogLevel))
	lines = append(lines, fmt.Sprintf("EXPOSE ${%s}/tcp", runconfig.EnvPort))
	lines = append(lines, "VOLUME "+jsonExec([]string{p.DataDir}))

	if len(p.Labels) > 0 {
		lines = append(lines, "", "# ───────────────────────────────────────────")
		lines = append(lines, "# AUDIT LABELS")
		lines = append(lines, "LABEL "+envPairs(p.Labels))
	}

	lines = append(lines, "", "# ───────────────────────────────────────────")
	lines = append(lines, "# DEFAULT USER (NON-ROOT) AND ENTRYPOINT (exec form)")
	lines = append(lines, fmt.Sprintf("USER %s", owner))
	lines = append(lines, "ENTRYPOINT "+jsonExec(launcher.Entrypoint(p.App)))

	return lines, nil
}

// DepsInputs lists, in order, the context files the dependency stage copies.
func (p Params) DepsInputs() []string {
	return []string{p.ManifestFile, p.LockFile, p.PinFile}
}

func sortedSources(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, path.Clean(strings.ReplaceAll(s, "\\", "/")))
	}
	sort.Strings(out)
	return out
}

func envPairs(kv map[string]string) string {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+strconv.Quote(kv[k]))
	}
	return strings.Join(pairs, " ")
}

var varPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func replaceVars(input string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(input, func(match string) string {
		key := varPattern.FindStringSubmatch(match)[1]
		if val, ok := vars[key]; ok {
			return val
		}
		// If key not found, keep original match
		return match
	})
}

func jsonExec(argv []string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(argv)
	return strings.TrimSuffix(buf.String(), "\n")
}

// Stage returns the lines of the named stage, from its FROM line up to the
// next FROM.
func (df Dockerfile) Stage(name string) Dockerfile {
	suffix := " AS " + name
	var out Dockerfile
	in := false
	for _, line := range df {
		if strings.HasPrefix(line, "FROM ") {
			if in {
				break
			}
			in = strings.HasSuffix(line, suffix)
		}
		if in {
			out = append(out, line)
		}
	}
	return out
}
