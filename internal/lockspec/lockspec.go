// Package lockspec parses the dependency lock file (uv.lock) and enforces
// its integrity: every installable artifact must be pinned by a sha256 hash.
package lockspec

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/pelletier/go-toml/v2"
)

// DefaultFile is the conventional lock file name at the project root.
const DefaultFile = "uv.lock"

// SupportedVersion is the lock format version this package understands.
const SupportedVersion = 1

var ErrLockIntegrity = errors.New("lock integrity violation")

// LockIntegrityError describes the first integrity problem found in a lock.
type LockIntegrityError struct {
	Package string
	Reason  string
}

func (e *LockIntegrityError) Error() string {
	if e.Package == "" {
		return fmt.Sprintf("%v: %s", ErrLockIntegrity, e.Reason)
	}
	return fmt.Sprintf("%v: package %s: %s", ErrLockIntegrity, e.Package, e.Reason)
}

func (e *LockIntegrityError) Unwrap() error { return ErrLockIntegrity }

func integrity(pkg, format string, args ...any) error {
	return &LockIntegrityError{Package: pkg, Reason: fmt.Sprintf(format, args...)}
}

type Artifact struct {
	URL  string `toml:"url"`
	Path string `toml:"path"`
	Hash string `toml:"hash"`
	Size int64  `toml:"size"`
}

// Filename is the last path element of the artifact location.
func (a Artifact) Filename() string {
	loc := a.URL
	if loc == "" {
		loc = a.Path
	}
	if i := strings.LastIndex(loc, "/"); i >= 0 {
		loc = loc[i+1:]
	}
	if i := strings.IndexAny(loc, "?#"); i >= 0 {
		loc = loc[:i]
	}
	return loc
}

type Source struct {
	Registry  string `toml:"registry"`
	Virtual   string `toml:"virtual"`
	Editable  string `toml:"editable"`
	Directory string `toml:"directory"`
	Path      string `toml:"path"`
	Git       string `toml:"git"`
	URL       string `toml:"url"`
}

// Local reports whether the package is the project itself (or another local
// tree) rather than a downloaded distribution.
func (s Source) Local() bool {
	return s.Virtual != "" || s.Editable != "" || s.Directory != ""
}

// Dependency is an edge of the lock graph. Version is only set when the lock
// holds several versions of Name.
type Dependency struct {
	Name    string   `toml:"name"`
	Version string   `toml:"version"`
	Marker  string   `toml:"marker"`
	Extra   []string `toml:"extra"`
}

type Package struct {
	Name                 string                  `toml:"name"`
	Version              string                  `toml:"version"`
	Source               Source                  `toml:"source"`
	Sdist                *Artifact               `toml:"sdist"`
	Wheels               []Artifact              `toml:"wheels"`
	Dependencies         []Dependency            `toml:"dependencies"`
	OptionalDependencies map[string][]Dependency `toml:"optional-dependencies"`
	DevDependencies      map[string][]Dependency `toml:"dev-dependencies"`
}

// Artifacts returns the sdist (if any) followed by every wheel.
func (p Package) Artifacts() []Artifact {
	out := make([]Artifact, 0, len(p.Wheels)+1)
	if p.Sdist != nil {
		out = append(out, *p.Sdist)
	}
	return append(out, p.Wheels...)
}

type file struct {
	Version        int       `toml:"version"`
	Revision       int       `toml:"revision"`
	RequiresPython string    `toml:"requires-python"`
	Packages       []Package `toml:"package"`
}

// Spec is an immutable, validated lock specification.
type Spec struct {
	version        int
	revision       int
	requiresPython string
	packages       []Package
	digest         digest.Digest
	raw            []byte
}

func (s *Spec) Version() int { return s.version }
func (s *Spec) Revision() int { return s.revision }
func (s *Spec) RequiresPython() string { return s.requiresPython }
func (s *Spec) Digest() digest.Digest { return s.digest }

// Bytes returns the lock document exactly as it was read.
func (s *Spec) Bytes() []byte { return append([]byte(nil), s.raw...) }

func (s *Spec) Packages() []Package { return append([]Package(nil), s.packages...) }

func (s *Spec) Package(name string) (Package, bool) {
	want := NormalizeName(name)
	for _, p := range s.packages {
		if NormalizeName(p.Name) == want {
			return p, true
		}
	}
	return Package{}, false
}

// Installable returns the packages that end up as distributions in the
// environment, sorted by normalized name.
func (s *Spec) Installable() []Package {
	out := make([]Package, 0, len(s.packages))
	for _, p := range s.packages {
		if !p.Source.Local() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return NormalizeName(out[i].Name) < NormalizeName(out[j].Name) })
	return out
}

// Root returns the project package the lock was resolved for: the local
// package whose source is the lock's own directory.
func (s *Spec) Root() (Package, bool) {
	for _, p := range s.packages {
		if p.Source.Virtual == "." || p.Source.Editable == "." {
			return p, true
		}
	}
	return Package{}, false
}

// InstallSet returns the packages a frozen, non-dev sync installs for target,
// sorted by normalized name. It follows the runtime dependencies of the root
// package, including requested extras, and skips every edge whose marker is
// false for target. Dev groups are never followed. Local packages other than
// the root are part of the set. A lock without a root package installs
// everything it lists.
func (s *Spec) InstallSet(target Target) ([]Package, error) {
	root, ok := s.Root()
	if !ok {
		return s.Installable(), nil
	}

	byName := make(map[string][]int, len(s.packages))
	for i, p := range s.packages {
		n := NormalizeName(p.Name)
		byName[n] = append(byName[n], i)
	}
	lookup := func(d Dependency) (int, bool) {
		idx := byName[NormalizeName(d.Name)]
		for _, i := range idx {
			if d.Version == "" || s.packages[i].Version == d.Version {
				return i, true
			}
		}
		return 0, false
	}

	included := map[int]bool{}
	visited := map[string]bool{}
	var follow func(from string, deps []Dependency) error
	follow = func(from string, deps []Dependency) error {
		for _, d := range deps {
			ok, err := EvalMarker(d.Marker, target)
			if err != nil {
				return integrity(from, "dependency %s: %v", d.Name, err)
			}
			if !ok {
				continue
			}
			i, found := lookup(d)
			if !found {
				return integrity(from, "depends on %s which the lock does not pin", d.Name)
			}
			pkg := s.packages[i]
			id := NormalizeName(pkg.Name) + "==" + pkg.Version
			if !visited[id] {
				visited[id] = true
				included[i] = true
				if err := follow(pkg.Name, pkg.Dependencies); err != nil {
					return err
				}
			}
			for _, extra := range d.Extra {
				key := id + "[" + extra + "]"
				if visited[key] {
					continue
				}
				visited[key] = true
				if err := follow(pkg.Name, pkg.OptionalDependencies[extra]); err != nil {
					return err
				}
			}
		}
		return nil
	}

	visited[NormalizeName(root.Name)+"=="+root.Version] = true
	if err := follow(root.Name, root.Dependencies); err != nil {
		return nil, err
	}

	out := make([]Package, 0, len(included))
	for i := range included {
		out = append(out, s.packages[i])
	}
	sort.Slice(out, func(i, j int) bool { return NormalizeName(out[i].Name) < NormalizeName(out[j].Name) })
	return out, nil
}

// Load reads the lock at path. A non-empty expected digest must match the
// file's sha256 exactly.
func Load(path string, expected digest.Digest) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("lock spec: %w", err)
	}
	spec, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if expected != "" {
		if err := expected.Validate(); err != nil {
			return nil, integrity("", "expected digest %q is malformed: %v", expected, err)
		}
		if expected != spec.digest {
			return nil, integrity("", "lock digest %s does not match expected %s", spec.digest, expected)
		}
	}
	return spec, nil
}

// Parse decodes and validates a lock document.
func Parse(data []byte) (*Spec, error) {
	var f file
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, integrity("", "malformed lock: %v", err)
	}
	if f.Version != SupportedVersion {
		return nil, integrity("", "unsupported lock version %d", f.Version)
	}

	seen := make(map[string]string, len(f.Packages))
	for _, p := range f.Packages {
		if err := validatePackage(p); err != nil {
			return nil, err
		}
		key := NormalizeName(p.Name) + "==" + p.Version
		if prev, dup := seen[key]; dup && prev == sourceKey(p.Source) {
			return nil, integrity(p.Name, "duplicate entry for version %s", p.Version)
		}
		seen[key] = sourceKey(p.Source)
	}

	return &Spec{
		version:        f.Version,
		revision:       f.Revision,
		requiresPython: f.RequiresPython,
		packages:       f.Packages,
		digest:         digest.FromBytes(data),
		raw:            append([]byte(nil), data...),
	}, nil
}

func validatePackage(p Package) error {
	if strings.TrimSpace(p.Name) == "" {
		return integrity("", "package without a name")
	}
	if p.Source.Local() {
		return nil
	}
	if p.Version == "" {
		return integrity(p.Name, "missing version")
	}
	artifacts := p.Artifacts()
	if len(artifacts) == 0 && p.Source.Git == "" {
		return integrity(p.Name, "no hashed artifact pinned")
	}
	for _, a := range artifacts {
		if a.Hash == "" {
			return integrity(p.Name, "artifact %s has no hash", a.Filename())
		}
		d, err := digest.Parse(a.Hash)
		if err != nil {
			return integrity(p.Name, "artifact %s has malformed hash %q: %v", a.Filename(), a.Hash, err)
		}
		if d.Algorithm() != digest.SHA256 {
			return integrity(p.Name, "artifact %s uses %s, only sha256 is accepted", a.Filename(), d.Algorithm())
		}
	}
	return nil
}

func sourceKey(s Source) string {
	return strings.Join([]string{s.Registry, s.Git, s.URL, s.Path}, "|")
}

// NormalizeName applies PEP 503 normalization: lowercase with runs of
// "-", "_" and "." collapsed into "-".
func NormalizeName(name string) string {
	var b strings.Builder
	prevSep := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if r == '-' || r == '_' || r == '.' {
			if !prevSep {
				b.WriteByte('-')
			}
			prevSep = true
			continue
		}
		prevSep = false
		b.WriteRune(r)
	}
	return b.String()
}
