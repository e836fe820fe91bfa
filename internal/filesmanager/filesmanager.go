// Package filesmanager collects the application source files that go into
// the high-churn layers of an image.
package filesmanager

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/0xa1bed0/mkimage/internal/fsops"
)

var (
	ErrSourceNotFound = errors.New("source path not found")
	ErrOutsideRoot    = errors.New("source path escapes the project root")
	ErrSymlink        = errors.New("symlinks are not supported in sources")
)

// SourceFile is one regular file below the project root.
type SourceFile struct {
	// Rel is the slash-separated path relative to the project root.
	Rel    string
	Mode   fs.FileMode
	Data   []byte
	Digest digest.Digest
}

// FileManager walks a project directory.
type FileManager interface {
	// Root is the absolute, cleaned project directory.
	Root() string

	// Collect returns every regular file under the include paths (files or
	// directories relative to the root), sorted by Rel.
	//
	// An ignore entry containing a slash is a root-relative path and skips
	// that node (and its subtree when it is a directory). A bare entry such
	// as "__pycache__" or "*.pyc" is matched against the base name of every
	// node.
	Collect(include []string, ignore []string) ([]SourceFile, error)
}

type projectFiles struct {
	root string
	fsys fsops.SourceFS
}

// NewFileManager builds a FileManager rooted at dir on the host filesystem.
func NewFileManager(dir string) (FileManager, error) {
	return NewFileManagerWithFS(dir, fsops.Host())
}

func NewFileManagerWithFS(dir string, fsys fsops.SourceFS) (FileManager, error) {
	if dir == "" {
		return nil, errors.New("project dir should not be empty")
	}
	if fsys == nil {
		return nil, errors.New("file manager needs a filesystem")
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	fi, err := fsys.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", abs)
	}

	return &projectFiles{root: abs, fsys: fsys}, nil
}

func (p *projectFiles) Root() string { return p.root }

// rel maps a host path below the root to its slash-separated project path.
// ok is false when abs is outside the root.
func (p *projectFiles) rel(abs string) (string, bool) {
	r, err := filepath.Rel(p.root, abs)
	if err != nil {
		return "", false
	}
	r = filepath.ToSlash(r)
	if r == ".." || strings.HasPrefix(r, "../") {
		return "", false
	}
	return r, true
}

// ignoreRules splits ignore entries into project paths and base name globs.
type ignoreRules struct {
	paths map[string]bool
	globs []string
}

func newIgnoreRules(entries []string) ignoreRules {
	rules := ignoreRules{paths: map[string]bool{}}
	for _, e := range entries {
		e = strings.TrimSpace(filepath.ToSlash(e))
		if e == "" {
			continue
		}
		bare := strings.TrimSuffix(e, "/")
		if !strings.Contains(bare, "/") {
			rules.globs = append(rules.globs, bare)
			continue
		}
		rules.paths[path.Clean(strings.TrimPrefix(bare, "/"))] = true
	}
	return rules
}

func (r ignoreRules) skip(rel, name string) bool {
	if r.paths[rel] {
		return true
	}
	for _, g := range r.globs {
		if ok, _ := path.Match(g, name); ok {
			return true
		}
	}
	return false
}

func (p *projectFiles) Collect(include []string, ignore []string) ([]SourceFile, error) {
	rules := newIgnoreRules(ignore)
	byRel := map[string]SourceFile{}

	read := func(abs, rel string, mode fs.FileMode) error {
		data, err := p.fsys.ReadFile(abs)
		if err != nil {
			return err
		}
		byRel[rel] = SourceFile{Rel: rel, Mode: mode.Perm(), Data: data, Digest: digest.FromBytes(data)}
		return nil
	}

	for _, inc := range include {
		if inc == "" {
			continue
		}
		abs := filepath.Join(p.root, inc)
		rel, ok := p.rel(abs)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrOutsideRoot, inc)
		}

		fi, err := p.fsys.Stat(abs)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, inc)
		}
		if err != nil {
			return nil, err
		}
		if rules.skip(rel, fi.Name()) {
			continue
		}
		if !fi.IsDir() {
			if err := read(abs, rel, fi.Mode()); err != nil {
				return nil, err
			}
			continue
		}

		err = p.fsys.WalkDir(abs, func(node string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			nodeRel, ok := p.rel(filepath.Clean(node))
			if !ok {
				return fmt.Errorf("%w: %s", ErrOutsideRoot, node)
			}
			if nodeRel != rel && rules.skip(nodeRel, d.Name()) {
				if d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			switch {
			case d.IsDir():
				return nil
			case d.Type()&fs.ModeSymlink != 0:
				return fmt.Errorf("%w: %s", ErrSymlink, nodeRel)
			case !d.Type().IsRegular():
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			return read(node, nodeRel, info.Mode())
		})
		if err != nil {
			return nil, err
		}
	}

	out := make([]SourceFile, 0, len(byRel))
	for _, f := range byRel {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rel < out[j].Rel })
	return out, nil
}
