// Package stagefs implements the in-memory, ownership-aware file tree every
// build stage reads and writes. Trees serialize to deterministic tar streams,
// which are also the on-disk format of cached layers.
package stagefs

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

var (
	ErrNotExist    = errors.New("stagefs: path does not exist")
	ErrNotDir      = errors.New("stagefs: not a directory")
	ErrIsDir       = errors.New("stagefs: is a directory")
	ErrInvalidPath = errors.New("stagefs: invalid path")
)

type NodeType uint8

const (
	TypeDir NodeType = iota
	TypeFile
	TypeSymlink
)

func (t NodeType) String() string {
	switch t {
	case TypeDir:
		return "dir"
	case TypeFile:
		return "file"
	case TypeSymlink:
		return "symlink"
	}
	return "unknown"
}

// Node is a single filesystem entry. Mode holds permission bits only.
type Node struct {
	Type   NodeType
	Mode   fs.FileMode
	UID    int
	GID    int
	Data   []byte
	Target string
}

func (n *Node) clone() *Node {
	c := *n
	if n.Data != nil {
		c.Data = append([]byte(nil), n.Data...)
	}
	return &c
}

func (n *Node) equal(o *Node) bool {
	if n.Type != o.Type || n.Mode != o.Mode || n.UID != o.UID || n.GID != o.GID || n.Target != o.Target {
		return false
	}
	return string(n.Data) == string(o.Data)
}

// Tree is a rooted set of nodes keyed by absolute, cleaned slash paths.
// A Tree is not safe for concurrent mutation.
type Tree struct {
	nodes map[string]*Node
}

// New returns a tree holding only the root directory.
func New() *Tree {
	return &Tree{nodes: map[string]*Node{
		"/": {Type: TypeDir, Mode: 0o755},
	}}
}

// Clean normalizes p into the absolute slash form used as tree keys.
func Clean(p string) string {
	return path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
}

// IsUnder reports whether p equals base or lies beneath it.
func IsUnder(base, p string) bool {
	base, p = Clean(base), Clean(p)
	if base == "/" || base == p {
		return true
	}
	return strings.HasPrefix(p, base+"/")
}

func (t *Tree) Len() int { return len(t.nodes) }

// Lstat returns a copy of the node at p without following symlinks.
func (t *Tree) Lstat(p string) (Node, bool) {
	n, ok := t.nodes[Clean(p)]
	if !ok {
		return Node{}, false
	}
	return *n.clone(), true
}

func (t *Tree) Exists(p string) bool {
	_, ok := t.nodes[Clean(p)]
	return ok
}

func (t *Tree) ReadFile(p string) ([]byte, error) {
	p = Clean(p)
	n, ok := t.nodes[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotExist, p)
	}
	if n.Type == TypeDir {
		return nil, fmt.Errorf("%w: %s", ErrIsDir, p)
	}
	return append([]byte(nil), n.Data...), nil
}

// MkdirAll creates p and any missing parents. New directories are owned by
// root; existing directories keep their metadata.
func (t *Tree) MkdirAll(p string, mode fs.FileMode) error {
	p = Clean(p)
	if n, ok := t.nodes[p]; ok {
		if n.Type != TypeDir {
			return fmt.Errorf("%w: %s", ErrNotDir, p)
		}
		return nil
	}
	if err := t.MkdirAll(path.Dir(p), 0o755); err != nil {
		return err
	}
	t.nodes[p] = &Node{Type: TypeDir, Mode: mode.Perm()}
	return nil
}

// WriteFile creates or replaces a regular file owned by root.
func (t *Tree) WriteFile(p string, data []byte, mode fs.FileMode) error {
	return t.put(p, &Node{Type: TypeFile, Mode: mode.Perm(), Data: append([]byte(nil), data...)})
}

// Symlink creates a symbolic link at p pointing at target.
func (t *Tree) Symlink(target, p string) error {
	if target == "" {
		return fmt.Errorf("%w: empty symlink target for %s", ErrInvalidPath, p)
	}
	return t.put(p, &Node{Type: TypeSymlink, Mode: 0o777, Target: target})
}

// Put stores a copy of n at p, creating missing parents.
func (t *Tree) Put(p string, n Node) error {
	return t.put(p, n.clone())
}

func (t *Tree) put(p string, n *Node) error {
	p = Clean(p)
	if p == "/" {
		if n.Type != TypeDir {
			return fmt.Errorf("%w: root must be a directory", ErrInvalidPath)
		}
		t.nodes[p] = n
		return nil
	}
	if existing, ok := t.nodes[p]; ok && existing.Type == TypeDir && n.Type != TypeDir {
		return fmt.Errorf("%w: %s", ErrIsDir, p)
	}
	if err := t.MkdirAll(path.Dir(p), 0o755); err != nil {
		return err
	}
	t.nodes[p] = n
	return nil
}

// Chown changes ownership of p, and of everything beneath it when recursive
// is set. Symlinks are changed themselves, never followed.
func (t *Tree) Chown(p string, uid, gid int, recursive bool) error {
	p = Clean(p)
	n, ok := t.nodes[p]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotExist, p)
	}
	n.UID, n.GID = uid, gid
	if !recursive || n.Type != TypeDir {
		return nil
	}
	for k, c := range t.nodes {
		if k != p && IsUnder(p, k) {
			c.UID, c.GID = uid, gid
		}
	}
	return nil
}

func (t *Tree) Chmod(p string, mode fs.FileMode) error {
	p = Clean(p)
	n, ok := t.nodes[p]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotExist, p)
	}
	n.Mode = mode.Perm()
	return nil
}

// Remove deletes p and its whole subtree. Removing a missing path is a no-op.
func (t *Tree) Remove(p string) {
	p = Clean(p)
	if p == "/" {
		t.nodes = New().nodes
		return
	}
	for k := range t.nodes {
		if IsUnder(p, k) {
			delete(t.nodes, k)
		}
	}
}

// Paths returns every path in the tree in lexical order.
func (t *Tree) Paths() []string {
	out := make([]string, 0, len(t.nodes))
	for k := range t.nodes {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Walk visits root and everything under it in lexical order.
func (t *Tree) Walk(root string, fn func(p string, n Node) error) error {
	root = Clean(root)
	if _, ok := t.nodes[root]; !ok {
		return fmt.Errorf("%w: %s", ErrNotExist, root)
	}
	for _, p := range t.Paths() {
		if !IsUnder(root, p) {
			continue
		}
		if err := fn(p, *t.nodes[p].clone()); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tree) Clone() *Tree {
	c := &Tree{nodes: make(map[string]*Node, len(t.nodes))}
	for k, n := range t.nodes {
		c.nodes[k] = n.clone()
	}
	return c
}

// CopyFrom copies the subtree rooted at from in src to to in t. Parents of to
// that do not exist in t are created as root-owned directories.
func (t *Tree) CopyFrom(src *Tree, from, to string) error {
	from, to = Clean(from), Clean(to)
	if _, ok := src.nodes[from]; !ok {
		return fmt.Errorf("%w: %s", ErrNotExist, from)
	}
	for _, p := range src.Paths() {
		if !IsUnder(from, p) {
			continue
		}
		rel := strings.TrimPrefix(p, from)
		if from == "/" {
			rel = p
		}
		if err := t.put(Clean(to+"/"+rel), src.nodes[p].clone()); err != nil {
			return err
		}
	}
	return nil
}

// Overlay applies every node of layer on top of t. The root directory is
// never replaced since tar streams do not carry it.
func (t *Tree) Overlay(layer *Tree) error {
	for _, p := range layer.Paths() {
		if p == "/" {
			continue
		}
		if err := t.put(p, layer.nodes[p].clone()); err != nil {
			return err
		}
	}
	return nil
}

// Diff returns the nodes of t that are new or changed relative to base,
// together with the ancestors needed to place them. Deletions are not
// represented.
func (t *Tree) Diff(base *Tree) *Tree {
	out := &Tree{nodes: map[string]*Node{}}
	for p, n := range t.nodes {
		if b, ok := base.nodes[p]; ok && b.equal(n) {
			continue
		}
		out.nodes[p] = n.clone()
		for dir := path.Dir(p); ; dir = path.Dir(dir) {
			if _, ok := out.nodes[dir]; !ok {
				out.nodes[dir] = t.nodes[dir].clone()
			}
			if dir == "/" {
				break
			}
		}
	}
	if len(out.nodes) > 0 {
		if _, ok := out.nodes["/"]; !ok {
			out.nodes["/"] = t.nodes["/"].clone()
		}
	}
	return out
}

// Empty reports whether the tree carries no entries at all, which is the
// case for a Diff with no changes.
func (t *Tree) Empty() bool { return len(t.nodes) == 0 }
