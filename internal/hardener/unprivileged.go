package hardener

import (
	"fmt"
	"io/fs"
	"path"

	"github.com/0xa1bed0/mkimage/internal/stagefs"
)

// UnprivilegedStage is the hardened stage. It offers no way to change
// identity or ownership; writes happen as the runtime identity.
type UnprivilegedStage struct {
	tree     *stagefs.Tree
	id       Identity
	dataDirs []string
}

func (s *UnprivilegedStage) Identity() Identity { return s.id }

func (s *UnprivilegedStage) DataDirs() []string {
	return append([]string(nil), s.dataDirs...)
}

// Snapshot returns a copy of the stage tree.
func (s *UnprivilegedStage) Snapshot() *stagefs.Tree { return s.tree.Clone() }

// WriteFile writes p as the runtime identity. The parent directory must exist
// and be owned and writable by the identity; an existing file must be owned
// by it too.
func (s *UnprivilegedStage) WriteFile(p string, data []byte, mode fs.FileMode) error {
	p = stagefs.Clean(p)
	parent, ok := s.tree.Lstat(path.Dir(p))
	if !ok || parent.Type != stagefs.TypeDir {
		return fmt.Errorf("%w: %s has no parent directory", ErrPermissionDenied, p)
	}
	if parent.UID != s.id.UID || parent.Mode&0o200 == 0 {
		return fmt.Errorf("%w: %s is not writable by %s", ErrPermissionDenied, path.Dir(p), s.id.User)
	}
	if existing, ok := s.tree.Lstat(p); ok && existing.UID != s.id.UID {
		return fmt.Errorf("%w: %s is owned by uid %d", ErrPermissionDenied, p, existing.UID)
	}
	return s.tree.Put(p, stagefs.Node{
		Type: stagefs.TypeFile,
		Mode: mode.Perm(),
		UID:  s.id.UID,
		GID:  s.id.GID,
		Data: data,
	})
}
