// Package hardener turns a privileged build stage into the unprivileged
// runtime stage: it registers the runtime identity, hands it the data
// directories and then gives up every ownership-changing operation.
package hardener

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"github.com/moby/sys/user"

	"github.com/0xa1bed0/mkimage/internal/logs"
	"github.com/0xa1bed0/mkimage/internal/stagefs"
)

const (
	passwdFile = "/etc/passwd"
	groupFile  = "/etc/group"

	rootPasswd = "root:x:0:0:root:/root:/bin/sh\n"
	rootGroup  = "root:x:0:\n"

	DataDirMode fs.FileMode = 0o750
)

var (
	ErrPrivilege        = errors.New("privilege transition failed")
	ErrStageConsumed    = errors.New("privileged stage already hardened")
	ErrPermissionDenied = errors.New("permission denied")
)

// PrivilegeError reports an identity that cannot be installed safely.
type PrivilegeError struct {
	Identity Identity
	Reason   string
}

func (e *PrivilegeError) Error() string {
	return fmt.Sprintf("runtime identity %s: %s", e.Identity, e.Reason)
}

func (e *PrivilegeError) Unwrap() error { return ErrPrivilege }

// PrivilegedStage is a stage that still runs as root. It can be hardened
// exactly once.
type PrivilegedStage struct {
	mu       sync.Mutex
	tree     *stagefs.Tree
	consumed bool
}

func NewPrivilegedStage(tree *stagefs.Tree) *PrivilegedStage {
	return &PrivilegedStage{tree: tree}
}

// Harden installs id, creates and hands over every data directory and returns
// the unprivileged stage. The work happens on a copy of the tree; on any
// failure the privileged stage is left untouched and may be retried.
func (s *PrivilegedStage) Harden(ctx context.Context, id Identity, dataDirs ...string) (*UnprivilegedStage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.consumed {
		return nil, ErrStageConsumed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := id.validate(); err != nil {
		return nil, err
	}

	work := s.tree.Clone()
	if err := registerIdentity(work, id); err != nil {
		return nil, err
	}

	if err := work.MkdirAll(id.Home, 0o755); err != nil {
		return nil, fmt.Errorf("home %s: %w", id.Home, err)
	}
	if err := work.Chown(id.Home, id.UID, id.GID, false); err != nil {
		return nil, err
	}

	dirs := make([]string, 0, len(dataDirs))
	for _, dir := range dataDirs {
		dir = stagefs.Clean(dir)
		if dir == "/" || isSystemDir(dir) {
			return nil, &PrivilegeError{Identity: id, Reason: "refusing to hand over " + dir}
		}
		if n, ok := work.Lstat(dir); ok && n.Type != stagefs.TypeDir {
			return nil, fmt.Errorf("data directory %s: %w", dir, stagefs.ErrNotDir)
		}
		if err := work.MkdirAll(dir, DataDirMode); err != nil {
			return nil, fmt.Errorf("data directory %s: %w", dir, err)
		}
		if err := work.Chmod(dir, DataDirMode); err != nil {
			return nil, err
		}
		if err := work.Chown(dir, id.UID, id.GID, true); err != nil {
			return nil, err
		}
		dirs = append(dirs, dir)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.consumed = true
	s.tree = nil
	logs.Debugf("[hardener] running as %s, data dirs %v", id, dirs)
	return &UnprivilegedStage{tree: work, id: id, dataDirs: dirs}, nil
}

func isSystemDir(dir string) bool {
	switch dir {
	case "/bin", "/sbin", "/lib", "/lib64", "/usr", "/etc", "/dev", "/proc", "/sys", "/run", "/var", "/opt", "/root", "/boot", "/tmp":
		return true
	}
	return false
}

// registerIdentity adds the group and user entries. Entries that already
// describe id exactly are accepted so rebuilding a hardened base is stable.
func registerIdentity(tree *stagefs.Tree, id Identity) error {
	groupData, err := readOr(tree, groupFile, rootGroup)
	if err != nil {
		return err
	}
	passwdData, err := readOr(tree, passwdFile, rootPasswd)
	if err != nil {
		return err
	}

	groups, err := user.ParseGroup(bytes.NewReader(groupData))
	if err != nil {
		return fmt.Errorf("parse %s: %w", groupFile, err)
	}
	users, err := user.ParsePasswd(bytes.NewReader(passwdData))
	if err != nil {
		return fmt.Errorf("parse %s: %w", passwdFile, err)
	}

	groupExists := false
	for _, g := range groups {
		switch {
		case g.Name == id.Group && g.Gid == id.GID:
			groupExists = true
		case g.Name == id.Group:
			return &PrivilegeError{Identity: id, Reason: fmt.Sprintf("group %s already has gid %d", g.Name, g.Gid)}
		case g.Gid == id.GID:
			return &PrivilegeError{Identity: id, Reason: fmt.Sprintf("gid %d already belongs to group %s", g.Gid, g.Name)}
		}
	}

	userExists := false
	for _, u := range users {
		switch {
		case u.Name == id.User && u.Uid == id.UID && u.Gid == id.GID:
			userExists = true
		case u.Name == id.User:
			return &PrivilegeError{Identity: id, Reason: fmt.Sprintf("user %s already exists as %d:%d", u.Name, u.Uid, u.Gid)}
		case u.Uid == id.UID:
			return &PrivilegeError{Identity: id, Reason: fmt.Sprintf("uid %d already belongs to user %s", u.Uid, u.Name)}
		}
	}

	if !groupExists {
		groupData = appendLine(groupData, fmt.Sprintf("%s:x:%d:", id.Group, id.GID))
		if err := tree.WriteFile(groupFile, groupData, 0o644); err != nil {
			return err
		}
	}
	if !userExists {
		passwdData = appendLine(passwdData, fmt.Sprintf("%s:x:%d:%d::%s:%s", id.User, id.UID, id.GID, id.Home, id.Shell))
		if err := tree.WriteFile(passwdFile, passwdData, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func readOr(tree *stagefs.Tree, p, fallback string) ([]byte, error) {
	if !tree.Exists(p) {
		return []byte(fallback), nil
	}
	return tree.ReadFile(p)
}

func appendLine(data []byte, line string) []byte {
	out := append([]byte(nil), data...)
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	return append(out, line+"\n"...)
}
