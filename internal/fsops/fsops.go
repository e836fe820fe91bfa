// Package fsops is the filesystem seam of the source collector.
package fsops

//go:generate mockgen -source=fsops.go -destination=mocks/fsops_mock.go -package=mocks

import (
	"io/fs"
	"os"
	"path/filepath"
)

// SourceFS is what collecting application sources reads from the host.
// Paths are absolute host paths.
type SourceFS interface {
	Stat(name string) (fs.FileInfo, error)
	ReadFile(name string) ([]byte, error)
	WalkDir(root string, fn fs.WalkDirFunc) error
}

// Host reads the real filesystem.
func Host() SourceFS { return hostFS{} }

type hostFS struct{}

func (hostFS) Stat(name string) (fs.FileInfo, error) { return os.Stat(name) }
func (hostFS) ReadFile(name string) ([]byte, error)  { return os.ReadFile(name) }
func (hostFS) WalkDir(root string, fn fs.WalkDirFunc) error {
	return filepath.WalkDir(root, fn)
}
