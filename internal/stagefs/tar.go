package stagefs

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
)

// epoch is the fixed modification time written into every tar header so the
// same tree always serializes to the same bytes.
var epoch = time.Unix(0, 0).UTC()

// WriteTar serializes the tree in lexical path order with fixed timestamps.
// The root directory itself is not written.
func (t *Tree) WriteTar(w io.Writer) error {
	tw := tar.NewWriter(w)
	for _, p := range t.Paths() {
		if p == "/" {
			continue
		}
		if err := writeTarEntry(tw, p, t.nodes[p]); err != nil {
			return err
		}
	}
	return tw.Close()
}

func writeTarEntry(tw *tar.Writer, p string, n *Node) error {
	hdr := &tar.Header{
		Name:    strings.TrimPrefix(p, "/"),
		Mode:    int64(n.Mode.Perm()),
		Uid:     n.UID,
		Gid:     n.GID,
		ModTime: epoch,
		Format:  tar.FormatPAX,
	}
	switch n.Type {
	case TypeDir:
		hdr.Typeflag = tar.TypeDir
		hdr.Name += "/"
	case TypeSymlink:
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = n.Target
	default:
		hdr.Typeflag = tar.TypeReg
		hdr.Size = int64(len(n.Data))
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("stagefs: write header %s: %w", p, err)
	}
	if n.Type == TypeFile && len(n.Data) > 0 {
		if _, err := tw.Write(n.Data); err != nil {
			return fmt.Errorf("stagefs: write %s: %w", p, err)
		}
	}
	return nil
}

// ReadTar builds a tree from a tar stream produced by WriteTar or any other
// tool. Hard links are materialized as copies; device nodes are rejected.
func ReadTar(r io.Reader) (*Tree, error) {
	t := New()
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return t, nil
		}
		if err != nil {
			return nil, fmt.Errorf("stagefs: read tar: %w", err)
		}
		p := Clean(hdr.Name)
		mode := fs.FileMode(hdr.Mode).Perm()
		switch hdr.Typeflag {
		case tar.TypeDir:
			err = t.put(p, &Node{Type: TypeDir, Mode: mode, UID: hdr.Uid, GID: hdr.Gid})
		case tar.TypeSymlink:
			err = t.put(p, &Node{Type: TypeSymlink, Mode: 0o777, UID: hdr.Uid, GID: hdr.Gid, Target: hdr.Linkname})
		case tar.TypeLink:
			src, ok := t.nodes[Clean(hdr.Linkname)]
			if !ok {
				return nil, fmt.Errorf("stagefs: hard link %s to missing %s", p, hdr.Linkname)
			}
			err = t.put(p, src.clone())
		case tar.TypeReg:
			data, rerr := io.ReadAll(tr)
			if rerr != nil {
				return nil, fmt.Errorf("stagefs: read %s: %w", p, rerr)
			}
			err = t.put(p, &Node{Type: TypeFile, Mode: mode, UID: hdr.Uid, GID: hdr.Gid, Data: data})
		default:
			return nil, fmt.Errorf("stagefs: unsupported tar entry %s (type %c)", p, hdr.Typeflag)
		}
		if err != nil {
			return nil, err
		}
	}
}

// Bytes returns the tar serialization of the tree.
func (t *Tree) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := t.WriteTar(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Digest returns the sha256 digest and size of the tree's tar serialization.
func (t *Tree) Digest() (digest.Digest, int64, error) {
	data, err := t.Bytes()
	if err != nil {
		return "", 0, err
	}
	return digest.FromBytes(data), int64(len(data)), nil
}

// ImportOption tweaks how host files are copied into a tree.
type ImportOption func(*importOptions)

type importOptions struct {
	uid, gid      int
	rewriteTarget func(string) string
	skip          func(rel string, d fs.DirEntry) bool
}

// WithOwner sets the ownership given to imported entries. The default is root.
func WithOwner(uid, gid int) ImportOption {
	return func(o *importOptions) { o.uid, o.gid = uid, gid }
}

// WithSymlinkRewrite maps each symlink target before it is stored.
func WithSymlinkRewrite(fn func(string) string) ImportOption {
	return func(o *importOptions) { o.rewriteTarget = fn }
}

// WithSkip excludes entries for which fn returns true. Skipping a directory
// skips its subtree.
func WithSkip(fn func(rel string, d fs.DirEntry) bool) ImportOption {
	return func(o *importOptions) { o.skip = fn }
}

// ImportDir copies the host directory hostDir into the tree at dest.
// Host ownership and timestamps are discarded.
func (t *Tree) ImportDir(hostDir, dest string, opts ...ImportOption) error {
	o := importOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	return filepath.WalkDir(hostDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(hostDir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel != "." && o.skip != nil && o.skip(rel, d) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := Clean(dest + "/" + rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return t.put(target, &Node{Type: TypeDir, Mode: info.Mode().Perm(), UID: o.uid, GID: o.gid})
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			if o.rewriteTarget != nil {
				link = o.rewriteTarget(link)
			}
			return t.put(target, &Node{Type: TypeSymlink, Mode: 0o777, UID: o.uid, GID: o.gid, Target: link})
		case info.Mode().IsRegular():
			data, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			return t.put(target, &Node{Type: TypeFile, Mode: info.Mode().Perm(), UID: o.uid, GID: o.gid, Data: data})
		default:
			return fmt.Errorf("stagefs: unsupported file type at %s", p)
		}
	})
}
