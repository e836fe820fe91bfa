package stagefs

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func sampleTree(t *testing.T) *Tree {
	t.Helper()
	tr := New()
	if err := tr.WriteFile("/app/src/api/routes.py", []byte("routes"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := tr.WriteFile("/app/server.py", []byte("app"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := tr.Symlink("/opt/python/bin/python3", "/app/.venv/bin/python"); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	return tr
}

func TestWriteFileCreatesParents(t *testing.T) {
	tr := sampleTree(t)
	for _, p := range []string{"/app", "/app/src", "/app/src/api"} {
		n, ok := tr.Lstat(p)
		if !ok || n.Type != TypeDir {
			t.Fatalf("expected directory at %s, got %+v (found=%v)", p, n, ok)
		}
	}
}

func TestWriteFileOverDirectoryFails(t *testing.T) {
	tr := sampleTree(t)
	err := tr.WriteFile("/app/src", []byte("x"), 0o644)
	if !errors.Is(err, ErrIsDir) {
		t.Fatalf("expected ErrIsDir, got %v", err)
	}
}

func TestMkdirAllThroughFileFails(t *testing.T) {
	tr := sampleTree(t)
	err := tr.MkdirAll("/app/server.py/x", 0o755)
	if !errors.Is(err, ErrNotDir) {
		t.Fatalf("expected ErrNotDir, got %v", err)
	}
}

func TestTarIsDeterministic(t *testing.T) {
	a, err := sampleTree(t).Bytes()
	if err != nil {
		t.Fatalf("bytes: %v", err)
	}
	b, err := sampleTree(t).Bytes()
	if err != nil {
		t.Fatalf("bytes: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("expected identical tar serializations for identical trees")
	}
}

func TestTarRoundTripPreservesOwnership(t *testing.T) {
	tr := sampleTree(t)
	if err := tr.Chown("/app", 10000, 10000, true); err != nil {
		t.Fatalf("chown: %v", err)
	}
	data, err := tr.Bytes()
	if err != nil {
		t.Fatalf("bytes: %v", err)
	}
	back, err := ReadTar(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !reflect.DeepEqual(back.Paths(), tr.Paths()) {
		t.Fatalf("paths differ: %v vs %v", back.Paths(), tr.Paths())
	}
	n, _ := back.Lstat("/app/src/api/routes.py")
	if n.UID != 10000 || n.GID != 10000 || string(n.Data) != "routes" {
		t.Fatalf("unexpected node after round trip: %+v", n)
	}
	link, _ := back.Lstat("/app/.venv/bin/python")
	if link.Type != TypeSymlink || link.Target != "/opt/python/bin/python3" {
		t.Fatalf("unexpected symlink after round trip: %+v", link)
	}
}

func TestDiffOnlyCarriesChanges(t *testing.T) {
	base := sampleTree(t)
	next := base.Clone()
	if err := next.WriteFile("/app/src/api/routes.py", []byte("routes v2"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	diff := next.Diff(base)
	want := []string{"/", "/app", "/app/src", "/app/src/api", "/app/src/api/routes.py"}
	if got := diff.Paths(); !reflect.DeepEqual(got, want) {
		t.Fatalf("diff paths = %v, want %v", got, want)
	}

	if !base.Clone().Diff(base).Empty() {
		t.Fatal("diff of identical trees should be empty")
	}
}

func TestOverlayAppliesDiff(t *testing.T) {
	base := sampleTree(t)
	next := base.Clone()
	_ = next.WriteFile("/app/data/.keep", nil, 0o600)

	rebuilt := base.Clone()
	if err := rebuilt.Overlay(next.Diff(base)); err != nil {
		t.Fatalf("overlay: %v", err)
	}
	if !reflect.DeepEqual(rebuilt.Paths(), next.Paths()) {
		t.Fatalf("overlay mismatch: %v vs %v", rebuilt.Paths(), next.Paths())
	}
}

func TestCopyFromRebasesSubtree(t *testing.T) {
	src := sampleTree(t)
	dst := New()
	if err := dst.CopyFrom(src, "/app/src", "/srv/src"); err != nil {
		t.Fatalf("copy: %v", err)
	}
	if !dst.Exists("/srv/src/api/routes.py") {
		t.Fatalf("expected copied file, got %v", dst.Paths())
	}
	if dst.Exists("/app") {
		t.Fatal("copy leaked unselected paths")
	}
	if err := dst.CopyFrom(src, "/missing", "/missing"); !errors.Is(err, ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func TestRemoveDropsSubtree(t *testing.T) {
	tr := sampleTree(t)
	tr.Remove("/app/src")
	if tr.Exists("/app/src/api/routes.py") || tr.Exists("/app/src") {
		t.Fatal("subtree should be gone")
	}
	if !tr.Exists("/app/server.py") {
		t.Fatal("sibling should remain")
	}
}

func TestImportDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "pkg", "__pycache__"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "pkg", "mod.py"), []byte("x = 1"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "pkg", "__pycache__", "mod.pyc"), []byte("junk"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("/tmp/build/python", filepath.Join(dir, "python")); err != nil {
		t.Fatal(err)
	}

	tr := New()
	err := tr.ImportDir(dir, "/app",
		WithOwner(1, 2),
		WithSymlinkRewrite(func(s string) string { return "/opt" + s[len("/tmp/build"):] }),
		WithSkip(func(rel string, d fs.DirEntry) bool { return d.Name() == "__pycache__" }),
	)
	if err != nil {
		t.Fatalf("import: %v", err)
	}

	n, ok := tr.Lstat("/app/pkg/mod.py")
	if !ok || string(n.Data) != "x = 1" || n.UID != 1 || n.GID != 2 {
		t.Fatalf("unexpected imported file: %+v", n)
	}
	if tr.Exists("/app/pkg/__pycache__") {
		t.Fatal("skipped directory was imported")
	}
	link, _ := tr.Lstat("/app/python")
	if link.Target != "/opt/python" {
		t.Fatalf("symlink target = %q", link.Target)
	}
}
