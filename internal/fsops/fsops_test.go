package fsops

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func TestHostFS(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "src", "api"), 0o755); err != nil {
		t.Fatal(err)
	}
	file := filepath.Join(root, "src", "api", "main.py")
	if err := os.WriteFile(file, []byte("app = None\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	fsys := Host()

	fi, err := fsys.Stat(file)
	if err != nil || fi.Name() != "main.py" || fi.IsDir() {
		t.Fatalf("Stat = %v, %v", fi, err)
	}
	data, err := fsys.ReadFile(file)
	if err != nil || string(data) != "app = None\n" {
		t.Fatalf("ReadFile = %q, %v", data, err)
	}

	var visited []string
	err = fsys.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, p)
		visited = append(visited, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{".", "src", "src/api", "src/api/main.py"}
	if len(visited) != len(want) {
		t.Fatalf("visited %v, want %v", visited, want)
	}
	for i := range want {
		if visited[i] != want[i] {
			t.Fatalf("visited %v, want %v", visited, want)
		}
	}

	if _, err := fsys.Stat(filepath.Join(root, "missing")); !os.IsNotExist(err) {
		t.Fatalf("Stat missing = %v", err)
	}
}
