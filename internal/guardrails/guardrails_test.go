package guardrails

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestCheckRoot(t *testing.T) {
	home := t.TempDir()
	project := filepath.Join(home, "src", "tarot")
	ssh := filepath.Join(home, ".ssh", "keys")
	for _, d := range []string{project, ssh} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	link := filepath.Join(t.TempDir(), "home-link")
	if err := os.Symlink(home, link); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		dir       string
		forbidden bool
	}{
		{"project below home", project, false},
		{"home itself", home, true},
		{"symlink to home", link, true},
		{"credentials dir", ssh, true},
		{"filesystem root", "/", true},
		{"system dir", "/etc", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkRoot(tt.dir, home)
			if got := errors.Is(err, ErrForbiddenRoot); got != tt.forbidden {
				t.Fatalf("checkRoot(%s) = %v, forbidden %v", tt.dir, err, tt.forbidden)
			}
		})
	}
}

func TestCheckRootMissingDir(t *testing.T) {
	err := checkRoot(filepath.Join(t.TempDir(), "missing"), "")
	if err == nil || errors.Is(err, ErrForbiddenRoot) {
		t.Fatalf("err = %v", err)
	}
}

func TestIsUnderPrefix(t *testing.T) {
	if !isUnderPrefix("/a/b", "/a/b/c") || !isUnderPrefix("/a/b", "/a/b") {
		t.Fatal("expected paths under /a/b")
	}
	if isUnderPrefix("/a/b", "/a/bc") || isUnderPrefix("/a/b", "/a") {
		t.Fatal("unexpected match")
	}
	if !isUnderPrefix("/a", "/a/..b") {
		t.Fatal("dot-prefixed child is under its parent")
	}
}
