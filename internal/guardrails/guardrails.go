// Package guardrails refuses project roots whose contents must never end up
// in an image layer.
package guardrails

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	hostappconfig "github.com/0xa1bed0/mkimage/internal/apps/mkimage/config"
	"github.com/0xa1bed0/mkimage/internal/logs"
)

var ErrForbiddenRoot = errors.New("directory can't be used as a project root")

// A forbidden rule: an exact path, or a path and everything below it.
type forbiddenRule struct {
	Path   string
	Prefix bool
}

func rules(home string) []forbiddenRule {
	raw := []forbiddenRule{
		{Path: "/"},

		// --- SYSTEM DIRECTORIES ---
		{Path: "/bin", Prefix: true},
		{Path: "/sbin", Prefix: true},
		{Path: "/lib", Prefix: true},
		{Path: "/lib32", Prefix: true},
		{Path: "/lib64", Prefix: true},
		{Path: "/usr", Prefix: true},
		{Path: "/etc", Prefix: true},
		{Path: "/private/etc", Prefix: true},
		{Path: "/dev", Prefix: true},
		{Path: "/proc", Prefix: true},
		{Path: "/sys", Prefix: true},
		{Path: "/boot", Prefix: true},
		{Path: "/System", Prefix: true},
		{Path: "/Library", Prefix: true},
		{Path: "/Applications", Prefix: true},

		// --- MKIMAGE INTERNALS ---
		{Path: hostappconfig.ConfigBasePath(), Prefix: true},
	}

	if home != "" {
		raw = append(raw, forbiddenRule{Path: home})
		for _, p := range []string{
			".ssh", ".gnupg", ".pki", ".aws", ".azure", ".docker", ".kube",
			".config/gh", ".config/gcloud", ".config/doctl", ".config/hcloud",
			".local/share/keyrings", "Library",
		} {
			raw = append(raw, forbiddenRule{Path: filepath.Join(home, p), Prefix: true})
		}
	}

	out := make([]forbiddenRule, 0, len(raw))
	for _, r := range raw {
		r.Path = filepath.Clean(r.Path)
		out = append(out, r)
	}
	return out
}

// CheckProjectRoot resolves dir, symlinks included, and fails with
// ErrForbiddenRoot when it is a system directory, the home directory itself,
// a credentials directory or mkimage's own state.
func CheckProjectRoot(dir string) error {
	home, _ := os.UserHomeDir()
	return checkRoot(dir, home)
}

func checkRoot(dir, home string) error {
	p, err := resolvePathStrict(dir)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", dir, err)
	}
	if home != "" {
		if h, err := filepath.EvalSymlinks(home); err == nil {
			home = h
		}
	}

	for _, rule := range rules(home) {
		if p == rule.Path || (rule.Prefix && isUnderPrefix(rule.Path, p)) {
			logs.Debugf("[guardrails] %s matches forbidden path %s", p, rule.Path)
			return fmt.Errorf("%w: %s", ErrForbiddenRoot, p)
		}
	}
	return nil
}

// resolvePathStrict returns the absolute, canonical form of p. Broken
// symlinks and missing paths are errors.
func resolvePathStrict(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(filepath.Clean(abs))
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(resolved); err != nil {
		return "", err
	}
	return resolved, nil
}

func isUnderPrefix(base, path string) bool {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
