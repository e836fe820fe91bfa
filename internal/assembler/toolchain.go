package assembler

import (
	"path"
	"sort"
	"strings"

	"github.com/0xa1bed0/mkimage/internal/stagefs"
)

// A toolchain rule: either exact path, prefix path, or glob.
type ToolchainRule struct {
	Path    string // absolute in-image path or pattern
	Exact   bool   // match ONLY this exact path
	Prefix  bool   // match this path AND any child paths
	Pattern bool   // match paths with path.Match semantics
}

func (r ToolchainRule) matches(p string) bool {
	switch {
	case r.Exact:
		return p == r.Path
	case r.Prefix:
		return stagefs.IsUnder(r.Path, p)
	case r.Pattern:
		ok, _ := path.Match(r.Path, p)
		return ok
	}
	return false
}

// DefaultToolchainRules lists what the build stage needs and the final image
// must never carry.
func DefaultToolchainRules() []ToolchainRule {
	raw := []ToolchainRule{
		// --- PACKAGE MANAGER ---
		{Path: "/usr/local/bin/uv", Exact: true},
		{Path: "/usr/local/bin/uvx", Exact: true},
		{Path: "/bin/uv", Exact: true},
		{Path: "/bin/uvx", Exact: true},
		{Path: "/app/.venv/bin/uv", Exact: true},

		// --- CACHES ---
		{Path: "/root/.cache", Prefix: true},
		{Path: "/var/cache/apt", Prefix: true},
		{Path: "/var/lib/apt/lists", Prefix: true},
		{Path: "/tmp/uv-cache", Prefix: true},
		{Path: "/*/.cache/uv", Pattern: true},
		{Path: "/*/.cache/pip", Pattern: true},
		{Path: "/home/*/.cache", Pattern: true},

		// --- COMPILERS ---
		{Path: "/usr/bin/gcc*", Pattern: true},
		{Path: "/usr/bin/g++*", Pattern: true},
		{Path: "/usr/bin/cc", Exact: true},
		{Path: "/usr/bin/c++", Exact: true},
		{Path: "/usr/bin/make", Exact: true},
		{Path: "/usr/bin/ld", Exact: true},
		{Path: "/usr/lib/gcc", Prefix: true},
	}

	out := make([]ToolchainRule, 0, len(raw))
	for _, r := range raw {
		if !r.Pattern {
			r.Path = stagefs.Clean(r.Path)
		}
		out = append(out, r)
	}
	return out
}

func (a *Assembler) isToolchain(p string) (ToolchainRule, bool) {
	for _, r := range a.rules {
		if r.matches(p) {
			return r, true
		}
	}
	return ToolchainRule{}, false
}

// ToolchainPaths returns every path of tree that a toolchain rule matches.
func (a *Assembler) ToolchainPaths(tree *stagefs.Tree) []string {
	var out []string
	for _, p := range tree.Paths() {
		if _, ok := a.isToolchain(p); ok {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func describe(r ToolchainRule) string {
	kind := "exact"
	switch {
	case r.Prefix:
		kind = "prefix"
	case r.Pattern:
		kind = "pattern"
	}
	return strings.Join([]string{kind, r.Path}, " ")
}
