// Package assembler builds the final image tree: a minimal base plus exactly
// the selected paths of the build stage.
package assembler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/0xa1bed0/mkimage/internal/logs"
	"github.com/0xa1bed0/mkimage/internal/stagefs"
)

var (
	ErrSelectorNotFound  = errors.New("selected path not found in build stage")
	ErrToolchainSelected = errors.New("selection includes build toolchain")
	ErrToolchainPresent  = errors.New("image contains build toolchain")
	ErrInvalidSelector   = errors.New("invalid selector")
)

// SelectorNotFoundError names the first selector whose source is missing.
type SelectorNotFoundError struct {
	Selector Selector
}

func (e *SelectorNotFoundError) Error() string {
	return fmt.Sprintf("selector %s: %s does not exist in the build stage", e.Selector, e.Selector.From)
}

func (e *SelectorNotFoundError) Unwrap() error { return ErrSelectorNotFound }

// Selector copies the subtree at From in the build stage to To in the image.
// An empty To means the same path.
type Selector struct {
	From string `yaml:"from"`
	To   string `yaml:"to,omitempty"`
}

func (s Selector) target() string {
	if s.To == "" {
		return stagefs.Clean(s.From)
	}
	return stagefs.Clean(s.To)
}

func (s Selector) String() string {
	if s.To == "" || stagefs.Clean(s.To) == stagefs.Clean(s.From) {
		return stagefs.Clean(s.From)
	}
	return stagefs.Clean(s.From) + "->" + stagefs.Clean(s.To)
}

// Assembler copies selections into a base tree while keeping toolchain paths
// out of the result.
type Assembler struct {
	rules []ToolchainRule
}

// New returns an assembler with the default toolchain rules plus extra.
func New(extra ...ToolchainRule) *Assembler {
	return &Assembler{rules: append(DefaultToolchainRules(), extra...)}
}

// Assemble returns a clone of base holding exactly the selected subtrees of
// src. Every selector is validated before anything is copied, so a failure
// produces no partial tree. src and base are never mutated.
func (a *Assembler) Assemble(src, base *stagefs.Tree, selectors []Selector) (*stagefs.Tree, error) {
	if len(selectors) == 0 {
		return nil, fmt.Errorf("%w: nothing selected", ErrInvalidSelector)
	}

	for _, sel := range selectors {
		if strings.TrimSpace(sel.From) == "" {
			return nil, fmt.Errorf("%w: empty source path", ErrInvalidSelector)
		}
		from := stagefs.Clean(sel.From)
		if from == "/" {
			return nil, fmt.Errorf("%w: selecting the whole build stage", ErrInvalidSelector)
		}
		if !src.Exists(from) {
			return nil, &SelectorNotFoundError{Selector: sel}
		}
		if err := a.checkSelection(src, sel); err != nil {
			return nil, err
		}
	}

	out := base.Clone()
	for _, sel := range selectors {
		if err := out.CopyFrom(src, sel.From, sel.target()); err != nil {
			return nil, fmt.Errorf("copy %s: %w", sel, err)
		}
		logs.Debugf("[assembler] selected %s", sel)
	}
	return out, nil
}

func (a *Assembler) checkSelection(src *stagefs.Tree, sel Selector) error {
	from, to := stagefs.Clean(sel.From), sel.target()
	return src.Walk(from, func(p string, _ stagefs.Node) error {
		dest := stagefs.Clean(to + "/" + strings.TrimPrefix(p, from))
		for _, candidate := range []string{p, dest} {
			if r, ok := a.isToolchain(candidate); ok {
				return fmt.Errorf("%w: %s matches %s", ErrToolchainSelected, candidate, describe(r))
			}
		}
		return nil
	})
}

// VerifyNoToolchain fails when tree carries any toolchain path.
func (a *Assembler) VerifyNoToolchain(tree *stagefs.Tree) error {
	found := a.ToolchainPaths(tree)
	if len(found) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrToolchainPresent, strings.Join(found, ", "))
}
