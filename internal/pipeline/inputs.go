package pipeline

import (
	"fmt"

	"github.com/opencontainers/go-digest"

	"github.com/0xa1bed0/mkimage/internal/filesmanager"
	"github.com/0xa1bed0/mkimage/internal/lockspec"
	"github.com/0xa1bed0/mkimage/internal/logs"
	"github.com/0xa1bed0/mkimage/internal/project"
	"github.com/0xa1bed0/mkimage/internal/resolver"
	"github.com/0xa1bed0/mkimage/internal/runtimepin"
)

// Inputs are the validated build inputs shared by every backend.
type Inputs struct {
	Project *project.Project
	Pin     runtimepin.Pin
	Lock    *lockspec.Spec
	Sources []filesmanager.SourceFile
}

// LoadInputs loads the project at dir and checks its lock, pin and sources.
// A non-empty lockDigest takes precedence over the project's lock_digest.
func LoadInputs(dir string, lockDigest digest.Digest) (*Inputs, error) {
	proj, err := project.Load(dir)
	if err != nil {
		return nil, err
	}
	cfg := proj.Config

	expected := lockDigest
	if expected == "" {
		expected = digest.Digest(cfg.LockDigest)
	}
	lock, err := lockspec.Load(proj.Path(cfg.Lock), expected)
	if err != nil {
		return nil, err
	}
	pin, err := runtimepin.Load(proj.Path(cfg.RuntimePin))
	if err != nil {
		return nil, err
	}
	if err := resolver.CheckCompatibility(pin, lock); err != nil {
		return nil, err
	}

	fm, err := filesmanager.NewFileManager(proj.Dir)
	if err != nil {
		return nil, err
	}
	sources, err := fm.Collect(cfg.Sources, cfg.Ignore)
	if err != nil {
		return nil, fmt.Errorf("collect sources: %w", err)
	}

	logs.Debugf("project %s %s: python %s, %d locked packages, %d source files",
		proj.Name, proj.Version, pin.Raw, len(lock.Installable()), len(sources))

	return &Inputs{Project: proj, Pin: pin, Lock: lock, Sources: sources}, nil
}
