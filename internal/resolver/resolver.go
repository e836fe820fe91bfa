// Package resolver materializes the isolated runtime environment of a build:
// the pinned interpreter plus exactly the locked dependency set. Environments
// are cached by (lock digest, runtime pin) and reused without running the
// installer again.
package resolver

import (
	"bytes"
	"context"
	"fmt"
	"runtime"
	"strconv"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/0xa1bed0/mkimage/internal/buildcache"
	"github.com/0xa1bed0/mkimage/internal/lockspec"
	"github.com/0xa1bed0/mkimage/internal/logs"
	"github.com/0xa1bed0/mkimage/internal/runtimepin"
	"github.com/0xa1bed0/mkimage/internal/stagefs"
)

// In-image locations of the environment.
const (
	VenvDir   = "/app/.venv"
	PythonDir = "/opt/python"
)

//go:generate mockgen -source=resolver.go -destination=mocks/resolver_mock.go -package=mocks

// InstallRequest is everything an installer needs to build an environment.
type InstallRequest struct {
	Pin        runtimepin.Pin
	Lock       *lockspec.Spec
	ProjectDir string
}

// Installer builds a fresh environment tree holding VenvDir and, when the
// interpreter is provisioned by the installer, PythonDir.
type Installer interface {
	Install(ctx context.Context, req InstallRequest) (*stagefs.Tree, error)
}

// Environment is a resolved dependency environment.
type Environment struct {
	Key      buildcache.Key
	Digest   digest.Digest
	Size     int64
	Tree     *stagefs.Tree
	Paths    []string
	CacheHit bool
	Elapsed  time.Duration
}

type Resolver struct {
	cache     *buildcache.Controller
	installer Installer
	platform  string
}

func New(cache *buildcache.Controller, installer Installer) *Resolver {
	return &Resolver{
		cache:     cache,
		installer: installer,
		platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// Key is the cache key of the environment for lock and pin on this platform.
func (r *Resolver) Key(pin runtimepin.Pin, lock *lockspec.Spec) buildcache.Key {
	return buildcache.NewKey("resolver", "v1", r.platform, lock.Digest().String(), pin.Raw)
}

// Resolve returns the environment for pin and lock, installing it only when
// the cache has no usable entry. Concurrent resolutions of the same key
// install once.
func (r *Resolver) Resolve(ctx context.Context, pin runtimepin.Pin, lock *lockspec.Spec, projectDir string) (*Environment, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := CheckCompatibility(pin, lock); err != nil {
		return nil, err
	}

	want, err := installSet(pin, lock)
	if err != nil {
		return nil, err
	}

	key := r.Key(pin, lock)
	logs.Debugf("[resolver] environment key %s (python %s, lock %s)", key.Short(), pin.Raw, lock.Digest().Encoded()[:12])

	res, err := r.cache.Resolve(ctx, key, func(ctx context.Context) ([]byte, map[string]string, error) {
		logs.Infof("Installing python %s and %d locked packages", pin.Raw, len(want))
		tree, err := r.installer.Install(ctx, InstallRequest{Pin: pin, Lock: lock, ProjectDir: projectDir})
		if err != nil {
			return nil, nil, fmt.Errorf("install environment: %w", err)
		}
		if err := Verify(tree, pin, lock); err != nil {
			return nil, nil, err
		}
		data, err := tree.Bytes()
		if err != nil {
			return nil, nil, err
		}
		return data, map[string]string{
			"kind":     "environment",
			"python":   pin.Raw,
			"lock":     lock.Digest().String(),
			"packages": strconv.Itoa(len(want)),
			"platform": r.platform,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	tree, err := stagefs.ReadTar(bytes.NewReader(res.Data))
	if err != nil {
		return nil, fmt.Errorf("decode cached environment %s: %w", key.Short(), err)
	}
	if res.Hit {
		if err := Verify(tree, pin, lock); err != nil {
			return nil, fmt.Errorf("cached environment %s: %w", key.Short(), err)
		}
	}

	env := &Environment{
		Key:      key,
		Digest:   res.Entry.Digest,
		Size:     res.Entry.Size,
		Tree:     tree,
		CacheHit: res.Hit,
		Elapsed:  time.Since(start),
	}
	for _, p := range []string{VenvDir, PythonDir} {
		if tree.Exists(p) {
			env.Paths = append(env.Paths, p)
		}
	}
	return env, nil
}
