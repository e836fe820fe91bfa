// Package dockerimage builds a service image through the Docker daemon. The
// dependency stage is built on its own, tagged by its cache key and reused
// across builds whose lock and pin are unchanged.
package dockerimage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/0xa1bed0/mkimage/internal/buildcache"
	"github.com/0xa1bed0/mkimage/internal/dockerclient"
	"github.com/0xa1bed0/mkimage/internal/dockerfile"
	"github.com/0xa1bed0/mkimage/internal/filesmanager"
	"github.com/0xa1bed0/mkimage/internal/lockspec"
	"github.com/0xa1bed0/mkimage/internal/logs"
	"github.com/0xa1bed0/mkimage/internal/project"
	"github.com/0xa1bed0/mkimage/internal/runconfig"
	"github.com/0xa1bed0/mkimage/internal/runtimepin"
	"github.com/0xa1bed0/mkimage/internal/stagefs"
)

// Names of the dependency inputs inside the build context.
const (
	contextManifest = "pyproject.toml"
	contextLock     = lockspec.DefaultFile
	contextPin      = runtimepin.DefaultFile
)

var ErrImageConfig = errors.New("built image configuration is invalid")

type Request struct {
	Project   *project.Project
	Pin       runtimepin.Pin
	Lock      *lockspec.Spec
	Sources   []filesmanager.SourceFile
	BuildArgs map[string]string
	Tag       string
}

type Result struct {
	ImageID      string
	Tag          string
	DepsTag      string
	DepsCacheHit bool
	Dockerfile   dockerfile.Dockerfile
	Config       dockerclient.ImageConfig
	Elapsed      time.Duration
}

type Builder struct {
	docker dockerclient.DockerClient
	cache  *buildcache.Controller
}

func NewBuilder(docker dockerclient.DockerClient, cache *buildcache.Controller) *Builder {
	return &Builder{docker: docker, cache: cache}
}

// ParamsFor derives the Dockerfile parameters of a project.
func ParamsFor(p *project.Project, pin runtimepin.Pin, lock digest.Digest, cfg runconfig.Config) dockerfile.Params {
	c := p.Config
	return dockerfile.Params{
		Pin:          pin,
		BuilderImage: c.Images.Builder,
		RuntimeImage: c.Images.Runtime,
		LockFile:     contextLock,
		PinFile:      contextPin,
		ManifestFile: contextManifest,
		Sources:      c.Sources,
		Workdir:      c.Workdir,
		DataDir:      c.DataDir,
		Identity:     c.Identity,
		App:          c.App,
		Config:       cfg,
		Labels:       p.Labels(lock, pin.Raw),
	}
}

// Build renders the Dockerfile, makes sure the dependency image exists and
// builds the runtime stage on top of it.
func (b *Builder) Build(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	proj := req.Project

	cfg, err := runconfig.ResolveIn(proj.Config.SourceRoot(), req.BuildArgs, nil)
	if err != nil {
		return nil, err
	}
	params := ParamsFor(proj, req.Pin, req.Lock.Digest(), cfg)

	full, err := dockerfile.Render(params)
	if err != nil {
		return nil, err
	}

	inputs, err := depsInputs(proj, req.Lock)
	if err != nil {
		return nil, err
	}
	key := depsCacheKey(full.Stage(dockerfile.DepsStage), inputs)
	tag := depsTag(proj.Name, key)

	hit, err := b.ensureDeps(ctx, key, tag, full, inputs)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	params.DepsImage = tag
	final, err := dockerfile.Render(params)
	if err != nil {
		return nil, err
	}
	tarball, err := contextTar(final, req.Sources)
	if err != nil {
		return nil, err
	}

	ref := req.Tag
	if ref == "" {
		ref = proj.Ref()
	}
	logs.Infof("building runtime image %s", ref)
	id, err := b.docker.BuildImage(ctx, dockerclient.BuildRequest{
		Context:   bytes.NewReader(tarball),
		Tag:       ref,
		Target:    dockerfile.RuntimeStage,
		BuildArgs: req.BuildArgs,
	})
	if err != nil {
		return nil, err
	}

	imgCfg, err := b.docker.ImageConfig(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := checkImageConfig(imgCfg, cfg, params); err != nil {
		return nil, err
	}

	return &Result{
		ImageID:      id,
		Tag:          ref,
		DepsTag:      tag,
		DepsCacheHit: hit,
		Dockerfile:   final,
		Config:       imgCfg,
		Elapsed:      time.Since(start),
	}, nil
}

// checkImageConfig holds the daemon's result to what was rendered: exactly
// the configured port exposed and a non-root user.
func checkImageConfig(img dockerclient.ImageConfig, cfg runconfig.Config, params dockerfile.Params) error {
	if len(img.ExposedPorts) != 1 {
		return fmt.Errorf("%w: expected exactly one exposed port, got %v", ErrImageConfig, img.ExposedPorts)
	}
	declared, err := strconv.Atoi(strings.TrimSuffix(img.ExposedPorts[0], "/tcp"))
	if err != nil {
		return fmt.Errorf("%w: exposed port %q", ErrImageConfig, img.ExposedPorts[0])
	}
	if err := runconfig.CheckExposed(declared, cfg); err != nil {
		return err
	}
	if img.User != params.Identity.OCIUser() {
		return fmt.Errorf("%w: user is %q, want %q", ErrImageConfig, img.User, params.Identity.OCIUser())
	}
	return nil
}

func depsInputs(p *project.Project, lock *lockspec.Spec) ([]filesmanager.SourceFile, error) {
	manifest, err := os.ReadFile(p.Path(p.Config.Manifest))
	if err != nil {
		return nil, fmt.Errorf("the docker backend needs %s: %w", p.Config.Manifest, err)
	}
	pin, err := os.ReadFile(p.Path(p.Config.RuntimePin))
	if err != nil {
		return nil, err
	}
	files := []filesmanager.SourceFile{
		{Rel: contextManifest, Mode: 0o644, Data: manifest},
		{Rel: contextLock, Mode: 0o644, Data: lock.Bytes()},
		{Rel: contextPin, Mode: 0o644, Data: pin},
	}
	for i := range files {
		files[i].Digest = digest.FromBytes(files[i].Data)
	}
	return files, nil
}

// contextTar packs the Dockerfile and files into a deterministic build
// context.
func contextTar(df dockerfile.Dockerfile, files []filesmanager.SourceFile) ([]byte, error) {
	tree := stagefs.New()
	if err := tree.WriteFile("/"+dockerclient.DefaultDockerfile, []byte(df.String()), 0o644); err != nil {
		return nil, err
	}
	for _, f := range files {
		if err := tree.WriteFile("/"+f.Rel, f.Data, f.Mode); err != nil {
			return nil, fmt.Errorf("build context: %w", err)
		}
	}
	return tree.Bytes()
}
