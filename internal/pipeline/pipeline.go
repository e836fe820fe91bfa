// Package pipeline runs the build stages in their fixed order: resolve the
// dependency environment, assemble the cached layer chain on a minimal base,
// harden the result, configure the runtime and write the OCI image layout.
// No stage ever feeds back into an earlier one.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	goruntime "runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/0xa1bed0/mkimage/internal/assembler"
	"github.com/0xa1bed0/mkimage/internal/buildcache"
	"github.com/0xa1bed0/mkimage/internal/filesmanager"
	"github.com/0xa1bed0/mkimage/internal/hardener"
	"github.com/0xa1bed0/mkimage/internal/launcher"
	"github.com/0xa1bed0/mkimage/internal/layers"
	"github.com/0xa1bed0/mkimage/internal/logs"
	"github.com/0xa1bed0/mkimage/internal/ociimage"
	"github.com/0xa1bed0/mkimage/internal/project"
	"github.com/0xa1bed0/mkimage/internal/resolver"
	"github.com/0xa1bed0/mkimage/internal/runconfig"
	"github.com/0xa1bed0/mkimage/internal/stagefs"
)

const (
	StageResolve      = "resolve"
	StageDependencies = "dependencies"
	StageSources      = "sources"
	StageHarden       = "harden"
	StageWrite        = "write"

	// DefaultOutput is relative to the project directory.
	DefaultOutput = "dist/image"
)

var ErrUnsupportedPlatform = errors.New("the oci backend only builds on linux hosts")

type Options struct {
	Dir        string
	Output     string
	Tag        string
	BuildArgs  map[string]string
	LockDigest digest.Digest
}

// StageReport is what one stage did.
type StageReport struct {
	Name     string
	CacheHit bool
	Digest   digest.Digest
	Elapsed  time.Duration
}

type Result struct {
	BuildID     string
	Ref         string
	Output      string
	Manifest    ocispec.Descriptor
	Image       *ociimage.Image
	Config      runconfig.Config
	Environment *resolver.Environment
	Stages      []StageReport
}

// Stage returns the report of the named stage.
func (r *Result) Stage(name string) (StageReport, bool) {
	for _, s := range r.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageReport{}, false
}

func (r *Result) report(name string, hit bool, d digest.Digest, elapsed time.Duration) {
	r.Stages = append(r.Stages, StageReport{Name: name, CacheHit: hit, Digest: d, Elapsed: elapsed})
	status := "built"
	if hit {
		status = "cached"
	}
	logs.Infof("[%s] %s in %s", name, status, elapsed.Round(time.Millisecond))
}

type Pipeline struct {
	resolver  *resolver.Resolver
	layers    *layers.Controller
	assembler *assembler.Assembler
	goos      string
	goarch    string
}

func New(cache *buildcache.Controller, installer resolver.Installer) *Pipeline {
	return &Pipeline{
		resolver:  resolver.New(cache, installer),
		layers:    layers.NewController(cache),
		assembler: assembler.New(),
		goos:      goruntime.GOOS,
		goarch:    goruntime.GOARCH,
	}
}

// Build loads the project in opts.Dir and builds it.
func (p *Pipeline) Build(ctx context.Context, opts Options) (*Result, error) {
	if p.goos != "linux" {
		return nil, fmt.Errorf("%w (host is %s), use the docker backend", ErrUnsupportedPlatform, p.goos)
	}
	in, err := LoadInputs(opts.Dir, opts.LockDigest)
	if err != nil {
		return nil, err
	}
	return p.BuildInputs(ctx, in, opts)
}

// BuildInputs builds already loaded inputs. Nothing is written unless every
// stage succeeds.
func (p *Pipeline) BuildInputs(ctx context.Context, in *Inputs, opts Options) (*Result, error) {
	proj := in.Project
	cfg := proj.Config

	res := &Result{BuildID: uuid.NewString(), Ref: opts.Tag, Output: opts.Output}
	if res.Ref == "" {
		res.Ref = proj.Ref()
	}
	if res.Output == "" {
		res.Output = proj.Path(DefaultOutput)
	}
	logs.Debugf("build %s: %s -> %s", res.BuildID, res.Ref, res.Output)

	runCfg, err := runconfig.ResolveIn(cfg.SourceRoot(), opts.BuildArgs, nil)
	if err != nil {
		return nil, err
	}
	res.Config = runCfg

	env, err := p.resolver.Resolve(ctx, in.Pin, in.Lock, proj.Dir)
	if err != nil {
		return nil, err
	}
	res.Environment = env
	res.report(StageResolve, env.CacheHit, env.Digest, env.Elapsed)

	base, err := p.loadBase(proj)
	if err != nil {
		return nil, err
	}
	baseTree, err := base.Tree()
	if err != nil {
		return nil, fmt.Errorf("base image: %w", err)
	}

	stage, err := buildStage(env.Tree, proj, in.Sources)
	if err != nil {
		return nil, err
	}

	steps := p.steps(stage, base, env, proj, in.Sources)
	chain, err := p.layers.Run(ctx, baseTree, steps)
	if err != nil {
		return nil, err
	}
	for _, rec := range chain.Layers {
		res.report(rec.Name, rec.Hit, rec.Digest, rec.Elapsed)
	}

	start := time.Now()
	unprivileged, err := hardener.NewPrivilegedStage(chain.Tree).Harden(ctx, cfg.Identity, cfg.DataDir)
	if err != nil {
		return nil, err
	}
	final := unprivileged.Snapshot()
	identityLayer := final.Diff(chain.Tree)
	res.report(StageHarden, false, "", time.Since(start))

	if err := p.assembler.VerifyNoToolchain(final); err != nil {
		return nil, err
	}
	if !final.Exists("/bin/sh") {
		logs.Warnf("the image has no /bin/sh; set base_layout to a runnable base image")
	}

	img, err := p.image(in, base, chain, identityLayer, runCfg)
	if err != nil {
		return nil, err
	}
	res.Image = img

	start = time.Now()
	desc, err := ociimage.WriteLayout(ctx, res.Output, img, res.Ref)
	if err != nil {
		return nil, err
	}
	res.Manifest = desc
	res.report(StageWrite, false, desc.Digest, time.Since(start))

	logs.Infof("image %s written to %s (%s)", res.Ref, res.Output, desc.Digest)
	return res, nil
}

// loadBase returns the configured base image, or an empty one.
func (p *Pipeline) loadBase(proj *project.Project) (*ociimage.Image, error) {
	platform := p.goos + "/" + p.goarch
	if proj.Config.BaseLayout == "" {
		return ociimage.NewImage(ociimage.ConfigOptions{OS: p.goos, Architecture: p.goarch}), nil
	}
	img, err := ociimage.ReadLayout(proj.Path(proj.Config.BaseLayout), platform)
	if err != nil {
		return nil, fmt.Errorf("base layout: %w", err)
	}
	return img, nil
}

func baseID(img *ociimage.Image) string {
	if len(img.Config.RootFS.DiffIDs) == 0 {
		return "scratch"
	}
	ids := make([]string, 0, len(img.Config.RootFS.DiffIDs))
	for _, d := range img.Config.RootFS.DiffIDs {
		ids = append(ids, d.String())
	}
	return strings.Join(ids, ",")
}

// buildStage is the build-side tree the selectors read from: the resolved
// environment plus the project sources under the workdir.
func buildStage(env *stagefs.Tree, proj *project.Project, sources []filesmanager.SourceFile) (*stagefs.Tree, error) {
	stage := env.Clone()
	for _, f := range sources {
		mode := fs.FileMode(0o644)
		if f.Mode&0o111 != 0 {
			mode = 0o755
		}
		if err := stage.WriteFile(proj.SourceTarget(f.Rel), f.Data, mode); err != nil {
			return nil, fmt.Errorf("stage source %s: %w", f.Rel, err)
		}
	}
	return stage, nil
}

// steps splits the selection into the low-churn dependency layer (the
// environment paths) and the high-churn source layer (everything else).
func (p *Pipeline) steps(stage *stagefs.Tree, base *ociimage.Image, env *resolver.Environment, proj *project.Project, sources []filesmanager.SourceFile) []layers.Step {
	var depSel, srcSel []assembler.Selector
	for _, path := range env.Paths {
		depSel = append(depSel, assembler.Selector{From: path})
	}
	for _, sel := range proj.Config.Selectors {
		if underAny(sel.From, env.Paths) {
			continue
		}
		srcSel = append(srcSel, sel)
	}

	depInputs := layers.InputSet{
		layers.StringInput("base", baseID(base)),
		layers.StringInput("environment", env.Digest.String()),
		layers.StringInput("selectors", selectorList(depSel)),
	}
	srcInputs := layers.InputSet{
		layers.StringInput("selectors", selectorList(srcSel)),
		layers.StringInput("workdir", proj.Config.Workdir),
	}
	for _, f := range sources {
		srcInputs = append(srcInputs, layers.Input{Name: "source:" + f.Rel, Digest: f.Digest})
	}

	steps := []layers.Step{p.selectStep(StageDependencies, layers.ChurnLow, depInputs, stage, depSel)}
	if len(srcSel) > 0 {
		steps = append(steps, p.selectStep(StageSources, layers.ChurnHigh, srcInputs, stage, srcSel))
	}
	return steps
}

func (p *Pipeline) selectStep(name string, churn layers.Churn, inputs layers.InputSet, stage *stagefs.Tree, sels []assembler.Selector) layers.Step {
	return layers.Step{
		Name:   name,
		Churn:  churn,
		Inputs: inputs,
		Apply: func(ctx context.Context, t *stagefs.Tree) error {
			out, err := p.assembler.Assemble(stage, t, sels)
			if err != nil {
				return err
			}
			return t.Overlay(out.Diff(t))
		},
	}
}

func (p *Pipeline) image(in *Inputs, base *ociimage.Image, chain *layers.Result, identityLayer *stagefs.Tree, runCfg runconfig.Config) (*ociimage.Image, error) {
	cfg := in.Project.Config
	environ := runCfg.Environ(base.Config.Config.Env)

	img := ociimage.NewImage(ociimage.ConfigOptions{
		User:         cfg.Identity.OCIUser(),
		Env:          environ,
		Entrypoint:   launcher.Entrypoint(cfg.App),
		WorkingDir:   cfg.Workdir,
		ExposedPorts: []string{runCfg.ExposedPort()},
		Volumes:      []string{cfg.DataDir},
		Labels:       in.Project.Labels(in.Lock.Digest(), in.Pin.Raw),
		StopSignal:   "SIGTERM",
		OS:           "linux",
		Architecture: p.goarch,
	})
	if err := img.Append(base.Layers...); err != nil {
		return nil, err
	}
	for _, rec := range chain.Layers {
		if err := appendTree(img, rec.Layer, "mkimage "+rec.Name); err != nil {
			return nil, err
		}
	}
	if err := appendTree(img, identityLayer, "mkimage "+StageHarden); err != nil {
		return nil, err
	}

	declared, ok := runconfig.DeclaredPort(runconfig.EnvironMap(environ))
	if !ok {
		return nil, fmt.Errorf("%w: image environment has no %s", runconfig.ErrPortMismatch, runconfig.EnvExposedPort)
	}
	if err := runconfig.CheckExposed(declared, runCfg); err != nil {
		return nil, err
	}
	return img, nil
}

func appendTree(img *ociimage.Image, tree *stagefs.Tree, createdBy string) error {
	if tree == nil || tree.Empty() {
		return nil
	}
	layer, err := ociimage.TreeLayer(tree, createdBy)
	if err != nil {
		return err
	}
	return img.Append(layer)
}

func selectorList(sels []assembler.Selector) string {
	parts := make([]string, 0, len(sels))
	for _, s := range sels {
		parts = append(parts, s.String())
	}
	return strings.Join(parts, ",")
}

func underAny(p string, bases []string) bool {
	for _, b := range bases {
		if stagefs.IsUnder(b, p) {
			return true
		}
	}
	return false
}
