package mkimage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/go-units"
	"github.com/opencontainers/go-digest"
	"github.com/spf13/cobra"

	hostappconfig "github.com/0xa1bed0/mkimage/internal/apps/mkimage/config"
	"github.com/0xa1bed0/mkimage/internal/buildcache"
	"github.com/0xa1bed0/mkimage/internal/dockerclient"
	"github.com/0xa1bed0/mkimage/internal/dockerimage"
	"github.com/0xa1bed0/mkimage/internal/logs"
	"github.com/0xa1bed0/mkimage/internal/pipeline"
	"github.com/0xa1bed0/mkimage/internal/project"
	"github.com/0xa1bed0/mkimage/internal/resolver"
	"github.com/0xa1bed0/mkimage/internal/runtime"
	"github.com/0xa1bed0/mkimage/internal/ui"
)

const (
	backendOCI    = "oci"
	backendDocker = "docker"
)

type buildFlags struct {
	backend    string
	output     string
	tag        string
	buildArgs  []string
	lockDigest string
	force      bool
}

func attachBuildArgFlag(cmd *cobra.Command, dst *[]string) {
	cmd.Flags().StringArrayVar(dst, "build-arg", nil, "build argument KEY=VALUE (FAST_API_PORT, HOST); repeatable")
}

func newBuildCmd() *cobra.Command {
	var flags buildFlags

	cmd := &cobra.Command{
		Use:   "build [PATH]",
		Short: "Build the service image",
		Long: `Build a minimal, non-root image for the FastAPI service in PATH.

The dependency environment is resolved from uv.lock and .python-version and
cached, so a build after a source-only change reuses it. The oci backend
writes an OCI image layout (default PATH/dist/image); the docker backend
builds through the local Docker daemon.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd, args, flags)
		},
	}

	cmd.Flags().StringVar(&flags.backend, "backend", backendOCI, "build backend: oci or docker")
	cmd.Flags().StringVarP(&flags.output, "output", "o", "", "OCI layout directory (oci backend)")
	cmd.Flags().StringVarP(&flags.tag, "tag", "t", "", "image reference, default <name>:<version>")
	attachBuildArgFlag(cmd, &flags.buildArgs)
	cmd.Flags().StringVar(&flags.lockDigest, "lock-digest", "", "expected digest of the lock file")
	cmd.Flags().BoolVar(&flags.force, "force", false, "ignore cached stages and rebuild everything")

	return cmd
}

func runBuild(cmd *cobra.Command, args []string, flags buildFlags) error {
	ctx := cmd.Context()
	rt := runtime.FromContextOrPanic(ctx)

	if flags.backend != backendOCI && flags.backend != backendDocker {
		return fmt.Errorf("unknown backend %q, expected %s or %s", flags.backend, backendOCI, backendDocker)
	}

	var lockDigest digest.Digest
	if flags.lockDigest != "" {
		d, err := digest.Parse(flags.lockDigest)
		if err != nil {
			return fmt.Errorf("--lock-digest: %w", err)
		}
		lockDigest = d
	}

	cliArgs, err := parseBuildArgs(flags.buildArgs)
	if err != nil {
		return err
	}

	dir, err := projectDir(args)
	if err != nil {
		return err
	}
	proj, err := project.Load(dir)
	if err != nil {
		return err
	}
	if logFile == "" {
		rt.OpenRunLog(proj.Name)
	}

	cache, kv, err := openCache(ctx, proj.Config.Cache.Remote)
	if err != nil {
		return err
	}
	if flags.force {
		logs.Infof("--force: cached stages are ignored")
		cache.SetRefresh(true)
	}

	checkForUpdate(rt, kv)

	history := runtime.NewBuildHistory(kv)
	if !history.Known(ctx, dir) {
		logs.Banner(fmt.Sprintf("First build of %s", proj.Ref()))
	}

	buildArgs := mergeBuildArgs(proj, cliArgs)

	var rec runtime.BuildRecord
	switch flags.backend {
	case backendOCI:
		rec, err = buildOCI(ctx, cache, dir, buildArgs, lockDigest, flags)
	case backendDocker:
		rec, err = buildDocker(ctx, cache, dir, buildArgs, lockDigest, flags)
	}
	if err != nil {
		return err
	}

	if rec.BuildID == "" {
		rec.BuildID = rt.RunID()
	}
	rec.Project = proj.Name
	rec.Dir = dir
	rec.Backend = flags.backend
	rec.Time = time.Now().UTC()
	history.Record(ctx, rec)

	fmt.Fprintf(os.Stdout, "%s %s\n", rec.Ref, rec.Digest)
	return nil
}

func buildOCI(ctx context.Context, cache *buildcache.Controller, dir string, buildArgs map[string]string, lockDigest digest.Digest, flags buildFlags) (runtime.BuildRecord, error) {
	output := flags.output
	if output != "" {
		abs, err := filepath.Abs(output)
		if err != nil {
			return runtime.BuildRecord{}, err
		}
		output = abs
	}

	installer := resolver.NewUVInstaller("uv", hostappconfig.UVCacheDir())
	res, err := pipeline.New(cache, installer).Build(ctx, pipeline.Options{
		Dir:        dir,
		Output:     output,
		Tag:        flags.tag,
		BuildArgs:  buildArgs,
		LockDigest: lockDigest,
	})
	if err != nil {
		return runtime.BuildRecord{}, err
	}

	var total time.Duration
	var hits []string
	tbl := ui.NewTable(
		ui.Column{Header: "STAGE"},
		ui.Column{Header: "CACHE"},
		ui.Column{Header: "DIGEST", MaxWidth: 19},
		ui.Column{Header: "TIME", Align: ui.AlignRight},
	)
	for _, s := range res.Stages {
		status := "-"
		if s.CacheHit {
			status = "hit"
			hits = append(hits, s.Name)
		} else if s.Name != pipeline.StageHarden && s.Name != pipeline.StageWrite {
			status = "miss"
		}
		tbl.AddRow(s.Name, status, shortDigest(s.Digest), s.Elapsed.Round(time.Millisecond).String())
		total += s.Elapsed
	}
	renderStages(os.Stderr, tbl)

	return runtime.BuildRecord{
		BuildID:  res.BuildID,
		Ref:      res.Ref,
		Digest:   res.Manifest.Digest.String(),
		Output:   res.Output,
		CacheHit: hits,
		Elapsed:  total,
	}, nil
}

func buildDocker(ctx context.Context, cache *buildcache.Controller, dir string, buildArgs map[string]string, lockDigest digest.Digest, flags buildFlags) (runtime.BuildRecord, error) {
	if flags.output != "" {
		logs.Warnf("--output is ignored by the docker backend")
	}

	in, err := pipeline.LoadInputs(dir, lockDigest)
	if err != nil {
		return runtime.BuildRecord{}, err
	}

	dc, err := dockerclient.NewDockerClient(ctx)
	if err != nil {
		return runtime.BuildRecord{}, fmt.Errorf("connect to docker: %w", err)
	}

	res, err := dockerimage.NewBuilder(dc, cache).Build(ctx, dockerimage.Request{
		Project:   in.Project,
		Pin:       in.Pin,
		Lock:      in.Lock,
		Sources:   in.Sources,
		BuildArgs: buildArgs,
		Tag:       flags.tag,
	})
	if err != nil {
		return runtime.BuildRecord{}, err
	}

	deps := "miss"
	var hits []string
	if res.DepsCacheHit {
		deps = "hit"
		hits = append(hits, pipeline.StageDependencies)
	}
	tbl := ui.NewTable(
		ui.Column{Header: "STAGE"},
		ui.Column{Header: "IMAGE", MaxWidth: 48, Truncate: ui.TruncateMiddle},
		ui.Column{Header: "CACHE"},
	)
	tbl.AddRow(pipeline.StageDependencies, res.DepsTag, deps)
	tbl.AddRow("runtime", res.Tag, "-")
	renderStages(os.Stderr, tbl)
	logs.Infof("built %s in %s", res.Tag, units.HumanDuration(res.Elapsed))

	return runtime.BuildRecord{
		Ref:      res.Tag,
		Digest:   res.ImageID,
		CacheHit: hits,
		Elapsed:  res.Elapsed,
	}, nil
}

func renderStages(w io.Writer, tbl *ui.Table) {
	fmt.Fprintln(w)
	if err := tbl.Render(w); err != nil {
		logs.Debugf("render stages: %v", err)
	}
}

func shortDigest(d digest.Digest) string {
	if d == "" {
		return "-"
	}
	return d.String()
}
