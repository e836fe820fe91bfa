package mkimage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	hostappconfig "github.com/0xa1bed0/mkimage/internal/apps/mkimage/config"
	"github.com/0xa1bed0/mkimage/internal/buildcache"
	"github.com/0xa1bed0/mkimage/internal/guardrails"
	"github.com/0xa1bed0/mkimage/internal/logs"
	"github.com/0xa1bed0/mkimage/internal/project"
	"github.com/0xa1bed0/mkimage/internal/runtime"
	"github.com/0xa1bed0/mkimage/internal/state"
	"github.com/0xa1bed0/mkimage/internal/version"
	"github.com/0xa1bed0/mkimage/internal/versioncheck"
)

const cacheNamespace state.Namespace = "buildcache"

// projectDir resolves the optional PATH argument to an absolute directory
// that is allowed as a project root.
func projectDir(args []string) (string, error) {
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if !fi.IsDir() {
		return "", fmt.Errorf("%s is not a directory", abs)
	}
	if err := guardrails.CheckProjectRoot(abs); err != nil {
		return "", err
	}
	return abs, nil
}

// parseBuildArgs turns repeated K=V flags into a map. Later flags win.
func parseBuildArgs(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --build-arg %q, expected KEY=VALUE", kv)
		}
		out[k] = v
	}
	return out, nil
}

// mergeBuildArgs layers the command line over the project's build_args.
func mergeBuildArgs(proj *project.Project, cli map[string]string) map[string]string {
	out := make(map[string]string, len(proj.Config.BuildArgs)+len(cli))
	for k, v := range proj.Config.BuildArgs {
		out[k] = v
	}
	for k, v := range cli {
		out[k] = v
	}
	return out
}

// openCache wires the host build cache: the entry index in the state
// database, blobs under the cache dir (tiered over the remote bucket when the
// project configures one) and per-key lock files.
func openCache(ctx context.Context, remote buildcache.RemoteConfig) (*buildcache.Controller, *state.KVStore, error) {
	kv, err := state.DefaultKVStore(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("open build state: %w", err)
	}

	local, err := buildcache.NewDirBlobStore(hostappconfig.BlobsDir())
	if err != nil {
		return nil, nil, err
	}
	var blobs buildcache.BlobStore = local
	if remote.Enabled() {
		bucket, err := buildcache.NewMinioBlobStore(ctx, remote)
		if err != nil {
			return nil, nil, fmt.Errorf("remote cache: %w", err)
		}
		logs.Debugf("using remote cache %s/%s", remote.Endpoint, remote.Bucket)
		blobs = &buildcache.TieredBlobStore{Local: local, Remote: bucket}
	}

	locker, err := buildcache.NewFileLocker(hostappconfig.LocksDir())
	if err != nil {
		return nil, nil, err
	}

	return buildcache.NewController(buildcache.NewSQLStore(kv, cacheNamespace), blobs, locker), kv, nil
}

// checkForUpdate looks up the latest release while the command runs and
// prints the upgrade hint after it is done.
func checkForUpdate(rt *runtime.Runtime, kv *state.KVStore) {
	if hostappconfig.UpdateCheckDisabled() {
		return
	}
	found := make(chan *versioncheck.Result, 1)
	rt.GoNamed("versioncheck", func() {
		found <- versioncheck.NewChecker(kv).Check(context.WithoutCancel(rt.Ctx()), version.Get())
	})
	rt.OnShutdown(func(ctx context.Context) {
		select {
		case res := <-found:
			versioncheck.PrintUpdateBanner(os.Stderr, res)
		case <-ctx.Done():
		}
	})
}
