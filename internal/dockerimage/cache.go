package dockerimage

import (
	"bytes"
	"context"
	"fmt"

	"github.com/0xa1bed0/mkimage/internal/buildcache"
	"github.com/0xa1bed0/mkimage/internal/dockerclient"
	"github.com/0xa1bed0/mkimage/internal/dockerfile"
	"github.com/0xa1bed0/mkimage/internal/filesmanager"
	"github.com/0xa1bed0/mkimage/internal/logs"
)

const depsKind = "docker-deps"

// depsCacheKey keys the dependency image by the lines of the dependency stage
// and the digests of the files it copies, so any change to the toolchain
// image, the uv invocation, the lock or the pin yields a new image.
func depsCacheKey(stage dockerfile.Dockerfile, inputs []filesmanager.SourceFile) buildcache.Key {
	parts := make([]string, 0, len(stage)+2*len(inputs)+1)
	parts = append(parts, depsKind)
	parts = append(parts, stage...)
	for _, in := range inputs {
		parts = append(parts, in.Rel, in.Digest.String())
	}
	return buildcache.NewKey(parts...)
}

func depsTag(projectName string, key buildcache.Key) string {
	return fmt.Sprintf("mkimage-deps-%s:%s", projectName, key.Short())
}

// ensureDeps returns whether the dependency image for key could be reused.
// The cache entry only records the image; an entry whose image was removed
// from the daemon is rebuilt and replaced.
func (b *Builder) ensureDeps(ctx context.Context, key buildcache.Key, tag string, df dockerfile.Dockerfile, inputs []filesmanager.SourceFile) (bool, error) {
	build := func(ctx context.Context) ([]byte, map[string]string, error) {
		logs.Infof("building dependency image %s", tag)
		tarball, err := contextTar(df, inputs)
		if err != nil {
			return nil, nil, err
		}
		id, err := b.docker.BuildImage(ctx, dockerclient.BuildRequest{
			Context: bytes.NewReader(tarball),
			Tag:     tag,
			Target:  dockerfile.DepsStage,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("dependency stage: %w", err)
		}
		return []byte(id), map[string]string{"kind": depsKind, "tag": tag}, nil
	}

	res, err := b.cache.Resolve(ctx, key, build)
	if err != nil {
		return false, err
	}
	if !res.Hit {
		return false, nil
	}
	if b.docker.ImageExists(ctx, tag) {
		logs.Debugf("dependency image %s reused (%s)", tag, res.Data)
		return true, nil
	}

	logs.Warnf("cached dependency image %s is gone from the daemon, rebuilding", tag)
	if _, err := b.cache.Rebuild(ctx, key, build); err != nil {
		return false, err
	}
	return false, nil
}
