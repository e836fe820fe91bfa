package dockerclient

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/build"
	sdkimage "github.com/docker/go-sdk/image"
)

// DefaultDockerfile is the Dockerfile name inside a build context.
const DefaultDockerfile = "Dockerfile"

// BuildRequest describes one daemon build. Context is a tar stream holding
// the Dockerfile and every file it copies.
type BuildRequest struct {
	Context    io.Reader
	Dockerfile string
	Tag        string
	Target     string
	BuildArgs  map[string]string
	Labels     map[string]string
}

type DockerImageBuilder interface {
	BuildImage(ctx context.Context, req BuildRequest) (string, error)
}

func (dc *dockerClient) BuildImage(ctx context.Context, req BuildRequest) (string, error) {
	dockerfile := req.Dockerfile
	if dockerfile == "" {
		dockerfile = DefaultDockerfile
	}

	buildArgs := make(map[string]*string, len(req.BuildArgs))
	for k, v := range req.BuildArgs {
		buildArgs[k] = &v
	}

	buildTag, err := sdkimage.Build(
		ctx,
		req.Context,
		req.Tag,
		sdkimage.WithBuildClient(dc.client),
		sdkimage.WithBuildOptions(build.ImageBuildOptions{
			Dockerfile: dockerfile,
			Target:     req.Target,
			BuildArgs:  buildArgs,
			Labels:     req.Labels,
			Remove:     true, // remove intermediate containers
		}),
	)
	if err != nil {
		return "", fmt.Errorf("image build: %w", err)
	}

	return buildTag, nil
}
