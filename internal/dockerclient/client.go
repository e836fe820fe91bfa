package dockerclient

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/docker/go-sdk/client"
)

//go:generate mockgen -source=client.go -destination=mocks/client_mock.go -package=mocks

type dockerClient struct {
	client client.SDKClient
}

type DockerClient interface {
	DockerImageBuilder
	ImageExists(ctx context.Context, ref string) bool
	ImageConfig(ctx context.Context, ref string) (ImageConfig, error)
}

// ImageConfig is the part of an image's configuration a build reports.
type ImageConfig struct {
	ID           string
	User         string
	Env          []string
	Entrypoint   []string
	ExposedPorts []string
	Volumes      []string
	Labels       map[string]string
}

func NewDockerClient(ctx context.Context) (*dockerClient, error) {
	client, err := client.New(
		ctx,
		client.WithLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))),
	)
	if err != nil {
		return nil, err
	}

	return &dockerClient{
		client: client,
	}, nil
}

func (dc *dockerClient) ImageExists(ctx context.Context, imageRef string) bool {
	_, err := dc.client.ImageInspect(ctx, imageRef)

	return err == nil
}

func (dc *dockerClient) ImageConfig(ctx context.Context, imageRef string) (ImageConfig, error) {
	inspect, err := dc.client.ImageInspect(ctx, imageRef)
	if err != nil {
		return ImageConfig{}, fmt.Errorf("image inspect %s: %w", imageRef, err)
	}

	out := ImageConfig{ID: inspect.ID}
	if inspect.Config == nil {
		return out, nil
	}
	cfg := inspect.Config
	out.User = cfg.User
	out.Env = append([]string(nil), cfg.Env...)
	out.Entrypoint = append([]string(nil), cfg.Entrypoint...)
	out.Labels = cfg.Labels
	for port := range cfg.ExposedPorts {
		out.ExposedPorts = append(out.ExposedPorts, port)
	}
	for v := range cfg.Volumes {
		out.Volumes = append(out.Volumes, v)
	}
	sort.Strings(out.ExposedPorts)
	sort.Strings(out.Volumes)

	return out, nil
}
