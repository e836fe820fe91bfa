// Package ociimage reads and writes images in the OCI image layout format.
package ociimage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/0xa1bed0/mkimage/internal/stagefs"
)

const (
	whiteoutPrefix = ".wh."
	whiteoutOpaque = ".wh..wh..opq"
)

var ErrUnsupportedMediaType = errors.New("unsupported layer media type")

// Epoch is the creation time recorded in every image so identical inputs
// give identical config digests.
var Epoch = time.Unix(0, 0).UTC()

// Layer is one filesystem changeset of an image.
type Layer struct {
	MediaType string
	Digest    digest.Digest
	Data      []byte
	CreatedBy string
}

// NewLayer wraps an uncompressed layer tar.
func NewLayer(data []byte, createdBy string) Layer {
	return Layer{
		MediaType: ocispec.MediaTypeImageLayer,
		Digest:    digest.FromBytes(data),
		Data:      data,
		CreatedBy: createdBy,
	}
}

// TreeLayer serializes tree as a layer.
func TreeLayer(tree *stagefs.Tree, createdBy string) (Layer, error) {
	data, err := tree.Bytes()
	if err != nil {
		return Layer{}, err
	}
	return NewLayer(data, createdBy), nil
}

// Size is the stored size of the layer blob.
func (l Layer) Size() int64 { return int64(len(l.Data)) }

// Uncompressed returns the layer as a plain tar stream.
func (l Layer) Uncompressed() ([]byte, error) {
	switch l.MediaType {
	case ocispec.MediaTypeImageLayer, "application/vnd.docker.image.rootfs.diff.tar", "":
		return l.Data, nil
	case ocispec.MediaTypeImageLayerGzip, "application/vnd.docker.image.rootfs.diff.tar.gzip":
		zr, err := gzip.NewReader(bytes.NewReader(l.Data))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case ocispec.MediaTypeImageLayerZstd:
		zr, err := zstd.NewReader(bytes.NewReader(l.Data))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedMediaType, l.MediaType)
}

// DiffID is the digest of the uncompressed layer.
func (l Layer) DiffID() (digest.Digest, error) {
	if l.MediaType == ocispec.MediaTypeImageLayer || l.MediaType == "" {
		return l.Digest, nil
	}
	data, err := l.Uncompressed()
	if err != nil {
		return "", err
	}
	return digest.FromBytes(data), nil
}

// Image is an image held in memory: its config and its layers, bottom first.
type Image struct {
	Config      ocispec.Image
	Layers      []Layer
	Annotations map[string]string
}

// Append adds layers on top of the image and records them in the config.
func (img *Image) Append(layers ...Layer) error {
	for _, l := range layers {
		diffID, err := l.DiffID()
		if err != nil {
			return err
		}
		img.Layers = append(img.Layers, l)
		img.Config.RootFS.Type = "layers"
		img.Config.RootFS.DiffIDs = append(img.Config.RootFS.DiffIDs, diffID)
		created := Epoch
		img.Config.History = append(img.Config.History, ocispec.History{
			Created:   &created,
			CreatedBy: l.CreatedBy,
		})
	}
	return nil
}

// Tree flattens the layers into a single filesystem, applying whiteouts.
func (img *Image) Tree() (*stagefs.Tree, error) {
	out := stagefs.New()
	for i, l := range img.Layers {
		data, err := l.Uncompressed()
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		layer, err := stagefs.ReadTar(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		applyWhiteouts(out, layer)
		if err := out.Overlay(layer); err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
	}
	return out, nil
}

// applyWhiteouts deletes from base what layer marks as removed and strips
// the markers from layer.
func applyWhiteouts(base, layer *stagefs.Tree) {
	for _, p := range layer.Paths() {
		name := path.Base(p)
		if !strings.HasPrefix(name, whiteoutPrefix) {
			continue
		}
		dir := path.Dir(p)
		if name == whiteoutOpaque {
			for _, child := range base.Paths() {
				if child != dir && stagefs.IsUnder(dir, child) {
					base.Remove(child)
				}
			}
		} else {
			base.Remove(path.Join(dir, strings.TrimPrefix(name, whiteoutPrefix)))
		}
		layer.Remove(p)
	}
}

// ConfigOptions describes the runtime part of an image config.
type ConfigOptions struct {
	User         string
	Env          []string
	Entrypoint   []string
	Cmd          []string
	WorkingDir   string
	ExposedPorts []string
	Volumes      []string
	Labels       map[string]string
	StopSignal   string
	OS           string
	Architecture string
}

// NewImage starts an image with no layers and the given runtime config.
func NewImage(opts ConfigOptions) *Image {
	created := Epoch
	img := &Image{
		Config: ocispec.Image{
			Created:  &created,
			Platform: ocispec.Platform{OS: opts.OS, Architecture: opts.Architecture},
			RootFS:   ocispec.RootFS{Type: "layers"},
		},
	}
	img.Configure(opts)
	return img
}

// Configure replaces the runtime config, keeping layers and platform.
func (img *Image) Configure(opts ConfigOptions) {
	cfg := ocispec.ImageConfig{
		User:       opts.User,
		Env:        append([]string(nil), opts.Env...),
		Entrypoint: append([]string(nil), opts.Entrypoint...),
		Cmd:        append([]string(nil), opts.Cmd...),
		WorkingDir: opts.WorkingDir,
		StopSignal: opts.StopSignal,
	}
	if len(opts.ExposedPorts) > 0 {
		cfg.ExposedPorts = map[string]struct{}{}
		for _, p := range opts.ExposedPorts {
			cfg.ExposedPorts[p] = struct{}{}
		}
	}
	if len(opts.Volumes) > 0 {
		cfg.Volumes = map[string]struct{}{}
		for _, v := range opts.Volumes {
			cfg.Volumes[v] = struct{}{}
		}
	}
	if len(opts.Labels) > 0 {
		cfg.Labels = make(map[string]string, len(opts.Labels))
		for k, v := range opts.Labels {
			cfg.Labels[k] = v
		}
	}
	if opts.OS != "" {
		img.Config.OS = opts.OS
	}
	if opts.Architecture != "" {
		img.Config.Architecture = opts.Architecture
	}
	img.Config.Config = cfg
}

// ExposedPorts returns the declared ports in sorted order.
func (img *Image) ExposedPorts() []string {
	out := make([]string, 0, len(img.Config.Config.ExposedPorts))
	for p := range img.Config.Config.ExposedPorts {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
