package ociimage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

var ErrInvalidLayout = errors.New("invalid OCI image layout")

// WriteLayout writes img as an OCI image layout at dir and returns the
// manifest descriptor. Everything is written to a temporary sibling
// directory first; dir only appears, or is replaced, once the layout is
// complete.
func WriteLayout(ctx context.Context, dir string, img *Image, ref string) (ocispec.Descriptor, error) {
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return ocispec.Descriptor{}, err
	}
	tmp, err := os.MkdirTemp(filepath.Dir(dir), "."+filepath.Base(dir)+"-*")
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(tmp)
		}
	}()

	layers := make([]ocispec.Descriptor, 0, len(img.Layers))
	for _, l := range img.Layers {
		if err := ctx.Err(); err != nil {
			return ocispec.Descriptor{}, err
		}
		if err := writeBlob(tmp, l.Digest, l.Data); err != nil {
			return ocispec.Descriptor{}, err
		}
		mt := l.MediaType
		if mt == "" {
			mt = ocispec.MediaTypeImageLayer
		}
		layers = append(layers, ocispec.Descriptor{MediaType: mt, Digest: l.Digest, Size: l.Size()})
	}

	configDesc, err := writeJSON(tmp, ocispec.MediaTypeImageConfig, img.Config)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	manifest := ocispec.Manifest{
		Versioned:   specs.Versioned{SchemaVersion: 2},
		MediaType:   ocispec.MediaTypeImageManifest,
		Config:      configDesc,
		Layers:      layers,
		Annotations: img.Annotations,
	}
	manifestDesc, err := writeJSON(tmp, ocispec.MediaTypeImageManifest, manifest)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	manifestDesc.Platform = &ocispec.Platform{OS: img.Config.OS, Architecture: img.Config.Architecture}
	if ref != "" {
		manifestDesc.Annotations = map[string]string{ocispec.AnnotationRefName: ref}
	}

	index := ocispec.Index{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageIndex,
		Manifests: []ocispec.Descriptor{manifestDesc},
	}
	if err := writeFileJSON(filepath.Join(tmp, ocispec.ImageIndexFile), index); err != nil {
		return ocispec.Descriptor{}, err
	}
	if err := writeFileJSON(filepath.Join(tmp, ocispec.ImageLayoutFile), ocispec.ImageLayout{Version: ocispec.ImageLayoutVersion}); err != nil {
		return ocispec.Descriptor{}, err
	}

	if err := ctx.Err(); err != nil {
		return ocispec.Descriptor{}, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return ocispec.Descriptor{}, err
	}
	if err := os.Rename(tmp, dir); err != nil {
		return ocispec.Descriptor{}, err
	}
	committed = true
	return manifestDesc, nil
}

func blobPath(root string, d digest.Digest) string {
	return filepath.Join(root, ocispec.ImageBlobsDir, d.Algorithm().String(), d.Encoded())
}

func writeBlob(root string, d digest.Digest, data []byte) error {
	p := blobPath(root, d)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o644)
}

func writeJSON(root, mediaType string, v any) (ocispec.Descriptor, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	desc := ocispec.Descriptor{
		MediaType: mediaType,
		Digest:    digest.FromBytes(b),
		Size:      int64(len(b)),
	}
	return desc, writeBlob(root, desc.Digest, b)
}

func writeFileJSON(p string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return os.WriteFile(p, b, 0o644)
}

// ReadLayout loads the image at dir. When the index holds several
// manifests, the one matching platform ("os/arch") is chosen; an empty
// platform picks the first.
func ReadLayout(dir, platform string) (*Image, error) {
	var layout ocispec.ImageLayout
	if err := readFileJSON(filepath.Join(dir, ocispec.ImageLayoutFile), &layout); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLayout, err)
	}
	var index ocispec.Index
	if err := readFileJSON(filepath.Join(dir, ocispec.ImageIndexFile), &index); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLayout, err)
	}

	desc, err := pickManifest(dir, index, platform)
	if err != nil {
		return nil, err
	}

	var manifest ocispec.Manifest
	if err := readBlobJSON(dir, desc, &manifest); err != nil {
		return nil, err
	}
	img := &Image{Annotations: manifest.Annotations}
	if err := readBlobJSON(dir, manifest.Config, &img.Config); err != nil {
		return nil, err
	}
	for i, ld := range manifest.Layers {
		data, err := readBlob(dir, ld)
		if err != nil {
			return nil, err
		}
		l := Layer{MediaType: ld.MediaType, Digest: ld.Digest, Data: data}
		if i < len(img.Config.History) {
			l.CreatedBy = img.Config.History[i].CreatedBy
		}
		img.Layers = append(img.Layers, l)
	}
	return img, nil
}

// pickManifest resolves nested indexes down to an image manifest.
func pickManifest(dir string, index ocispec.Index, platform string) (ocispec.Descriptor, error) {
	if len(index.Manifests) == 0 {
		return ocispec.Descriptor{}, fmt.Errorf("%w: empty index", ErrInvalidLayout)
	}
	chosen := index.Manifests[0]
	if platform != "" {
		for _, m := range index.Manifests {
			if m.Platform != nil && m.Platform.OS+"/"+m.Platform.Architecture == platform {
				chosen = m
				break
			}
		}
	}
	if chosen.MediaType == ocispec.MediaTypeImageIndex {
		var nested ocispec.Index
		if err := readBlobJSON(dir, chosen, &nested); err != nil {
			return ocispec.Descriptor{}, err
		}
		return pickManifest(dir, nested, platform)
	}
	return chosen, nil
}

func readBlob(root string, desc ocispec.Descriptor) ([]byte, error) {
	if err := desc.Digest.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLayout, err)
	}
	data, err := os.ReadFile(blobPath(root, desc.Digest))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLayout, err)
	}
	if desc.Digest.Algorithm().FromBytes(data) != desc.Digest {
		return nil, fmt.Errorf("%w: blob %s is corrupt", ErrInvalidLayout, desc.Digest)
	}
	return data, nil
}

func readBlobJSON(root string, desc ocispec.Descriptor, v any) error {
	data, err := readBlob(root, desc)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLayout, err)
	}
	return nil
}

func readFileJSON(p string, v any) error {
	data, err := os.ReadFile(p)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
