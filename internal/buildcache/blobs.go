package buildcache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/opencontainers/go-digest"
)

var (
	ErrBlobNotFound   = errors.New("buildcache: blob not found")
	ErrDigestMismatch = errors.New("buildcache: blob content does not match its digest")
)

// BlobStore holds content-addressed blobs.
type BlobStore interface {
	Has(ctx context.Context, d digest.Digest) (bool, error)
	Get(ctx context.Context, d digest.Digest) ([]byte, error)
	Put(ctx context.Context, d digest.Digest, data []byte) error
	Delete(ctx context.Context, d digest.Digest) error
}

func verify(d digest.Digest, data []byte) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if d.Algorithm().FromBytes(data) != d {
		return fmt.Errorf("%w: %s", ErrDigestMismatch, d)
	}
	return nil
}

// MemoryBlobStore keeps blobs in process memory.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[digest.Digest][]byte
}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: map[digest.Digest][]byte{}}
}

func (m *MemoryBlobStore) Has(_ context.Context, d digest.Digest) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[d]
	return ok, nil
}

func (m *MemoryBlobStore) Get(_ context.Context, d digest.Digest) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[d]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, d)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryBlobStore) Put(_ context.Context, d digest.Digest, data []byte) error {
	if err := verify(d, data); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[d] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryBlobStore) Delete(_ context.Context, d digest.Digest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, d)
	return nil
}

// DirBlobStore stores blobs as <root>/<algorithm>/<hex>. Writes go through a
// temporary file and a rename, so readers never see partial blobs.
type DirBlobStore struct {
	root string
}

func NewDirBlobStore(root string) (*DirBlobStore, error) {
	if root == "" {
		return nil, errors.New("buildcache: blob root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("buildcache: create blob root: %w", err)
	}
	return &DirBlobStore{root: root}, nil
}

func (s *DirBlobStore) path(d digest.Digest) string {
	return filepath.Join(s.root, d.Algorithm().String(), d.Encoded())
}

func (s *DirBlobStore) Has(_ context.Context, d digest.Digest) (bool, error) {
	if err := d.Validate(); err != nil {
		return false, err
	}
	_, err := os.Stat(s.path(d))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (s *DirBlobStore) Get(_ context.Context, d digest.Digest) ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(d))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, d)
	}
	if err != nil {
		return nil, fmt.Errorf("buildcache: read blob %s: %w", d, err)
	}
	if err := verify(d, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *DirBlobStore) Put(_ context.Context, d digest.Digest, data []byte) error {
	if err := verify(d, data); err != nil {
		return err
	}
	target := s.path(d)
	if _, err := os.Stat(target); err == nil {
		return nil
	}
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("buildcache: create blob dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+d.Encoded()[:12]+"-*")
	if err != nil {
		return fmt.Errorf("buildcache: create temp blob: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("buildcache: write blob %s: %w", d, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("buildcache: sync blob %s: %w", d, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("buildcache: close blob %s: %w", d, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("buildcache: commit blob %s: %w", d, err)
	}
	return nil
}

func (s *DirBlobStore) Delete(_ context.Context, d digest.Digest) error {
	if err := d.Validate(); err != nil {
		return err
	}
	err := os.Remove(s.path(d))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("buildcache: delete blob %s: %w", d, err)
	}
	return nil
}

// TieredBlobStore reads from a local store first and falls back to a remote
// one, backfilling the local copy. Writes go to both.
type TieredBlobStore struct {
	Local  BlobStore
	Remote BlobStore
}

func (t *TieredBlobStore) Has(ctx context.Context, d digest.Digest) (bool, error) {
	ok, err := t.Local.Has(ctx, d)
	if err != nil || ok {
		return ok, err
	}
	return t.Remote.Has(ctx, d)
}

func (t *TieredBlobStore) Get(ctx context.Context, d digest.Digest) ([]byte, error) {
	data, err := t.Local.Get(ctx, d)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, ErrBlobNotFound) {
		return nil, err
	}
	data, err = t.Remote.Get(ctx, d)
	if err != nil {
		return nil, err
	}
	if err := t.Local.Put(ctx, d, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (t *TieredBlobStore) Put(ctx context.Context, d digest.Digest, data []byte) error {
	if err := t.Local.Put(ctx, d, data); err != nil {
		return err
	}
	return t.Remote.Put(ctx, d, data)
}

// Delete only drops the local copy; the remote cache is shared between hosts.
func (t *TieredBlobStore) Delete(ctx context.Context, d digest.Digest) error {
	return t.Local.Delete(ctx, d)
}
