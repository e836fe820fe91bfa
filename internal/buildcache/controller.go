package buildcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/0xa1bed0/mkimage/internal/logs"
)

// Populate produces the blob for a key that is not cached yet.
type Populate func(ctx context.Context) (data []byte, meta map[string]string, err error)

// Result is the outcome of a lookup or resolution.
type Result struct {
	Entry Entry
	Data  []byte
	Hit   bool
}

// Controller couples an entry index with a blob store and enforces a single
// writer per key.
type Controller struct {
	store  Store
	blobs  BlobStore
	locker Locker
	now    func() time.Time

	refresh bool
}

func NewController(store Store, blobs BlobStore, locker Locker) *Controller {
	if locker == nil {
		locker = NewLocalLocker()
	}
	return &Controller{store: store, blobs: blobs, locker: locker, now: time.Now}
}

// SetRefresh makes Resolve ignore existing entries: every key is populated
// again and its entry replaced.
func (c *Controller) SetRefresh(refresh bool) {
	c.refresh = refresh
}

// Lookup returns the cached blob for key. An entry whose blob is missing or
// corrupt is dropped and reported as a miss.
func (c *Controller) Lookup(ctx context.Context, key Key) (Result, error) {
	e, found, err := c.store.Get(ctx, key)
	if err != nil {
		return Result{}, err
	}
	if !found {
		return Result{}, nil
	}

	data, err := c.blobs.Get(ctx, e.Digest)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) || errors.Is(err, ErrDigestMismatch) {
			logs.Warnf("cache entry %s points at an unusable blob (%v), dropping it", key.Short(), err)
			if derr := c.store.Delete(ctx, key); derr != nil {
				return Result{}, derr
			}
			return Result{}, nil
		}
		return Result{}, err
	}
	return Result{Entry: e, Data: data, Hit: true}, nil
}

// Commit stores data under key. The blob is written before the entry so an
// entry never refers to a missing blob.
func (c *Controller) Commit(ctx context.Context, key Key, data []byte, meta map[string]string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	d := digest.FromBytes(data)
	if err := c.blobs.Put(ctx, d, data); err != nil {
		return Entry{}, err
	}
	e := Entry{
		Key:       key,
		Digest:    d,
		Size:      int64(len(data)),
		Meta:      meta,
		CreatedAt: c.now().UTC(),
	}
	if err := c.store.Put(ctx, e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Refreshing reports whether the controller was told to ignore existing
// entries.
func (c *Controller) Refreshing() bool {
	return c.refresh
}

// Resolve returns the cached blob for key, calling populate exactly once
// across concurrent callers when it is missing. A cancelled context before
// commit leaves the cache untouched.
func (c *Controller) Resolve(ctx context.Context, key Key, populate Populate) (Result, error) {
	return c.resolve(ctx, key, populate, c.refresh)
}

// Rebuild calls populate under the key lock and replaces whatever entry key
// had.
func (c *Controller) Rebuild(ctx context.Context, key Key, populate Populate) (Result, error) {
	return c.resolve(ctx, key, populate, true)
}

func (c *Controller) resolve(ctx context.Context, key Key, populate Populate, replace bool) (Result, error) {
	if !replace {
		if res, err := c.Lookup(ctx, key); err != nil || res.Hit {
			return res, err
		}
	}

	unlock, err := c.locker.Lock(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("buildcache: lock %s: %w", key.Short(), err)
	}
	defer unlock()

	// Another writer may have finished while we waited.
	if !replace {
		if res, err := c.Lookup(ctx, key); err != nil || res.Hit {
			return res, err
		}
	}

	data, meta, err := populate(ctx)
	if err != nil {
		return Result{}, err
	}
	e, err := c.Commit(ctx, key, data, meta)
	if err != nil {
		return Result{}, err
	}
	return Result{Entry: e, Data: data}, nil
}

func (c *Controller) List(ctx context.Context) ([]Entry, error) {
	return c.store.List(ctx)
}

// Prune removes entries unused since cutoff along with blobs no remaining
// entry refers to.
func (c *Controller) Prune(ctx context.Context, cutoff time.Time) ([]Entry, error) {
	removed, err := c.store.Prune(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	return removed, c.collect(ctx, removed)
}

// Remove drops the entries for keys. Unknown keys are ignored.
func (c *Controller) Remove(ctx context.Context, keys ...Key) ([]Entry, error) {
	var removed []Entry
	for _, key := range keys {
		e, found, err := c.store.Get(ctx, key)
		if err != nil {
			return removed, err
		}
		if !found {
			continue
		}
		if err := c.store.Delete(ctx, key); err != nil {
			return removed, err
		}
		removed = append(removed, e)
	}
	return removed, c.collect(ctx, removed)
}

// collect deletes the blobs of removed entries that no remaining entry
// refers to.
func (c *Controller) collect(ctx context.Context, removed []Entry) error {
	if len(removed) == 0 {
		return nil
	}
	remaining, err := c.store.List(ctx)
	if err != nil {
		return err
	}
	inUse := make(map[digest.Digest]struct{}, len(remaining))
	for _, e := range remaining {
		inUse[e.Digest] = struct{}{}
	}
	for _, e := range removed {
		if _, ok := inUse[e.Digest]; ok {
			continue
		}
		if err := c.blobs.Delete(ctx, e.Digest); err != nil {
			return err
		}
	}
	return nil
}
