// Package layers runs an ordered chain of build steps, reusing the cached
// layer of every step whose inputs and predecessors are unchanged.
package layers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/0xa1bed0/mkimage/internal/buildcache"
	"github.com/0xa1bed0/mkimage/internal/logs"
	"github.com/0xa1bed0/mkimage/internal/stagefs"
	"github.com/0xa1bed0/mkimage/internal/version"
)

var ErrChurnOrder = errors.New("layers: steps must be ordered from low to high churn")

// Churn ranks how often a step's inputs change.
type Churn int

const (
	ChurnLow Churn = iota
	ChurnMedium
	ChurnHigh
)

func (c Churn) String() string {
	switch c {
	case ChurnLow:
		return "low"
	case ChurnMedium:
		return "medium"
	case ChurnHigh:
		return "high"
	}
	return fmt.Sprintf("churn(%d)", int(c))
}

// Input is one named, content-addressed input of a step.
type Input struct {
	Name   string
	Digest digest.Digest
}

func BytesInput(name string, data []byte) Input {
	return Input{Name: name, Digest: digest.FromBytes(data)}
}

func StringInput(name, value string) Input {
	return Input{Name: name, Digest: digest.FromString(value)}
}

// InputSet is order-insensitive: its digest is computed over inputs sorted
// by name.
type InputSet []Input

func (s InputSet) Digest() digest.Digest {
	sorted := append(InputSet(nil), s...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	parts := make([]string, 0, 2*len(sorted))
	for _, in := range sorted {
		parts = append(parts, in.Name, in.Digest.String())
	}
	return digest.Digest("sha256:" + string(buildcache.NewKey(parts...)))
}

// Step is one (input set, operation) pair. Apply mutates the working tree;
// whatever it changes becomes the step's layer.
type Step struct {
	Name   string
	Churn  Churn
	Inputs InputSet
	Apply  func(ctx context.Context, t *stagefs.Tree) error
}

// Record describes the layer a step produced or reused.
type Record struct {
	Name    string
	Key     buildcache.Key
	Digest  digest.Digest
	Size    int64
	Hit     bool
	Elapsed time.Duration
	Layer   *stagefs.Tree
}

type Result struct {
	Tree   *stagefs.Tree
	Layers []Record
}

// Hits counts reused layers.
func (r *Result) Hits() int {
	n := 0
	for _, l := range r.Layers {
		if l.Hit {
			n++
		}
	}
	return n
}

// Layer returns the record for the named step.
func (r *Result) Layer(name string) (Record, bool) {
	for _, l := range r.Layers {
		if l.Name == name {
			return l, true
		}
	}
	return Record{}, false
}

// ChainKey derives a step's key from its predecessor's key, its name and its
// inputs, so a change anywhere upstream changes every later key.
func ChainKey(parent buildcache.Key, s Step) buildcache.Key {
	return buildcache.NewKey(string(parent), s.Name, s.Inputs.Digest().String())
}

// Validate checks that churn never decreases along the chain.
func Validate(steps []Step) error {
	for i := 1; i < len(steps); i++ {
		if steps[i].Churn < steps[i-1].Churn {
			return fmt.Errorf("%w: %q (%s) follows %q (%s)", ErrChurnOrder,
				steps[i].Name, steps[i].Churn, steps[i-1].Name, steps[i-1].Churn)
		}
	}
	return nil
}

type Controller struct {
	cache *buildcache.Controller
}

func NewController(cache *buildcache.Controller) *Controller {
	return &Controller{cache: cache}
}

// Run applies steps on top of a clone of base. Once a step misses, every
// later step is rebuilt even if its own key is still cached. A refreshing
// cache rebuilds every step. Each layer is built and stored under its key
// lock.
func (c *Controller) Run(ctx context.Context, base *stagefs.Tree, steps []Step) (*Result, error) {
	if err := Validate(steps); err != nil {
		return nil, err
	}

	work := base.Clone()
	res := &Result{}
	parent := buildcache.NewKey("layers", fmt.Sprint(version.ImageSchemaVersion))
	invalidated := c.cache.Refreshing()

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := time.Now()
		key := ChainKey(parent, step)
		parent = key

		rec, err := c.step(ctx, work, step, key, invalidated)
		if err != nil {
			return nil, err
		}
		rec.Elapsed = time.Since(start)
		if rec.Hit {
			logs.Debugf("layer %s: cache hit (%s, %s)", step.Name, key.Short(), rec.Digest)
		} else if !invalidated {
			invalidated = true
			logs.Debugf("layer %s: cache miss (%s), rebuilding it and every later layer", step.Name, key.Short())
		}
		res.Layers = append(res.Layers, rec)
	}

	res.Tree = work
	return res, nil
}

// step applies one layer to work: the cached diff on a hit, or the step
// itself on a miss. rebuild skips the cache lookup.
func (c *Controller) step(ctx context.Context, work *stagefs.Tree, step Step, key buildcache.Key, rebuild bool) (Record, error) {
	var built *stagefs.Tree
	populate := func(ctx context.Context) ([]byte, map[string]string, error) {
		before := work.Clone()
		if err := step.Apply(ctx, work); err != nil {
			return nil, nil, fmt.Errorf("layers: step %s: %w", step.Name, err)
		}
		built = work.Diff(before)
		data, err := built.Bytes()
		if err != nil {
			return nil, nil, fmt.Errorf("layers: serialize %s: %w", step.Name, err)
		}
		return data, map[string]string{"step": step.Name}, nil
	}

	resolve := c.cache.Resolve
	if rebuild {
		resolve = c.cache.Rebuild
	}
	out, err := resolve(ctx, key, populate)
	if err != nil {
		return Record{}, fmt.Errorf("layers: %s: %w", step.Name, err)
	}

	rec := Record{
		Name:   step.Name,
		Key:    key,
		Digest: out.Entry.Digest,
		Size:   out.Entry.Size,
		Hit:    out.Hit,
		Layer:  built,
	}
	if out.Hit {
		layer, err := stagefs.ReadTar(bytes.NewReader(out.Data))
		if err != nil {
			return Record{}, fmt.Errorf("layers: decode cached layer %s: %w", step.Name, err)
		}
		if err := work.Overlay(layer); err != nil {
			return Record{}, fmt.Errorf("layers: apply cached layer %s: %w", step.Name, err)
		}
		rec.Layer = layer
	}
	return rec, nil
}
