package layers

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/0xa1bed0/mkimage/internal/buildcache"
	"github.com/0xa1bed0/mkimage/internal/stagefs"
)

type counter map[string]int

func writeStep(name string, churn Churn, path, content string, calls counter) Step {
	return Step{
		Name:   name,
		Churn:  churn,
		Inputs: InputSet{StringInput(path, content)},
		Apply: func(_ context.Context, t *stagefs.Tree) error {
			calls[name]++
			return t.WriteFile(path, []byte(content), 0o644)
		},
	}
}

func newController() *Controller {
	return NewController(buildcache.NewController(buildcache.NewMemoryStore(), buildcache.NewMemoryBlobStore(), nil))
}

func TestRunReusesUnchangedLayers(t *testing.T) {
	ctx := context.Background()
	c := newController()
	calls := counter{}

	steps := []Step{
		writeStep("dependencies", ChurnLow, "/app/.venv/lib/fastapi.py", "fastapi", calls),
		writeStep("source", ChurnHigh, "/app/src/main.py", "v1", calls),
	}
	first, err := c.Run(ctx, stagefs.New(), steps)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.Hits() != 0 {
		t.Fatalf("first run hits = %d", first.Hits())
	}

	steps[1] = writeStep("source", ChurnHigh, "/app/src/main.py", "v2", calls)
	second, err := c.Run(ctx, stagefs.New(), steps)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	deps, _ := second.Layer("dependencies")
	src, _ := second.Layer("source")
	if !deps.Hit || src.Hit {
		t.Fatalf("expected dependency hit and source miss, got deps=%v source=%v", deps.Hit, src.Hit)
	}
	if calls["dependencies"] != 1 || calls["source"] != 2 {
		t.Fatalf("unexpected apply counts: %v", calls)
	}
	data, err := second.Tree.ReadFile("/app/src/main.py")
	if err != nil || string(data) != "v2" {
		t.Fatalf("source content = %q, %v", data, err)
	}
	if !second.Tree.Exists("/app/.venv/lib/fastapi.py") {
		t.Fatal("cached dependency layer was not applied")
	}
}

func TestRunPropagatesInvalidation(t *testing.T) {
	ctx := context.Background()
	c := newController()
	calls := counter{}

	build := func(dep string) []Step {
		return []Step{
			writeStep("dependencies", ChurnLow, "/deps", dep, calls),
			writeStep("source", ChurnHigh, "/src", "same", calls),
		}
	}
	if _, err := c.Run(ctx, stagefs.New(), build("a")); err != nil {
		t.Fatal(err)
	}
	res, err := c.Run(ctx, stagefs.New(), build("b"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Hits() != 0 {
		t.Fatalf("a low-churn change must invalidate later layers, hits = %d", res.Hits())
	}
	if calls["source"] != 2 {
		t.Fatalf("source rebuilt %d times, want 2", calls["source"])
	}
}

func TestRunRebuildsAfterEvictedUpstreamLayer(t *testing.T) {
	ctx := context.Background()
	store := buildcache.NewMemoryStore()
	c := NewController(buildcache.NewController(store, buildcache.NewMemoryBlobStore(), nil))
	calls := counter{}

	steps := []Step{
		writeStep("dependencies", ChurnLow, "/deps", "x", calls),
		writeStep("source", ChurnHigh, "/src", "y", calls),
	}
	first, err := c.Run(ctx, stagefs.New(), steps)
	if err != nil {
		t.Fatal(err)
	}
	deps, _ := first.Layer("dependencies")
	_ = store.Delete(ctx, deps.Key)

	second, err := c.Run(ctx, stagefs.New(), steps)
	if err != nil {
		t.Fatal(err)
	}
	if second.Hits() != 0 {
		t.Fatalf("source must be rebuilt once its predecessor missed, hits = %d", second.Hits())
	}
}

func TestRunRefreshRebuildsEveryLayer(t *testing.T) {
	ctx := context.Background()
	cache := buildcache.NewController(buildcache.NewMemoryStore(), buildcache.NewMemoryBlobStore(), nil)
	c := NewController(cache)
	calls := counter{}

	steps := []Step{
		writeStep("dependencies", ChurnLow, "/deps", "x", calls),
		writeStep("source", ChurnHigh, "/src", "y", calls),
	}
	if _, err := c.Run(ctx, stagefs.New(), steps); err != nil {
		t.Fatal(err)
	}

	cache.SetRefresh(true)
	res, err := c.Run(ctx, stagefs.New(), steps)
	if err != nil {
		t.Fatal(err)
	}
	if res.Hits() != 0 {
		t.Fatalf("refresh reused %d cached layer(s)", res.Hits())
	}
	if calls["dependencies"] != 2 || calls["source"] != 2 {
		t.Fatalf("unexpected apply counts: %v", calls)
	}

	// The rebuilt layers replaced the old entries and serve the next build.
	cache.SetRefresh(false)
	again, err := c.Run(ctx, stagefs.New(), steps)
	if err != nil {
		t.Fatal(err)
	}
	if again.Hits() != 2 {
		t.Fatalf("hits after refresh = %d, want 2", again.Hits())
	}
}

func TestRunBuildsEachLayerOnceAcrossConcurrentRuns(t *testing.T) {
	ctx := context.Background()
	c := newController()

	var applied atomic.Int32
	step := Step{
		Name:   "dependencies",
		Churn:  ChurnLow,
		Inputs: InputSet{StringInput("lock", "1")},
		Apply: func(_ context.Context, t *stagefs.Tree) error {
			applied.Add(1)
			time.Sleep(20 * time.Millisecond)
			return t.WriteFile("/deps", []byte("x"), 0o644)
		},
	}

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for range 4 {
		wg.Go(func() {
			res, err := c.Run(ctx, stagefs.New(), []Step{step})
			if err == nil && !res.Tree.Exists("/deps") {
				err = errors.New("layer missing from result")
			}
			errs <- err
		})
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
	if n := applied.Load(); n != 1 {
		t.Fatalf("layer built %d times, want 1", n)
	}
}

func TestRunRejectsChurnInversion(t *testing.T) {
	calls := counter{}
	_, err := newController().Run(context.Background(), stagefs.New(), []Step{
		writeStep("source", ChurnHigh, "/src", "y", calls),
		writeStep("dependencies", ChurnLow, "/deps", "x", calls),
	})
	if !errors.Is(err, ErrChurnOrder) {
		t.Fatalf("expected ErrChurnOrder, got %v", err)
	}
	if len(calls) != 0 {
		t.Fatal("no step may run when the order is invalid")
	}
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newController().Run(ctx, stagefs.New(), []Step{writeStep("a", ChurnLow, "/a", "a", counter{})})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestInputSetDigestIgnoresOrder(t *testing.T) {
	a := InputSet{StringInput("lock", "1"), StringInput("pin", "3.12")}
	b := InputSet{StringInput("pin", "3.12"), StringInput("lock", "1")}
	if a.Digest() != b.Digest() {
		t.Fatal("input set digest must not depend on order")
	}
	if a.Digest() == (InputSet{StringInput("lock", "2"), StringInput("pin", "3.12")}).Digest() {
		t.Fatal("input set digest must change with content")
	}
}
