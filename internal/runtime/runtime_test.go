package runtime

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/0xa1bed0/mkimage/internal/launcher"
	"github.com/0xa1bed0/mkimage/internal/lockspec"
	"github.com/0xa1bed0/mkimage/internal/state"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"ok", nil, 0},
		{"server exit", &launcher.ExitError{Code: 3}, 3},
		{"wrapped port mismatch", fmt.Errorf("launch: %w", &launcher.ExitError{Code: launcher.ExitPortMismatch}), launcher.ExitPortMismatch},
		{"interrupted", fmt.Errorf("build: %w", context.Canceled), ExitInterrupted},
		{"build failure", &lockspec.LockIntegrityError{Package: "uvicorn"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Fatalf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestGoNamedRecoversPanic(t *testing.T) {
	rt := New()
	t.Cleanup(rt.stopSignal)

	rt.GoNamed("boom", func() { panic("kaput") })
	err := rt.Wait()
	if err == nil || !strings.Contains(err.Error(), "boom panic: kaput") {
		t.Fatalf("Wait() = %v", err)
	}
	select {
	case <-rt.Ctx().Done():
	default:
		t.Fatal("a panic must cancel the runtime context")
	}
	if FromContext(rt.Ctx()) != rt {
		t.Fatal("runtime not reachable from its context")
	}
}

func TestOnShutdownRunsAfterCancel(t *testing.T) {
	rt := New()
	t.Cleanup(rt.stopSignal)

	ran := make(chan struct{})
	rt.OnShutdown(func(ctx context.Context) {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("shutdown context has no deadline")
		}
		close(ran)
	})
	rt.CancelCtx()
	if err := rt.Wait(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("shutdown hook did not run")
	}
}

func openHistory(t *testing.T) *BuildHistory {
	t.Helper()
	ctx := context.Background()
	db, err := state.Open(ctx, state.Config{Path: filepath.Join(t.TempDir(), "state.db")})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	kv, err := state.NewKVStore(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	return NewBuildHistory(kv)
}

func TestBuildHistory(t *testing.T) {
	ctx := context.Background()
	h := openHistory(t)

	if h.Known(ctx, "/src/tarot") {
		t.Fatal("empty history knows a project")
	}

	older := BuildRecord{BuildID: "1", Project: "tarot", Dir: "/src/tarot", Backend: "oci", Ref: "tarot:1.0.0", Time: time.Unix(100, 0).UTC()}
	newer := BuildRecord{BuildID: "2", Project: "tarot", Dir: "/src/tarot", Backend: "docker", Ref: "tarot:1.0.1", Time: time.Unix(200, 0).UTC()}
	other := BuildRecord{BuildID: "3", Project: "oracle", Dir: "/src/oracle", Backend: "oci", Time: time.Unix(150, 0).UTC()}
	h.Record(ctx, older)
	h.Record(ctx, other)
	h.Record(ctx, newer)

	last, found, err := h.Last(ctx, "/src/tarot")
	if err != nil || !found {
		t.Fatalf("Last = %v, %v", found, err)
	}
	if last.BuildID != "2" || last.Backend != "docker" {
		t.Fatalf("last build = %+v", last)
	}
	if !h.Known(ctx, "/src/tarot") {
		t.Fatal("recorded project is unknown")
	}

	all, err := h.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].BuildID != "2" || all[1].BuildID != "3" {
		t.Fatalf("List = %+v", all)
	}
}

func TestBuildHistoryWithoutStore(t *testing.T) {
	ctx := context.Background()
	h := NewBuildHistory(nil)
	h.Record(ctx, BuildRecord{Dir: "/x"})
	if _, found, err := h.Last(ctx, "/x"); found || err != nil {
		t.Fatalf("Last = %v, %v", found, err)
	}
	if all, err := h.List(ctx); len(all) != 0 || err != nil {
		t.Fatalf("List = %v, %v", all, err)
	}
	var nilHistory *BuildHistory
	if nilHistory.Known(ctx, "/x") {
		t.Fatal("nil history knows a project")
	}
}
