package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *KVStore {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	db, err := Open(ctx, Config{Path: filepath.Join(t.TempDir(), "state.db")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	store, err := NewKVStore(ctx, db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestKVStoreUpsertGet(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, found, err := s.Get(ctx, "deps", "k1"); err != nil || found {
		t.Fatalf("expected miss, found=%v err=%v", found, err)
	}
	if err := s.Upsert(ctx, "deps", "k1", "v1"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.Upsert(ctx, "deps", "k1", "v2"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	e, found, err := s.Get(ctx, "deps", "k1")
	if err != nil || !found {
		t.Fatalf("expected hit, found=%v err=%v", found, err)
	}
	if e.Value != "v2" || e.Namespace != "deps" {
		t.Fatalf("unexpected entry: %+v", e)
	}
}

func TestKVStoreNamespacesAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_ = s.Upsert(ctx, "deps", "same", "a")
	_ = s.Upsert(ctx, "layers", "same", "b")

	deps, err := s.List(ctx, "deps")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(deps) != 1 || deps[0].Value != "a" {
		t.Fatalf("unexpected deps namespace: %+v", deps)
	}

	if err := s.Delete(ctx, "deps", "same"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, found, _ := s.Get(ctx, "layers", "same"); !found {
		t.Fatal("delete leaked into another namespace")
	}
}

func TestKVStoreDeleteUnusedBefore(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_ = s.Upsert(ctx, "deps", "old", "x")
	_ = s.Upsert(ctx, "deps", "other", "y")

	removed, err := s.DeleteUnusedBefore(ctx, "deps", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if len(removed) != 2 {
		t.Fatalf("expected 2 removed entries, got %+v", removed)
	}
	left, _ := s.List(ctx, "deps")
	if len(left) != 0 {
		t.Fatalf("expected empty namespace, got %+v", left)
	}

	_ = s.Upsert(ctx, "deps", "fresh", "z")
	removed, err = s.DeleteUnusedBefore(ctx, "deps", time.Now().Add(-time.Hour))
	if err != nil || len(removed) != 0 {
		t.Fatalf("fresh entry should survive, removed=%+v err=%v", removed, err)
	}
}
