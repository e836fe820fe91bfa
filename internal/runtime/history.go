package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/0xa1bed0/mkimage/internal/logs"
	"github.com/0xa1bed0/mkimage/internal/state"
)

const historyNamespace state.Namespace = "builds"

// BuildRecord is the last successful build of a project directory.
type BuildRecord struct {
	BuildID  string        `json:"build_id"`
	Project  string        `json:"project"`
	Dir      string        `json:"dir"`
	Backend  string        `json:"backend"`
	Ref      string        `json:"ref"`
	Digest   string        `json:"digest"`
	Output   string        `json:"output,omitempty"`
	CacheHit []string      `json:"cache_hits,omitempty"`
	Elapsed  time.Duration `json:"elapsed"`
	Time     time.Time     `json:"time"`
}

// BuildHistory remembers the last build per project directory. A nil store
// makes every method a no-op so the CLI works without the state database.
type BuildHistory struct {
	kvStore *state.KVStore
}

func NewBuildHistory(kv *state.KVStore) *BuildHistory {
	return &BuildHistory{kvStore: kv}
}

func (h *BuildHistory) key(dir string) state.KVStoreKey {
	return state.KVStoreKey("project:" + dir)
}

// Known reports whether dir was built before on this host.
func (h *BuildHistory) Known(ctx context.Context, dir string) bool {
	_, found, err := h.Last(ctx, dir)
	if err != nil {
		logs.Warnf("[history] can't tell whether %s was built before: %v", dir, err)
		return false
	}
	return found
}

func (h *BuildHistory) Record(ctx context.Context, rec BuildRecord) {
	if h == nil || h.kvStore == nil {
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		logs.Warnf("[history] encode build record: %v", err)
		return
	}
	if err := h.kvStore.Upsert(ctx, historyNamespace, h.key(rec.Dir), string(data)); err != nil {
		logs.Warnf("[history] can't record build of %s: %v", rec.Dir, err)
	}
}

func (h *BuildHistory) Last(ctx context.Context, dir string) (BuildRecord, bool, error) {
	if h == nil || h.kvStore == nil {
		return BuildRecord{}, false, nil
	}
	e, found, err := h.kvStore.Get(ctx, historyNamespace, h.key(dir))
	if err != nil || !found {
		return BuildRecord{}, false, err
	}
	var rec BuildRecord
	if err := json.Unmarshal([]byte(e.Value), &rec); err != nil {
		return BuildRecord{}, false, fmt.Errorf("decode build record of %s: %w", dir, err)
	}
	return rec, true, nil
}

// List returns every recorded build, newest first.
func (h *BuildHistory) List(ctx context.Context) ([]BuildRecord, error) {
	if h == nil || h.kvStore == nil {
		return nil, nil
	}
	entries, err := h.kvStore.List(ctx, historyNamespace)
	if err != nil {
		return nil, err
	}
	out := make([]BuildRecord, 0, len(entries))
	for _, e := range entries {
		var rec BuildRecord
		if err := json.Unmarshal([]byte(e.Value), &rec); err != nil {
			logs.Warnf("[history] skipping unreadable record %s: %v", e.Key, err)
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.After(out[j].Time) })
	return out, nil
}
