package buildcache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/0xa1bed0/mkimage/internal/state"
)

// Entry records that the output for Key is the blob with Digest.
type Entry struct {
	Key       Key               `json:"key"`
	Digest    digest.Digest     `json:"digest"`
	Size      int64             `json:"size"`
	Meta      map[string]string `json:"meta,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	LastUsed  time.Time         `json:"-"`
}

// Store indexes cache entries. Implementations must be safe for concurrent
// use.
type Store interface {
	Get(ctx context.Context, key Key) (Entry, bool, error)
	Put(ctx context.Context, e Entry) error
	Delete(ctx context.Context, key Key) error
	List(ctx context.Context) ([]Entry, error)
	// Prune removes entries unused since cutoff and returns them.
	Prune(ctx context.Context, cutoff time.Time) ([]Entry, error)
}

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[Key]Entry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[Key]Entry{}, now: time.Now}
}

func (m *MemoryStore) Get(_ context.Context, key Key) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if ok {
		e.LastUsed = m.now()
		m.entries[key] = e
	}
	return e, ok, nil
}

func (m *MemoryStore) Put(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.LastUsed = m.now()
	m.entries[e.Key] = e
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) Prune(_ context.Context, cutoff time.Time) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed []Entry
	for k, e := range m.entries {
		if e.LastUsed.Before(cutoff) {
			removed = append(removed, e)
			delete(m.entries, k)
		}
	}
	return removed, nil
}

// SQLStore persists entries as JSON values in one namespace of the state
// database.
type SQLStore struct {
	kv *state.KVStore
	ns state.Namespace
}

func NewSQLStore(kv *state.KVStore, ns state.Namespace) *SQLStore {
	return &SQLStore{kv: kv, ns: ns}
}

func (s *SQLStore) Get(ctx context.Context, key Key) (Entry, bool, error) {
	row, found, err := s.kv.Get(ctx, s.ns, state.KVStoreKey(key))
	if err != nil || !found {
		return Entry{}, false, err
	}
	e, err := decodeEntry(row)
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (s *SQLStore) Put(ctx context.Context, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("buildcache: encode entry %s: %w", e.Key.Short(), err)
	}
	return s.kv.Upsert(ctx, s.ns, state.KVStoreKey(e.Key), string(raw))
}

func (s *SQLStore) Delete(ctx context.Context, key Key) error {
	return s.kv.Delete(ctx, s.ns, state.KVStoreKey(key))
}

func (s *SQLStore) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.kv.List(ctx, s.ns)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for _, row := range rows {
		e, err := decodeEntry(row)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *SQLStore) Prune(ctx context.Context, cutoff time.Time) ([]Entry, error) {
	rows, err := s.kv.DeleteUnusedBefore(ctx, s.ns, cutoff)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for _, row := range rows {
		e, err := decodeEntry(row)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func decodeEntry(row state.Entry) (Entry, error) {
	var e Entry
	if err := json.Unmarshal([]byte(row.Value), &e); err != nil {
		return Entry{}, fmt.Errorf("buildcache: decode entry %s: %w", row.Key, err)
	}
	e.LastUsed = row.LastUsed
	return e, nil
}
