package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Namespace partitions the store so independent caches can share one
// database file.
type Namespace string

type KVStoreKey string

// Entry represents one record: (namespace, key) -> value.
type Entry struct {
	Namespace Namespace
	Key       KVStoreKey
	Value     string
	CreatedAt time.Time
	LastUsed  time.Time
}

type KVStore struct {
	db *DB
}

// NewKVStore creates the store and ensures the table exists.
func NewKVStore(ctx context.Context, database *DB) (*KVStore, error) {
	if database == nil {
		return nil, errors.New("kv_store: database is required")
	}
	s := &KVStore{db: database}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

var defaultKVStore *KVStore

func DefaultKVStore(ctx context.Context) (*KVStore, error) {
	if defaultKVStore == nil {
		db, err := OpenDefault(ctx)
		if err != nil {
			return nil, err
		}
		defaultKVStore, err = NewKVStore(ctx, db)
		if err != nil {
			return nil, err
		}
	}

	return defaultKVStore, nil
}

func (s *KVStore) ensureSchema(ctx context.Context) error {
	const createTable = `
CREATE TABLE IF NOT EXISTS kv_store (
	namespace  TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	last_used  INTEGER NOT NULL,
	PRIMARY KEY (namespace, key)
);
`
	_, err := s.db.Raw().ExecContext(ctx, createTable)
	if err != nil {
		return fmt.Errorf("kv_store: ensure schema: %w", err)
	}
	return nil
}

// Get returns the entry for (ns, key) and marks it as used.
// found == false means "no row".
func (s *KVStore) Get(ctx context.Context, ns Namespace, key KVStoreKey) (entry Entry, found bool, err error) {
	const q = `
SELECT namespace, key, value, created_at, last_used
FROM kv_store
WHERE namespace = ? AND key = ?
`
	row := s.db.Raw().QueryRowContext(ctx, q, ns, key)

	entry, err = scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("kv_store: get: %w", err)
	}

	if err := s.Touch(ctx, ns, key); err != nil {
		return Entry{}, false, err
	}

	return entry, true, nil
}

// Upsert sets value for the key. If the row exists,
// it updates the value + last_used; otherwise it inserts a new one.
func (s *KVStore) Upsert(ctx context.Context, ns Namespace, key KVStoreKey, value string) error {
	const stmt = `
INSERT INTO kv_store (namespace, key, value, created_at, last_used)
VALUES (?, ?, ?, strftime('%s','now'), strftime('%s','now'))
ON CONFLICT(namespace, key) DO UPDATE SET
	value = excluded.value,
	last_used = strftime('%s','now');
`

	if _, err := s.db.Raw().ExecContext(ctx, stmt, ns, key, value); err != nil {
		return fmt.Errorf("kv_store: upsert: %w", err)
	}
	return nil
}

// Touch updates last_used for a given key if it exists.
// No-op if the row doesn't exist.
func (s *KVStore) Touch(ctx context.Context, ns Namespace, key KVStoreKey) error {
	const stmt = `
UPDATE kv_store
SET last_used = strftime('%s','now')
WHERE namespace = ? AND key = ?;
`
	if _, err := s.db.Raw().ExecContext(ctx, stmt, ns, key); err != nil {
		return fmt.Errorf("kv_store: touch: %w", err)
	}
	return nil
}

// Delete removes the entry for the given key, if any.
func (s *KVStore) Delete(ctx context.Context, ns Namespace, key KVStoreKey) error {
	const stmt = `DELETE FROM kv_store WHERE namespace = ? AND key = ?`
	if _, err := s.db.Raw().ExecContext(ctx, stmt, ns, key); err != nil {
		return fmt.Errorf("kv_store: delete: %w", err)
	}
	return nil
}

// List returns every entry of a namespace, most recently used first.
func (s *KVStore) List(ctx context.Context, ns Namespace) ([]Entry, error) {
	const q = `
SELECT namespace, key, value, created_at, last_used
FROM kv_store
WHERE namespace = ?
ORDER BY last_used DESC, key ASC
`
	rows, err := s.db.Raw().QueryContext(ctx, q, ns)
	if err != nil {
		return nil, fmt.Errorf("kv_store: list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("kv_store: list: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("kv_store: list: %w", err)
	}
	return out, nil
}

// DeleteUnusedBefore deletes entries of ns that haven't been used since
// cutoff and returns them, so callers can release what they pointed at.
func (s *KVStore) DeleteUnusedBefore(ctx context.Context, ns Namespace, cutoff time.Time) ([]Entry, error) {
	var removed []Entry
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		const q = `
SELECT namespace, key, value, created_at, last_used
FROM kv_store
WHERE namespace = ? AND last_used < ?
`
		rows, err := tx.QueryContext(ctx, q, ns, cutoff.Unix())
		if err != nil {
			return err
		}
		for rows.Next() {
			e, err := scanEntry(rows)
			if err != nil {
				rows.Close()
				return err
			}
			removed = append(removed, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		const stmt = `DELETE FROM kv_store WHERE namespace = ? AND last_used < ?`
		_, err = tx.ExecContext(ctx, stmt, ns, cutoff.Unix())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("kv_store: delete unused: %w", err)
	}
	return removed, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var e Entry
	var createdAtUnix, lastUsedUnix int64
	if err := row.Scan(&e.Namespace, &e.Key, &e.Value, &createdAtUnix, &lastUsedUnix); err != nil {
		return Entry{}, err
	}
	e.CreatedAt = time.Unix(createdAtUnix, 0).UTC()
	e.LastUsed = time.Unix(lastUsedUnix, 0).UTC()
	return e, nil
}
