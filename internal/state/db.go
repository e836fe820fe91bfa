// Package state is the host-wide sqlite database mkimage keeps its build
// cache index, build history and release checks in.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	hostappconfig "github.com/0xa1bed0/mkimage/internal/apps/mkimage/config"
	"github.com/0xa1bed0/mkimage/internal/logs"
)

const (
	defaultBusyTimeout = 5 * time.Second
	pingTimeout        = 2 * time.Second
)

type Config struct {
	// Path of the database file, e.g. ~/.config/mkimage/state.db.
	Path string

	// BusyTimeout bounds how long a build waits on another build holding the
	// write lock. Zero means 5s.
	BusyTimeout time.Duration
}

// dsn renders cfg for the modernc driver, which takes pragmas as repeated
// _pragma parameters applied on every new connection.
func (cfg Config) dsn() string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", cfg.BusyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Set("_txlock", "immediate")
	return "file:" + (&url.URL{Path: cfg.Path}).EscapedPath() + "?" + q.Encode()
}

type DB struct {
	sql *sql.DB
}

var (
	defaultMu sync.Mutex
	defaultDB *DB
)

// OpenDefault opens the database under the mkimage home once per process.
func OpenDefault(ctx context.Context) (*DB, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultDB != nil {
		return defaultDB, nil
	}
	path := hostappconfig.StateDBFile()
	logs.Debugf("opening build state at %s", path)
	db, err := Open(ctx, Config{Path: path})
	if err != nil {
		return nil, err
	}
	defaultDB = db
	return db, nil
}

// Open creates the database file if needed and checks it is usable. The
// handle is closed when ctx is done.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, errors.New("state: database path is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = defaultBusyTimeout
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("state: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("state: open %s: %w", cfg.Path, err)
	}
	sqlDB.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("state: %s is not usable: %w", cfg.Path, err)
	}

	context.AfterFunc(ctx, func() {
		if err := sqlDB.Close(); err != nil {
			logs.Errorf("close build state: %v", err)
		}
	})

	return &DB{sql: sqlDB}, nil
}

func (d *DB) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}

func (d *DB) Raw() *sql.DB {
	return d.sql
}

// WithTx commits when fn succeeds and rolls back otherwise.
func (d *DB) WithTx(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("state: begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("state: commit: %w", err)
	}
	return nil
}
