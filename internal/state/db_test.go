package state

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfigDSN(t *testing.T) {
	dsn := Config{Path: "/home/me/my state/state.db", BusyTimeout: 3 * time.Second}.dsn()
	if !strings.HasPrefix(dsn, "file:/home/me/my%20state/state.db?") {
		t.Fatalf("dsn = %q", dsn)
	}
	for _, want := range []string{"busy_timeout%283000%29", "journal_mode%28WAL%29", "_txlock=immediate"} {
		if !strings.Contains(dsn, want) {
			t.Errorf("dsn %q lacks %q", dsn, want)
		}
	}
}

func TestOpenCreatesDirAndUsesWAL(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "nested", "state.db")
	db, err := Open(ctx, Config{Path: path})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	var mode string
	if err := db.Raw().QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if !strings.EqualFold(mode, "wal") {
		t.Fatalf("journal_mode = %q", mode)
	}

	if _, err := Open(ctx, Config{}); err == nil {
		t.Fatal("expected an error without a path")
	}
}

func TestWithTxRollsBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := Open(ctx, Config{Path: filepath.Join(t.TempDir(), "state.db")})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Raw().ExecContext(ctx, "CREATE TABLE t (v INTEGER)"); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	err = db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO t VALUES (1)"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}

	err = db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "INSERT INTO t VALUES (2)")
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	var n, sum int
	if err := db.Raw().QueryRowContext(ctx, "SELECT COUNT(*), COALESCE(SUM(v), 0) FROM t").Scan(&n, &sum); err != nil {
		t.Fatal(err)
	}
	if n != 1 || sum != 2 {
		t.Fatalf("rows = %d, sum = %d", n, sum)
	}
}
