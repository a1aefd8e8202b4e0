package sqlite

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildDSN(t *testing.T) {
	dir := t.TempDir()
	dsn, err := BuildDSN(filepath.Join(dir, "nested", "state.db"))
	if err != nil {
		t.Fatalf("dsn: %v", err)
	}
	if !strings.HasPrefix(dsn, "file:") || !strings.Contains(dsn, "_journal_mode=WAL") {
		t.Fatalf("dsn=%s", dsn)
	}
	if dsn, _ := BuildDSN("file:x.db?mode=ro"); dsn != "file:x.db?mode=ro&_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL" {
		t.Fatalf("file dsn=%s", dsn)
	}
	if dsn, _ := BuildDSN(""); dsn != Memory {
		t.Fatalf("empty path should be in-memory, got %s", dsn)
	}
}

func TestOpenAndConstraint(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if err := Migrate(ctx, db, `CREATE TABLE IF NOT EXISTS t (k TEXT PRIMARY KEY)`); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO t (k) VALUES ('a')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, err = db.ExecContext(ctx, `INSERT INTO t (k) VALUES ('a')`)
	if !IsConstraint(err) {
		t.Fatalf("expected constraint error, got %v", err)
	}
}
