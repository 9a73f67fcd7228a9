package btreedb

import (
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T, opts Options) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenCreatesHeader(t *testing.T) {
	db := openTestDB(t, DefaultOptions())
	if db.rootPageID != noRootPageID {
		t.Fatalf("expected empty database to have no root, got %d", db.rootPageID)
	}
	if db.nextTxID != 1 {
		t.Fatalf("expected nextTxID 1, got %d", db.nextTxID)
	}
	if db.headerPageCount < 1 {
		t.Fatalf("expected at least one header page")
	}
}

func TestReopenPersistsHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	opts := Options{PageSize: 4096, InitialPageCount: 8, GrowthChunk: 8}

	db, err := Open(path, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	tx, err := db.NewTx(true)
	if err != nil {
		t.Fatalf("NewTx: %v", err)
	}
	if err := tx.Set([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	wantRoot := db.rootPageID
	wantNextTxID := db.nextTxID
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path, opts)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if reopened.rootPageID != wantRoot {
		t.Fatalf("root page id mismatch after reopen: got %d want %d", reopened.rootPageID, wantRoot)
	}
	if reopened.nextTxID != wantNextTxID {
		t.Fatalf("nextTxID mismatch after reopen: got %d want %d", reopened.nextTxID, wantNextTxID)
	}

	rtx, err := reopened.NewTx(false)
	if err != nil {
		t.Fatalf("NewTx: %v", err)
	}
	defer rtx.Rollback()
	v, found, err := rtx.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found || string(v) != "v" {
		t.Fatalf("expected to read back k=v after reopen, got %q found=%v", v, found)
	}
}
