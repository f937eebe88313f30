package storage

import (
	"path/filepath"
	"testing"
)

func openTestAdvancedWAL(t *testing.T, name string) *AdvancedWAL {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	wal, err := OpenAdvancedWAL(AdvancedWALConfig{Path: path, CheckpointEvery: 100})
	if err != nil {
		t.Fatalf("OpenAdvancedWAL: %v", err)
	}
	t.Cleanup(func() { wal.Close() })
	return wal
}

func TestAdvancedWALMonotonicLSN(t *testing.T) {
	wal := openTestAdvancedWAL(t, "lsn.wal")

	begin, err := wal.LogBegin(1)
	if err != nil {
		t.Fatalf("LogBegin: %v", err)
	}
	cols := []Column{{Name: "id", Type: IntType}, {Name: "name", Type: StringType}}
	insert, err := wal.LogInsert(1, "default", "users", 1, []any{int64(1), "Ada"}, cols)
	if err != nil {
		t.Fatalf("LogInsert: %v", err)
	}
	if insert <= begin {
		t.Fatalf("insert LSN %d should exceed begin LSN %d", insert, begin)
	}
	commit, err := wal.LogCommit(1)
	if err != nil {
		t.Fatalf("LogCommit: %v", err)
	}
	if commit <= insert {
		t.Fatalf("commit LSN %d should exceed insert LSN %d", commit, insert)
	}
	if got := wal.GetCommittedLSN(); got != commit {
		t.Errorf("GetCommittedLSN = %d, want %d", got, commit)
	}
	if got := wal.GetFlushedLSN(); got != commit {
		t.Errorf("GetFlushedLSN = %d, want %d", got, commit)
	}
}

func TestAdvancedWALRecoverAppliesCommittedOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recover.wal")
	wal, err := OpenAdvancedWAL(AdvancedWALConfig{Path: path})
	if err != nil {
		t.Fatalf("OpenAdvancedWAL: %v", err)
	}

	cols := []Column{{Name: "id", Type: IntType}, {Name: "value", Type: IntType}}

	wal.LogBegin(1)
	wal.LogInsert(1, "default", "data", 1, []any{int64(1), int64(100)}, cols)
	wal.LogCommit(1)

	wal.LogBegin(2)
	wal.LogInsert(2, "default", "data", 2, []any{int64(2), int64(200)}, cols)
	wal.LogAbort(2)

	wal.LogBegin(3)
	row := []any{int64(1), int64(100)}
	wal.LogUpdate(3, "default", "data", 1, row, []any{int64(1), int64(150)}, cols)
	wal.LogCommit(3)

	if err := wal.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	wal2, err := OpenAdvancedWAL(AdvancedWALConfig{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer wal2.Close()

	db := NewDB()
	n, err := wal2.Recover(db)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 replayed operations (insert+update), got %d", n)
	}

	table, err := db.Get("default", "data")
	if err != nil {
		t.Fatalf("table not recovered: %v", err)
	}
	if len(table.Rows) != 1 {
		t.Fatalf("expected 1 row after replay (aborted tx skipped), got %d", len(table.Rows))
	}
	if table.Rows[0][1] != int64(150) {
		t.Errorf("expected updated value 150, got %v", table.Rows[0][1])
	}
}

func TestAdvancedWALShouldCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.wal")
	wal, err := OpenAdvancedWAL(AdvancedWALConfig{Path: path, CheckpointEvery: 2})
	if err != nil {
		t.Fatalf("OpenAdvancedWAL: %v", err)
	}
	defer wal.Close()

	cols := []Column{{Name: "id", Type: IntType}}
	wal.LogBegin(1)
	wal.LogInsert(1, "default", "t", 1, []any{int64(1)}, cols)
	if wal.ShouldCheckpoint() {
		t.Fatalf("should not need checkpoint after 1 record with threshold 2")
	}
	wal.LogInsert(1, "default", "t", 2, []any{int64(2)}, cols)
	if !wal.ShouldCheckpoint() {
		t.Fatalf("expected checkpoint to be due after crossing the record threshold")
	}
}
