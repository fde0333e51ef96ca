package litequery

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func TestStmtCache_BasicOperations(t *testing.T) {
	cache := NewStmtCache(3)
	defer cache.Close()

	if cache.Len() != 0 {
		t.Errorf("expected cache length 0, got %d", cache.Len())
	}

	t.Run("Capacity", func(t *testing.T) {
		if cache.capacity != 3 {
			t.Errorf("expected capacity 3, got %d", cache.capacity)
		}
	})

	t.Run("DefaultCapacity", func(t *testing.T) {
		cache2 := NewStmtCache(0)
		defer cache2.Close()
		if cache2.capacity != 200 {
			t.Errorf("expected default capacity 200, got %d", cache2.capacity)
		}
	})
}

func TestStmtCache_GetMissesThenHitsAfterPut(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	cache := NewStmtCache(4)
	defer cache.Close()

	if stmt, release := cache.Get("SELECT 1"); stmt != nil || release != nil {
		t.Fatal("expected a miss on an empty cache")
	}

	stmt, err := db.Prepare("SELECT 1")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	got, release := cache.PutAndGet("SELECT 1", stmt)
	if got != stmt {
		t.Fatal("expected PutAndGet to return the stored statement")
	}
	release()

	cached, release2 := cache.Get("SELECT 1")
	if cached != stmt {
		t.Fatal("expected a hit for the same query text")
	}
	release2()

	if cache.Len() != 1 {
		t.Errorf("expected 1 cached entry, got %d", cache.Len())
	}
}

func TestStmtCache_EvictsLeastRecentlyUsedAtCapacity(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	cache := NewStmtCache(2)
	defer cache.Close()

	queries := []string{"SELECT 1", "SELECT 2", "SELECT 3"}
	stmts := make([]*sql.Stmt, len(queries))
	for i, q := range queries {
		s, err := db.Prepare(q)
		if err != nil {
			t.Fatalf("prepare %q: %v", q, err)
		}
		stmts[i] = s
	}

	_, r0 := cache.PutAndGet(queries[0], stmts[0])
	r0()
	_, r1 := cache.PutAndGet(queries[1], stmts[1])
	r1()

	// Touch queries[0] so queries[1] becomes the least recently used entry.
	if _, release := cache.Get(queries[0]); release != nil {
		release()
	}

	_, r2 := cache.PutAndGet(queries[2], stmts[2])
	r2()

	if cache.Len() != 2 {
		t.Fatalf("expected capacity to cap the cache at 2 entries, got %d", cache.Len())
	}
	if stmt, release := cache.Get(queries[1]); stmt != nil {
		release()
		t.Error("expected the least recently used entry to have been evicted")
	}
	if stmt, release := cache.Get(queries[0]); stmt == nil {
		t.Error("expected the recently touched entry to survive eviction")
	} else {
		release()
	}
}

func TestStmtCache_ReleaseDefersCloseUntilLastReferenceDrops(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	cache := NewStmtCache(1)
	defer cache.Close()

	stmt1, err := db.Prepare("SELECT 1")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	_, release1 := cache.PutAndGet("SELECT 1", stmt1)

	// Evict it while still held by release1, by filling the capacity-1 cache
	// with a second entry.
	stmt2, err := db.Prepare("SELECT 2")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	_, release2 := cache.PutAndGet("SELECT 2", stmt2)
	release2()

	// stmt1's entry was evicted to make room, but release1 hasn't fired yet,
	// so the underlying statement must still be usable.
	if _, err := stmt1.Query(); err != nil {
		t.Errorf("expected the evicted-but-still-referenced statement to remain open, got: %v", err)
	}
	release1()
}

func TestStmtCache_InvalidateAllEmptiesTheCache(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	cache := NewStmtCache(4)
	defer cache.Close()

	for _, q := range []string{"SELECT 1", "SELECT 2"} {
		stmt, err := db.Prepare(q)
		if err != nil {
			t.Fatalf("prepare %q: %v", q, err)
		}
		_, release := cache.PutAndGet(q, stmt)
		release()
	}

	cache.InvalidateAll()
	if cache.Len() != 0 {
		t.Errorf("expected InvalidateAll to empty the cache, got %d entries", cache.Len())
	}
}
