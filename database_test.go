package litequery

import (
	"context"
	"testing"
)

func newTestDatabase(t *testing.T) *Database {
	t.Helper()
	d, err := Open(DefaultConfig(":memory:"), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })

	ctx := context.Background()
	if _, err := d.Execute(ctx, "CREATE TABLE authors (id INTEGER PRIMARY KEY, name TEXT)"); err != nil {
		t.Fatalf("create authors: %v", err)
	}
	if _, err := d.Execute(ctx, "CREATE TABLE posts (id INTEGER PRIMARY KEY, author_id INTEGER, title TEXT)"); err != nil {
		t.Fatalf("create posts: %v", err)
	}
	return d
}

func TestDatabase_ExecuteAndQuery(t *testing.T) {
	d := newTestDatabase(t)
	ctx := context.Background()

	n, err := d.Execute(ctx, "INSERT INTO authors (name) VALUES (?)", "ada")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 row affected, got %d", n)
	}
	if id, ok := d.LastRowID(); !ok || id != 1 {
		t.Errorf("expected LastRowID (1, true), got (%d, %v)", id, ok)
	}

	rows, err := d.Query(ctx, "SELECT id, name FROM authors")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	name, err := rows[0].ValueNamed("name")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s, _ := name.Text(); s != "ada" {
		t.Errorf("expected name \"ada\", got %q", s)
	}
}

func TestDatabase_SelectWithPrefetch(t *testing.T) {
	d := newTestDatabase(t)
	ctx := context.Background()

	if _, err := d.Execute(ctx, "INSERT INTO authors (id, name) VALUES (1, 'ada')"); err != nil {
		t.Fatalf("insert author: %v", err)
	}
	if _, err := d.Execute(ctx, "INSERT INTO posts (author_id, title) VALUES (1, 'first'), (1, 'second')"); err != nil {
		t.Fatalf("insert posts: %v", err)
	}

	plan := NewQueryPlan("authors")
	plan.Root.Including("posts", []string{"id"}, []string{"author_id"}, NewQueryPlan("posts"))

	rows, _, err := d.Select(ctx, plan)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 author row, got %d", len(rows))
	}
	posts, ok := rows[0].PrefetchedRows("posts")
	if !ok || len(posts) != 2 {
		t.Fatalf("expected 2 prefetched posts, got %d (ok=%v)", len(posts), ok)
	}
}

func TestDatabase_UpdateAndDelete(t *testing.T) {
	d := newTestDatabase(t)
	ctx := context.Background()

	if _, err := d.Execute(ctx, "INSERT INTO authors (id, name) VALUES (1, 'ada')"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	plan := NewQueryPlan("authors")
	plan.Root.Filter(RawPredicate("{alias}.id = ?", 1))
	n, err := d.Update(ctx, plan, "id", map[string]any{"name": "grace"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 row updated, got %d", n)
	}

	rows, err := d.Query(ctx, "SELECT name FROM authors WHERE id = 1")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if name, _ := rows[0].ValueAt(0); func() string { s, _ := name.Text(); return s }() != "grace" {
		t.Error("expected the update to have taken effect")
	}

	deletePlan := NewQueryPlan("authors")
	deletePlan.Root.Filter(RawPredicate("{alias}.id = ?", 1))
	n, err = d.Delete(ctx, deletePlan, "id")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 row deleted, got %d", n)
	}
}

func TestDatabase_InTransaction_RollsBackOnError(t *testing.T) {
	d := newTestDatabase(t)
	ctx := context.Background()

	err := d.InTransaction(ctx, Immediate, func(ctx context.Context, tx *Tx) (Completion, error) {
		if _, err := tx.Execute(ctx, "INSERT INTO authors (name) VALUES (?)", "ada"); err != nil {
			return Rollback, err
		}
		return Commit, NewProgrammerError("force rollback")
	})
	if err == nil {
		t.Fatal("expected the body's error to propagate")
	}

	rows, err := d.Query(ctx, "SELECT COUNT(*) FROM authors")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	v, _ := rows[0].ValueAt(0)
	if n, _ := v.Integer(); n != 0 {
		t.Errorf("expected the insert to be rolled back, found %d authors", n)
	}
}

func TestDatabase_TableExists(t *testing.T) {
	d := newTestDatabase(t)
	ctx := context.Background()

	ok, err := d.TableExists(ctx, "authors")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected TableExists(\"authors\") to be true")
	}

	ok, err = d.TableExists(ctx, "nonexistent")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected TableExists(\"nonexistent\") to be false")
	}
}
