package litequery

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestDatabaseQueue_WriteThenRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	defer os.Remove(path)

	q, err := NewDatabaseQueue(DefaultConfig(path), 2, nil)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })

	ctx := context.Background()
	if err := q.Write(ctx, func(ctx context.Context, tx *Tx) (Completion, error) {
		_, err := tx.Execute(ctx, "CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT)")
		if err != nil {
			return Rollback, err
		}
		_, err = tx.Execute(ctx, "INSERT INTO widgets (name) VALUES (?)", "gear")
		return Commit, err
	}); err != nil {
		t.Fatalf("write: %v", err)
	}

	n, err := Read(ctx, q, func(d *Database) (int, error) {
		rows, err := d.Query(ctx, "SELECT COUNT(*) FROM widgets")
		if err != nil {
			return 0, err
		}
		v, err := rows[0].ValueAt(0)
		if err != nil {
			return 0, err
		}
		count, _ := v.Integer()
		return int(count), nil
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 widget visible to a reader, got %d", n)
	}
}
