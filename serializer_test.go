package litequery

import (
	"context"
	"database/sql"
	"testing"
)

func newTestSerializer(t *testing.T) *ConnectionSerializer {
	t.Helper()
	s, err := NewConnectionSerializer(DefaultConfig(":memory:"), nil)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	_, err = InDatabase(context.Background(), s, func(ctx context.Context, db *sql.DB) (struct{}, error) {
		_, err := db.ExecContext(ctx, "CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT)")
		return struct{}{}, err
	})
	if err != nil {
		t.Fatalf("failed to create test table: %v", err)
	}
	return s
}

func countWidgets(t *testing.T, s *ConnectionSerializer) int {
	t.Helper()
	n, err := InDatabase(context.Background(), s, func(ctx context.Context, db *sql.DB) (int, error) {
		var n int
		err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM widgets").Scan(&n)
		return n, err
	})
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	return n
}

func TestConnectionSerializer_TransactionCommits(t *testing.T) {
	s := newTestSerializer(t)
	err := InTransaction(context.Background(), s, Immediate, func(ctx context.Context, db *sql.DB) (Completion, error) {
		_, err := db.ExecContext(ctx, "INSERT INTO widgets (name) VALUES (?)", "gear")
		return Commit, err
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := countWidgets(t, s); n != 1 {
		t.Errorf("expected 1 widget after commit, got %d", n)
	}
}

func TestConnectionSerializer_TransactionRollsBackOnExplicitRollback(t *testing.T) {
	s := newTestSerializer(t)
	err := InTransaction(context.Background(), s, Immediate, func(ctx context.Context, db *sql.DB) (Completion, error) {
		_, err := db.ExecContext(ctx, "INSERT INTO widgets (name) VALUES (?)", "gear")
		if err != nil {
			return Rollback, err
		}
		return Rollback, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := countWidgets(t, s); n != 0 {
		t.Errorf("expected 0 widgets after rollback, got %d", n)
	}
}

func TestConnectionSerializer_TransactionRollsBackOnBodyError(t *testing.T) {
	s := newTestSerializer(t)
	boom := NewProgrammerError("boom")
	err := InTransaction(context.Background(), s, Immediate, func(ctx context.Context, db *sql.DB) (Completion, error) {
		_, _ = db.ExecContext(ctx, "INSERT INTO widgets (name) VALUES (?)", "gear")
		return Commit, boom
	})
	if err != boom {
		t.Fatalf("expected the body's own error to propagate, got %v", err)
	}
	if n := countWidgets(t, s); n != 0 {
		t.Errorf("expected the insert to be rolled back alongside the body error, got %d widgets", n)
	}
}

func TestConnectionSerializer_TransactionRollsBackOnPanic(t *testing.T) {
	s := newTestSerializer(t)

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Error("expected the panic to propagate out of InTransaction")
			}
		}()
		_ = InTransaction(context.Background(), s, Immediate, func(ctx context.Context, db *sql.DB) (Completion, error) {
			_, _ = db.ExecContext(ctx, "INSERT INTO widgets (name) VALUES (?)", "gear")
			panic("kaboom")
		})
	}()

	if n := countWidgets(t, s); n != 0 {
		t.Errorf("expected the insert to be rolled back after a panic, got %d widgets", n)
	}
}

func TestConnectionSerializer_RejectsNestedTransactions(t *testing.T) {
	s := newTestSerializer(t)
	err := InTransaction(context.Background(), s, Immediate, func(ctx context.Context, db *sql.DB) (Completion, error) {
		nestedErr := InTransaction(ctx, s, Immediate, func(context.Context, *sql.DB) (Completion, error) {
			return Commit, nil
		})
		if nestedErr == nil {
			t.Error("expected a nested InTransaction on the same serializer to fail")
		} else if kind, _ := GetKind(nestedErr); kind != KindProgrammer {
			t.Errorf("expected KindProgrammer, got %v", kind)
		}
		return Commit, nil
	})
	if err != nil {
		t.Fatalf("unexpected error from the outer transaction: %v", err)
	}
}

func TestConnectionSerializer_InDatabaseNestsInline(t *testing.T) {
	s := newTestSerializer(t)
	_, err := InDatabase(context.Background(), s, func(ctx context.Context, db *sql.DB) (struct{}, error) {
		return InDatabase(ctx, s, func(ctx context.Context, db *sql.DB) (struct{}, error) {
			var one int
			err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
			return struct{}{}, err
		})
	})
	if err != nil {
		t.Fatalf("expected a nested InDatabase call on the same dispatch identity to run inline, got: %v", err)
	}
}
