package litequery

import (
	"context"
	"database/sql"
)

// Statement is a prepared plan bound to one ConnectionSerializer: its
// source SQL and the engine's compiled handle (shared through the
// connection's StmtCache); arguments are passed to each Query or Exec call
// rather than stored (spec §3 Statement).
type Statement struct {
	serializer *ConnectionSerializer
	query      string
	stmt       *sql.Stmt
	release    func()
}

// Prepare resolves query against the serializer's statement cache,
// compiling it against the engine only on a cache miss (spec §4.2). The
// returned Statement must be closed by the caller; Close releases the
// cache's reference, and closes the underlying engine handle only when the
// entry has already been evicted (or the cache closed) and this was its
// last reference.
func (s *ConnectionSerializer) Prepare(ctx context.Context, query string) (*Statement, error) {
	if cached, release := s.stmts.Get(query); cached != nil {
		return &Statement{serializer: s, query: query, stmt: cached, release: release}, nil
	}

	stmt, err := InDatabase(ctx, s, func(ctx context.Context, db *sql.DB) (*sql.Stmt, error) {
		prepared, err := db.PrepareContext(ctx, query)
		if err != nil {
			return nil, newEngineError(err, query)
		}
		return prepared, nil
	})
	if err != nil {
		return nil, err
	}

	cached, release := s.stmts.PutAndGet(query, stmt)
	return &Statement{serializer: s, query: query, stmt: cached, release: release}, nil
}

// Close releases this Statement's reference on the cache; it is safe
// (and required) to call exactly once per Prepare.
func (stmt *Statement) Close() {
	if stmt.release != nil {
		stmt.release()
		stmt.release = nil
	}
}

// Query runs the statement as a row-producing query, returning a live
// Cursor (spec §4.2's iteration contract).
func (stmt *Statement) Query(ctx context.Context, args ...any) (*Cursor, error) {
	stmt.serializer.trace(stmt.query)
	return InDatabase(ctx, stmt.serializer, func(ctx context.Context, _ *sql.DB) (*Cursor, error) {
		rows, err := stmt.stmt.QueryContext(ctx, args...)
		if err != nil {
			return nil, newEngineError(err, stmt.query)
		}
		return newCursor(rows, true)
	})
}

// Exec runs the statement for its side effects, recording the last
// insert rowid on the owning serializer when one was produced.
func (stmt *Statement) Exec(ctx context.Context, args ...any) (sql.Result, error) {
	stmt.serializer.trace(stmt.query)
	return InDatabase(ctx, stmt.serializer, func(ctx context.Context, _ *sql.DB) (sql.Result, error) {
		res, err := stmt.stmt.ExecContext(ctx, args...)
		if err != nil {
			return nil, newEngineError(err, stmt.query)
		}
		if id, idErr := res.LastInsertId(); idErr == nil && id != 0 {
			stmt.serializer.recordLastInsertID(id)
		}
		return res, nil
	})
}
