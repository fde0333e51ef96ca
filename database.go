package litequery

import (
	"context"
	"database/sql"

	"go.uber.org/zap"
)

// Database is the package's top-level handle: one ConnectionSerializer,
// one SQLGenerator with its compiled-plan cache, and the ColumnLister the
// generator consults whenever a Relation has no explicit Select (spec §6
// Database/DatabaseQueue surface).
type Database struct {
	serializer *ConnectionSerializer
	gen        *SQLGenerator
	prefetch   *PrefetchEngine
}

// Open establishes a Database against cfg: a dedicated engine connection,
// a statement cache, and a plan compiler sharing the same connection's
// column introspection.
func Open(cfg Config, log *zap.SugaredLogger) (*Database, error) {
	serializer, err := NewConnectionSerializer(cfg, log)
	if err != nil {
		return nil, err
	}
	d := &Database{
		serializer: serializer,
		gen:        NewSQLGenerator(500),
	}
	d.prefetch = NewPrefetchEngine(d.gen, d.runPrefetch)
	return d, nil
}

func (d *Database) Close() error { return d.serializer.Close() }

// ColumnsOf resolves table's column names via PRAGMA table_info, serving
// as the Database's ColumnLister.
func (d *Database) ColumnsOf(ctx context.Context, table string) ([]string, error) {
	stmt, err := d.serializer.Prepare(ctx, "SELECT name FROM pragma_table_info(?)")
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	cursor, err := stmt.Query(ctx, table)
	if err != nil {
		return nil, err
	}
	rows, err := Materialize(cursor)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, NewProgrammerError("no such table %q", table)
	}
	names := make([]string, len(rows))
	for i, r := range rows {
		v, err := r.ValueAt(0)
		if err != nil {
			return nil, err
		}
		names[i], _ = v.Text()
	}
	return names, nil
}

// TableExists reports whether name is a declared table in sqlite_master.
func (d *Database) TableExists(ctx context.Context, name string) (bool, error) {
	stmt, err := d.serializer.Prepare(ctx, "SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?")
	if err != nil {
		return false, err
	}
	defer stmt.Close()

	cursor, err := stmt.Query(ctx, name)
	if err != nil {
		return false, err
	}
	defer cursor.Close()
	return cursor.Next(), cursor.Err()
}

// Execute runs arbitrary non-row-producing SQL (DDL, INSERT/UPDATE/DELETE
// issued verbatim rather than through a QueryPlan).
func (d *Database) Execute(ctx context.Context, sqlText string, args ...any) (rowsAffected int64, err error) {
	stmt, err := d.serializer.Prepare(ctx, sqlText)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	res, err := stmt.Exec(ctx, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Query runs arbitrary row-producing SQL and materializes every row (spec
// §4.2's "materialized array" iteration mode).
func (d *Database) Query(ctx context.Context, sqlText string, args ...any) ([]*Row, error) {
	stmt, err := d.serializer.Prepare(ctx, sqlText)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	cursor, err := stmt.Query(ctx, args...)
	if err != nil {
		return nil, err
	}
	return Materialize(cursor)
}

// Select compiles plan, runs it, adapts every row through the resulting
// RowAdapter, and evaluates any attached Prefetches against the
// materialized parent set (spec §4.4, §4.5).
func (d *Database) Select(ctx context.Context, plan *QueryPlan) ([]*Row, *Region, error) {
	compiled, err := d.gen.Compile(ctx, plan, d.ColumnsOf)
	if err != nil {
		return nil, nil, err
	}

	stmt, err := d.serializer.Prepare(ctx, compiled.SQL)
	if err != nil {
		return nil, nil, err
	}
	defer stmt.Close()

	cursor, err := stmt.Query(ctx, compiled.Args...)
	if err != nil {
		return nil, nil, err
	}
	flat, err := Materialize(cursor)
	if err != nil {
		return nil, nil, err
	}

	rows := make([]*Row, len(flat))
	for i, base := range flat {
		adapted, err := compiled.Adapter.Apply(base)
		if err != nil {
			return nil, nil, err
		}
		rows[i] = adapted
	}

	if len(plan.Root.Prefetches) > 0 {
		if err := d.prefetch.Run(ctx, plan, rows, d.ColumnsOf); err != nil {
			return nil, nil, err
		}
	}

	return rows, compiled.Region, nil
}

// runPrefetch is the PrefetchRunner the Database feeds to its
// PrefetchEngine: plain SQL text plus positional args, run through this
// Database's own connection.
func (d *Database) runPrefetch(ctx context.Context, sqlText string, args []any) ([]*Row, error) {
	return d.Query(ctx, sqlText, args...)
}

// Update compiles and runs an UPDATE specialization of plan (spec §4.4
// step 6). An empty assignment map is a documented no-op: it runs no SQL
// and reports zero rows changed.
func (d *Database) Update(ctx context.Context, plan *QueryPlan, pkColumn string, assignments map[string]any) (int64, error) {
	sqlText, args, err := d.gen.CompileUpdate(ctx, plan, pkColumn, assignments, d.ColumnsOf)
	if err != nil {
		return 0, err
	}
	if sqlText == "" {
		return 0, nil
	}
	return d.Execute(ctx, sqlText, args...)
}

// Delete compiles and runs a DELETE specialization of plan.
func (d *Database) Delete(ctx context.Context, plan *QueryPlan, pkColumn string) (int64, error) {
	sqlText, args, err := d.gen.CompileDelete(ctx, plan, pkColumn, d.ColumnsOf)
	if err != nil {
		return 0, err
	}
	return d.Execute(ctx, sqlText, args...)
}

// LastRowID returns the rowid of the most recent successful INSERT on
// this Database's connection.
func (d *Database) LastRowID() (int64, bool) { return d.serializer.LastInsertedRowID() }

// Tx is the transaction-scoped counterpart of Database: every method runs
// directly against the *sql.DB passed into InTransaction's body (the same
// connection InDatabase uses, pinned by MaxOpenConns(1) and held by the
// serializer's turnstile for the life of the transaction), bypassing the
// statement cache — a tx-scoped prepare would need tx-scoped cleanup the
// cache doesn't track, so statements issued inside a transaction are not
// cached (a deliberate simplification, see DESIGN.md).
type Tx struct {
	conn *sql.DB
	gen  *SQLGenerator
	db   *Database
}

func (t *Tx) Execute(ctx context.Context, sqlText string, args ...any) (int64, error) {
	t.db.serializer.trace(sqlText)
	res, err := t.conn.ExecContext(ctx, sqlText, args...)
	if err != nil {
		return 0, newEngineError(err, sqlText)
	}
	if id, idErr := res.LastInsertId(); idErr == nil && id != 0 {
		t.db.serializer.recordLastInsertID(id)
	}
	return res.RowsAffected()
}

func (t *Tx) Query(ctx context.Context, sqlText string, args ...any) ([]*Row, error) {
	t.db.serializer.trace(sqlText)
	rows, err := t.conn.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, newEngineError(err, sqlText)
	}
	cursor, err := newCursor(rows, true)
	if err != nil {
		return nil, err
	}
	return Materialize(cursor)
}

func (t *Tx) Select(ctx context.Context, plan *QueryPlan) ([]*Row, error) {
	compiled, err := t.gen.Compile(ctx, plan, t.db.ColumnsOf)
	if err != nil {
		return nil, err
	}
	flat, err := t.Query(ctx, compiled.SQL, compiled.Args...)
	if err != nil {
		return nil, err
	}
	rows := make([]*Row, len(flat))
	for i, base := range flat {
		adapted, err := compiled.Adapter.Apply(base)
		if err != nil {
			return nil, err
		}
		rows[i] = adapted
	}
	return rows, nil
}

func (t *Tx) Update(ctx context.Context, plan *QueryPlan, pkColumn string, assignments map[string]any) (int64, error) {
	sqlText, args, err := t.gen.CompileUpdate(ctx, plan, pkColumn, assignments, t.db.ColumnsOf)
	if err != nil {
		return 0, err
	}
	if sqlText == "" {
		return 0, nil
	}
	return t.Execute(ctx, sqlText, args...)
}

func (t *Tx) Delete(ctx context.Context, plan *QueryPlan, pkColumn string) (int64, error) {
	sqlText, args, err := t.gen.CompileDelete(ctx, plan, pkColumn, t.db.ColumnsOf)
	if err != nil {
		return 0, err
	}
	return t.Execute(ctx, sqlText, args...)
}

// InTransaction runs body with exclusive access to a transaction of the
// given kind, committing or rolling back per its returned Completion
// (spec §4.1).
func (d *Database) InTransaction(ctx context.Context, kind TransactionKind, body func(context.Context, *Tx) (Completion, error)) error {
	return InTransaction(ctx, d.serializer, kind, func(ctx context.Context, conn *sql.DB) (Completion, error) {
		return body(ctx, &Tx{conn: conn, gen: d.gen, db: d})
	})
}

// ExplainQueryPlan runs SQLite's own EXPLAIN QUERY PLAN against sqlText and
// returns its rows through the same Row/Statement machinery as any other
// query, for ad-hoc inspection of what the generator produced.
func (d *Database) ExplainQueryPlan(ctx context.Context, sqlText string, args ...any) ([]*Row, error) {
	return d.Query(ctx, "EXPLAIN QUERY PLAN "+sqlText, args...)
}

// ExplainPlan compiles plan exactly as Select would, then runs EXPLAIN
// QUERY PLAN against the resulting SQL instead of executing it — useful
// for inspecting what a Relation tree lowers to without touching data.
func (d *Database) ExplainPlan(ctx context.Context, plan *QueryPlan) (sqlText string, rows []*Row, err error) {
	compiled, err := d.gen.Compile(ctx, plan, d.ColumnsOf)
	if err != nil {
		return "", nil, err
	}
	rows, err = d.ExplainQueryPlan(ctx, compiled.SQL, compiled.Args...)
	return compiled.SQL, rows, err
}

// NewObservationEngine wires an ObservationEngine to this Database's
// connection, installing the engine's commit/update/rollback hooks on it.
// Call litequery.Start[F, V](ctx, engine, ...) to register a reducer
// against it (spec §4.6, §6).
func (d *Database) NewObservationEngine(log *zap.SugaredLogger) *ObservationEngine {
	return NewObservationEngine(d.serializer, log)
}
