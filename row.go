package litequery

import (
	"database/sql"
	"strings"
)

// column is one (name, Value) pair within a row, in insertion order.
type column struct {
	name  string
	value Value
}

// Row is a view over query results: either bound to an active cursor
// ("live"), an immutable snapshot ("detached"), or built directly from a
// mapping ("synthetic") — spec §3 Row.
//
// Column-name lookup is case-insensitive and the first match wins on
// duplicates. Scopes form a finite tree of nested Rows, addressed by name
// (case-sensitive: scope names are compiler-generated, not user input).
type Row struct {
	columns    []column
	scopes     map[string]*Row
	prefetched map[string][]*Row

	// live, when non-nil, ties this Row to a cursor: accessors check its
	// generation against the cursor's current generation and fail with a
	// Programmer error if the row has been invalidated by a subsequent
	// Next() or by Close().
	live *liveBinding
}

type liveBinding struct {
	cursorGeneration *int64
	rowGeneration    int64
}

func (r *Row) checkLive() error {
	if r.live == nil {
		return nil
	}
	if *r.live.cursorGeneration != r.live.rowGeneration {
		return NewProgrammerError("accessed a live row after the cursor advanced past it")
	}
	return nil
}

// NewSyntheticRow builds a Row directly from an ordered set of (name,
// Value) pairs, not tied to any cursor.
func NewSyntheticRow(pairs ...struct {
	Name  string
	Value Value
}) *Row {
	r := &Row{columns: make([]column, 0, len(pairs))}
	for _, p := range pairs {
		r.columns = append(r.columns, column{name: p.Name, value: p.Value})
	}
	return r
}

// NewSyntheticRowFromMap builds a Row from a name->Value map. Since maps
// have no defined order, callers that care about column order should use
// NewSyntheticRow instead.
func NewSyntheticRowFromMap(m map[string]Value) *Row {
	r := &Row{columns: make([]column, 0, len(m))}
	for k, v := range m {
		r.columns = append(r.columns, column{name: k, value: v})
	}
	return r
}

// Count is the number of top-level columns.
func (r *Row) Count() int { return len(r.columns) }

func (r *Row) indexOfName(name string) int {
	for i, c := range r.columns {
		if strings.EqualFold(c.name, name) {
			return i
		}
	}
	return -1
}

// ValueAt returns the value at the given 0-based column index, or a
// Programmer error if the row has been invalidated or the index is out of
// range.
func (r *Row) ValueAt(index int) (Value, error) {
	if err := r.checkLive(); err != nil {
		return Null, err
	}
	if index < 0 || index >= len(r.columns) {
		return Null, NewProgrammerError("column index %d out of range (row has %d columns)", index, len(r.columns))
	}
	return r.columns[index].value, nil
}

// ValueNamed returns the value of the first column matching name
// case-insensitively, or a Programmer error if no such column exists
// (a misspelled column name is a fatal programmer error, never a quiet
// Null — spec §4.2).
func (r *Row) ValueNamed(name string) (Value, error) {
	if err := r.checkLive(); err != nil {
		return Null, err
	}
	idx := r.indexOfName(name)
	if idx < 0 {
		return Null, NewProgrammerError("no column named %q", name)
	}
	return r.columns[idx].value, nil
}

// ColumnName returns the name of the column at index.
func (r *Row) ColumnName(index int) (string, error) {
	if index < 0 || index >= len(r.columns) {
		return "", NewProgrammerError("column index %d out of range", index)
	}
	return r.columns[index].name, nil
}

// DataNoCopyAt returns the blob bytes at index without copying. The
// returned slice aliases the Row's own storage and is only as
// long-lived as the Row itself (shorter, for a live row — see ToDetached).
func (r *Row) DataNoCopyAt(index int) ([]byte, error) {
	v, err := r.ValueAt(index)
	if err != nil {
		return nil, err
	}
	b, ok := v.Blob()
	if !ok {
		return nil, NewConversionError(0, index, "blob", nil)
	}
	return b, nil
}

// Scope returns the nested Row registered under name, or (nil, false).
func (r *Row) Scope(name string) (*Row, bool) {
	if r.scopes == nil {
		return nil, false
	}
	s, ok := r.scopes[name]
	return s, ok
}

// PrefetchedRows returns the rows the PrefetchEngine attached under the
// given association key path (spec §4.5's "prefetched_rows[keyPath]"
// accessor).
func (r *Row) PrefetchedRows(keyPath string) ([]*Row, bool) {
	if r.prefetched == nil {
		return nil, false
	}
	rows, ok := r.prefetched[keyPath]
	return rows, ok
}

func (r *Row) setScope(name string, scope *Row) {
	if r.scopes == nil {
		r.scopes = make(map[string]*Row)
	}
	r.scopes[name] = scope
}

func (r *Row) setPrefetch(keyPath string, rows []*Row) {
	if r.prefetched == nil {
		r.prefetched = make(map[string][]*Row)
	}
	r.prefetched[keyPath] = rows
}

// Copy returns an independent, detached copy of r: the live/generation
// binding is dropped and all scopes are copied recursively. This is the
// `copy()` operation named in spec §6 and the `to_detached()` conversion
// spec §9 calls for.
func (r *Row) Copy() *Row {
	cp := &Row{columns: append([]column(nil), r.columns...)}
	if r.scopes != nil {
		cp.scopes = make(map[string]*Row, len(r.scopes))
		for k, v := range r.scopes {
			cp.scopes[k] = v.Copy()
		}
	}
	if r.prefetched != nil {
		cp.prefetched = make(map[string][]*Row, len(r.prefetched))
		for k, v := range r.prefetched {
			cp.prefetched[k] = v
		}
	}
	return cp
}

// Equal implements the order-sensitive row-equality contract of spec §8:
// two rows are equal iff they have the same ordered sequence of
// (lowercased-name, Value) pairs.
func (r *Row) Equal(other *Row) bool {
	if other == nil || len(r.columns) != len(other.columns) {
		return false
	}
	for i, c := range r.columns {
		o := other.columns[i]
		if !strings.EqualFold(c.name, o.name) || !c.value.Equal(o.value) {
			return false
		}
	}
	return true
}

// Cursor is a finite, non-restartable sequence of Row produced by running
// a Statement (spec §4.2). Next advances the cursor; Row decodes the
// current row. Fetching a single row from a multi-row cursor and
// abandoning the cursor is legal and requires no special call.
type Cursor struct {
	rows       *sql.Rows
	columns    []string
	generation int64
	closed     bool
	live       bool
	err        error

	// reused is the single Row view mutated in place across Next() calls
	// when live is true — this is the "reused row" optimization of spec
	// §4.2/§9, and the source of scenario 2's [3,3,3] pitfall when callers
	// collect it into an array without detaching each element.
	reused *Row
}

// newCursor wraps *sql.Rows, recording the column names once since they do
// not change across Next() calls.
func newCursor(rows *sql.Rows, live bool) (*Cursor, error) {
	names, err := rows.Columns()
	if err != nil {
		_ = rows.Close()
		return nil, newEngineError(err, "")
	}
	return &Cursor{rows: rows, columns: names, live: live}, nil
}

// Next advances to the next row, returning false at end-of-cursor or on
// error (check Err() to distinguish). Advancing invalidates any Row
// previously returned by Row() when the cursor is in live mode.
func (c *Cursor) Next() bool {
	if c.closed {
		return false
	}
	c.generation++
	if !c.rows.Next() {
		c.err = c.rows.Err()
		_ = c.Close()
		return false
	}
	return true
}

// Err returns the first error encountered during iteration, if any. The
// engine's own step error code is surfaced verbatim via newEngineError.
func (c *Cursor) Err() error {
	if c.err == nil {
		return nil
	}
	return newEngineError(c.err, "")
}

// Row decodes the current step into a Row. In live mode the returned Row
// aliases a single reused view (cheap, but invalidated by the next Next()
// or Close()); callers that need it to outlive the next step must call
// Copy(). In non-live (materialized) mode, each call returns an
// independently detached Row.
func (c *Cursor) Row() (*Row, error) {
	raw := make([]any, len(c.columns))
	ptrs := make([]any, len(c.columns))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := c.rows.Scan(ptrs...); err != nil {
		return nil, newEngineError(err, "")
	}

	if c.live {
		if c.reused == nil {
			c.reused = &Row{columns: make([]column, len(c.columns))}
			c.reused.live = &liveBinding{cursorGeneration: &c.generation}
		}
		for i, name := range c.columns {
			c.reused.columns[i] = column{name: name, value: valueFromDriver(raw[i])}
		}
		c.reused.live.rowGeneration = c.generation
		return c.reused, nil
	}

	r := &Row{columns: make([]column, len(c.columns))}
	for i, name := range c.columns {
		r.columns[i] = column{name: name, value: valueFromDriver(raw[i])}
	}
	return r, nil
}

// Close finalizes the cursor. Safe to call multiple times and safe to call
// before exhausting the sequence (fetching a single row and dropping the
// cursor is explicitly legal per spec §4.2).
func (c *Cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.generation++
	return c.rows.Close()
}

// Materialize drains the cursor into a detached []*Row, closing it when
// done. This is the "materialized array" mode of spec §4.2's iteration
// contract.
func Materialize(c *Cursor) ([]*Row, error) {
	defer c.Close()
	var out []*Row
	for c.Next() {
		r, err := c.Row()
		if err != nil {
			return out, err
		}
		if c.live {
			r = r.Copy()
		}
		out = append(out, r)
	}
	return out, c.Err()
}
