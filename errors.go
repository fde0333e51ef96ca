package litequery

import (
	"database/sql"
	"fmt"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// ErrKind is the error taxonomy named by the core's error-handling design:
// Engine, Syntax/Schema, Conversion, Programmer, Cancelled, Pool.
type ErrKind uint8

const (
	KindEngine ErrKind = iota
	KindSyntax
	KindConversion
	KindProgrammer
	KindCancelled
	KindPool
)

func (k ErrKind) String() string {
	switch k {
	case KindEngine:
		return "engine"
	case KindSyntax:
		return "syntax"
	case KindConversion:
		return "conversion"
	case KindProgrammer:
		return "programmer"
	case KindCancelled:
		return "cancelled"
	case KindPool:
		return "pool"
	default:
		return "unknown"
	}
}

// Error is the single error type returned by this package. It carries the
// taxonomy kind plus whichever payload is relevant to that kind: the
// engine's result code and message, the offending SQL, or the row/column
// context of a failed conversion.
type Error struct {
	Kind ErrKind
	// Code is the raw engine result code, set only for KindEngine errors.
	Code sqlite3.ErrNo
	// ExtendedCode is the engine's extended result code, when available.
	ExtendedCode sqlite3.ErrNoExtended
	Message      string
	SQL          string
	Row          int
	Column       int
	ExpectedType string
	cause        error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindEngine:
		if e.SQL != "" {
			return fmt.Sprintf("engine error %d: %s (sql: %s)", e.Code, e.Message, e.SQL)
		}
		return fmt.Sprintf("engine error %d: %s", e.Code, e.Message)
	case KindSyntax:
		return fmt.Sprintf("syntax/schema error: %s (sql: %s)", e.Message, e.SQL)
	case KindConversion:
		return fmt.Sprintf("conversion error: row %d column %d is not representable as %s: %s",
			e.Row, e.Column, e.ExpectedType, e.Message)
	case KindProgrammer:
		return fmt.Sprintf("programmer error: %s", e.Message)
	case KindCancelled:
		return "operation cancelled"
	case KindPool:
		return fmt.Sprintf("pool error: %s", e.Message)
	default:
		return e.Message
	}
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// newEngineError classifies a raw driver error into an *Error. Most errors
// surfaced by the mattn/go-sqlite3 driver arrive as *sqlite3.Error; those are
// reported verbatim as KindEngine, except for the handful of result codes
// that the engine itself treats as schema/preparation problems, which are
// reported as KindSyntax with the offending SQL attached.
func newEngineError(err error, sql string) *Error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code == sqlite3.ErrError && isSyntaxMessage(sqliteErr.Error()) {
			return &Error{Kind: KindSyntax, Message: sqliteErr.Error(), SQL: sql, cause: err}
		}
		return &Error{
			Kind:         KindEngine,
			Code:         sqliteErr.Code,
			ExtendedCode: sqliteErr.ExtendedCode,
			Message:      sqliteErr.Error(),
			SQL:          sql,
			cause:        err,
		}
	}
	return &Error{Kind: KindEngine, Message: err.Error(), SQL: sql, cause: err}
}

// isSyntaxMessage recognizes the subset of SQLITE_ERROR messages that are
// preparation-time syntax or schema problems (as opposed to e.g. a
// constraint violation, which is also reported as SQLITE_ERROR by some
// driver paths).
func isSyntaxMessage(msg string) bool {
	for _, needle := range []string{"syntax error", "no such table", "no such column", "no such function"} {
		if containsFold(msg, needle) {
			return true
		}
	}
	return false
}

func containsFold(haystack, needle string) bool {
	hl, nl := len(haystack), len(needle)
	if nl == 0 {
		return true
	}
	for i := 0; i+nl <= hl; i++ {
		if equalFold(haystack[i:i+nl], needle) {
			return true
		}
	}
	return false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// NewConversionError reports that column at the given index could not be
// read as expectedType, either because it was Null where non-null was
// required or because its stored Kind cannot convert.
func NewConversionError(row, column int, expectedType string, cause error) *Error {
	return &Error{
		Kind:         KindConversion,
		Row:          row,
		Column:       column,
		ExpectedType: expectedType,
		Message:      "null or non-convertible value",
		cause:        cause,
	}
}

// NewProgrammerError wraps a fatal, client-code-is-wrong condition:
// reentrant writes, aggregated/limited joins, unknown column names,
// iteration-after-advance, empty pools.
func NewProgrammerError(format string, args ...any) *Error {
	return &Error{Kind: KindProgrammer, Message: fmt.Sprintf(format, args...)}
}

// ErrCancelled is returned when an observation or pool wait was cancelled
// by the caller.
var ErrCancelled = &Error{Kind: KindCancelled, Message: "cancelled"}

// NewPoolError reports a pool acquisition timeout.
func NewPoolError(format string, args ...any) *Error {
	return &Error{Kind: KindPool, Message: fmt.Sprintf(format, args...)}
}

// IsNoRows reports whether err is sql.ErrNoRows, surfaced unmodified by
// single-row fetch helpers per the "fetching a single row is legal" rule.
func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func GetKind(err error) (ErrKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
