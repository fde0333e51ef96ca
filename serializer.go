package litequery

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/icinga/icinga-go-library/com"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// TransactionKind selects the BEGIN variant used by InTransaction.
type TransactionKind uint8

const (
	Deferred TransactionKind = iota
	Immediate
	Exclusive
)

func (k TransactionKind) sql() string {
	switch k {
	case Immediate:
		return "BEGIN IMMEDIATE"
	case Exclusive:
		return "BEGIN EXCLUSIVE"
	default:
		return "BEGIN DEFERRED"
	}
}

// Completion is returned by an InTransaction body to say whether its
// effects should be committed or rolled back.
type Completion uint8

const (
	Commit Completion = iota
	Rollback
)

type txState int32

const (
	txIdle txState = iota
	txActive
)

type dispatchKey struct{}

// ConnectionSerializer owns exactly one engine connection and guarantees
// at-most-one in-flight operation against it (spec §4.1). Nested calls made
// from within a body already running on this serializer's dispatch
// identity execute inline instead of deadlocking against the same
// turnstile.
type ConnectionSerializer struct {
	cfg    Config
	db     *sql.DB
	stmts  *StmtCache
	log    *zap.SugaredLogger
	raw    com.Atomic[*sqlite3.SQLiteConn]
	ident  any // unique token minted at construction; the dispatch identity check compares the serializer pointer stored in ctx, not this token
	turn   sync.Mutex
	txState txState
	lastRowID    int64
	hasLastRowID bool
	rowIDMu      sync.Mutex
}

// NewConnectionSerializer opens cfg.Path through a per-instance driver
// registration whose ConnectHook captures the raw *sqlite3.SQLiteConn, so
// ObservationEngine can later install commit/update/rollback hooks on it
// (spec §6's "commit/rollback/update hooks" engine primitive).
func NewConnectionSerializer(cfg Config, log *zap.SugaredLogger) (*ConnectionSerializer, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &ConnectionSerializer{
		cfg:   cfg,
		stmts: NewStmtCache(200),
		log:   log.With("label", cfg.label()),
		ident: uuid.New(),
	}

	driverName := fmt.Sprintf("sqlite3-litequery-%s", uuid.New().String())
	sql.Register(driverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			s.raw.Store(conn)
			if cfg.ForeignKeysEnabled {
				if _, err := conn.Exec("PRAGMA foreign_keys = ON", nil); err != nil {
					return err
				}
			}
			return nil
		},
	})

	db, err := sql.Open(driverName, cfg.dsn())
	if err != nil {
		return nil, newEngineError(err, "")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, newEngineError(err, "")
	}

	s.db = db
	return s, nil
}

// Close finalizes all cached statements and closes the connection.
func (s *ConnectionSerializer) Close() error {
	_ = s.stmts.Close()
	return s.db.Close()
}

// trace invokes cfg.Trace with sqlText, if one was configured (spec §6's
// "optional callback receiving each executed SQL").
func (s *ConnectionSerializer) trace(sqlText string) {
	if s.cfg.Trace != nil {
		s.cfg.Trace(sqlText)
	}
}

// rawConn returns the engine connection's raw handle, used by
// ObservationEngine to install hooks. Returns nil until the first
// connection has actually been established (Ping/first op).
func (s *ConnectionSerializer) rawConn() *sqlite3.SQLiteConn {
	c, _ := s.raw.Load()
	return c
}

// onThisSerializer reports whether ctx was produced by a call already
// running inside this serializer's turnstile.
func (s *ConnectionSerializer) onThisSerializer(ctx context.Context) bool {
	v := ctx.Value(dispatchKey{})
	if v == nil {
		return false
	}
	return v == s
}

// InDatabase runs body with exclusive access to the connection. If ctx
// already carries this serializer's dispatch identity (a nested call from
// within a body running on this serializer), body runs inline without
// re-acquiring the turnstile; otherwise it blocks until the turnstile is
// free.
func InDatabase[R any](ctx context.Context, s *ConnectionSerializer, body func(context.Context, *sql.DB) (R, error)) (R, error) {
	var zero R
	if s.onThisSerializer(ctx) {
		return body(ctx, s.db)
	}

	s.turn.Lock()
	defer s.turn.Unlock()

	nested := context.WithValue(ctx, dispatchKey{}, s)
	r, err := body(nested, s.db)
	if err != nil {
		return zero, err
	}
	return r, nil
}

// InTransaction begins a transaction of the given kind, runs body, and
// commits or rolls back according to the Completion it returns. If body
// panics, the transaction is rolled back and the panic re-raised. If both
// body and the commit/rollback fail, the body's error is what the caller
// sees; the finalization error is logged and discarded (spec §4.1, §7).
//
// body receives the serializer's own *sql.DB, the same handle InDatabase
// hands out, rather than a *sql.Tx: the mattn/go-sqlite3 driver only ever
// issues the lock mode recorded in its DSN's _txlock parameter when
// BeginTx opens a transaction, ignoring sql.TxOptions, so there is no way
// to ask database/sql's own Tx machinery for a BEGIN IMMEDIATE or BEGIN
// EXCLUSIVE on a per-call basis. BEGIN/COMMIT/ROLLBACK are instead issued
// as plain statements against the connection MaxOpenConns(1) pins, with
// the turnstile held for the whole transaction so nothing else can
// interleave a statement between them.
//
// Nested InTransaction calls on the same serializer are rejected with a
// Programmer error; the core does not implement savepoints.
func InTransaction(ctx context.Context, s *ConnectionSerializer, kind TransactionKind, body func(context.Context, *sql.DB) (Completion, error)) error {
	return s.runTransaction(ctx, kind, body)
}

// runTransaction issues the requested BEGIN variant directly on the
// serializer's connection, invokes body, and commits/rolls back per spec
// §4.1's rules. It acquires the serializer's turnstile itself (unless
// already running nested on this serializer), so callers must not wrap it
// in a separate InDatabase call.
func (s *ConnectionSerializer) runTransaction(ctx context.Context, kind TransactionKind, body func(context.Context, *sql.DB) (Completion, error)) (err error) {
	if s.onThisSerializer(ctx) {
		return s.doTransaction(ctx, kind, body)
	}
	s.turn.Lock()
	defer s.turn.Unlock()
	nested := context.WithValue(ctx, dispatchKey{}, s)
	return s.doTransaction(nested, kind, body)
}

func (s *ConnectionSerializer) doTransaction(ctx context.Context, kind TransactionKind, body func(context.Context, *sql.DB) (Completion, error)) (err error) {
	if !atomic.CompareAndSwapInt32((*int32)(&s.txState), int32(txIdle), int32(txActive)) {
		return NewProgrammerError("nested transaction on the same ConnectionSerializer")
	}
	defer atomic.StoreInt32((*int32)(&s.txState), int32(txIdle))

	s.trace(kind.sql())
	if _, beginErr := s.db.ExecContext(ctx, kind.sql()); beginErr != nil {
		return newEngineError(beginErr, kind.sql())
	}

	var bodyErr error
	var completion Completion
	func() {
		defer func() {
			if r := recover(); r != nil {
				s.trace("ROLLBACK")
				if _, rbErr := s.db.ExecContext(ctx, "ROLLBACK"); rbErr != nil {
					s.log.Warnw("rollback after panic failed", "error", rbErr)
				}
				panic(r)
			}
		}()
		completion, bodyErr = body(ctx, s.db)
	}()

	if bodyErr != nil {
		s.trace("ROLLBACK")
		if _, rbErr := s.db.ExecContext(ctx, "ROLLBACK"); rbErr != nil {
			s.log.Warnw("rollback after body error failed", "error", rbErr)
		}
		return bodyErr
	}

	if completion == Rollback {
		s.trace("ROLLBACK")
		if _, rbErr := s.db.ExecContext(ctx, "ROLLBACK"); rbErr != nil {
			s.log.Warnw("rollback failed", "error", rbErr)
			return newEngineError(rbErr, "ROLLBACK")
		}
		return nil
	}

	s.trace("COMMIT")
	if _, commitErr := s.db.ExecContext(ctx, "COMMIT"); commitErr != nil {
		return newEngineError(commitErr, "COMMIT")
	}
	return nil
}

// LastInsertedRowID returns the rowid of the most recent successful
// INSERT on this connection, or (0, false) if none has occurred yet (the
// engine reports 0 for "never inserted", which this method distinguishes
// from a legitimate rowid of 0 using a separate flag rather than relying
// on the ambiguous sentinel).
func (s *ConnectionSerializer) LastInsertedRowID() (int64, bool) {
	s.rowIDMu.Lock()
	defer s.rowIDMu.Unlock()
	return s.lastRowID, s.hasLastRowID
}

func (s *ConnectionSerializer) recordLastInsertID(id int64) {
	s.rowIDMu.Lock()
	s.lastRowID = id
	s.hasLastRowID = true
	s.rowIDMu.Unlock()
}
