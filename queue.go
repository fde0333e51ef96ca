package litequery

import (
	"context"

	"go.uber.org/zap"
)

// DatabaseQueue pairs one writer Database (a single serialized connection)
// with a bounded Pool of read-only reader Databases, mirroring the
// engine's own single-writer/many-readers concurrency model (spec §5,
// §6). Reads never block behind the writer's turnstile; writes never
// contend with each other since there is exactly one writer connection.
type DatabaseQueue struct {
	writer  *Database
	readers *Pool[*Database]
}

// NewDatabaseQueue opens a writer connection against cfg plus a pool of
// up to maxReaders read-only connections, lazily opened on first use.
func NewDatabaseQueue(cfg Config, maxReaders int, log *zap.SugaredLogger) (*DatabaseQueue, error) {
	writer, err := Open(cfg, log)
	if err != nil {
		return nil, err
	}

	readerCfg := cfg
	readerCfg.ReadOnly = true
	if readerCfg.Label == "" {
		readerCfg.Label = cfg.label() + "-reader"
	}

	readers := NewPool(maxReaders,
		func() (*Database, error) { return Open(readerCfg, log) },
		func(d *Database) error { return d.Close() },
	)

	return &DatabaseQueue{writer: writer, readers: readers}, nil
}

// Close closes the writer connection and every reader the pool has
// constructed so far.
func (q *DatabaseQueue) Close() error {
	readersErr := q.readers.Clear()
	writerErr := q.writer.Close()
	if writerErr != nil {
		return writerErr
	}
	return readersErr
}

// Read runs body against a pooled read-only connection, returning its
// result. body may run concurrently with other Read calls and with the
// writer (spec §5's "readers never block behind the writer").
func Read[V any](ctx context.Context, q *DatabaseQueue, body func(*Database) (V, error)) (V, error) {
	return GetWith(ctx, q.readers, body)
}

// Write runs body in a single Immediate transaction against the writer
// connection, serialized with every other Write/WriteInTransaction call.
func (q *DatabaseQueue) Write(ctx context.Context, body func(context.Context, *Tx) (Completion, error)) error {
	return q.writer.InTransaction(ctx, Immediate, body)
}

// WriteInTransaction is Write with an explicit transaction kind.
func (q *DatabaseQueue) WriteInTransaction(ctx context.Context, kind TransactionKind, body func(context.Context, *Tx) (Completion, error)) error {
	return q.writer.InTransaction(ctx, kind, body)
}

// WriterDatabase exposes the underlying writer Database for operations
// that don't need transactional scoping (schema migrations, PRAGMA
// issuance at startup).
func (q *DatabaseQueue) WriterDatabase() *Database { return q.writer }

// NewObservationEngine wires an ObservationEngine to the queue's writer
// connection, since only the writer connection's commit hook sees every
// committed change (spec §4.6).
func (q *DatabaseQueue) NewObservationEngine(log *zap.SugaredLogger) *ObservationEngine {
	return q.writer.NewObservationEngine(log)
}
