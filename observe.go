package litequery

import (
	"context"
	"database/sql"
	"sync"

	"github.com/google/uuid"
	"github.com/icinga/icinga-go-library/com"
	"go.uber.org/zap"
)

// Reducer is the observation engine's fetch/value pair (spec §4.6, GLOSSARY
// "Reducer"). Fetch is pure with respect to the reducer's own state and
// runs inside the commit (or a concurrent reader); Value is stateful — the
// first call must return a value, later calls may return (zero, false) to
// suppress delivery, which is how dedup-by-equality is implemented (see
// EqualityReducer below).
type Reducer[F any, V any] interface {
	Fetch(ctx context.Context, db *sql.DB) (F, error)
	Value(fetched F) (V, bool)
}

// FuncReducer adapts two functions into a Reducer for the common case
// where no dedup state is needed.
type FuncReducer[F any, V any] struct {
	FetchFunc func(ctx context.Context, db *sql.DB) (F, error)
	ValueFunc func(F) (V, bool)
}

func (f FuncReducer[F, V]) Fetch(ctx context.Context, db *sql.DB) (F, error) {
	return f.FetchFunc(ctx, db)
}
func (f FuncReducer[F, V]) Value(fetched F) (V, bool) { return f.ValueFunc(fetched) }

// EqualityReducer wraps a plain fetch-and-project pair with the standard
// "suppress identical consecutive values" dedup rule, grounded on the
// teacher's fastEqual fast-path-then-reflect.DeepEqual comparison (here
// simplified to `==` since Go's comparable constraint already restricts V
// to equality-comparable types).
type EqualityReducer[F any, V comparable] struct {
	FetchFunc   func(ctx context.Context, db *sql.DB) (F, error)
	ProjectFunc func(F) V
	last        V
	hasLast     bool
}

func NewEqualityReducer[F any, V comparable](fetch func(context.Context, *sql.DB) (F, error), project func(F) V) *EqualityReducer[F, V] {
	return &EqualityReducer[F, V]{FetchFunc: fetch, ProjectFunc: project}
}

func (e *EqualityReducer[F, V]) Fetch(ctx context.Context, db *sql.DB) (F, error) {
	return e.FetchFunc(ctx, db)
}

func (e *EqualityReducer[F, V]) Value(fetched F) (V, bool) {
	v := e.ProjectFunc(fetched)
	if e.hasLast && v == e.last {
		var zero V
		return zero, false
	}
	e.hasLast = true
	e.last = v
	return v, true
}

// Cancellable is returned by Start; calling Cancel is idempotent and
// silent (spec §3 ObservationRegistration lifecycle).
type Cancellable interface {
	Cancel()
}

// anyRegistration type-erases registration[F, V] so ObservationEngine can
// hold every live registration, regardless of its Fetch/Value types, in a
// single map.
type anyRegistration interface {
	regionOf() *Region
	setDirtyIfModified(table string, rowID int64)
	onCommit(ctx context.Context, enqueue func(job func()))
	onRollback()
	cancel()
	isCancelled() bool
}

type registration[F any, V any] struct {
	region   *Region
	reducer  Reducer[F, V]
	onChange func(V)
	onError  func(error)
	db       *sql.DB
	dirty    com.Atomic[bool]
	canceled com.Atomic[bool]
}

func (r *registration[F, V]) regionOf() *Region { return r.region }

func (r *registration[F, V]) setDirtyIfModified(table string, rowID int64) {
	if r.region.ModifiedByEvent(table, rowID) {
		r.dirty.Store(true)
	}
}

func (r *registration[F, V]) onCommit(ctx context.Context, enqueue func(job func())) {
	if r.isCancelled() {
		return
	}
	dirty, _ := r.dirty.Load()
	if !dirty {
		return
	}
	r.dirty.Store(false)
	enqueue(func() {
		if r.isCancelled() {
			return
		}
		fetched, err := r.reducer.Fetch(ctx, r.db)
		if err != nil {
			if r.onError != nil {
				r.onError(err)
			}
			return
		}
		if v, ok := r.reducer.Value(fetched); ok && r.onChange != nil && !r.isCancelled() {
			r.onChange(v)
		}
	})
}

func (r *registration[F, V]) onRollback()      { r.dirty.Store(false) }
func (r *registration[F, V]) cancel()          { r.canceled.Store(true) }
func (r *registration[F, V]) isCancelled() bool { c, _ := r.canceled.Load(); return c }

type cancellableHandle struct {
	id  uuid.UUID
	eng *ObservationEngine
}

// Cancel marks the registration cancelled; per spec §4.6 step 6 the engine
// removes it from its live set lazily, on the next write, rather than
// synchronously here.
func (c *cancellableHandle) Cancel() {
	c.eng.mu.Lock()
	reg, ok := c.eng.registrations[c.id]
	c.eng.mu.Unlock()
	if ok {
		reg.cancel()
	}
}

// ObservationEngine tracks region changes on a writer ConnectionSerializer
// across commits and reduces them into delivered values with ordered,
// single-consumer delivery (spec §4.6, §5, §6).
type ObservationEngine struct {
	serializer *ConnectionSerializer
	log        *zap.SugaredLogger

	mu            sync.Mutex
	registrations map[uuid.UUID]anyRegistration
	hooksOnce     sync.Once

	queueMu sync.Mutex
	queueCV *sync.Cond
	queue   []func()
	closed  bool
}

func NewObservationEngine(serializer *ConnectionSerializer, log *zap.SugaredLogger) *ObservationEngine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	e := &ObservationEngine{
		serializer:    serializer,
		log:           log,
		registrations: make(map[uuid.UUID]anyRegistration),
	}
	e.queueCV = sync.NewCond(&e.queueMu)
	go e.deliveryLoop()
	e.installHooks()
	return e
}

// Start registers reducer against region, fetches its initial value
// synchronously, and begins tracking commits that modify region (spec
// §4.6, §6 "ObservationEngine: start(reducer, on_error, on_change) ->
// Cancellable").
func Start[F any, V any](ctx context.Context, e *ObservationEngine, region *Region, reducer Reducer[F, V], onChange func(V), onError func(error)) (Cancellable, error) {
	id := uuid.New()
	reg := &registration[F, V]{
		region:   region,
		reducer:  reducer,
		onChange: onChange,
		onError:  onError,
		db:       e.serializer.db,
	}

	fetched, err := InDatabase(ctx, e.serializer, func(ctx context.Context, db *sql.DB) (F, error) {
		return reducer.Fetch(ctx, db)
	})
	if err != nil {
		return nil, err
	}
	if v, ok := reducer.Value(fetched); ok && onChange != nil {
		onChange(v)
	}

	e.mu.Lock()
	e.registrations[id] = reg
	e.mu.Unlock()

	return &cancellableHandle{id: id, eng: e}, nil
}

// deliveryLoop is the single consumer that guarantees ordered delivery:
// jobs are enqueued in commit order inside the (synchronous) commit hook,
// and drained FIFO here, one at a time, even though each job's Fetch/Value
// work may take arbitrary time (spec §4.6 step 4's ordering guarantee).
func (e *ObservationEngine) deliveryLoop() {
	for {
		e.queueMu.Lock()
		for len(e.queue) == 0 && !e.closed {
			e.queueCV.Wait()
		}
		if e.closed && len(e.queue) == 0 {
			e.queueMu.Unlock()
			return
		}
		job := e.queue[0]
		e.queue = e.queue[1:]
		e.queueMu.Unlock()

		job()
	}
}

func (e *ObservationEngine) enqueue(job func()) {
	e.queueMu.Lock()
	e.queue = append(e.queue, job)
	e.queueCV.Signal()
	e.queueMu.Unlock()
}

// Close stops the delivery loop once the queue drains. Already-queued jobs
// still run.
func (e *ObservationEngine) Close() {
	e.queueMu.Lock()
	e.closed = true
	e.queueCV.Signal()
	e.queueMu.Unlock()
}

// sweepCancelled drops cancelled registrations from the live set; called
// on the next write per spec §4.6 step 6.
func (e *ObservationEngine) sweepCancelled() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, r := range e.registrations {
		if r.isCancelled() {
			delete(e.registrations, id)
		}
	}
}

func (e *ObservationEngine) liveRegistrations() []anyRegistration {
	e.mu.Lock()
	defer e.mu.Unlock()
	regs := make([]anyRegistration, 0, len(e.registrations))
	for _, r := range e.registrations {
		regs = append(regs, r)
	}
	return regs
}

func (e *ObservationEngine) installHooks() {
	e.hooksOnce.Do(func() {
		conn := e.serializer.rawConn()
		if conn == nil {
			return
		}
		conn.RegisterUpdateHook(func(op int, db, table string, rowID int64) {
			for _, r := range e.liveRegistrations() {
				r.setDirtyIfModified(table, rowID)
			}
		})
		conn.RegisterCommitHook(func() int {
			ctx := context.Background()
			for _, r := range e.liveRegistrations() {
				r.onCommit(ctx, e.enqueue)
			}
			e.sweepCancelled()
			return 0
		})
		conn.RegisterRollbackHook(func() {
			for _, r := range e.liveRegistrations() {
				r.onRollback()
			}
		})
	})
}
