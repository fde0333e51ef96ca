package litequery

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Pool is a bounded set of reusable items (readers, typically), guarded by
// a counting semaphore plus a mutex over the slot vector — the exact
// combination spec §9 prescribes ("Use a counting semaphore + a mutex over
// the slot vector") for spec §3's Pool<T> / §4.7.
type Pool[T any] struct {
	sem     *semaphore.Weighted
	mu      sync.Mutex
	slots   []poolSlot[T]
	factory func() (T, error)
	closer  func(T) error
	max     int64
	gen     uint64 // bumped by Clear so stale releasers skip the new slot vector
}

type poolSlot[T any] struct {
	item  T
	inUse bool
}

// NewPool creates a pool that lazily constructs up to maximumCount items
// via factory, closing each with closer when the pool is cleared/closed.
func NewPool[T any](maximumCount int, factory func() (T, error), closer func(T) error) *Pool[T] {
	return &Pool[T]{
		sem:     semaphore.NewWeighted(int64(maximumCount)),
		factory: factory,
		closer:  closer,
		max:     int64(maximumCount),
	}
}

// releaser is returned by Get; the caller must call it exactly once on
// every exit path (spec §3 Pool<T> invariant).
type releaser func()

// Get blocks until a slot is available (or ctx is cancelled, surfaced as
// KindCancelled) and returns an item plus its releaser.
func (p *Pool[T]) Get(ctx context.Context) (T, releaser, error) {
	var zero T
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return zero, nil, ErrCancelled
	}

	item, idx, gen, err := p.claimSlot()
	if err != nil {
		p.sem.Release(1)
		return zero, nil, err
	}

	released := false
	return item, func() {
		if released {
			return
		}
		released = true
		p.mu.Lock()
		if gen == p.gen {
			p.slots[idx].inUse = false
		}
		p.mu.Unlock()
		p.sem.Release(1)
	}, nil
}

// TryGet attempts a non-blocking acquire, returning a Pool (KindPool)
// timeout error if no slot is free.
func (p *Pool[T]) TryGet() (T, releaser, error) {
	var zero T
	if !p.sem.TryAcquire(1) {
		return zero, nil, NewPoolError("timeout acquiring connection: pool exhausted")
	}
	item, idx, gen, err := p.claimSlot()
	if err != nil {
		p.sem.Release(1)
		return zero, nil, err
	}
	released := false
	return item, func() {
		if released {
			return
		}
		released = true
		p.mu.Lock()
		if gen == p.gen {
			p.slots[idx].inUse = false
		}
		p.mu.Unlock()
		p.sem.Release(1)
	}, nil
}

func (p *Pool[T]) claimSlot() (T, int, uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.slots {
		if !p.slots[i].inUse {
			p.slots[i].inUse = true
			return p.slots[i].item, i, p.gen, nil
		}
	}

	item, err := p.factory()
	if err != nil {
		var zero T
		return zero, -1, p.gen, err
	}
	p.slots = append(p.slots, poolSlot[T]{item: item, inUse: true})
	return item, len(p.slots) - 1, p.gen, nil
}

// GetWith is the scoped variant: body runs with an acquired item, released
// on every exit path including a panic unwinding through it.
func GetWith[T any, U any](ctx context.Context, p *Pool[T], body func(T) (U, error)) (U, error) {
	var zero U
	item, release, err := p.Get(ctx)
	if err != nil {
		return zero, err
	}
	defer release()
	return body(item)
}

// ForEach iterates every constructed item in an unspecified order. It does
// not acquire exclusivity — it is a read-only traversal, per spec §4.7.
func (p *Pool[T]) ForEach(body func(T)) {
	p.mu.Lock()
	items := make([]T, len(p.slots))
	for i, s := range p.slots {
		items[i] = s.item
	}
	p.mu.Unlock()

	for _, item := range items {
		body(item)
	}
}

// Clear removes all items, closing each with the pool's closer. Items
// currently in use remain valid for their current borrower (their
// releaser still works) but are not returned to callers again.
func (p *Pool[T]) Clear() error {
	p.mu.Lock()
	old := p.slots
	p.slots = nil
	p.gen++
	p.mu.Unlock()

	var firstErr error
	for _, s := range old {
		if s.inUse {
			continue
		}
		if p.closer != nil {
			if err := p.closer(s.item); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// InUse reports how many items are currently checked out, for tests
// exercising spec §8's "Pool bound" property.
func (p *Pool[T]) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.slots {
		if s.inUse {
			n++
		}
	}
	return n
}
