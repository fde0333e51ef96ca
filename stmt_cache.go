package litequery

import (
	"container/list"
	"database/sql"
	"sync"
	"sync/atomic"
)

// StmtCache is a connection-owned LRU cache of prepared statements keyed by
// the SQL text exactly as given; the text is not canonicalized, so queries
// that differ only in whitespace or case get separate entries (spec §4.2).
// Unlike a cache shared across many concurrent goroutines, a ConnectionSerializer already guarantees
// at-most-one in-flight operation on its connection, so a single lock is
// sufficient here — there is no real contention for sharding to relieve.
type StmtCache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*stmtCacheEntry
	lru      *list.List
	closed   atomic.Bool
}

type stmtCacheEntry struct {
	query    string
	stmt     *sql.Stmt
	element  *list.Element
	refCount int32
	evicted  bool
}

// NewStmtCache creates a cache with the given capacity. A non-positive
// capacity defaults to 200 (spec §9 leaves the exact cap implementation
// defined).
func NewStmtCache(capacity int) *StmtCache {
	if capacity <= 0 {
		capacity = 200
	}
	return &StmtCache{
		capacity: capacity,
		items:    make(map[string]*stmtCacheEntry),
		lru:      list.New(),
	}
}

// Get returns the cached statement for query, if present, along with a
// release function the caller must invoke exactly once when done. Returns
// (nil, nil) on a miss.
func (c *StmtCache) Get(query string) (*sql.Stmt, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.items[query]
	if !ok {
		return nil, nil
	}
	c.lru.MoveToFront(entry.element)
	atomic.AddInt32(&entry.refCount, 1)
	return entry.stmt, func() { c.release(entry) }
}

// PutAndGet stores stmt under query (evicting the LRU entry if at
// capacity) and atomically returns it with an incremented reference count,
// avoiding the race where the entry could be evicted between a Put and a
// subsequent Get.
func (c *StmtCache) PutAndGet(query string, stmt *sql.Stmt) (*sql.Stmt, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.items[query]; ok {
		c.evictLocked(old)
	}
	if len(c.items) >= c.capacity {
		if back := c.lru.Back(); back != nil {
			c.evictLocked(back.Value.(*stmtCacheEntry))
		}
	}

	entry := &stmtCacheEntry{query: query, stmt: stmt, refCount: 1}
	entry.element = c.lru.PushFront(entry)
	c.items[query] = entry
	return stmt, func() { c.release(entry) }
}

func (c *StmtCache) evictLocked(entry *stmtCacheEntry) {
	c.lru.Remove(entry.element)
	delete(c.items, entry.query)
	entry.evicted = true
	if atomic.LoadInt32(&entry.refCount) == 0 && entry.stmt != nil {
		_ = entry.stmt.Close()
	}
}

// release decrements the reference count, closing the statement if it was
// evicted (or the cache was closed) while in use. The lock is taken before
// the decrement to avoid a TOCTOU race against a concurrent eviction.
func (c *StmtCache) release(entry *stmtCacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := atomic.AddInt32(&entry.refCount, -1)
	if n == 0 && (entry.evicted || c.closed.Load()) && entry.stmt != nil {
		_ = entry.stmt.Close()
		entry.stmt = nil
	}
}

// InvalidateAll evicts and closes every cached statement. Within the
// package only Close calls it; nothing invalidates the cache when the
// schema changes.
func (c *StmtCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range c.items {
		entry.evicted = true
		if atomic.LoadInt32(&entry.refCount) == 0 && entry.stmt != nil {
			_ = entry.stmt.Close()
		}
	}
	c.items = make(map[string]*stmtCacheEntry)
	c.lru.Init()
}

// Close invalidates every entry and marks the cache closed; any statement
// still in use is closed when its last release fires.
func (c *StmtCache) Close() error {
	c.closed.Store(true)
	c.InvalidateAll()
	return nil
}

func (c *StmtCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
