// Package ctxcache caches the channel that owns a GR context so that the
// interrupt path rarely has to scan every channel.
package ctxcache

import "sync"

// DefaultSize is the number of slots the GR unit uses.
const DefaultSize = 2

// Entry maps a context register value to its channel and TSG.
type Entry struct {
	Ctx   uint32
	ChID  uint32
	TSGID uint32
}

type slot struct {
	Entry
	valid bool
}

// Cache is a small fully associative cache. When no slot is free, inserts
// evict slots in round-robin order.
type Cache struct {
	sync.Mutex

	slots []slot
	next  int

	hits, misses uint64
}

// New creates a cache with n slots.
func New(n int) *Cache {
	if n <= 0 {
		n = DefaultSize
	}

	return &Cache{slots: make([]slot, n)}
}

// Get looks up ctx.
func (c *Cache) Get(ctx uint32) (Entry, bool) {
	c.Lock()
	defer c.Unlock()

	return c.getLocked(ctx)
}

func (c *Cache) getLocked(ctx uint32) (Entry, bool) {
	for i := range c.slots {
		if c.slots[i].valid && c.slots[i].Ctx == ctx {
			c.hits++
			return c.slots[i].Entry, true
		}
	}

	c.misses++

	return Entry{}, false
}

// Insert records an entry, taking a free slot if there is one.
func (c *Cache) Insert(e Entry) {
	c.Lock()
	defer c.Unlock()

	c.insertLocked(e)
}

func (c *Cache) insertLocked(e Entry) {
	for i := range c.slots {
		if !c.slots[i].valid {
			c.slots[i] = slot{Entry: e, valid: true}
			return
		}
	}

	c.slots[c.next] = slot{Entry: e, valid: true}
	c.next = (c.next + 1) % len(c.slots)
}

// LookupOrInsert returns the entry of ctx. On a miss it calls resolve and
// caches the result if resolve finds one. The lock is held throughout so
// that two concurrent misses cannot both insert.
func (c *Cache) LookupOrInsert(
	ctx uint32,
	resolve func(ctx uint32) (Entry, bool),
) (Entry, bool) {
	c.Lock()
	defer c.Unlock()

	if e, ok := c.getLocked(ctx); ok {
		return e, true
	}

	e, ok := resolve(ctx)
	if !ok {
		return Entry{}, false
	}

	e.Ctx = ctx
	c.insertLocked(e)

	return e, true
}

// Flush drops every entry.
func (c *Cache) Flush() {
	c.Lock()
	defer c.Unlock()

	for i := range c.slots {
		c.slots[i] = slot{}
	}

	c.next = 0
}

// Stats returns the number of hits and misses so far.
func (c *Cache) Stats() (hits, misses uint64) {
	c.Lock()
	defer c.Unlock()

	return c.hits, c.misses
}
