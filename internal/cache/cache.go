// Package cache implements the response cache (C2): a bounded, TTL-aware
// mapping from query fingerprint to a cached answer, with a singleflight
// overlay that coalesces concurrent lookups for the same fingerprint.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// EntryType classifies a cached answer (positive, negative or SERVFAIL),
// mirroring the RFC 2308 negative-caching distinctions. The cache stores it
// with the entry; every type expires after the same cache-wide TTL.
type EntryType int

const (
	EntryPositive EntryType = iota
	EntryNegative
	EntryServfail
)

func (t EntryType) String() string {
	switch t {
	case EntryNegative:
		return "negative"
	case EntryServfail:
		return "servfail"
	default:
		return "positive"
	}
}

// Entry is a cached answer: the wire-format response bytes as the caller
// stored them (the transaction ID is not normalized; the pipeline rewrites
// it when replaying an entry) plus the instant it was inserted.
type Entry struct {
	ResponseBytes []byte
	InsertedAt    time.Time
	Type          EntryType
}

type entryElem struct {
	key   string
	entry Entry
	elem  *list.Element
}

// ResponseCache is a bounded fingerprint -> Entry map with LRU eviction on
// overflow and lazy TTL eviction on read.
//
// Defaults match spec: max_size=1000, ttl=600s.
type ResponseCache struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	lru     *list.List
	data    map[string]*entryElem

	hits, misses int
}

// New creates a ResponseCache. maxSize<=0 defaults to 1000, ttl<=0 defaults
// to 600s.
func New(maxSize int, ttl time.Duration) *ResponseCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	if ttl <= 0 {
		ttl = 600 * time.Second
	}
	return &ResponseCache{
		maxSize: maxSize,
		ttl:     ttl,
		lru:     list.New(),
		data:    make(map[string]*entryElem),
	}
}

// Get returns the cached entry for fp, if present and not expired.
func (c *ResponseCache) Get(fp string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ee, ok := c.data[fp]
	if !ok {
		c.misses++
		return Entry{}, false
	}
	if time.Since(ee.entry.InsertedAt) > c.ttl {
		c.evictLocked(fp)
		c.misses++
		return Entry{}, false
	}
	c.lru.MoveToFront(ee.elem)
	c.hits++
	return ee.entry, true
}

// Set unconditionally inserts entry under fp, evicting the least-recently
// accessed entry on overflow.
func (c *ResponseCache) Set(fp string, entry Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(fp, entry)
}

func (c *ResponseCache) setLocked(fp string, entry Entry) {
	if ee, ok := c.data[fp]; ok {
		ee.entry = entry
		c.lru.MoveToFront(ee.elem)
		return
	}
	elem := c.lru.PushFront(fp)
	c.data[fp] = &entryElem{key: fp, entry: entry, elem: elem}

	if c.lru.Len() > c.maxSize {
		oldest := c.lru.Back()
		if oldest != nil {
			c.evictLocked(oldest.Value.(string))
		}
	}
}

func (c *ResponseCache) evictLocked(fp string) {
	ee, ok := c.data[fp]
	if !ok {
		return
	}
	c.lru.Remove(ee.elem)
	delete(c.data, fp)
}

// Stats returns hit/miss counters for observability.
func (c *ResponseCache) Stats() (hits, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
