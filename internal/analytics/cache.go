package analytics

import (
	"sync"

	"github.com/fluwatch/flutracker/internal/domain"
)

// scoreKey identifies a cached severity score: the country plus the store's
// freshness watermark when it was computed. New data moves the watermark,
// which naturally invalidates every cached score.
type scoreKey struct {
	country   string
	freshness int64
}

// scoreCache is a thread-safe LRU cache for severity scores.
type scoreCache struct {
	maxEntries int
	mu         sync.Mutex
	entries    map[scoreKey]*scoreEntry
	head       *scoreEntry // most recently used
	tail       *scoreEntry // least recently used
}

type scoreEntry struct {
	key   scoreKey
	value domain.SeverityScore
	prev  *scoreEntry
	next  *scoreEntry
}

func newScoreCache(maxEntries int) *scoreCache {
	return &scoreCache{
		maxEntries: maxEntries,
		entries:    make(map[scoreKey]*scoreEntry),
	}
}

func (c *scoreCache) get(key scoreKey) (domain.SeverityScore, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return domain.SeverityScore{}, false
	}
	c.moveToFront(e)
	return e.value, true
}

func (c *scoreCache) put(key scoreKey, value domain.SeverityScore) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		c.moveToFront(e)
		return
	}

	e := &scoreEntry{key: key, value: value}
	c.entries[key] = e
	c.addToFront(e)

	if len(c.entries) > c.maxEntries {
		c.evictTail()
	}
}

func (c *scoreCache) moveToFront(e *scoreEntry) {
	if e == c.head {
		return
	}
	c.remove(e)
	c.addToFront(e)
}

func (c *scoreCache) addToFront(e *scoreEntry) {
	e.next = c.head
	e.prev = nil
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *scoreCache) remove(e *scoreEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
}

func (c *scoreCache) evictTail() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.remove(c.tail)
}
