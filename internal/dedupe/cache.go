// ABOUTME: TTL cache that suppresses redelivered inbound messages
// ABOUTME: Keyed by channel and external message ID, bounded in size

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Cache tracks recently processed message IDs so adapters that redeliver
// (long-poll restarts, socket reconnects) don't trigger duplicate engine
// turns. Expired entries are evicted lazily on insert, no background
// goroutine needed.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int

	now func() time.Time
}

type entry struct {
	key  string
	seen time.Time
}

// New creates a cache holding at most maxSize keys for up to ttl each
func New(ttl time.Duration, maxSize int) *Cache {
	return &Cache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Seen reports whether the message was already processed, marking it as
// processed if not. The check and mark are atomic so concurrent
// redeliveries of the same message race safely.
func (c *Cache) Seen(channelID, externalMessageID string) bool {
	key := channelID + "\x00" + externalMessageID

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.evictExpired(now)

	if el, ok := c.entries[key]; ok {
		e := el.Value.(*entry)
		if now.Sub(e.seen) < c.ttl {
			return true
		}
		e.seen = now
		c.order.MoveToBack(el)
		return false
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	c.entries[key] = c.order.PushBack(&entry{key: key, seen: now})
	return false
}

// Len returns the number of live keys
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) evictExpired(now time.Time) {
	for {
		front := c.order.Front()
		if front == nil {
			return
		}
		e := front.Value.(*entry)
		if now.Sub(e.seen) < c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.entries, e.key)
	}
}

func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	e := front.Value.(*entry)
	c.order.Remove(front)
	delete(c.entries, e.key)
}
