package store

import (
	"container/list"
	"sync"
)

// contentCache is a fixed-capacity, in-process LRU cache of extracted
// full-text content, fronting the content_cache table so a reindex pass
// that re-checks many unchanged items doesn't re-read them from disk.
type contentCache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List // front = most recently used
}

type cacheEntry struct {
	itemKey string
	content string
	hash    string
}

func newContentCache(capacity int) *contentCache {
	return &contentCache{
		capacity: capacity,
		items:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

func (c *contentCache) get(itemKey string) (content, hash string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, found := c.items[itemKey]
	if !found {
		return "", "", false
	}
	c.order.MoveToFront(el)
	entry := el.Value.(*cacheEntry)
	return entry.content, entry.hash, true
}

func (c *contentCache) put(itemKey, content, hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, found := c.items[itemKey]; found {
		el.Value.(*cacheEntry).content = content
		el.Value.(*cacheEntry).hash = hash
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&cacheEntry{itemKey: itemKey, content: content, hash: hash})
	c.items[itemKey] = el

	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).itemKey)
	}
}

func (c *contentCache) remove(itemKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, found := c.items[itemKey]; found {
		c.order.Remove(el)
		delete(c.items, itemKey)
	}
}

func (c *contentCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element, c.capacity)
	c.order = list.New()
}
