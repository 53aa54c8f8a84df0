package cache

import (
	"container/list"
	"sync"
)

type lruEntry[V any] struct {
	key   string
	value V
}

// lruCache evicts the least recently used entry once it holds more than
// maxSize entries. Get counts as a use.
type lruCache[V any] struct {
	mu      sync.Mutex
	maxSize int
	items   map[string]*list.Element
	order   *list.List // front is most recently used
	stats   *Statistics
	metrics *cacheMetrics
	onEvict EvictCallback[V]
}

func newLRUCache[V any](maxSize int, opts *cacheOptions[V]) (*lruCache[V], error) {
	metrics, err := opts.buildMetrics("newLRUCache")
	if err != nil {
		return nil, err
	}
	return &lruCache[V]{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
		stats:   NewStatistics(),
		metrics: metrics,
		onEvict: opts.onEvict,
	}, nil
}

func (c *lruCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	el, ok := c.items[key]
	var value V
	if ok {
		c.order.MoveToFront(el)
		value = el.Value.(*lruEntry[V]).value
	}
	c.mu.Unlock()

	c.stats.lookup(ok)
	c.metrics.lookup(ok)
	return value, ok
}

func (c *lruCache[V]) Set(key string, value V) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	var evicted []*lruEntry[V]

	c.mu.Lock()
	el, exists := c.items[key]
	if exists {
		el.Value.(*lruEntry[V]).value = value
		c.order.MoveToFront(el)
	} else {
		c.items[key] = c.order.PushFront(&lruEntry[V]{key: key, value: value})
		for len(c.items) > c.maxSize {
			oldest := c.order.Back()
			entry := c.order.Remove(oldest).(*lruEntry[V])
			delete(c.items, entry.key)
			evicted = append(evicted, entry)
		}
	}
	size := len(c.items)
	c.mu.Unlock()

	c.stats.set(size)
	c.metrics.set(size)
	for _, e := range evicted {
		c.stats.evict()
		c.metrics.evict()
		if c.onEvict != nil {
			c.onEvict(e.key, e.value)
		}
	}
	return !exists, nil
}

func (c *lruCache[V]) Delete(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	el, exists := c.items[key]
	var entry *lruEntry[V]
	if exists {
		entry = c.order.Remove(el).(*lruEntry[V])
		delete(c.items, key)
	}
	size := len(c.items)
	c.mu.Unlock()

	if !exists {
		return false, nil
	}
	c.stats.delete(size)
	c.metrics.delete(size)
	if c.onEvict != nil {
		c.onEvict(entry.key, entry.value)
	}
	return true, nil
}

func (c *lruCache[V]) Clear() error {
	c.mu.Lock()
	old := c.order
	c.items = make(map[string]*list.Element)
	c.order = list.New()
	c.mu.Unlock()

	c.stats.resize(0)
	c.metrics.resize(0)
	if c.onEvict != nil {
		for el := old.Front(); el != nil; el = el.Next() {
			e := el.Value.(*lruEntry[V])
			c.onEvict(e.key, e.value)
		}
	}
	return nil
}

func (c *lruCache[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Keys returns keys from most to least recently used.
func (c *lruCache[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.items))
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*lruEntry[V]).key)
	}
	return keys
}

func (c *lruCache[V]) Stats() *Statistics { return c.stats }

func (c *lruCache[V]) Close() error { return nil }
