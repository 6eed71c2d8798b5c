package scoredcache

import (
	"container/list"
	"sync"
	"time"
)

// LookupObserver receives hit/miss notifications for a named cache.
type LookupObserver interface {
	ObserveCacheLookup(cache string, hit bool)
}

type entry[K comparable, V any] struct {
	key        K
	value      V
	insertedAt time.Time
	expiresAt  time.Time
	accessedAt time.Time

	recencyElem *list.Element
	expiryElem  *list.Element
}

// Cache is a process-wide TTL and capacity bounded LRU map.
type Cache[K comparable, V any] struct {
	name       string
	maxEntries int
	defaultTTL time.Duration
	now        func() time.Time
	observer   LookupObserver

	mu      sync.Mutex
	entries map[K]*entry[K, V]
	recency *list.List // front is most recently accessed
	expiry  *list.List // ordered by expiresAt ascending
}

type Option func(*options)

type options struct {
	now      func() time.Time
	observer LookupObserver
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func WithObserver(observer LookupObserver) Option {
	return func(o *options) {
		o.observer = observer
	}
}

func New[K comparable, V any](name string, maxEntries int, defaultTTL time.Duration, opts ...Option) *Cache[K, V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if maxEntries <= 0 {
		maxEntries = 1
	}
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	return &Cache[K, V]{
		name:       name,
		maxEntries: maxEntries,
		defaultTTL: defaultTTL,
		now:        o.now,
		observer:   o.observer,
		entries:    make(map[K]*entry[K, V], maxEntries),
		recency:    list.New(),
		expiry:     list.New(),
	}
}

func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.purgeExpired(now)

	e, ok := c.entries[key]
	if !ok {
		c.observe(false)
		var zero V
		return zero, false
	}
	e.accessedAt = now
	c.recency.MoveToFront(e.recencyElem)
	c.observe(true)
	return e.value, true
}

// Set stores value for ttl. A non-positive ttl uses the cache default.
func (c *Cache[K, V]) Set(key K, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.purgeExpired(now)

	if e, ok := c.entries[key]; ok {
		e.value = value
		e.insertedAt = now
		e.accessedAt = now
		e.expiresAt = now.Add(ttl)
		c.recency.MoveToFront(e.recencyElem)
		c.expiry.Remove(e.expiryElem)
		e.expiryElem = c.insertByExpiry(e)
		return
	}

	e := &entry[K, V]{
		key:        key,
		value:      value,
		insertedAt: now,
		accessedAt: now,
		expiresAt:  now.Add(ttl),
	}
	e.recencyElem = c.recency.PushFront(e)
	e.expiryElem = c.insertByExpiry(e)
	c.entries[key] = e

	for len(c.entries) > c.maxEntries {
		oldest := c.recency.Back()
		if oldest == nil {
			break
		}
		c.remove(oldest.Value.(*entry[K, V]))
	}
}

func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.remove(e)
	}
}

func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeExpired(c.now())
	return len(c.entries)
}

func (c *Cache[K, V]) Name() string {
	return c.name
}

func (c *Cache[K, V]) purgeExpired(now time.Time) {
	for {
		front := c.expiry.Front()
		if front == nil {
			return
		}
		e := front.Value.(*entry[K, V])
		if now.Before(e.expiresAt) {
			return
		}
		c.remove(e)
	}
}

// insertByExpiry walks from the back; with a fixed ttl this is an append.
func (c *Cache[K, V]) insertByExpiry(e *entry[K, V]) *list.Element {
	for el := c.expiry.Back(); el != nil; el = el.Prev() {
		if !el.Value.(*entry[K, V]).expiresAt.After(e.expiresAt) {
			return c.expiry.InsertAfter(e, el)
		}
	}
	return c.expiry.PushFront(e)
}

func (c *Cache[K, V]) remove(e *entry[K, V]) {
	c.recency.Remove(e.recencyElem)
	c.expiry.Remove(e.expiryElem)
	delete(c.entries, e.key)
}

func (c *Cache[K, V]) observe(hit bool) {
	if c.observer != nil {
		c.observer.ObserveCacheLookup(c.name, hit)
	}
}
