// Package cache implements the in-process entity cache: TTL-bounded, keyed
// by canonical identifier, with coalesced loads, LRU eviction, and
// source-provider tracking. The cache exclusively owns every value it holds;
// callers receive copies of provider sets, never live internals.
package cache

import (
	"container/list"
	"context"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const bucketCount = 32

// entry is one cached canonical entity.
type entry struct {
	value     any
	fetchedAt time.Time
	ttl       time.Duration
	stale     bool
	providers map[string]bool
	lruElem   *list.Element
}

type bucket struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Options configures a Cache.
type Options struct {
	MaxEntries    int
	CollectionTTL time.Duration
	EntityTTL     time.Duration
}

// Cache is the entity cache. Buckets carry their own locks; no lock is held
// across a loader invocation.
type Cache struct {
	buckets [bucketCount]bucket
	group   singleflight.Group

	maxEntries    int
	collectionTTL time.Duration
	entityTTL     time.Duration

	lruMu    sync.Mutex
	lru      *list.List // front = most recent
	count    int
	inflight sync.Map // key -> struct{}; exempt from eviction
}

// New creates a cache with the documented defaults filled in.
func New(opts Options) *Cache {
	c := &Cache{
		maxEntries:    opts.MaxEntries,
		collectionTTL: opts.CollectionTTL,
		entityTTL:     opts.EntityTTL,
		lru:           list.New(),
	}
	if c.maxEntries <= 0 {
		c.maxEntries = 50000
	}
	if c.collectionTTL <= 0 {
		c.collectionTTL = 300 * time.Second
	}
	if c.entityTTL <= 0 {
		c.entityTTL = 900 * time.Second
	}
	return c
}

// CollectionTTL is the default TTL for collection listings.
func (c *Cache) CollectionTTL() time.Duration { return c.collectionTTL }

// EntityTTL is the default TTL for single-entity reads.
func (c *Cache) EntityTTL() time.Duration { return c.entityTTL }

func (c *Cache) bucket(key string) *bucket {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &c.buckets[h.Sum32()%bucketCount]
}

// Get returns the cached value when it is fresh.
func (c *Cache) Get(key string) (any, bool) {
	b := c.bucket(key)
	b.mu.Lock()
	e, ok := b.entries[key]
	if !ok || !c.fresh(e) {
		b.mu.Unlock()
		return nil, false
	}
	v := e.value
	b.mu.Unlock()

	c.touch(key)
	return v, true
}

// Providers returns a copy of the source-provider set for a key.
func (c *Cache) Providers(key string) []string {
	b := c.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(e.providers))
	for p := range e.providers {
		out = append(out, p)
	}
	return out
}

// FetchedAt returns when the entry was last observed.
func (c *Cache) FetchedAt(key string) (time.Time, bool) {
	b := c.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok {
		return time.Time{}, false
	}
	return e.fetchedAt, true
}

func (c *Cache) fresh(e *entry) bool {
	if e.stale {
		return false
	}
	return time.Since(e.fetchedAt) < e.ttl
}

// Loader fetches the value for a key on a cache miss, returning the value
// and the providers it was observed from.
type Loader func(ctx context.Context) (any, []string, error)

// GetOrLoad returns a fresh cached value or invokes the loader. Concurrent
// callers for the same key are coalesced onto exactly one loader invocation
// and all receive the same result, success or failure. ttl <= 0 selects the
// entity default.
func (c *Cache) GetOrLoad(ctx context.Context, key string, ttl time.Duration, loader Loader) (any, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	if ttl <= 0 {
		ttl = c.entityTTL
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check under the flight: a concurrent Put may have landed.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		c.inflight.Store(key, struct{}{})
		defer c.inflight.Delete(key)

		value, providers, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		c.putTTL(key, value, providers, ttl)
		return value, nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Put stores a value with the entity default TTL, unioning the provider set
// with any prior entry's.
func (c *Cache) Put(key string, value any, providers []string) {
	c.putTTL(key, value, providers, c.entityTTL)
}

// PutCollection stores a collection value with the collection default TTL.
func (c *Cache) PutCollection(key string, value any, providers []string) {
	c.putTTL(key, value, providers, c.collectionTTL)
}

func (c *Cache) putTTL(key string, value any, providers []string, ttl time.Duration) {
	b := c.bucket(key)

	b.mu.Lock()
	if b.entries == nil {
		b.entries = make(map[string]*entry)
	}
	e, existed := b.entries[key]
	if !existed {
		e = &entry{providers: make(map[string]bool)}
		b.entries[key] = e
	}
	e.value = value
	now := time.Now()
	if now.After(e.fetchedAt) {
		e.fetchedAt = now
	}
	e.ttl = ttl
	e.stale = false
	for _, p := range providers {
		e.providers[p] = true
	}
	b.mu.Unlock()

	if !existed {
		c.lruMu.Lock()
		c.count++
		c.lruMu.Unlock()
	}
	c.touch(key)
	c.evictOver()
}

// Invalidate marks an entry stale without removing it; the next read
// refreshes through the loader.
func (c *Cache) Invalidate(key string) {
	b := c.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[key]; ok {
		e.stale = true
	}
}

// Forget removes an entry outright.
func (c *Cache) Forget(key string) {
	b := c.bucket(key)
	b.mu.Lock()
	e, ok := b.entries[key]
	if ok {
		delete(b.entries, key)
	}
	b.mu.Unlock()

	if ok {
		c.lruMu.Lock()
		if e.lruElem != nil {
			c.lru.Remove(e.lruElem)
		}
		c.count--
		c.lruMu.Unlock()
	}
}

// RemoveProvider drops one provider from an entry's source set; an entry
// whose set empties is removed, since no source still vouches for it.
func (c *Cache) RemoveProvider(key, providerName string) {
	b := c.bucket(key)
	b.mu.Lock()
	e, ok := b.entries[key]
	if ok {
		delete(e.providers, providerName)
		if len(e.providers) > 0 {
			b.mu.Unlock()
			return
		}
		delete(b.entries, key)
	}
	b.mu.Unlock()

	if ok {
		c.lruMu.Lock()
		if e.lruElem != nil {
			c.lru.Remove(e.lruElem)
		}
		c.count--
		c.lruMu.Unlock()
	}
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	c.lruMu.Lock()
	defer c.lruMu.Unlock()
	return c.count
}

// touch moves the key to the LRU front. The bucket lock is held across the
// LRU update so a concurrent Forget cannot slip between the liveness check
// and the re-insert, which would strand an element no eviction can remove.
// Lock order is bucket then lruMu, never the reverse.
func (c *Cache) touch(key string) {
	b := c.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok {
		return
	}

	c.lruMu.Lock()
	defer c.lruMu.Unlock()
	if e.lruElem == nil {
		e.lruElem = c.lru.PushFront(key)
		return
	}
	c.lru.MoveToFront(e.lruElem)
}

// evictOver drops least-recently-used entries until the bound holds.
// Keys with an active coalesced load are skipped.
func (c *Cache) evictOver() {
	for {
		c.lruMu.Lock()
		if c.count <= c.maxEntries {
			c.lruMu.Unlock()
			return
		}
		var victim string
		found := false
		for elem := c.lru.Back(); elem != nil; elem = elem.Prev() {
			key := elem.Value.(string)
			if _, loading := c.inflight.Load(key); !loading {
				victim = key
				found = true
				break
			}
		}
		c.lruMu.Unlock()
		if !found {
			return
		}
		c.Forget(victim)
	}
}
