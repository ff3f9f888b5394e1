package informer

import (
	"sync"

	"converge/internal/store"
)

// Cache is the informer's local mirror of one kind's records. It follows a
// single-writer/multi-reader discipline: only the informer's event loop
// mutates it, while any number of reconcile workers read concurrently.
// Readers receive deep copies and never see a record mid-mutation.
type Cache struct {
	mu    sync.RWMutex
	items map[store.Key]*store.Record
}

func newCache() *Cache {
	return &Cache{items: make(map[store.Key]*store.Record)}
}

// Get returns a copy of the cached record for the key.
func (c *Cache) Get(key store.Key) (*store.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, ok := c.items[key]
	if !ok {
		return nil, false
	}
	return rec.DeepCopy(), true
}

// List returns copies of all cached records.
func (c *Cache) List() []*store.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*store.Record, 0, len(c.items))
	for _, rec := range c.items {
		out = append(out, rec.DeepCopy())
	}
	return out
}

// Len returns the number of cached records.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *Cache) set(rec *store.Record) {
	c.mu.Lock()
	c.items[rec.Key()] = rec
	c.mu.Unlock()
}

func (c *Cache) remove(key store.Key) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// version returns the cached record's resource version, or 0 when absent.
func (c *Cache) version(key store.Key) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, ok := c.items[key]
	if !ok {
		return 0, false
	}
	return rec.ResourceVersion, true
}
