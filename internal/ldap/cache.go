package ldap

import (
	"container/list"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// cacheKey builds the cache key for a search:
// base|scope|filter|sorted(attributes). Only base-scope, non-paged searches
// are ever stored, but the key shape is uniform.
func cacheKey(base string, opts *SearchOpts) string {
	attrs := append([]string(nil), opts.Attributes...)
	sort.Strings(attrs)
	return strings.Join([]string{
		Canonical(base),
		opts.Scope.String(),
		opts.Filter,
		strings.Join(attrs, ","),
	}, "|")
}

type cacheItem struct {
	key     string
	result  *SearchResult
	expires time.Time
}

// searchCache is a TTL+LRU cache of base-scope search results. A max of
// zero disables it.
type searchCache struct {
	max int
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List // front is most recently used

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

func newSearchCache(max int, ttl time.Duration) *searchCache {
	return &searchCache{
		max:     max,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]*list.Element),
		lru:     list.New(),
	}
}

// Get returns a copy of the cached result, so callers and result hooks
// cannot mutate the stored value.
func (c *searchCache) Get(key string) (*SearchResult, bool) {
	if c.max == 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	item := elem.Value.(*cacheItem)
	if c.now().After(item.expires) {
		c.removeLocked(elem)
		c.misses.Add(1)
		return nil, false
	}
	c.lru.MoveToFront(elem)
	c.hits.Add(1)
	return item.result.Clone(), true
}

// Put stores a copy of the result, evicting the least recently used entry
// when full.
func (c *searchCache) Put(key string, res *SearchResult) {
	if c.max == 0 || res == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	item := &cacheItem{key: key, result: res.Clone(), expires: c.now().Add(c.ttl)}
	if elem, ok := c.entries[key]; ok {
		elem.Value = item
		c.lru.MoveToFront(elem)
		return
	}
	c.entries[key] = c.lru.PushFront(item)
	for c.lru.Len() > c.max {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
		c.evictions.Add(1)
	}
}

// InvalidatePrefix drops every key whose prefix is the given DN. Write
// operations call this with their target DN so the next base-scope lookup
// goes to the wire.
func (c *searchCache) InvalidatePrefix(dn string) {
	prefix := Canonical(dn)
	if prefix == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, elem := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.removeLocked(elem)
		}
	}
}

// Purge empties the cache.
func (c *searchCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.lru.Init()
}

func (c *searchCache) removeLocked(elem *list.Element) {
	item := elem.Value.(*cacheItem)
	delete(c.entries, item.key)
	c.lru.Remove(elem)
}

// Stats returns a usage snapshot.
func (c *searchCache) Stats() CacheStats {
	c.mu.Lock()
	entries := len(c.entries)
	c.mu.Unlock()
	return CacheStats{
		Entries:   entries,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}
