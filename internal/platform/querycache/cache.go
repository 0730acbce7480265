// Package querycache is a small local read cache keyed by namespaced
// query keys ("pharmacy.stats", "pharmacy.orders?page=2"). Entries are
// filled by loaders, marked stale by Invalidate, and refetched eagerly
// while they have observers.
package querycache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Loader fetches the current value for a key, typically from the REST API.
type Loader func(ctx context.Context) (interface{}, error)

type entry struct {
	loader    Loader
	value     interface{}
	loaded    bool
	stale     bool
	observers int
	fetchedAt time.Time
	// version is bumped by every Invalidate; a load only lands when it
	// is unchanged since the load started.
	version uint64
}

// Cache is safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	logger  zerolog.Logger
	now     func() time.Time
	// refetchCtx bounds background refetches triggered by Invalidate.
	refetchCtx context.Context
}

// New creates an empty cache. Background refetches run under ctx.
func New(ctx context.Context, logger zerolog.Logger) *Cache {
	return &Cache{
		entries:    make(map[string]*entry),
		logger:     logger,
		now:        time.Now,
		refetchCtx: ctx,
	}
}

// Register declares key with its loader. Registering an existing key
// replaces the loader and marks the entry stale.
func (c *Cache) Register(key string, loader Loader) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		e.loader = loader
		e.stale = true
		e.version++
		return
	}
	c.entries[key] = &entry{loader: loader}
}

// Get returns the cached value, loading it when absent or stale.
func (c *Cache) Get(ctx context.Context, key string) (interface{}, error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("query %q is not registered", key)
	}
	if e.loaded && !e.stale {
		v := e.value
		c.mu.Unlock()
		return v, nil
	}
	loader := e.loader
	version := e.version
	c.mu.Unlock()

	return c.load(ctx, key, loader, version)
}

// load runs loader and stores its result unless the entry was invalidated
// while the loader ran. The caller still gets the fetched value; the entry
// stays stale so the next Get loads again.
func (c *Cache) load(ctx context.Context, key string, loader Loader, version uint64) (interface{}, error) {
	v, err := loader(ctx)
	if err != nil {
		return nil, fmt.Errorf("load %q: %w", key, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return v, nil
	}
	if e.version != version {
		c.logger.Debug().Str("key", key).Msg("discarding load superseded by invalidation")
		return v, nil
	}
	e.value = v
	e.loaded = true
	e.stale = false
	e.fetchedAt = c.now()
	return v, nil
}

// Observe marks key as actively displayed; observed entries are refetched
// right after invalidation. The returned func releases the observation.
func (c *Cache) Observe(key string) func() {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		e.observers++
	}
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			if e, ok := c.entries[key]; ok && e.observers > 0 {
				e.observers--
			}
			c.mu.Unlock()
		})
	}
}

// Invalidate marks every entry matching keyOrPrefix stale and refetches
// the observed ones in the background. It returns the number of entries
// marked.
func (c *Cache) Invalidate(keyOrPrefix string) int {
	type refetch struct {
		key     string
		loader  Loader
		version uint64
	}
	var pending []refetch

	c.mu.Lock()
	marked := 0
	for key, e := range c.entries {
		if !Matches(keyOrPrefix, key) {
			continue
		}
		e.stale = true
		e.version++
		marked++
		if e.observers > 0 {
			pending = append(pending, refetch{key: key, loader: e.loader, version: e.version})
		}
	}
	c.mu.Unlock()

	for _, r := range pending {
		go func(r refetch) {
			if _, err := c.load(c.refetchCtx, r.key, r.loader, r.version); err != nil {
				c.logger.Warn().Err(err).Str("key", r.key).Msg("refetch after invalidation failed")
			}
		}(r)
	}
	return marked
}

// IsStale reports whether key is registered and needs a refetch.
func (c *Cache) IsStale(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return ok && (e.stale || !e.loaded)
}

// Matches reports whether key falls under keyOrPrefix: either the same key
// or a key that extends it at a segment boundary ('.', '/', '?', ':').
func Matches(keyOrPrefix, key string) bool {
	if keyOrPrefix == "" {
		return false
	}
	if key == keyOrPrefix {
		return true
	}
	if !strings.HasPrefix(key, keyOrPrefix) {
		return false
	}
	switch key[len(keyOrPrefix)] {
	case '.', '/', '?', ':':
		return true
	}
	return false
}
