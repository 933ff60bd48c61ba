package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Meta describes how a returned value was obtained.
type Meta struct {
	// Cached is true when the value came from the store without a fetch.
	Cached bool
	// Stale is true when the value is past its TTL and was served because
	// the refresh failed.
	Stale     bool
	FetchedAt time.Time
}

// FetchFunc produces a fresh value for a key.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Options tune one cache instance.
type Options struct {
	TTL time.Duration
	// Capacity bounds the number of entries; least recently used entries are
	// evicted above it. Zero means unbounded.
	Capacity int
}

type entry[T any] struct {
	key       string
	value     T
	fetchedAt time.Time
}

type inflight[T any] struct {
	done  chan struct{}
	value T
	meta  Meta
	err   error
}

// Cache is a TTL cache that prefers serving stale data over failing.
// A successful fetch is the only thing that replaces a stored value; when a
// refresh fails, any existing entry (even expired) is returned marked stale.
// Concurrent refreshes for one key are coalesced into a single fetch.
type Cache[T any] struct {
	opts   Options
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	entries  map[string]*list.Element
	order    *list.List
	inflight map[string]*inflight[T]
}

// New constructs a cache.
func New[T any](opts Options, logger zerolog.Logger) *Cache[T] {
	if opts.TTL <= 0 {
		opts.TTL = time.Minute
	}
	return &Cache[T]{
		opts:     opts,
		logger:   logger.With().Str("component", "cache").Logger(),
		now:      time.Now,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		inflight: make(map[string]*inflight[T]),
	}
}

// SetClock overrides the time source. Intended for tests.
func (c *Cache[T]) SetClock(now func() time.Time) {
	c.now = now
}

// Get returns the value for key, fetching when the entry is absent or expired.
// The only case that returns an error is a cold cache combined with a failed
// fetch; every other failure degrades to a stale value.
func (c *Cache[T]) Get(ctx context.Context, key string, fetch FetchFunc[T]) (T, Meta, error) {
	c.mu.Lock()

	if elem, ok := c.entries[key]; ok {
		e := elem.Value.(*entry[T])
		if c.now().Sub(e.fetchedAt) < c.opts.TTL {
			c.order.MoveToFront(elem)
			meta := Meta{Cached: true, FetchedAt: e.fetchedAt}
			value := e.value
			c.mu.Unlock()
			return value, meta, nil
		}
	}

	if fl, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		var zero T
		select {
		case <-fl.done:
			return fl.value, fl.meta, fl.err
		case <-ctx.Done():
			return zero, Meta{}, ctx.Err()
		}
	}

	fl := &inflight[T]{done: make(chan struct{})}
	c.inflight[key] = fl
	c.mu.Unlock()

	value, err := fetch(ctx)
	now := c.now()

	c.mu.Lock()
	if err == nil {
		c.store(key, value, now)
		fl.value = value
		fl.meta = Meta{FetchedAt: now}
	} else if elem, ok := c.entries[key]; ok {
		e := elem.Value.(*entry[T])
		c.order.MoveToFront(elem)
		fl.value = e.value
		fl.meta = Meta{Cached: true, Stale: true, FetchedAt: e.fetchedAt}
		c.logger.Warn().Str("key", key).Err(err).Msg("refresh failed, serving stale entry")
	} else {
		fl.err = err
	}
	delete(c.inflight, key)
	c.mu.Unlock()

	close(fl.done)
	return fl.value, fl.meta, fl.err
}

// store inserts or replaces an entry under c.mu.
func (c *Cache[T]) store(key string, value T, fetchedAt time.Time) {
	if elem, ok := c.entries[key]; ok {
		e := elem.Value.(*entry[T])
		e.value = value
		e.fetchedAt = fetchedAt
		c.order.MoveToFront(elem)
		return
	}

	elem := c.order.PushFront(&entry[T]{key: key, value: value, fetchedAt: fetchedAt})
	c.entries[key] = elem

	if c.opts.Capacity > 0 && c.order.Len() > c.opts.Capacity {
		oldest := c.order.Back()
		if oldest != nil {
			evicted := oldest.Value.(*entry[T])
			c.order.Remove(oldest)
			delete(c.entries, evicted.key)
		}
	}
}

// Clear drops every stored entry. In-flight fetches are unaffected.
func (c *Cache[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
}

// Len reports the number of stored entries.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
