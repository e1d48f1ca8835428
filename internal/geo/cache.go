// ABOUTME: Location caches keyed by IP address with a fixed time-to-live
// ABOUTME: MemoryCache is an in-process TTL/LRU map; CachedLocator fronts any Geolocator with a Cache

package geo

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"
)

// Cache stores resolved locations.
type Cache interface {
	Get(ctx context.Context, ip string) (string, bool, error)
	Set(ctx context.Context, ip, location string) error
}

// Locator resolves an IP address to a location.
type Locator interface {
	Locate(ctx context.Context, ip string) (string, error)
}

type memoryEntry struct {
	location string
	storedAt time.Time
	element  *list.Element
}

// MemoryCache is a thread-safe, TTL-based, size-limited location cache.
// The oldest entry is evicted first when the cache is full.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// NewMemoryCache creates a cache and starts a janitor goroutine that drops
// expired entries every interval. Call Close to stop it.
func NewMemoryCache(ttl time.Duration, maxSize int, interval time.Duration) *MemoryCache {
	if maxSize <= 0 {
		maxSize = 1024
	}
	if interval <= 0 {
		interval = time.Minute
	}
	c := &MemoryCache{
		entries: make(map[string]*memoryEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.janitor(interval)
	return c
}

// Get returns the cached location for ip if it has not expired.
func (c *MemoryCache) Get(_ context.Context, ip string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[ip]
	if !ok || c.expiredLocked(entry, c.now()) {
		return "", false, nil
	}
	return entry.location, true, nil
}

// Set stores location for ip, evicting the oldest entry when full.
func (c *MemoryCache) Set(_ context.Context, ip, location string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if entry, ok := c.entries[ip]; ok {
		entry.location = location
		entry.storedAt = now
		c.order.MoveToBack(entry.element)
		return nil
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.entries[ip] = &memoryEntry{
		location: location,
		storedAt: now,
		element:  c.order.PushBack(ip),
	}
	return nil
}

// Len reports the number of stored entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *MemoryCache) expiredLocked(entry *memoryEntry, now time.Time) bool {
	return c.ttl > 0 && now.Sub(entry.storedAt) >= c.ttl
}

func (c *MemoryCache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	ip, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, ip)
}

func (c *MemoryCache) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.purge()
		case <-c.done:
			return
		}
	}
}

// purge removes every expired entry.
func (c *MemoryCache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for ip, entry := range c.entries {
		if c.expiredLocked(entry, now) {
			c.order.Remove(entry.element)
			delete(c.entries, ip)
		}
	}
}

// Close stops the janitor. It is safe to call multiple times.
func (c *MemoryCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}

// CachedLocator consults a Cache before delegating to another Locator.
// Cache errors are logged and treated as misses.
type CachedLocator struct {
	next   Locator
	cache  Cache
	logger *slog.Logger
}

// NewCachedLocator wraps next with cache.
func NewCachedLocator(next Locator, cache Cache, logger *slog.Logger) *CachedLocator {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedLocator{
		next:   next,
		cache:  cache,
		logger: logger.With("component", "geo"),
	}
}

// Locate returns the cached location for ip or looks it up and stores it.
// Failed lookups are not cached.
func (l *CachedLocator) Locate(ctx context.Context, ip string) (string, error) {
	location, ok, err := l.cache.Get(ctx, ip)
	if err != nil {
		l.logger.Warn("geo cache read failed", "ip", ip, "error", err)
	} else if ok {
		return location, nil
	}

	location, err = l.next.Locate(ctx, ip)
	if err != nil {
		return "", err
	}

	if err := l.cache.Set(ctx, ip, location); err != nil {
		l.logger.Warn("geo cache write failed", "ip", ip, "error", err)
	}
	return location, nil
}
