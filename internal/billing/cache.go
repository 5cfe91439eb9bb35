package billing

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Cache is a caller-owned snapshot cache with an explicit TTL. Staleness is
// an explicit input: callers pass force=true to bypass a fresh entry.
type Cache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[uuid.UUID]cacheEntry
}

type cacheEntry struct {
	snapshot Snapshot
	storedAt time.Time
}

// NewCache creates a Cache with the given TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[uuid.UUID]cacheEntry),
	}
}

// Get returns the cached snapshot for the user if it is still fresh and the
// caller did not force a refresh.
func (c *Cache) Get(userID uuid.UUID, force bool) (Snapshot, bool) {
	if force {
		return Snapshot{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[userID]
	if !ok {
		return Snapshot{}, false
	}
	if c.now().Sub(entry.storedAt) > c.ttl {
		delete(c.entries, userID)
		return Snapshot{}, false
	}
	return entry.snapshot, true
}

// Put stores a snapshot for the user.
func (c *Cache) Put(userID uuid.UUID, snapshot Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[userID] = cacheEntry{snapshot: snapshot, storedAt: c.now()}
}

// Invalidate drops the cached snapshot for the user, if any.
func (c *Cache) Invalidate(userID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
}
