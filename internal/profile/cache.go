// Package profile keeps author metadata by user id so incoming messages do
// not need a lookup each.
package profile

import (
	"context"
	"log"
	"sync"

	"golang.org/x/sync/singleflight"

	"murmur/core/internal/store"
)

type Lookup interface {
	GetProfile(ctx context.Context, userID string) (store.Profile, error)
}

type Cache struct {
	lookup Lookup
	group  singleflight.Group

	mu      sync.RWMutex
	entries map[string]store.Profile
}

func NewCache(lookup Lookup) *Cache {
	return &Cache{
		lookup:  lookup,
		entries: make(map[string]store.Profile),
	}
}

func (c *Cache) Get(userID string) (store.Profile, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.entries[userID]
	return p, ok
}

// Put records p, replacing any older snapshot for the same id.
func (c *Cache) Put(p store.Profile) {
	if p.ID == "" {
		return
	}
	c.mu.Lock()
	c.entries[p.ID] = p
	c.mu.Unlock()
}

// Resolve returns the cached profile or performs a point lookup that
// populates the cache. Concurrent lookups for one id share a request.
// A failed lookup is logged and reported as a miss.
func (c *Cache) Resolve(ctx context.Context, userID string) (store.Profile, bool) {
	if p, ok := c.Get(userID); ok {
		return p, true
	}
	if c.lookup == nil {
		return store.Profile{}, false
	}

	v, err, _ := c.group.Do(userID, func() (any, error) {
		p, err := c.lookup.GetProfile(ctx, userID)
		if err != nil {
			return nil, err
		}
		c.Put(p)
		return p, nil
	})
	if err != nil {
		log.Printf("profile: lookup %s: %v", userID, err)
		return store.Profile{}, false
	}
	return v.(store.Profile), true
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) Reset() {
	c.mu.Lock()
	c.entries = make(map[string]store.Profile)
	c.mu.Unlock()
}
