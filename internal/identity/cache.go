// Package identity memoizes the acting user for the lifetime of a session.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"murmur/core/internal/auth"
)

var ErrNotAuthenticated = errors.New("not authenticated")

type Provider interface {
	CurrentUser(ctx context.Context) (auth.Claims, error)
}

type Identity struct {
	UserID   string
	Username string
}

// Cache resolves the identity once and serves it until Invalidate is called.
type Cache struct {
	provider Provider

	mu         sync.Mutex
	cached     *Identity
	generation uint64
}

func NewCache(provider Provider) *Cache {
	return &Cache{provider: provider}
}

func (c *Cache) Resolve(ctx context.Context) (Identity, error) {
	c.mu.Lock()
	if c.cached != nil {
		id := *c.cached
		c.mu.Unlock()
		return id, nil
	}
	generation := c.generation
	c.mu.Unlock()

	claims, err := c.provider.CurrentUser(ctx)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrNotAuthenticated, err)
	}
	id := Identity{UserID: claims.Sub, Username: claims.Username}

	c.mu.Lock()
	// An invalidation while the provider was consulted makes this result stale.
	if c.generation == generation {
		c.cached = &id
	}
	c.mu.Unlock()
	return id, nil
}

// Cached returns the memoized identity without consulting the provider.
func (c *Cache) Cached() (Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cached == nil {
		return Identity{}, false
	}
	return *c.cached, true
}

func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.cached = nil
	c.generation++
	c.mu.Unlock()
}

// Watch invalidates the cache on every auth state change until ctx is done
// or changes is closed. onChange, if set, runs after each invalidation.
func (c *Cache) Watch(ctx context.Context, changes <-chan auth.StateChange, onChange func(auth.StateChange)) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			c.Invalidate()
			if onChange != nil {
				onChange(change)
			}
		}
	}
}
