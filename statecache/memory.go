package statecache

import (
	"context"
	"sync"
	"time"

	"github.com/Vantage/vantage-books-sync/models"
)

// MemoryCache is an in-process Cache for tests and single-node development.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry

	// now is swappable in tests.
	now func() time.Time
}

type memoryEntry struct {
	state     models.AuthorizationState
	expiresAt time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (c *MemoryCache) PutState(_ context.Context, st models.AuthorizationState, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[st.State] = memoryEntry{state: st, expiresAt: c.now().Add(ttl)}
	return nil
}

func (c *MemoryCache) GetState(_ context.Context, state string) (models.AuthorizationState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[state]
	if !ok {
		return models.AuthorizationState{}, ErrNotFound
	}
	if c.now().After(entry.expiresAt) {
		delete(c.entries, state)
		return models.AuthorizationState{}, ErrNotFound
	}
	return entry.state, nil
}

func (c *MemoryCache) DeleteState(_ context.Context, state string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, state)
	return nil
}
