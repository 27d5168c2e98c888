// Package marketdata keeps the latest order book per outcome token and fans
// normalized market events out to in-process consumers.
package marketdata

import (
	"sync"
	"time"

	"github.com/alanyoungcy/probebot/internal/domain"
)

// Cache holds the most recent snapshot per token. Entries are replaced
// wholesale and never evicted.
type Cache struct {
	mu    sync.RWMutex
	books map[string]domain.OrderBookSnapshot
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{books: make(map[string]domain.OrderBookSnapshot)}
}

// Put stores a copy of snap, replacing whatever was there.
func (c *Cache) Put(snap domain.OrderBookSnapshot) {
	if snap.TokenID == "" {
		return
	}
	clone := snap.Clone()
	c.mu.Lock()
	c.books[snap.TokenID] = clone
	c.mu.Unlock()
}

// Get returns a copy of the snapshot for tokenID, or nil.
func (c *Cache) Get(tokenID string) *domain.OrderBookSnapshot {
	c.mu.RLock()
	snap, ok := c.books[tokenID]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	out := snap.Clone()
	return &out
}

// Age reports how old the cached snapshot is; ok is false when none exists.
func (c *Cache) Age(tokenID string, now time.Time) (age time.Duration, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.books[tokenID]
	if !ok {
		return 0, false
	}
	return snap.Age(now), true
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.books)
}
