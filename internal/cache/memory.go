// Package cache provides the feed cache backends that live outside the
// database: an in-process store and a shared Redis store.
package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/reliefmap/locus/internal/models"
)

// MemoryFeedCache keeps feed payloads in process memory. Entries survive
// until ttl elapses; a ttl of zero keeps them forever.
type MemoryFeedCache struct {
	store *gocache.Cache
	ttl   time.Duration
}

// NewMemoryFeedCache creates a MemoryFeedCache.
func NewMemoryFeedCache(ttl time.Duration) *MemoryFeedCache {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	return &MemoryFeedCache{
		store: gocache.New(ttl, 10*time.Minute),
		ttl:   ttl,
	}
}

func (c *MemoryFeedCache) Get(_ context.Context, name string) (*models.FeedCacheEntry, error) {
	v, ok := c.store.Get(name)
	if !ok {
		return nil, nil
	}
	return clone(v.(*models.FeedCacheEntry)), nil
}

func (c *MemoryFeedCache) Put(_ context.Context, entry *models.FeedCacheEntry) error {
	c.store.Set(entry.Name, clone(entry), gocache.DefaultExpiration)
	return nil
}

// Len returns the number of cached layers.
func (c *MemoryFeedCache) Len() int {
	return c.store.ItemCount()
}

func clone(e *models.FeedCacheEntry) *models.FeedCacheEntry {
	cp := *e
	if e.Payload != nil {
		cp.Payload = append([]byte(nil), e.Payload...)
	}
	return &cp
}
