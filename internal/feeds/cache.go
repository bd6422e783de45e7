package feeds

import (
	"context"

	"github.com/reliefmap/locus/internal/models"
)

// CacheStore keeps the last good payload of each layer. Get returns nil, nil
// when the layer has never been cached.
type CacheStore interface {
	Get(ctx context.Context, name string) (*models.FeedCacheEntry, error)
	Put(ctx context.Context, entry *models.FeedCacheEntry) error
}
