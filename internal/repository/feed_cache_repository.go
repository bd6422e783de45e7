package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/reliefmap/locus/internal/database"
	"github.com/reliefmap/locus/internal/models"
)

// FeedCacheRepository persists the last good payload of each feed layer in
// the feed_cache table.
type FeedCacheRepository struct {
	db database.Querier
}

// NewFeedCacheRepository creates a FeedCacheRepository.
func NewFeedCacheRepository(db database.Querier) *FeedCacheRepository {
	return &FeedCacheRepository{db: db}
}

// Get returns the cached entry for name, or nil, nil when none exists.
func (r *FeedCacheRepository) Get(ctx context.Context, name string) (*models.FeedCacheEntry, error) {
	query := `SELECT name, url, payload, modified_on FROM feed_cache WHERE name = $1`

	var entry models.FeedCacheEntry
	err := r.db.QueryRow(ctx, query, name).Scan(&entry.Name, &entry.URL, &entry.Payload, &entry.ModifiedOn)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read feed cache %q: %w", name, err)
	}
	return &entry, nil
}

// Put replaces the cached entry for entry.Name.
func (r *FeedCacheRepository) Put(ctx context.Context, entry *models.FeedCacheEntry) error {
	query := `
		INSERT INTO feed_cache (name, url, payload, modified_on)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE
		SET url = EXCLUDED.url, payload = EXCLUDED.payload, modified_on = EXCLUDED.modified_on
	`
	if _, err := r.db.Exec(ctx, query, entry.Name, entry.URL, entry.Payload, entry.ModifiedOn); err != nil {
		return fmt.Errorf("failed to write feed cache %q: %w", entry.Name, err)
	}
	return nil
}
