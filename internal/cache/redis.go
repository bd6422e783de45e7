package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/reliefmap/locus/internal/config"
	"github.com/reliefmap/locus/internal/logger"
	"github.com/reliefmap/locus/internal/models"
)

const redisKeyPrefix = "locus:feed:"

// redisEntry is the stored form; Payload is excluded from the model's JSON.
type redisEntry struct {
	Name       string    `json:"name"`
	URL        string    `json:"url"`
	Payload    []byte    `json:"payload"`
	ModifiedOn time.Time `json:"modified_on"`
}

// RedisFeedCache shares feed payloads between server instances.
type RedisFeedCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *logger.Logger
}

// NewRedisClient creates a client for cfg and checks it answers.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// NewRedisFeedCache creates a RedisFeedCache. A ttl of zero keeps entries
// until they are replaced.
func NewRedisFeedCache(client *redis.Client, ttl time.Duration, log *logger.Logger) *RedisFeedCache {
	return &RedisFeedCache{client: client, ttl: ttl, log: log.WithComponent("redis_feed_cache")}
}

func (c *RedisFeedCache) Get(ctx context.Context, name string) (*models.FeedCacheEntry, error) {
	val, err := c.client.Get(ctx, redisKeyPrefix+name).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("feed cache get %q: %w", name, err)
	}

	var stored redisEntry
	if err := json.Unmarshal(val, &stored); err != nil {
		c.log.Warn("Discarding unreadable feed cache entry", map[string]interface{}{
			"layer": name,
			"error": err.Error(),
		})
		return nil, nil
	}
	return &models.FeedCacheEntry{
		Name:       stored.Name,
		URL:        stored.URL,
		Payload:    stored.Payload,
		ModifiedOn: stored.ModifiedOn,
	}, nil
}

func (c *RedisFeedCache) Put(ctx context.Context, entry *models.FeedCacheEntry) error {
	data, err := json.Marshal(redisEntry{
		Name:       entry.Name,
		URL:        entry.URL,
		Payload:    entry.Payload,
		ModifiedOn: entry.ModifiedOn,
	})
	if err != nil {
		return fmt.Errorf("feed cache encode %q: %w", entry.Name, err)
	}
	if err := c.client.Set(ctx, redisKeyPrefix+entry.Name, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("feed cache set %q: %w", entry.Name, err)
	}
	c.log.Debug("Feed cached", map[string]interface{}{"layer": entry.Name, "bytes": len(entry.Payload)})
	return nil
}
