package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ortusmarket/convo-core/internal/models"
)

const cacheTimeout = 2 * time.Second

// SnapshotCache keeps the latest thread summaries in Redis so a fresh session
// can render the thread list before the Inbox API answers. Cache failures are
// logged and never fatal. A nil *SnapshotCache disables caching.
type SnapshotCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	log    zerolog.Logger
}

// NewSnapshotCache constructs a snapshot cache around an existing client.
func NewSnapshotCache(client *redis.Client, prefix string, ttl time.Duration, logger zerolog.Logger) *SnapshotCache {
	return &SnapshotCache{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		log:    logger.With().Str("component", "snapshot_cache").Logger(),
	}
}

// Save writes a thread summary snapshot, best effort.
func (c *SnapshotCache) Save(thread models.Thread) {
	if c == nil || c.client == nil {
		return
	}

	payload, err := json.Marshal(thread)
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to marshal thread snapshot")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cacheTimeout)
	defer cancel()

	if err := c.client.Set(ctx, c.key(thread.ID), payload, c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Str("thread_id", thread.ID).Msg("failed to cache thread snapshot")
	}
}

// Load reads a cached thread summary, if present.
func (c *SnapshotCache) Load(id string) (models.Thread, bool) {
	if c == nil || c.client == nil {
		return models.Thread{}, false
	}

	ctx, cancel := context.WithTimeout(context.Background(), cacheTimeout)
	defer cancel()

	raw, err := c.client.Get(ctx, c.key(id)).Result()
	if err != nil {
		return models.Thread{}, false
	}

	var thread models.Thread
	if err := json.Unmarshal([]byte(raw), &thread); err != nil {
		c.log.Warn().Err(err).Str("thread_id", id).Msg("failed to unmarshal cached thread snapshot")
		return models.Thread{}, false
	}

	return thread, true
}

func (c *SnapshotCache) key(id string) string {
	return fmt.Sprintf("%s:thread:%s", c.prefix, id)
}
