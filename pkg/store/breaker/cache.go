// Package breaker (store-side) persists the circuit breaker's disabled-
// endpoint entries to Redis. The engine writes and deletes entries here but
// never reads them back into the breaker registry, so a restarted engine
// process starts with every breaker closed. This repurposes the teacher's
// Redis Streams job queue dependency into a small key-value cache (one JSON
// string per key, with a TTL), since a
// single-process engine that calls endpoints directly has no use for a
// cross-node dispatch queue.
package breaker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nightcrew/skedge/pkg/models"
)

const keyPrefix = "skedge:breaker:"

// Cache is a Redis-backed persistence layer for DisabledEndpointMap
// entries, keyed by "<jobID>:<endpointID>".
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

func New(rdb *redis.Client, entryTTL time.Duration) *Cache {
	if entryTTL <= 0 {
		entryTTL = 24 * time.Hour
	}
	return &Cache{rdb: rdb, ttl: entryTTL}
}

func cacheKey(jobID, endpointID string) string {
	return fmt.Sprintf("%s%s:%s", keyPrefix, jobID, endpointID)
}

// Put persists a disabled-endpoint entry.
func (c *Cache) Put(ctx context.Context, jobID, endpointID string, entry models.DisabledEndpointEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, cacheKey(jobID, endpointID), data, c.ttl).Err()
}

// Get retrieves a persisted disabled-endpoint entry, if any.
func (c *Cache) Get(ctx context.Context, jobID, endpointID string) (models.DisabledEndpointEntry, bool, error) {
	data, err := c.rdb.Get(ctx, cacheKey(jobID, endpointID)).Bytes()
	if err == redis.Nil {
		return models.DisabledEndpointEntry{}, false, nil
	}
	if err != nil {
		return models.DisabledEndpointEntry{}, false, err
	}
	var entry models.DisabledEndpointEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return models.DisabledEndpointEntry{}, false, err
	}
	return entry, true, nil
}

// Delete removes a persisted disabled-endpoint entry. The cycle processor
// calls it after each successful call to the endpoint; entries whose cooldown
// has elapsed are otherwise left to expire with the key's TTL.
func (c *Cache) Delete(ctx context.Context, jobID, endpointID string) error {
	return c.rdb.Del(ctx, cacheKey(jobID, endpointID)).Err()
}
