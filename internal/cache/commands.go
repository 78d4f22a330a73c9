package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// AddToSet issues a best-effort SADD against key. Used for the persister's
// shard discovery index, which deliberately lives outside the per-queue
// Lua scripts because it sits on a different hash slot than any single
// device's hash-tagged keys.
func (c *Client) AddToSet(ctx context.Context, key, member string) error {
	_, err := c.Do(ctx, func(ctx context.Context, rdb redis.UniversalClient) (any, error) {
		return rdb.SAdd(ctx, key, member).Result()
	})
	return err
}

// RemoveFromSet issues a best-effort SREM against key.
func (c *Client) RemoveFromSet(ctx context.Context, key, member string) error {
	_, err := c.Do(ctx, func(ctx context.Context, rdb redis.UniversalClient) (any, error) {
		return rdb.SRem(ctx, key, member).Result()
	})
	return err
}

// ScanSet enumerates up to limit members of a set key using SSCAN, bounding
// work per call rather than pulling the whole set with SMEMBERS. Used by
// the persister to walk persist_queue_index::{shard} a page at a time.
func (c *Client) ScanSet(ctx context.Context, key string, cursor uint64, limit int64) (members []string, nextCursor uint64, err error) {
	res, err := c.Do(ctx, func(ctx context.Context, rdb redis.UniversalClient) (any, error) {
		m, cur, err := rdb.SScan(ctx, key, cursor, "", limit).Result()
		if err != nil {
			return nil, err
		}
		return sscanResult{members: m, cursor: cur}, nil
	})
	if err != nil {
		return nil, 0, err
	}
	r := res.(sscanResult)
	return r.members, r.cursor, nil
}

type sscanResult struct {
	members []string
	cursor  uint64
}

// SetPresence sets key unconditionally with the given TTL, matching
// setPresent semantics at the storage layer (the
// displacement-detection logic lives in internal/presence, which reads
// the prior value via GetString before calling this).
func (c *Client) SetPresence(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := c.Do(ctx, func(ctx context.Context, rdb redis.UniversalClient) (any, error) {
		return rdb.Set(ctx, key, value, ttl).Result()
	})
	return err
}

// GetString returns the current value of key, or ErrNil if absent.
func (c *Client) GetString(ctx context.Context, key string) (string, error) {
	res, err := c.Do(ctx, func(ctx context.Context, rdb redis.UniversalClient) (any, error) {
		return rdb.Get(ctx, key).Result()
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

// Expire refreshes key's TTL without changing its value (the presence
// heartbeat of ).
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := c.Do(ctx, func(ctx context.Context, rdb redis.UniversalClient) (any, error) {
		return rdb.Expire(ctx, key, ttl).Result()
	})
	return err
}

// DeleteIfMatch deletes key only if its current value equals expected, as
// an atomic compare-and-delete. Implements clearPresence
// ("delete only if current value matches our server id (script)").
func (c *Client) DeleteIfMatch(ctx context.Context, key, expected string) (bool, error) {
	res, err := c.RunScript(ctx, scriptDeleteIfMatch, []string{key}, expected)
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// Incr atomically increments key (creating it at 1 if absent) and returns
// the new value. Used by internal/persist for the shard-cursor counter
// that picks "the next shard to process".
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	res, err := c.Do(ctx, func(ctx context.Context, rdb redis.UniversalClient) (any, error) {
		return rdb.Incr(ctx, key).Result()
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

// AcquireLock sets key to value only if absent, with the given TTL,
// returning true if acquired. Used by internal/persist for the per-shard
// processing lease; release is DeleteIfMatch(key, value), so a lease holder never
// releases a lease it no longer owns after its own TTL already expired and
// someone else claimed it.
func (c *Client) AcquireLock(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	res, err := c.Do(ctx, func(ctx context.Context, rdb redis.UniversalClient) (any, error) {
		return rdb.SetNX(ctx, key, value, ttl).Result()
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

const scriptDeleteIfMatch = "cache_delete_if_match"

const deleteIfMatchSrc = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`
