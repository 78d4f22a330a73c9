// Package queue implements the device message queue: a per-(account,device)
// ordered envelope queue plus a by-GUID index, both manipulated exclusively
// through server-side Lua scripts so insert, read, remove, and trim stay
// atomic against concurrent writers.
package queue

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// hashTag returns the acct:dev identifier shared by every cache key for a
// single device queue, so the cluster co-locates them on one shard.
func hashTag(account uuid.UUID, device uint32) string {
	return fmt.Sprintf("%s:%d", account, device)
}

func queueKey(account uuid.UUID, device uint32) string {
	return fmt.Sprintf("user_queue::{%s}", hashTag(account, device))
}

func metadataKey(account uuid.UUID, device uint32) string {
	return fmt.Sprintf("user_queue_metadata::{%s}", hashTag(account, device))
}

func persistFlagKey(account uuid.UUID, device uint32) string {
	return fmt.Sprintf("user_queue_persist_in_progress::{%s}", hashTag(account, device))
}

func counterKey(account uuid.UUID, device uint32) string {
	return fmt.Sprintf("user_queue_counter::{%s}", hashTag(account, device))
}

// WakeChannel is the per-queue pub/sub channel used for "new-message" and
// "messagesPersisted" keyspace notifications.
func WakeChannel(account uuid.UUID, device uint32) string {
	return fmt.Sprintf("user_queue_channel::{%s}", hashTag(account, device))
}

// ShardIndexKey is persist_queue_index::{shard}: the shard-local
// enumeration of queues the persister scans.
func ShardIndexKey(shard int) string {
	return fmt.Sprintf("persist_queue_index::{%d}", shard)
}

// Shard deterministically maps a device queue onto one of shardCount
// persister shards, independent of the cache cluster's own key
// distribution (the cluster shards by hash tag; the persister shards by
// this function so it can bound work per run regardless of cluster
// topology).
func Shard(account uuid.UUID, device uint32, shardCount int) int {
	h := fnv1a(hashTag(account, device))
	return int(h % uint64(shardCount))
}

// ParseHashTag reverses hashTag, recovering the (account, device) pair a
// shard index member string identifies. Used by internal/persist when it
// scans persist_queue_index::{shard} and needs to reconstruct a Queue for
// each candidate member.
func ParseHashTag(tag string) (account uuid.UUID, device uint32, err error) {
	idx := strings.LastIndexByte(tag, ':')
	if idx < 0 {
		return uuid.Nil, 0, fmt.Errorf("queue: malformed shard index member %q", tag)
	}
	account, err = uuid.Parse(tag[:idx])
	if err != nil {
		return uuid.Nil, 0, fmt.Errorf("queue: malformed account in %q: %w", tag, err)
	}
	dev, err := strconv.ParseUint(tag[idx+1:], 10, 32)
	if err != nil {
		return uuid.Nil, 0, fmt.Errorf("queue: malformed device in %q: %w", tag, err)
	}
	return account, uint32(dev), nil
}

func fnv1a(s string) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	h := uint64(offset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}
