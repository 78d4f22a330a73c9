package queue

// Lua scripts implementing atomic operations. Each keeps a
// single device queue's four hash-tagged keys (queue, metadata, counter,
// persist flag) consistent within one EVALSHA round trip.
//
// The shard membership index (persist_queue_index::{shard}, ) is
// intentionally NOT touched from inside these scripts: its key lives on a
// different hash slot than a given device's four keys (shards are a
// modulo-bounded bucket shared by many devices, not this device's hash
// tag), and a Redis Cluster script may only touch keys on one slot.
// Callers in queue.go update the shard index with a best-effort command
// immediately after a script indicates the queue transitioned
// empty<->non-empty; the shard index is therefore an eventually
// consistent discovery aid for the persister, never a source of truth for
// the queue's own contents.
const (
	insertScript = `
local qid = redis.call('INCR', KEYS[3])
redis.call('ZADD', KEYS[1], qid, ARGV[1])
redis.call('HSET', KEYS[2], ARGV[2], qid)
redis.call('PUBLISH', ARGV[3], 'new-message')
local wasEmpty = 0
if redis.call('ZCARD', KEYS[1]) == 1 then wasEmpty = 1 end
return {qid, wasEmpty}
`

	getAllScript = `
return redis.call('ZRANGEBYSCORE', KEYS[1], '(' .. ARGV[1], '+inf', 'LIMIT', 0, ARGV[2])
`

	removeByGUIDScript = `
local qid = redis.call('HGET', KEYS[2], ARGV[1])
if not qid then return {false, 0} end
local members = redis.call('ZRANGEBYSCORE', KEYS[1], qid, qid)
redis.call('HDEL', KEYS[2], ARGV[1])
if #members == 0 then return {false, 0} end
redis.call('ZREM', KEYS[1], members[1])
local nowEmpty = 0
if redis.call('ZCARD', KEYS[1]) == 0 then nowEmpty = 1 end
return {members[1], nowEmpty}
`

	removeByTimestampAndSenderScript = `
local scanLimit = tonumber(ARGV[3])
local members = redis.call('ZRANGE', KEYS[1], 0, scanLimit - 1)
local scanned = 0
for _, m in ipairs(members) do
  scanned = scanned + 1
  local ok, env = pcall(cjson.decode, m)
  if ok and env.server_ts_ms == tonumber(ARGV[1]) and env.source_account == ARGV[2] then
    redis.call('ZREM', KEYS[1], m)
    redis.call('HDEL', KEYS[2], env.guid)
    local nowEmpty = 0
    if redis.call('ZCARD', KEYS[1]) == 0 then nowEmpty = 1 end
    return {m, scanned, nowEmpty, 0}
  end
end
local truncated = 0
if #members >= scanLimit and redis.call('ZCARD', KEYS[1]) > scanLimit then truncated = 1 end
return {false, scanned, 0, truncated}
`

	drainAndTrimScript = `
local members = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if #members == 0 then return {{}, 0} end
for _, m in ipairs(members) do
  local ok, env = pcall(cjson.decode, m)
  if ok then redis.call('HDEL', KEYS[2], env.guid) end
end
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local nowEmpty = 0
if redis.call('ZCARD', KEYS[1]) == 0 then nowEmpty = 1 end
return {members, nowEmpty}
`

	peekHeadScript = `
local head = redis.call('ZRANGE', KEYS[1], 0, 0)
if #head == 0 then return false end
return head[1]
`

	peekPageScript = `
return redis.call('ZRANGE', KEYS[1], 0, tonumber(ARGV[1]) - 1, 'WITHSCORES')
`

	acquirePersistFlagScript = `
local ok = redis.call('SET', KEYS[1], '1', 'NX', 'EX', ARGV[1])
if ok then return 1 end
return 0
`

	releasePersistFlagScript = `
redis.call('DEL', KEYS[1])
return 1
`
)

const (
	scriptInsert            = "queue_insert"
	scriptGetAll            = "queue_get_all"
	scriptRemoveByGUID      = "queue_remove_by_guid"
	scriptRemoveByTsSender  = "queue_remove_by_ts_sender"
	scriptDrainAndTrim      = "queue_drain_and_trim"
	scriptPeekHead          = "queue_peek_head"
	scriptPeekPage          = "queue_peek_page"
	scriptAcquirePersistFlag = "queue_acquire_persist_flag"
	scriptReleasePersistFlag = "queue_release_persist_flag"
)

// registerScripts compiles every script used by this package against c.
// Called once at Queue construction time, matching "loaded
// lazily" model at the point of first real use (component construction).
func registerScripts(c scriptRegisterer) {
	c.RegisterScript(scriptInsert, insertScript)
	c.RegisterScript(scriptGetAll, getAllScript)
	c.RegisterScript(scriptRemoveByGUID, removeByGUIDScript)
	c.RegisterScript(scriptRemoveByTsSender, removeByTimestampAndSenderScript)
	c.RegisterScript(scriptDrainAndTrim, drainAndTrimScript)
	c.RegisterScript(scriptPeekHead, peekHeadScript)
	c.RegisterScript(scriptPeekPage, peekPageScript)
	c.RegisterScript(scriptAcquirePersistFlag, acquirePersistFlagScript)
	c.RegisterScript(scriptReleasePersistFlag, releasePersistFlagScript)
}

type scriptRegisterer interface {
	RegisterScript(name, src string)
}
