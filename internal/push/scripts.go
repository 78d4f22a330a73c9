package push

const (
	scriptScheduleAdd    = "push_schedule_add"
	scriptScheduleCancel = "push_schedule_cancel"
	scriptPopDue         = "push_schedule_pop_due"
)

// scheduleAddSrc adds member to the schedule at score notBefore, but only
// lowers an existing entry's score (ZADD's LT flag), never raises it: a
// redundant Schedule call must not push an earlier pending attempt later.
const scheduleAddSrc = `
redis.call('ZADD', KEYS[1], 'LT', ARGV[1], ARGV[2])
return 1
`

// scheduleCancelSrc removes member unconditionally, used on client ACK.
const scheduleCancelSrc = `
redis.call('ZREM', KEYS[1], ARGV[1])
return 1
`

// popDueSrc atomically reads and removes up to ARGV[2] members scored at
// or below ARGV[1] (now), so two instances racing the same poll tick never
// both dispatch the same device.
const popDueSrc = `
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
if #due > 0 then
  redis.call('ZREM', KEYS[1], unpack(due))
end
return due
`
