package redisstore

import (
	"github.com/redis/go-redis/v9"
)

// ensureTimeLua defines ensure_time, shared by every script that touches the
// timeline. The Time sorted set holds one member per timestamp (scored by it),
// and the Time_NEXT hash maps each timestamp to its successor. Overwriting the
// predecessor's field is what removes the link the new node cuts in two.
const ensureTimeLua = `
local function ensure_time(time_key, next_key, ts)
  if redis.call('ZSCORE', time_key, ts) then
    return 0
  end
  local prev = redis.call('ZREVRANGEBYSCORE', time_key, '(' .. ts, '-inf', 'LIMIT', 0, 1)
  local succ = redis.call('ZRANGEBYSCORE', time_key, '(' .. ts, '+inf', 'LIMIT', 0, 1)
  redis.call('ZADD', time_key, ts, ts)
  if prev[1] then
    redis.call('HSET', next_key, prev[1], ts)
  end
  if succ[1] then
    redis.call('HSET', next_key, ts, succ[1])
  end
  return 1
end
`

// ensureTimeScript inserts a timestamp on the timeline.
//
//	KEYS: Time, Time_NEXT
//	ARGV: timestamp
var ensureTimeScript = redis.NewScript(ensureTimeLua + `
return ensure_time(KEYS[1], KEYS[2], ARGV[1])
`)

// enqueueScript allocates the next command identifier of the active execution
// and queues the command. It returns nil when the execution is not active.
//
//	KEYS: executionId, commandCounter, PTCommand_UNPROCESSED, PTCommand_PROCESSED
//	ARGV: twinId, executionId, name, arguments
var enqueueScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[2] then
  return false
end
local id = redis.call('INCR', KEYS[2])
local key = 'PTCommand:' .. ARGV[1] .. ':' .. ARGV[2] .. ':' .. id
redis.call('DEL', key)
redis.call('HSET', key, 'twinId', ARGV[1], 'executionId', ARGV[2], 'name', ARGV[3], 'arguments', ARGV[4], 'commandId', id)
redis.call('ZREM', KEYS[4], key)
redis.call('ZADD', KEYS[3], id, key)
return id
`)

// dispatchScript moves a command from the unprocessed to the processed set,
// stamps it and inserts its timestamp on the timeline. It returns 0 when the
// command was not pending.
//
//	KEYS: PTCommand_UNPROCESSED, PTCommand_PROCESSED, command, Time, Time_NEXT
//	ARGV: commandId, timestamp
var dispatchScript = redis.NewScript(ensureTimeLua + `
if redis.call('ZREM', KEYS[1], KEYS[3]) == 0 then
  return 0
end
redis.call('ZADD', KEYS[2], ARGV[1], KEYS[3])
redis.call('HSET', KEYS[3], 'whenProcessed', ARGV[2])
ensure_time(KEYS[4], KEYS[5], ARGV[2])
return 1
`)

// appendScript records an event hash, indexes it in the processed set and the
// twin's history, and inserts its timestamp on the timeline.
//
//	KEYS: event, processed set, history set, Time, Time_NEXT
//	ARGV: score, timestamp, field, value, field, value...
var appendScript = redis.NewScript(ensureTimeLua + `
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
redis.call('ZADD', KEYS[2], ARGV[1], KEYS[1])
redis.call('ZADD', KEYS[3], ARGV[1], KEYS[1])
return ensure_time(KEYS[4], KEYS[5], ARGV[2])
`)
