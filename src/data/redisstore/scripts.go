package redisstore

import "github.com/redis/go-redis/v9"

// All keys share the prefix, which carries a {hash tag} so each script touches one slot.
// KEYS[1] is the id counter, a key in that slot, so cluster clients route by it.
// ARGV[1] is always the prefix.

const (
	statusOK       = 0
	statusNotFound = -1
	statusVoted    = -2
)

var createScript = redis.NewScript(`
local p = ARGV[1]
local id = tostring(redis.call('INCR', p .. ':next_id'))
redis.call('HSET', p .. ':proposal:' .. id,
  'text', ARGV[2], 'author_id', ARGV[3], 'author_name', ARGV[4],
  'votes', '0', 'created_at', ARGV[5])
redis.call('ZADD', p .. ':proposals', id, id)
redis.call('HINCRBY', p .. ':participation', ARGV[3], '1')
if ARGV[4] ~= '' then
  redis.call('HSET', p .. ':names', ARGV[3], ARGV[4])
end
return tonumber(id)
`)

// ARGV: prefix, proposal id, voter id, voter name, cast at, policy.
// Returns {status, revoked, proposal fields...}.
var castScript = redis.NewScript(`
local p, pid, uid = ARGV[1], ARGV[2], ARGV[3]
local pkey = p .. ':proposal:' .. pid
if redis.call('EXISTS', pkey) == 0 then
  return {-1, 0}
end
local bkey = p .. ':ballots:' .. pid
if redis.call('HEXISTS', bkey, uid) == 1 then
  return {-2, 0}
end
local vkey = p .. ':voter:' .. uid
local revoked = 0
if ARGV[6] == 'single' then
  for _, old in ipairs(redis.call('SMEMBERS', vkey)) do
    redis.call('HDEL', p .. ':ballots:' .. old, uid)
    if redis.call('EXISTS', p .. ':proposal:' .. old) == 1 then
      redis.call('HINCRBY', p .. ':proposal:' .. old, 'votes', '-1')
    end
    redis.call('SREM', vkey, old)
    revoked = tonumber(old)
  end
end
redis.call('HSET', bkey, uid, ARGV[5] .. ':' .. ARGV[4])
redis.call('SADD', vkey, pid)
redis.call('HINCRBY', pkey, 'votes', '1')
redis.call('HINCRBY', p .. ':participation', uid, '1')
if ARGV[4] ~= '' then
  redis.call('HSET', p .. ':names', uid, ARGV[4])
end
local out = {0, revoked}
for _, v in ipairs(redis.call('HGETALL', pkey)) do
  table.insert(out, v)
end
return out
`)

// ARGV: prefix, proposal id. Returns 1 if deleted, 0 if missing.
var deleteScript = redis.NewScript(`
local p, pid = ARGV[1], ARGV[2]
local pkey = p .. ':proposal:' .. pid
if redis.call('EXISTS', pkey) == 0 then
  return 0
end
local bkey = p .. ':ballots:' .. pid
for _, uid in ipairs(redis.call('HKEYS', bkey)) do
  redis.call('SREM', p .. ':voter:' .. uid, pid)
end
redis.call('DEL', bkey, pkey)
redis.call('ZREM', p .. ':proposals', pid)
return 1
`)

// Returns {{id, fields...}, ...} by ascending id.
var listScript = redis.NewScript(`
local p = ARGV[1]
local out = {}
for _, id in ipairs(redis.call('ZRANGE', p .. ':proposals', 0, -1)) do
  local row = {id}
  for _, v in ipairs(redis.call('HGETALL', p .. ':proposal:' .. id)) do
    table.insert(row, v)
  end
  table.insert(out, row)
end
return out
`)

// Returns {{proposal id, voter id, "castAt:name"}, ...}.
var ballotsScript = redis.NewScript(`
local p = ARGV[1]
local out = {}
for _, id in ipairs(redis.call('ZRANGE', p .. ':proposals', 0, -1)) do
  local entries = redis.call('HGETALL', p .. ':ballots:' .. id)
  for i = 1, #entries, 2 do
    table.insert(out, {id, entries[i], entries[i + 1]})
  end
end
return out
`)

// Clears everything except the id counter.
var resetScript = redis.NewScript(`
local p = ARGV[1]
for _, id in ipairs(redis.call('ZRANGE', p .. ':proposals', 0, -1)) do
  redis.call('DEL', p .. ':proposal:' .. id, p .. ':ballots:' .. id)
end
for _, uid in ipairs(redis.call('HKEYS', p .. ':participation')) do
  redis.call('DEL', p .. ':voter:' .. uid)
end
redis.call('DEL', p .. ':proposals', p .. ':participation', p .. ':names')
return 1
`)
