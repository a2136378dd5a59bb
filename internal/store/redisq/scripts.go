package redisq

import "github.com/redis/go-redis/v9"

// Lua scripts keep multi-key transitions atomic across processes. A message
// is stored in two halves: the payload-bearing body (immutable after
// enqueue) and a small delivery-state document (attempt, lastError,
// failureHistory). Scripts may decode the body to read its priority, but
// only ever re-encode the delivery state; the payload bytes are never run
// through cjson, which would turn empty arrays into objects and round large
// integers. Ready zsets are scored by creation-time millis (the first 16 hex
// chars of the id), so equal-score lexical ordering preserves FIFO.

// promoteScript moves due delayed messages into their ready tier.
// KEYS: 1=delay 2=msg 3=ready:0 4=ready:1 5=ready:2
// ARGV: 1=nowMs 2=limit
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  local raw = redis.call('HGET', KEYS[2], id)
  if raw then
    local env = cjson.decode(raw)
    local rank = 1
    if env['priority'] == 'high' then rank = 0 elseif env['priority'] == 'low' then rank = 2 end
    local score = tonumber(string.sub(id, 1, 16), 16)
    redis.call('ZADD', KEYS[3 + rank], score, id)
  end
end
return #due
`)

// leaseScript claims up to n ready messages, high tier first.
// KEYS: 1=ready:0 2=ready:1 3=ready:2 4=msg 5=meta 6=lease 7=lease_exp
// ARGV: 1=expiresMs 2=n 3..=tokens (one per claim slot)
// Returns a flat array of [id, bodyJSON, deliveryJSON, token, ...].
var leaseScript = redis.NewScript(`
local out = {}
local want = tonumber(ARGV[2])
local slot = 0
for tier = 1, 3 do
  while slot < want do
    local ids = redis.call('ZRANGE', KEYS[tier], 0, 0)
    if #ids == 0 then break end
    local id = ids[1]
    redis.call('ZREM', KEYS[tier], id)
    local body = redis.call('HGET', KEYS[4], id)
    if body then
      local token = ARGV[3 + slot]
      redis.call('HSET', KEYS[6], id, token)
      redis.call('ZADD', KEYS[7], tonumber(ARGV[1]), id)
      out[#out + 1] = id
      out[#out + 1] = body
      out[#out + 1] = redis.call('HGET', KEYS[5], id) or '{"attempt":0}'
      out[#out + 1] = token
      slot = slot + 1
    end
  end
end
return out
`)

// completionGuard verifies the caller's token before a terminal transition.
// Shared preamble semantics: 1 = ok, 0 = message already gone, -1 = lease
// lost.

// ackScript removes a message under its lease.
// KEYS: 1=msg 2=meta 3=lease 4=lease_exp
// ARGV: 1=id 2=token
var ackScript = redis.NewScript(`
local token = redis.call('HGET', KEYS[3], ARGV[1])
if not token then
  if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then return -1 end
  return 0
end
if token ~= ARGV[2] then return -1 end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
return 1
`)

// extendScript renews a lease expiry.
// KEYS: 1=msg 2=lease 3=lease_exp
// ARGV: 1=id 2=token 3=newExpiresMs
var extendScript = redis.NewScript(`
local token = redis.call('HGET', KEYS[2], ARGV[1])
if not token then
  if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then return -1 end
  return 0
end
if token ~= ARGV[2] then return -1 end
redis.call('ZADD', KEYS[3], tonumber(ARGV[3]), ARGV[1])
return 1
`)

// retryScript persists the mutated delivery state and schedules redelivery.
// The body is left untouched.
// KEYS: 1=msg 2=meta 3=lease 4=lease_exp 5=delay 6=ready:0 7=ready:1 8=ready:2
// ARGV: 1=id 2=token 3=deliveryJSON 4=readyAtMs (0 = ready now) 5=rank
var retryScript = redis.NewScript(`
local token = redis.call('HGET', KEYS[3], ARGV[1])
if not token then
  if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then return -1 end
  return 0
end
if token ~= ARGV[2] then return -1 end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
local readyAt = tonumber(ARGV[4])
if readyAt > 0 then
  redis.call('ZADD', KEYS[5], readyAt, ARGV[1])
else
  local score = tonumber(string.sub(ARGV[1], 1, 16), 16)
  redis.call('ZADD', KEYS[6 + tonumber(ARGV[5])], score, ARGV[1])
end
return 1
`)

// moveDLQScript terminally moves a message into the dead-letter area.
// KEYS: 1=msg 2=meta 3=lease 4=lease_exp 5=dlq 6=dlq_at
// ARGV: 1=id 2=token 3=entryJSON 4=deadAtMs
var moveDLQScript = redis.NewScript(`
local token = redis.call('HGET', KEYS[3], ARGV[1])
if not token then
  if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then return -1 end
  return 0
end
if token ~= ARGV[2] then return -1 end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('HSET', KEYS[5], ARGV[1], ARGV[3])
redis.call('ZADD', KEYS[6], tonumber(ARGV[4]), ARGV[1])
return 1
`)

// reclaimScript returns lapsed leases to availability, applying the implicit
// nack policy and dead-lettering messages that exhaust their budget. Only
// the delivery state is re-encoded; a dead-letter entry is built by splicing
// the encoded state onto the verbatim body bytes.
// KEYS: 1=lease_exp 2=lease 3=msg 4=meta 5=ready:0 6=ready:1 7=ready:2 8=dlq 9=dlq_at
// ARGV: 1=nowMs 2=max 3=implicitNack(0/1) 4=maxRetries 5=enableDLQ(0/1)
//       6=queueName 7=failureReason 8=nowISO
var reclaimScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local handled = 0
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('HDEL', KEYS[2], id)
  local body = redis.call('HGET', KEYS[3], id)
  if body then
    local dead = false
    local state = nil
    if tonumber(ARGV[3]) == 1 then
      local rawState = redis.call('HGET', KEYS[4], id)
      if rawState then state = cjson.decode(rawState) else state = {} end
      state['attempt'] = (state['attempt'] or 0) + 1
      state['lastError'] = ARGV[7]
      local history = state['failureHistory']
      if type(history) ~= 'table' then history = {} end
      history[#history + 1] = {attempt = state['attempt'], error = ARGV[7], timestamp = ARGV[8]}
      state['failureHistory'] = history
      if state['attempt'] > tonumber(ARGV[4]) then dead = true end
    end
    if dead then
      redis.call('HDEL', KEYS[3], id)
      redis.call('HDEL', KEYS[4], id)
      if tonumber(ARGV[5]) == 1 then
        state['queueName'] = ARGV[6]
        state['deadLetteredAt'] = ARGV[8]
        local entry = string.sub(body, 1, #body - 1) .. ',' .. string.sub(cjson.encode(state), 2)
        redis.call('HSET', KEYS[8], id, entry)
        redis.call('ZADD', KEYS[9], tonumber(ARGV[1]), id)
      end
    else
      if state then
        redis.call('HSET', KEYS[4], id, cjson.encode(state))
      end
      local env = cjson.decode(body)
      local rank = 1
      if env['priority'] == 'high' then rank = 0 elseif env['priority'] == 'low' then rank = 2 end
      local score = tonumber(string.sub(id, 1, 16), 16)
      redis.call('ZADD', KEYS[5 + rank], score, id)
    end
    handled = handled + 1
  end
end
return handled
`)

// takeDLQScript atomically removes and returns one dead-letter entry.
// KEYS: 1=dlq 2=dlq_at
// ARGV: 1=id
var takeDLQScript = redis.NewScript(`
local raw = redis.call('HGET', KEYS[1], ARGV[1])
if not raw then return false end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return raw
`)

// purgeDLQScript clears the dead-letter area and reports the entry count.
// KEYS: 1=dlq 2=dlq_at
var purgeDLQScript = redis.NewScript(`
local n = redis.call('HLEN', KEYS[1])
redis.call('DEL', KEYS[1], KEYS[2])
return n
`)
