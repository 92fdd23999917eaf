package waitlist

import "github.com/redis/go-redis/v9"

// enqueueScript adds a job to a priority list iff its ID is new to the
// campaign's membership index.
//
// KEYS: index, list
// ARGV: jobID, payload
var enqueueScript = redis.NewScript(`
if redis.call('SADD', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('RPUSH', KEYS[2], ARGV[2])
return 1
`)

// requeueFrontScript puts a job back at the head of its priority list after a
// failed admission, restoring index membership.
//
// KEYS: index, list
// ARGV: jobID, payload
var requeueFrontScript = redis.NewScript(`
redis.call('SADD', KEYS[1], ARGV[1])
redis.call('LPUSH', KEYS[2], ARGV[2])
return 1
`)

// reservePromoteScript pops waitlisted jobs and converts free slots into
// reservations, all inside one atomic pass so occupancy can never overshoot
// the limit.
//
// Selection is weighted round-robin: the cycle position decides which class
// is preferred and advances only when the preferred class supplied the
// promoted job, so an empty class never burns the other's turns. Jobs whose
// not-before time is in the future go back to the head of their list after
// the pass. Jobs already leased or reserved are dropped as duplicates.
//
// KEYS: highList, normalList, index, leases, reserved, limit, ledger,
//       fairness, promoteSeq
// ARGV: batch, nowMs, weightHigh, weightNormal
// Returns: { takenCount, pushbackCount, payload... } with promoteSeq stamped
// into each returned payload.
var reservePromoteScript = redis.NewScript(`
local batch = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local H = tonumber(ARGV[3])
local N = tonumber(ARGV[4])
local cycle = H + N
local maxPops = batch * 5

local limit = tonumber(redis.call('GET', KEYS[6]) or '0')
local taken = {}
local pbHigh = {}
local pbNorm = {}
local pops = 0

while #taken < batch and pops < maxPops do
  local card = redis.call('SCARD', KEYS[4])
  local reserved = tonumber(redis.call('GET', KEYS[5]) or '0')
  if reserved < 0 then reserved = 0 end
  if card + reserved >= limit then break end

  local pos = tonumber(redis.call('GET', KEYS[8]) or '0')
  local preferHigh = (pos % cycle) < H
  local listKey = KEYS[2]
  local otherKey = KEYS[1]
  if preferHigh then
    listKey = KEYS[1]
    otherKey = KEYS[2]
  end

  local fromPreferred = true
  local item = redis.call('LPOP', listKey)
  if not item then
    fromPreferred = false
    item = redis.call('LPOP', otherKey)
  end
  if not item then break end
  pops = pops + 1

  local ok, job = pcall(cjson.decode, item)
  if not ok or type(job) ~= 'table' or not job.campaignId or not job.contactRef then
    -- undecodable entries are dropped
  else
    local jobId = job.campaignId .. ':' .. job.contactRef .. ':' .. tostring(job.retryCount or 0)
    if job.nbf and tonumber(job.nbf) > now then
      if fromPreferred == preferHigh then
        table.insert(pbHigh, item)
      else
        table.insert(pbNorm, item)
      end
    else
      local dup = false
      if redis.call('ZSCORE', KEYS[7], 'H:' .. jobId) or redis.call('ZSCORE', KEYS[7], 'N:' .. jobId) then
        dup = true
      end
      if not dup and job.callId and job.callId ~= '' then
        if redis.call('SISMEMBER', KEYS[4], job.callId) == 1 or redis.call('SISMEMBER', KEYS[4], 'pre-' .. job.callId) == 1 then
          dup = true
        end
      end
      if dup then
        redis.call('SREM', KEYS[3], jobId)
      else
        local seq = redis.call('INCR', KEYS[9])
        job.promoteSeq = seq
        local prefix = 'N:'
        if job.priority == 'high' then prefix = 'H:' end
        redis.call('ZADD', KEYS[7], now, prefix .. jobId)
        redis.call('INCR', KEYS[5])
        redis.call('SREM', KEYS[3], jobId)
        table.insert(taken, cjson.encode(job))
        if fromPreferred then
          redis.call('SET', KEYS[8], (pos + 1) % cycle)
        end
      end
    end
  end
end

for i = #pbHigh, 1, -1 do redis.call('LPUSH', KEYS[1], pbHigh[i]) end
for i = #pbNorm, 1, -1 do redis.call('LPUSH', KEYS[2], pbNorm[i]) end

local res = {}
table.insert(res, tostring(#taken))
table.insert(res, tostring(#pbHigh + #pbNorm))
for _, p in ipairs(taken) do table.insert(res, p) end
return res
`)
