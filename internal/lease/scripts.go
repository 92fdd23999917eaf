package lease

import "github.com/redis/go-redis/v9"

// Every multi-key transition is one server-side script so two workers can
// never both observe card(leases)+reserved below the limit. redis.NewScript
// reloads on NOSCRIPT, which covers store restarts.

// acquirePreScript seeds the limit, then admits a pre-dial member iff
// card(leases)+reserved stays below the limit.
//
// KEYS: limit, leases, reserved, leaseKey, capKey
// ARGV: member, token, ttlMs, capMs, limitSeed
// Returns the token on success, "" on denial.
var acquirePreScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  redis.call('SET', KEYS[1], ARGV[5])
end
local limit = tonumber(redis.call('GET', KEYS[1]))
local card = redis.call('SCARD', KEYS[2])
local reserved = tonumber(redis.call('GET', KEYS[3]) or '0')
if reserved < 0 then reserved = 0 end
if card + reserved >= limit then
  return ''
end
if redis.call('SISMEMBER', KEYS[2], ARGV[1]) == 1 then
  return ''
end
redis.call('SADD', KEYS[2], ARGV[1])
redis.call('SET', KEYS[4], ARGV[2], 'PX', ARGV[3])
redis.call('SET', KEYS[5], '1', 'PX', ARGV[4])
return ARGV[2]
`)

// forceAcquirePreScript admits a pre-dial member without consulting the
// limit. Hard-sync path for jobs that bypassed the promote gate and kept
// failing normal admission.
//
// KEYS: leases, leaseKey, capKey
// ARGV: member, token, ttlMs, capMs
var forceAcquirePreScript = redis.NewScript(`
redis.call('SADD', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
redis.call('SET', KEYS[3], '1', 'PX', ARGV[4])
return ARGV[2]
`)

// upgradeScript swaps the pre-dial member for the active member. If the
// pre-lease is gone but the active lease already exists, the stored active
// token is returned so a retried upgrade reads as success.
//
// KEYS: leases, preLeaseKey, preCapKey, activeLeaseKey
// ARGV: preMember, activeMember, preToken, activeToken, activeTtlMs
// Returns the active token on success, "" on lost race.
var upgradeScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[2])
if not cur then
  if redis.call('SISMEMBER', KEYS[1], ARGV[2]) == 1 then
    local act = redis.call('GET', KEYS[4])
    if act then
      return act
    end
  end
  return ''
end
if cur ~= ARGV[3] then
  return ''
end
redis.call('SREM', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
redis.call('DEL', KEYS[3])
redis.call('SADD', KEYS[1], ARGV[2])
redis.call('SET', KEYS[4], ARGV[4], 'PX', ARGV[5])
return ARGV[4]
`)

// releaseScript removes a member iff the stored token matches. Idempotent:
// a second release returns 0 without mutating state.
//
// KEYS: leases, leaseKey, capKey
// ARGV: member, token
var releaseScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[2])
if not cur or cur ~= ARGV[2] then
  return 0
end
redis.call('DEL', KEYS[2])
redis.call('DEL', KEYS[3])
redis.call('SREM', KEYS[1], ARGV[1])
return 1
`)

// forceReleaseScript is the tokenless backstop for webhook paths: it tries
// the active member first, then the pre-dial member.
//
// KEYS: leases, activeLeaseKey, preLeaseKey, preCapKey
// ARGV: activeMember, preMember
var forceReleaseScript = redis.NewScript(`
local removed = 0
if redis.call('SREM', KEYS[1], ARGV[1]) == 1 then removed = 1 end
if redis.call('DEL', KEYS[2]) == 1 then removed = 1 end
if removed == 1 then
  return 1
end
if redis.call('SREM', KEYS[1], ARGV[2]) == 1 then removed = 1 end
if redis.call('DEL', KEYS[3]) == 1 then removed = 1 end
redis.call('DEL', KEYS[4])
return removed
`)

// renewScript extends a lease iff the token matches. The recovered sentinel
// is only honoured while the campaign's cold-start flag is blocking.
//
// KEYS: leaseKey, coldStartKey
// ARGV: token, ttlMs, sentinel
var renewScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur or cur ~= ARGV[1] then
  return 0
end
if ARGV[1] == ARGV[3] then
  local cs = redis.call('GET', KEYS[2])
  if cs ~= 'blocking' then
    return 0
  end
end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

// renewPreCappedScript extends a pre-dial lease but never past the hard cap
// key's remaining TTL, so a worker stuck in the telephony API cannot hold a
// slot forever.
//
// KEYS: preLeaseKey, preCapKey
// ARGV: token, ttlMs
var renewPreCappedScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur or cur ~= ARGV[1] then
  return 0
end
local cap = redis.call('PTTL', KEYS[2])
if cap <= 0 then
  return 0
end
local ttl = tonumber(ARGV[2])
if cap < ttl then
  ttl = cap
end
redis.call('PEXPIRE', KEYS[1], ttl)
return 1
`)
