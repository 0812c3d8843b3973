package rediskv

import "github.com/redis/go-redis/v9"

// Every multi-step mutation below is a single Lua script so Redis
// executes it as one atomic step, the same guarantee the memory backend
// gets from its mutex and the sql backend gets from a transaction (spec
// §4.2). now_ms and any lock token are always passed in as ARGV rather
// than computed inside the script, since Redis requires scripts to be
// deterministic (no TIME, no random) to stay replication-safe.
//
// Records are stored as a single cjson-encoded blob per key (response
// bytes carried base64-encoded inside the blob, since cjson cannot
// safely round-trip arbitrary binary through JSON string escaping).
// go-redis caches each script's SHA after its first EVAL, so steady
// state traffic runs EVALSHA (grounded on
// other_examples/de8b26b1 adrianmcphee-smarterbase's DistributedLock,
// which uses the same value-checked Lua EVAL release pattern).

var startProcessingScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
local now_ms = tonumber(ARGV[1])
local request_hash = ARGV[2]
local lock_ttl_ms = tonumber(ARGV[3])
local record_ttl_ms = tonumber(ARGV[4])
local lock_token = ARGV[5]
local endpoint = ARGV[6]
local method = ARGV[7]
local client_id = ARGV[8]

local existing = nil
if raw then
  existing = cjson.decode(raw)
  if existing.expires_at_ms <= now_ms then
    existing = nil
  end
end

local function store(rec, ttl_ms)
  redis.call('SET', KEYS[1], cjson.encode(rec))
  if ttl_ms < 1 then ttl_ms = 1 end
  redis.call('PEXPIRE', KEYS[1], ttl_ms)
end

if not existing then
  local rec = {
    request_hash = request_hash,
    status = 'PROCESSING',
    created_at_ms = now_ms,
    updated_at_ms = now_ms,
    expires_at_ms = now_ms + record_ttl_ms,
    lock_token = lock_token,
    lock_expires_at_ms = now_ms + lock_ttl_ms,
    endpoint = endpoint,
    method = method,
    client_id = client_id,
  }
  store(rec, record_ttl_ms)
  return cjson.encode({acquired=1, took_over=0, lock_token=lock_token, lock_expires_at_ms=rec.lock_expires_at_ms})
end

if existing.request_hash ~= request_hash then
  return cjson.encode({acquired=0, request_mismatch=1, existing_status=existing.status})
end

if existing.status == 'COMPLETED' then
  return cjson.encode({
    acquired=0, existing_status=existing.status,
    response=existing.response, http_status_code=existing.http_status_code,
    content_type=existing.content_type, headers_json=existing.headers_json,
  })
end

if existing.status == 'PROCESSING' and now_ms < existing.lock_expires_at_ms then
  return cjson.encode({acquired=0, existing_status='PROCESSING'})
end

-- Expired PROCESSING lock, or a terminal FAILED record: take over.
local rec = {
  request_hash = request_hash,
  status = 'PROCESSING',
  created_at_ms = existing.created_at_ms,
  updated_at_ms = now_ms,
  expires_at_ms = now_ms + record_ttl_ms,
  lock_token = lock_token,
  lock_expires_at_ms = now_ms + lock_ttl_ms,
  endpoint = endpoint,
  method = method,
  client_id = client_id,
}
store(rec, record_ttl_ms)
return cjson.encode({acquired=1, took_over=1, lock_token=lock_token, lock_expires_at_ms=rec.lock_expires_at_ms})
`)

var recordScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return cjson.encode({error='not_found'}) end
local existing = cjson.decode(raw)
local now_ms = tonumber(ARGV[1])
if existing.expires_at_ms <= now_ms then return cjson.encode({error='not_found'}) end

local lock_token = ARGV[2]
if lock_token == '' or existing.lock_token ~= lock_token then
  return cjson.encode({error='lock_mismatch'})
end

local response = ARGV[3]
local http_status_code = tonumber(ARGV[4])
local content_type = ARGV[5]
local headers_json = ARGV[6]
local ttl_ms = tonumber(ARGV[7])
local mark_failed = ARGV[8] == '1'
local error_code = ARGV[9]
local error_message = ARGV[10]

existing.response = response
existing.http_status_code = http_status_code
existing.content_type = content_type
existing.headers_json = headers_json
existing.updated_at_ms = now_ms
existing.completed_at_ms = now_ms
existing.expires_at_ms = now_ms + ttl_ms
existing.lock_token = nil
existing.lock_expires_at_ms = nil

if mark_failed then
  existing.status = 'FAILED'
  existing.error_code = error_code
  existing.error_message = error_message
else
  existing.status = 'COMPLETED'
  existing.error_code = nil
  existing.error_message = nil
end

redis.call('SET', KEYS[1], cjson.encode(existing))
local px = ttl_ms
if px < 1 then px = 1 end
redis.call('PEXPIRE', KEYS[1], px)

return cjson.encode({ok=1, record=existing})
`)

var releaseLockScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return cjson.encode({error='not_found'}) end
local existing = cjson.decode(raw)

local lock_token = ARGV[1]
if existing.lock_token ~= lock_token then return cjson.encode({error='lock_mismatch'}) end

local now_ms = tonumber(ARGV[2])
local mark_failed = ARGV[3] == '1'

if not mark_failed then
  redis.call('DEL', KEYS[1])
  return cjson.encode({deleted=1})
end

existing.status = 'FAILED'
existing.updated_at_ms = now_ms
existing.completed_at_ms = now_ms
existing.error_code = ARGV[4]
existing.error_message = ARGV[5]
existing.lock_token = nil
existing.lock_expires_at_ms = nil

local remaining = existing.expires_at_ms - now_ms
if remaining < 1 then
  redis.call('DEL', KEYS[1])
  return cjson.encode({deleted=1})
end

redis.call('SET', KEYS[1], cjson.encode(existing))
redis.call('PEXPIRE', KEYS[1], remaining)
return cjson.encode({marked_failed=1})
`)

var extendLockScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return cjson.encode({error='not_found'}) end
local existing = cjson.decode(raw)

local lock_token = ARGV[1]
if existing.lock_token ~= lock_token then return cjson.encode({error='lock_mismatch'}) end

local now_ms = tonumber(ARGV[2])
if now_ms >= existing.lock_expires_at_ms then return cjson.encode({error='lock_expired'}) end

local extension_ms = tonumber(ARGV[3])
existing.lock_expires_at_ms = now_ms + extension_ms
existing.updated_at_ms = now_ms

redis.call('SET', KEYS[1], cjson.encode(existing))
local remaining = existing.expires_at_ms - now_ms
if remaining < 1 then remaining = 1 end
redis.call('PEXPIRE', KEYS[1], remaining)

return cjson.encode({ok=1, lock_expires_at_ms=existing.lock_expires_at_ms})
`)
