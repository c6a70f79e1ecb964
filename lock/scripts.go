package lock

import "github.com/redis/go-redis/v9"

// A lock is a hash {owner: holdCount}. The key disappears with the last release
// or when its lease runs out.

// KEYS[1] lock key; ARGV[1] lease ms (0 keeps the current ttl); ARGV[2] owner.
// Returns 1 when acquired or re-entered, 0 when another owner holds the key.
var acquireScript = redis.NewScript(`
if redis.call('exists', KEYS[1]) == 0 or redis.call('hexists', KEYS[1], ARGV[2]) == 1 then
	redis.call('hincrby', KEYS[1], ARGV[2], 1)
	if tonumber(ARGV[1]) > 0 then
		redis.call('pexpire', KEYS[1], ARGV[1])
	end
	return 1
end
return 0
`)

// KEYS[1] lock key; ARGV[1] owner.
// Returns -1 when the owner holds nothing, the remaining hold count otherwise.
var releaseScript = redis.NewScript(`
if redis.call('hexists', KEYS[1], ARGV[1]) == 0 then
	return -1
end
local n = redis.call('hincrby', KEYS[1], ARGV[1], -1)
if n > 0 then
	return n
end
redis.call('del', KEYS[1])
return 0
`)

// KEYS[1] counter key; ARGV[1] expected; ARGV[2] update. A missing key counts as 0.
var compareAndSetScript = redis.NewScript(`
local v = tonumber(redis.call('get', KEYS[1]) or '0')
if v == tonumber(ARGV[1]) then
	local ttl = redis.call('pttl', KEYS[1])
	redis.call('set', KEYS[1], ARGV[2])
	if ttl > 0 then
		redis.call('pexpire', KEYS[1], ttl)
	end
	return 1
end
return 0
`)

// KEYS[1] latch key. Returns the count after decrementing; deletes the key at 0.
var countDownScript = redis.NewScript(`
local v = tonumber(redis.call('get', KEYS[1]) or '0')
if v <= 0 then
	return 0
end
v = redis.call('decr', KEYS[1])
if v <= 0 then
	redis.call('del', KEYS[1])
	return 0
end
return v
`)
