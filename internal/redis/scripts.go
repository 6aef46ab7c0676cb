package redis

// deductLua subtracts ARGV[1] from KEYS[1] only if the current value covers it.
//
// Reply: {status, balance}
//
//	{-1, 0}        key missing
//	{ 0, current}  insufficient
//	{ 1, left}     deducted
const deductLua = `
local v = redis.call('GET', KEYS[1])
if not v then
  return {-1, 0}
end
local n = tonumber(v)
local amount = tonumber(ARGV[1])
if n < amount then
  return {0, n}
end
local left = redis.call('DECRBY', KEYS[1], amount)
return {1, left}
`

// creditLua adds ARGV[1] to an existing KEYS[1]. A missing key is seeded
// with ARGV[2] unless the seed is negative.
//
// Reply: {1, balance} when written, {-1, 0} when the key was missing and no
// seed was given.
const creditLua = `
local v = redis.call('GET', KEYS[1])
if v then
  return {1, redis.call('INCRBY', KEYS[1], ARGV[1])}
end
local seed = tonumber(ARGV[2])
if seed < 0 then
  return {-1, 0}
end
redis.call('SET', KEYS[1], seed)
return {1, seed}
`
