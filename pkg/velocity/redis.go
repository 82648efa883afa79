package velocity

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Aegis-Labs/aegispay/pkg/errs"
)

// slidingWindowScript admits one event against the three windows atomically.
// KEYS[1] = zset of event timestamps for the agent
// ARGV[1] = now (unix millis)
// ARGV[2..4] = minute / hour / day limits (0 disables)
// Returns 0 when admitted, or 1/2/3 for the first violated window.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local limits = {tonumber(ARGV[2]), tonumber(ARGV[3]), tonumber(ARGV[4])}
local spans = {60000, 3600000, 86400000}

redis.call("ZREMRANGEBYSCORE", key, 0, now - spans[3])

for i = 1, 3 do
    if limits[i] > 0 then
        local count = redis.call("ZCOUNT", key, now - spans[i] + 1, "+inf")
        if count >= limits[i] then
            return i
        end
    end
end

redis.call("ZADD", key, now, now .. "-" .. redis.call("INCR", key .. ":seq"))
redis.call("PEXPIRE", key, spans[3])
redis.call("PEXPIRE", key .. ":seq", spans[3])
return 0
`)

// RedisGovernor shares windows across instances. Events live in a ZSET
// scored by receipt time; the Lua script keeps check-then-record atomic.
type RedisGovernor struct {
	client *redis.Client
	limits Limits
	prefix string
	now    func() time.Time
}

// NewRedisGovernor wraps an existing client.
func NewRedisGovernor(client *redis.Client, limits Limits, prefix string) *RedisGovernor {
	if prefix == "" {
		prefix = "velocity"
	}
	return &RedisGovernor{client: client, limits: limits, prefix: prefix, now: time.Now}
}

// WithClock replaces the governor's time source.
func (g *RedisGovernor) WithClock(now func() time.Time) *RedisGovernor {
	g.now = now
	return g
}

// Allow implements Governor.
func (g *RedisGovernor) Allow(ctx context.Context, key string) error {
	res, err := slidingWindowScript.Run(ctx, g.client,
		[]string{fmt.Sprintf("%s:%s", g.prefix, key)},
		g.now().UnixMilli(), g.limits.PerMinute, g.limits.PerHour, g.limits.PerDay,
	).Int()
	if err != nil {
		return errs.Wrap(err, errs.KindService, errs.CodeServiceUnavailable, "velocity store unavailable")
	}
	if res == 0 {
		return nil
	}
	w := windows[res-1]
	return errs.Newf(errs.KindRateLimit, w.Code(), "limit of %d per %s reached", g.limits.forWindow(w), w)
}
