package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// BudgetDecision reports the outcome of a ConsumeBudget call.
type BudgetDecision struct {
	Allowed   bool
	Remaining int       // slots left in the hour window after this call
	ResetAt   time.Time // when the blocking window rolls over
}

// RateBudgetStore enforces per-user, per-channel hourly and daily
// send budgets.
type RateBudgetStore interface {
	// ConsumeBudget atomically checks both window counters against
	// their caps and, only if both pass, increments both. Socket
	// traffic never reaches this store.
	ConsumeBudget(ctx context.Context, userID string, channel Channel, limits ChannelBudget) (BudgetDecision, error)

	// ResetBudget clears the counters for a user. An empty channel
	// clears every channel.
	ResetBudget(ctx context.Context, userID string, channel Channel) error
}

// Key patterns: ratelimit:{channel}:{hour|day}:{user}.
const (
	keyRatePrefix = "ratelimit:"

	hourWindowSeconds = 3600
	dayWindowSeconds  = 86400
)

// consumeBudgetScript checks the hour and day counters against their
// caps and increments both in one round trip. Two get-then-set calls
// would race with concurrent routers; the script is the atomic
// compare-and-modify primitive the contract requires.
//
// KEYS[1] = hour counter, KEYS[2] = day counter
// ARGV[1] = hour cap, ARGV[2] = day cap, ARGV[3] = hour TTL, ARGV[4] = day TTL
// Returns {allowed, remaining_in_hour, seconds_until_reset}
var consumeBudgetScript = redis.NewScript(`
local hour = tonumber(redis.call('GET', KEYS[1]) or '0')
local day = tonumber(redis.call('GET', KEYS[2]) or '0')
local hourCap = tonumber(ARGV[1])
local dayCap = tonumber(ARGV[2])

if hour >= hourCap then
	local ttl = redis.call('TTL', KEYS[1])
	if ttl < 0 then ttl = tonumber(ARGV[3]) end
	return {0, 0, ttl}
end
if day >= dayCap then
	local ttl = redis.call('TTL', KEYS[2])
	if ttl < 0 then ttl = tonumber(ARGV[4]) end
	return {0, hourCap - hour, ttl}
end

hour = redis.call('INCR', KEYS[1])
if hour == 1 then redis.call('EXPIRE', KEYS[1], ARGV[3]) end
day = redis.call('INCR', KEYS[2])
if day == 1 then redis.call('EXPIRE', KEYS[2], ARGV[4]) end

local ttl = redis.call('TTL', KEYS[1])
return {1, hourCap - hour, ttl}
`)

// RedisRateBudgetStore implements RateBudgetStore on Redis.
type RedisRateBudgetStore struct {
	client *redis.Client
}

// NewRedisRateBudgetStore creates a Redis-backed budget store.
func NewRedisRateBudgetStore(client *redis.Client) *RedisRateBudgetStore {
	return &RedisRateBudgetStore{client: client}
}

func rateKey(channel Channel, window, userID string) string {
	return keyRatePrefix + string(channel) + ":" + window + ":" + userID
}

// ConsumeBudget implements RateBudgetStore.
func (s *RedisRateBudgetStore) ConsumeBudget(ctx context.Context, userID string, channel Channel, limits ChannelBudget) (BudgetDecision, error) {
	keys := []string{
		rateKey(channel, "hour", userID),
		rateKey(channel, "day", userID),
	}

	res, err := consumeBudgetScript.Run(ctx, s.client, keys,
		limits.Hourly, limits.Daily, hourWindowSeconds, dayWindowSeconds,
	).Result()
	if err != nil {
		return BudgetDecision{}, fmt.Errorf("failed to consume budget: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return BudgetDecision{}, fmt.Errorf("unexpected budget script reply: %v", res)
	}

	allowed, _ := vals[0].(int64)
	remaining, _ := vals[1].(int64)
	ttl, _ := vals[2].(int64)
	if ttl < 0 {
		ttl = 0
	}

	return BudgetDecision{
		Allowed:   allowed == 1,
		Remaining: int(remaining),
		ResetAt:   time.Now().Add(time.Duration(ttl) * time.Second),
	}, nil
}

// ResetBudget implements RateBudgetStore.
func (s *RedisRateBudgetStore) ResetBudget(ctx context.Context, userID string, channel Channel) error {
	channels := []Channel{channel}
	if channel == "" {
		channels = AllChannels
	}

	keys := make([]string, 0, len(channels)*2)
	for _, ch := range channels {
		keys = append(keys,
			rateKey(ch, "hour", userID),
			rateKey(ch, "day", userID),
		)
	}

	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to reset budget: %w", err)
	}
	return nil
}
