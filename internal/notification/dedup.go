package notification

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// DedupDecision reports whether a fingerprint was already registered.
type DedupDecision struct {
	Duplicate  bool
	OriginalID uuid.UUID // first notification id, set when Duplicate
}

// DedupStore registers event fingerprints with first-seen-wins
// semantics.
type DedupStore interface {
	// CheckAndRegister atomically registers (user, kind, source-id)
	// for the window, or reports the original notification id if the
	// key already exists. Single round trip.
	CheckAndRegister(ctx context.Context, userID string, kind Kind, sourceID string, notificationID uuid.UUID, window time.Duration) (DedupDecision, error)
}

// checkAndRegisterScript: first writer wins, later callers get the
// stored value back.
//
// KEYS[1] = dedup key
// ARGV[1] = "{notification_id}|{unix_ms}", ARGV[2] = window in ms
// Returns {1, stored_value} when duplicate, {0, ''} when registered.
var checkAndRegisterScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then
	return {1, existing}
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return {0, ''}
`)

// RedisDedupStore implements DedupStore on Redis.
type RedisDedupStore struct {
	client *redis.Client
}

// NewRedisDedupStore creates a Redis-backed dedup store.
func NewRedisDedupStore(client *redis.Client) *RedisDedupStore {
	return &RedisDedupStore{client: client}
}

// dedupKey renders dedup:{user}:{kind}:{sourceId}. A missing source
// id collapses to "none", deduplicating on (user, kind) alone.
func dedupKey(userID string, kind Kind, sourceID string) string {
	if sourceID == "" {
		sourceID = "none"
	}
	return "dedup:" + userID + ":" + string(kind) + ":" + sourceID
}

// CheckAndRegister implements DedupStore.
func (s *RedisDedupStore) CheckAndRegister(ctx context.Context, userID string, kind Kind, sourceID string, notificationID uuid.UUID, window time.Duration) (DedupDecision, error) {
	value := fmt.Sprintf("%s|%d", notificationID, time.Now().UnixMilli())

	res, err := checkAndRegisterScript.Run(ctx, s.client,
		[]string{dedupKey(userID, kind, sourceID)},
		value, window.Milliseconds(),
	).Result()
	if err != nil {
		return DedupDecision{}, fmt.Errorf("failed to check-and-register dedup key: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return DedupDecision{}, fmt.Errorf("unexpected dedup script reply: %v", res)
	}

	dup, _ := vals[0].(int64)
	if dup != 1 {
		return DedupDecision{}, nil
	}

	stored, _ := vals[1].(string)
	idPart := stored
	if i := strings.IndexByte(stored, '|'); i >= 0 {
		idPart = stored[:i]
	}

	originalID, err := uuid.Parse(idPart)
	if err != nil {
		return DedupDecision{}, fmt.Errorf("malformed dedup entry %q: %w", stored, err)
	}

	return DedupDecision{Duplicate: true, OriginalID: originalID}, nil
}
