package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// DigestQueue is the per-(user, frequency) ordered durable list of
// notifications awaiting digest assembly.
type DigestQueue interface {
	// Append adds an entry to the user's list for the frequency and
	// refreshes the orphan-retention TTL.
	Append(ctx context.Context, userID string, freq DigestFrequency, entry DigestEntry) error

	// Entries returns the list in append order without removing it.
	Entries(ctx context.Context, userID string, freq DigestFrequency) ([]DigestEntry, error)

	// Clear removes the user's list. Called only after a digest email
	// reports sent, so a failed send leaves the queue intact.
	Clear(ctx context.Context, userID string, freq DigestFrequency) error
}

// RedisDigestQueue implements DigestQueue on Redis lists.
type RedisDigestQueue struct {
	client *redis.Client
	config Config
}

// NewRedisDigestQueue creates a Redis-backed digest queue.
func NewRedisDigestQueue(client *redis.Client, config Config) *RedisDigestQueue {
	return &RedisDigestQueue{client: client, config: config}
}

// digestKey renders digest:{hourly|daily|weekly}:{user}.
func digestKey(userID string, freq DigestFrequency) string {
	return "digest:" + string(freq) + ":" + userID
}

// Append implements DigestQueue.
func (q *RedisDigestQueue) Append(ctx context.Context, userID string, freq DigestFrequency, entry DigestEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal digest entry: %w", err)
	}

	key := digestKey(userID, freq)
	pipe := q.client.Pipeline()
	pipe.RPush(ctx, key, payload)
	pipe.Expire(ctx, key, q.config.DigestEntryTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append digest entry: %w", err)
	}
	return nil
}

// Entries implements DigestQueue.
func (q *RedisDigestQueue) Entries(ctx context.Context, userID string, freq DigestFrequency) ([]DigestEntry, error) {
	raw, err := q.client.LRange(ctx, digestKey(userID, freq), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read digest queue: %w", err)
	}

	entries := make([]DigestEntry, 0, len(raw))
	for _, item := range raw {
		var entry DigestEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			// Skip unreadable entries rather than wedging the digest.
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Clear implements DigestQueue.
func (q *RedisDigestQueue) Clear(ctx context.Context, userID string, freq DigestFrequency) error {
	if err := q.client.Del(ctx, digestKey(userID, freq)).Err(); err != nil {
		return fmt.Errorf("failed to clear digest queue: %w", err)
	}
	return nil
}
