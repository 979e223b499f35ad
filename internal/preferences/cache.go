package preferences

import (
	"context"
	"sync"
	"time"

	"github.com/finvault/notifier/internal/notification"
)

// cacheTTL bounds preference staleness on the routing hot path. A
// stale read can route one notification against preferences up to a
// TTL old; that is accepted in exchange for keeping one database read
// off every event.
const cacheTTL = 5 * time.Minute

type cacheEntry struct {
	prefs     *notification.UserPreferences
	expiresAt time.Time
}

// CachedStore is a process-local read-through cache in front of the
// Postgres store. Reads populate the cache; every write through this
// type invalidates the user's entry. Reads hand out deep copies so a
// caller mutating the result cannot race concurrent readers or poison
// the cached document.
type CachedStore struct {
	store *Store

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

// NewCachedStore wraps a store with the read-through cache.
func NewCachedStore(store *Store) *CachedStore {
	return &CachedStore{
		store:   store,
		entries: make(map[string]cacheEntry),
	}
}

// GetOrCreate implements notification.PreferencesStore.
func (c *CachedStore) GetOrCreate(ctx context.Context, userID string) (*notification.UserPreferences, error) {
	c.mu.RLock()
	entry, ok := c.entries[userID]
	c.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.prefs.Clone(), nil
	}

	prefs, err := c.store.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[userID] = cacheEntry{prefs: prefs.Clone(), expiresAt: time.Now().Add(cacheTTL)}
	c.mu.Unlock()

	return prefs, nil
}

// Get bypasses creation but still caches.
func (c *CachedStore) Get(ctx context.Context, userID string) (*notification.UserPreferences, error) {
	c.mu.RLock()
	entry, ok := c.entries[userID]
	c.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.prefs.Clone(), nil
	}

	prefs, err := c.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[userID] = cacheEntry{prefs: prefs.Clone(), expiresAt: time.Now().Add(cacheTTL)}
	c.mu.Unlock()

	return prefs, nil
}

// Update writes through and invalidates.
func (c *CachedStore) Update(ctx context.Context, prefs *notification.UserPreferences) error {
	err := c.store.Update(ctx, prefs)
	c.invalidate(prefs.UserID)
	return err
}

// SetPhone writes through and invalidates.
func (c *CachedStore) SetPhone(ctx context.Context, userID, phone string) error {
	err := c.store.SetPhone(ctx, userID, phone)
	c.invalidate(userID)
	return err
}

// SetEmail writes through and invalidates.
func (c *CachedStore) SetEmail(ctx context.Context, userID, email string) error {
	err := c.store.SetEmail(ctx, userID, email)
	c.invalidate(userID)
	return err
}

// VerifyPhone writes through and invalidates.
func (c *CachedStore) VerifyPhone(ctx context.Context, userID string) error {
	err := c.store.VerifyPhone(ctx, userID)
	c.invalidate(userID)
	return err
}

// VerifyEmail writes through and invalidates.
func (c *CachedStore) VerifyEmail(ctx context.Context, userID string) error {
	err := c.store.VerifyEmail(ctx, userID)
	c.invalidate(userID)
	return err
}

// RegisterDevice writes through and invalidates.
func (c *CachedStore) RegisterDevice(ctx context.Context, userID string, device notification.Device) error {
	err := c.store.RegisterDevice(ctx, userID, device)
	c.invalidate(userID)
	return err
}

// RemoveDevice writes through and invalidates.
func (c *CachedStore) RemoveDevice(ctx context.Context, userID, deviceID string) error {
	err := c.store.RemoveDevice(ctx, userID, deviceID)
	c.invalidate(userID)
	return err
}

// DigestUsers implements notification.PreferencesStore. Enumeration is
// periodic, not hot, so it always hits the database.
func (c *CachedStore) DigestUsers(ctx context.Context) ([]string, error) {
	return c.store.DigestUsers(ctx)
}

func (c *CachedStore) invalidate(userID string) {
	c.mu.Lock()
	delete(c.entries, userID)
	c.mu.Unlock()
}
