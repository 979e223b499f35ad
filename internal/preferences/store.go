// Package preferences persists per-user routing policy documents in
// PostgreSQL. Contact fields (phone, email) are encrypted at rest with
// AES-256-GCM; everything else lives in a JSONB document keyed by user
// id. A process-local cache in front keeps the Router's hot path off
// the database.
package preferences

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/finvault/notifier/internal/notification"
)

// ErrDeviceNotFound is returned when removing an unknown device.
var ErrDeviceNotFound = errors.New("device not found")

// Store is the full preferences CRUD surface. The Router consumes the
// narrower notification.PreferencesStore slice of it.
type Store struct {
	db     *sql.DB
	cipher *FieldCipher
}

// NewStore creates a PostgreSQL preferences store.
func NewStore(db *sql.DB, cipher *FieldCipher) *Store {
	return &Store{db: db, cipher: cipher}
}

// Get loads a user's preferences. Returns notification.ErrNotFound for
// unknown users.
func (s *Store) Get(ctx context.Context, userID string) (*notification.UserPreferences, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT document, phone_encrypted, email_encrypted,
			phone_verified_at, email_verified_at, updated_at
		FROM user_preferences
		WHERE user_id = $1
	`, userID)

	var (
		doc                    []byte
		phoneEnc, emailEnc     sql.NullString
		phoneVerAt, emailVerAt sql.NullTime
		updatedAt              time.Time
	)
	if err := row.Scan(&doc, &phoneEnc, &emailEnc, &phoneVerAt, &emailVerAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notification.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get preferences: %w", err)
	}

	prefs := &notification.UserPreferences{}
	if err := json.Unmarshal(doc, prefs); err != nil {
		return nil, fmt.Errorf("failed to decode preferences document: %w", err)
	}
	prefs.UserID = userID
	prefs.UpdatedAt = updatedAt

	if phoneEnc.Valid {
		phone, err := s.cipher.Decrypt(phoneEnc.String)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt phone: %w", err)
		}
		prefs.Phone = phone
	}
	if emailEnc.Valid {
		email, err := s.cipher.Decrypt(emailEnc.String)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt email: %w", err)
		}
		prefs.Email = email
	}
	if phoneVerAt.Valid {
		prefs.PhoneVerifiedAt = &phoneVerAt.Time
	}
	if emailVerAt.Valid {
		prefs.EmailVerifiedAt = &emailVerAt.Time
	}

	return prefs, nil
}

// GetOrCreate implements notification.PreferencesStore. Unknown users
// get the default document, persisted so later writes have a row to
// update.
func (s *Store) GetOrCreate(ctx context.Context, userID string) (*notification.UserPreferences, error) {
	prefs, err := s.Get(ctx, userID)
	if err == nil {
		return prefs, nil
	}
	if !errors.Is(err, notification.ErrNotFound) {
		return nil, err
	}

	prefs = notification.DefaultPreferences(userID)
	if err := s.Update(ctx, prefs); err != nil {
		// Concurrent first-sight creation loses the race; re-read.
		if existing, getErr := s.Get(ctx, userID); getErr == nil {
			return existing, nil
		}
		return nil, err
	}
	return prefs, nil
}

// Update upserts the full preferences document.
func (s *Store) Update(ctx context.Context, prefs *notification.UserPreferences) error {
	prefs.UpdatedAt = time.Now()

	doc, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("failed to encode preferences document: %w", err)
	}

	phoneEnc, err := s.cipher.Encrypt(prefs.Phone)
	if err != nil {
		return fmt.Errorf("failed to encrypt phone: %w", err)
	}
	emailEnc, err := s.cipher.Encrypt(prefs.Email)
	if err != nil {
		return fmt.Errorf("failed to encrypt email: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_preferences (
			user_id, document, phone_encrypted, email_encrypted,
			phone_verified_at, email_verified_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE SET
			document = EXCLUDED.document,
			phone_encrypted = EXCLUDED.phone_encrypted,
			email_encrypted = EXCLUDED.email_encrypted,
			phone_verified_at = EXCLUDED.phone_verified_at,
			email_verified_at = EXCLUDED.email_verified_at,
			updated_at = EXCLUDED.updated_at
	`, prefs.UserID, doc, nullIfEmpty(phoneEnc), nullIfEmpty(emailEnc),
		prefs.PhoneVerifiedAt, prefs.EmailVerifiedAt, prefs.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert preferences: %w", err)
	}
	return nil
}

// SetPhone stores a new phone number. Changing the number clears
// verification until the user re-verifies.
func (s *Store) SetPhone(ctx context.Context, userID, phone string) error {
	prefs, err := s.GetOrCreate(ctx, userID)
	if err != nil {
		return err
	}
	if prefs.Phone != phone {
		prefs.Phone = phone
		prefs.PhoneVerifiedAt = nil
	}
	return s.Update(ctx, prefs)
}

// SetEmail stores a new email address, clearing verification on
// change.
func (s *Store) SetEmail(ctx context.Context, userID, email string) error {
	prefs, err := s.GetOrCreate(ctx, userID)
	if err != nil {
		return err
	}
	if prefs.Email != email {
		prefs.Email = email
		prefs.EmailVerifiedAt = nil
	}
	return s.Update(ctx, prefs)
}

// VerifyPhone stamps the phone as verified.
func (s *Store) VerifyPhone(ctx context.Context, userID string) error {
	prefs, err := s.GetOrCreate(ctx, userID)
	if err != nil {
		return err
	}
	now := time.Now()
	prefs.PhoneVerifiedAt = &now
	return s.Update(ctx, prefs)
}

// VerifyEmail stamps the email as verified.
func (s *Store) VerifyEmail(ctx context.Context, userID string) error {
	prefs, err := s.GetOrCreate(ctx, userID)
	if err != nil {
		return err
	}
	now := time.Now()
	prefs.EmailVerifiedAt = &now
	return s.Update(ctx, prefs)
}

// RegisterDevice adds or refreshes a push device. The registry is
// capped; the least-recently-seen device is evicted on overflow.
func (s *Store) RegisterDevice(ctx context.Context, userID string, device notification.Device) error {
	prefs, err := s.GetOrCreate(ctx, userID)
	if err != nil {
		return err
	}

	device.LastSeen = time.Now()

	replaced := false
	for i, d := range prefs.Devices {
		if d.ID == device.ID || d.Token == device.Token {
			prefs.Devices[i] = device
			replaced = true
			break
		}
	}
	if !replaced {
		prefs.Devices = append(prefs.Devices, device)
	}

	if len(prefs.Devices) > notification.MaxDevices {
		sort.Slice(prefs.Devices, func(i, j int) bool {
			return prefs.Devices[i].LastSeen.After(prefs.Devices[j].LastSeen)
		})
		prefs.Devices = prefs.Devices[:notification.MaxDevices]
	}

	return s.Update(ctx, prefs)
}

// RemoveDevice deletes a device from the registry.
func (s *Store) RemoveDevice(ctx context.Context, userID, deviceID string) error {
	prefs, err := s.GetOrCreate(ctx, userID)
	if err != nil {
		return err
	}

	kept := prefs.Devices[:0]
	found := false
	for _, d := range prefs.Devices {
		if d.ID == deviceID {
			found = true
			continue
		}
		kept = append(kept, d)
	}
	if !found {
		return ErrDeviceNotFound
	}
	prefs.Devices = kept

	return s.Update(ctx, prefs)
}

// DigestUsers implements notification.PreferencesStore.
func (s *Store) DigestUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM user_preferences
		WHERE document->'digest'->>'enabled' = 'true'
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list digest users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan digest user: %w", err)
		}
		users = append(users, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating digest users: %w", err)
	}
	return users, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
