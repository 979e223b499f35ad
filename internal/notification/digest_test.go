package notification

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDigestSender struct {
	mu      sync.Mutex
	outcome Outcome
	sends   int
	lastTo  string
	lastLen int
}

func (f *fakeDigestSender) SendDigest(_ context.Context, email, _ string, entries []DigestEntry) Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	f.lastTo = email
	f.lastLen = len(entries)
	return f.outcome
}

type digestFixture struct {
	engine  *DigestEngine
	queue   *fakeQueue
	history *fakeHistory
	prefs   *fakePrefs
	email   *fakeDigestSender
}

func newDigestFixture(prefs *UserPreferences) *digestFixture {
	f := &digestFixture{
		queue:   newFakeQueue(),
		history: newFakeHistory(),
		prefs:   &fakePrefs{prefs: prefs, users: []string{prefs.UserID}},
		email:   &fakeDigestSender{outcome: Outcome{Status: StatusSent, ProviderMessageID: "digest-1"}},
	}
	f.engine = NewDigestEngine(DefaultConfig(), f.queue, f.history, f.prefs, f.email)
	return f
}

// seedQueued puts one notification in the digest queue with its
// matching queued_for_digest record.
func (f *digestFixture) seedQueued(t *testing.T, userID string, freq DigestFrequency) uuid.UUID {
	t.Helper()
	notificationID := uuid.New()

	rec := &DeliveryRecord{
		ID:             uuid.New(),
		NotificationID: notificationID,
		UserID:         userID,
		Kind:           KindDepositReceived,
		SourceID:       uuid.New().String(),
		Channel:        ChannelEmail,
		Priority:       PriorityMedium,
		Status:         StatusQueuedForDigest,
		CreatedAt:      time.Now(),
	}
	require.NoError(t, f.history.Create(context.Background(), rec))

	require.NoError(t, f.queue.Append(context.Background(), userID, freq, DigestEntry{
		NotificationID: notificationID,
		Kind:           KindDepositReceived,
		Title:          "Deposit received",
		Body:           "$100 arrived",
		CreatedAt:      time.Now(),
	}))
	return rec.ID
}

func TestForceDigest_SendsAndClears(t *testing.T) {
	prefs := verifiedPrefs("user-1")
	prefs.Digest.Enabled = true
	prefs.Digest.Frequency = DigestDaily
	f := newDigestFixture(prefs)
	recID := f.seedQueued(t, "user-1", DigestDaily)

	require.NoError(t, f.engine.ForceDigest(context.Background(), "user-1"))

	assert.Equal(t, 1, f.email.sends)
	assert.Equal(t, "user@example.com", f.email.lastTo)
	assert.Equal(t, 1, f.email.lastLen)

	entries, err := f.queue.Entries(context.Background(), "user-1", DigestDaily)
	require.NoError(t, err)
	assert.Empty(t, entries)

	rec, err := f.history.GetByID(context.Background(), recID)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, rec.Status)
}

func TestForceDigest_FailedSendLeavesQueue(t *testing.T) {
	prefs := verifiedPrefs("user-1")
	prefs.Digest.Enabled = true
	f := newDigestFixture(prefs)
	recID := f.seedQueued(t, "user-1", prefs.Digest.Frequency)
	f.email.outcome = Outcome{Status: StatusFailed, ErrorCode: ErrorCodeServiceDown, Err: errors.New("503")}

	require.NoError(t, f.engine.ForceDigest(context.Background(), "user-1"))

	entries, err := f.queue.Entries(context.Background(), "user-1", prefs.Digest.Frequency)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	rec, err := f.history.GetByID(context.Background(), recID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueuedForDigest, rec.Status)
}

func TestForceDigest_EmptyQueueSendsNothing(t *testing.T) {
	prefs := verifiedPrefs("user-1")
	prefs.Digest.Enabled = true
	f := newDigestFixture(prefs)

	require.NoError(t, f.engine.ForceDigest(context.Background(), "user-1"))
	assert.Zero(t, f.email.sends)
}

func TestForceDigest_DisabledUser(t *testing.T) {
	prefs := verifiedPrefs("user-1")
	prefs.Digest.Enabled = false
	f := newDigestFixture(prefs)

	err := f.engine.ForceDigest(context.Background(), "user-1")
	assert.Error(t, err)
}

func TestForceDigest_UnverifiedEmailLeavesQueue(t *testing.T) {
	prefs := verifiedPrefs("user-1")
	prefs.Digest.Enabled = true
	prefs.EmailVerifiedAt = nil
	f := newDigestFixture(prefs)
	f.seedQueued(t, "user-1", prefs.Digest.Frequency)

	require.NoError(t, f.engine.ForceDigest(context.Background(), "user-1"))

	assert.Zero(t, f.email.sends)
	entries, err := f.queue.Entries(context.Background(), "user-1", prefs.Digest.Frequency)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDigestDue(t *testing.T) {
	// 2026-08-24 09:00 UTC is a Monday.
	mondayNine := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		freq     DigestFrequency
		hour     int
		tz       string
		at       time.Time
		expected bool
	}{
		{"Hourly always fires", DigestHourly, 0, "UTC", mondayNine, true},
		{"Daily at configured hour", DigestDaily, 9, "UTC", mondayNine, true},
		{"Daily at wrong hour", DigestDaily, 10, "UTC", mondayNine, false},
		{"Weekly on Monday", DigestWeekly, 9, "UTC", mondayNine, true},
		{"Weekly off Monday", DigestWeekly, 9, "UTC", mondayNine.Add(24 * time.Hour), false},
		{"Daily respects timezone", DigestDaily, 12, "Europe/Berlin", time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prefs := DefaultPreferences("user-1")
			prefs.Digest = DigestSettings{Enabled: true, Frequency: tt.freq, Hour: tt.hour}
			prefs.QuietHours.Timezone = tt.tz

			assert.Equal(t, tt.expected, digestDue(prefs, tt.at))
		})
	}
}

func TestShouldFire(t *testing.T) {
	engine := NewDigestEngine(DefaultConfig(), newFakeQueue(), newFakeHistory(), &fakePrefs{}, &fakeDigestSender{})

	base := time.Date(2026, 8, 24, 9, 1, 0, 0, time.UTC)

	hour, ok := engine.shouldFire(base)
	require.True(t, ok)
	assert.Equal(t, base.Truncate(time.Hour), hour)

	// Same hour never fires twice.
	_, ok = engine.shouldFire(base.Add(time.Minute))
	assert.False(t, ok)

	// Next hour fires again.
	_, ok = engine.shouldFire(base.Add(time.Hour))
	assert.True(t, ok)

	// Waking long past the boundary skips the hour.
	_, ok = engine.shouldFire(base.Add(2*time.Hour + 20*time.Minute))
	assert.False(t, ok)
}
