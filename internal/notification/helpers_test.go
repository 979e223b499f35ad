package notification

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// In-memory fakes shared by the router, retry and digest tests.

type fakeDedup struct {
	mu        sync.Mutex
	duplicate bool
	original  uuid.UUID
	err       error
	calls     int
}

func (f *fakeDedup) CheckAndRegister(_ context.Context, _ string, _ Kind, _ string, _ uuid.UUID, _ time.Duration) (DedupDecision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return DedupDecision{}, f.err
	}
	return DedupDecision{Duplicate: f.duplicate, OriginalID: f.original}, nil
}

type fakePrefs struct {
	mu    sync.Mutex
	prefs *UserPreferences
	err   error
	users []string
}

func (f *fakePrefs) GetOrCreate(_ context.Context, userID string) (*UserPreferences, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.prefs != nil {
		return f.prefs, nil
	}
	return DefaultPreferences(userID), nil
}

func (f *fakePrefs) DigestUsers(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.users, nil
}

type fakeBudget struct {
	mu       sync.Mutex
	denied   bool
	err      error
	resetAt  time.Time
	consumed []Channel
}

func (f *fakeBudget) ConsumeBudget(_ context.Context, _ string, channel Channel, _ ChannelBudget) (BudgetDecision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return BudgetDecision{}, f.err
	}
	f.consumed = append(f.consumed, channel)
	if f.denied {
		return BudgetDecision{Allowed: false, ResetAt: f.resetAt}, nil
	}
	return BudgetDecision{Allowed: true, Remaining: 5}, nil
}

func (f *fakeBudget) ResetBudget(context.Context, string, Channel) error { return nil }

type fakeHistory struct {
	mu        sync.Mutex
	records   map[uuid.UUID]*DeliveryRecord
	byKey     map[string]uuid.UUID
	attempts  []Attempt
	createErr error
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{
		records: make(map[uuid.UUID]*DeliveryRecord),
		byKey:   make(map[string]uuid.UUID),
	}
}

func (f *fakeHistory) Create(_ context.Context, rec *DeliveryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.IdempotencyKey == "" {
		rec.IdempotencyKey = IdempotencyKey(rec.UserID, rec.Kind, rec.SourceID, rec.Channel)
	}
	if _, exists := f.byKey[rec.IdempotencyKey]; exists {
		return ErrConflict
	}
	clone := *rec
	f.records[rec.ID] = &clone
	f.byKey[rec.IdempotencyKey] = rec.ID
	return nil
}

func (f *fakeHistory) GetByID(_ context.Context, id uuid.UUID) (*DeliveryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *rec
	return &clone, nil
}

func (f *fakeHistory) MarkSent(_ context.Context, id uuid.UUID, providerMessageID *string, sentAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok || (rec.Status != StatusPending && rec.Status != StatusRetrying) {
		return ErrNotFound
	}
	rec.Status = StatusSent
	rec.ProviderMessageID = providerMessageID
	rec.SentAt = &sentAt
	rec.NextAttemptAt = nil
	return nil
}

func (f *fakeHistory) MarkDelivered(_ context.Context, id uuid.UUID, deliveredAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = StatusDelivered
	rec.DeliveredAt = &deliveredAt
	return nil
}

func (f *fakeHistory) MarkRead(_ context.Context, userID string, id uuid.UUID, readAt time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok || rec.UserID != userID || rec.ReadAt != nil {
		return 0, nil
	}
	rec.ReadAt = &readAt
	return 1, nil
}

func (f *fakeHistory) ScheduleRetry(_ context.Context, id uuid.UUID, retryCount int, nextAttemptAt time.Time, lastError string, code ErrorCode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = StatusRetrying
	rec.RetryCount = retryCount
	rec.NextAttemptAt = &nextAttemptAt
	rec.LastError = &lastError
	rec.LastErrorCode = &code
	return nil
}

func (f *fakeHistory) MarkFailed(_ context.Context, id uuid.UUID, lastError string, code ErrorCode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = StatusFailed
	rec.LastError = &lastError
	rec.LastErrorCode = &code
	rec.NextAttemptAt = nil
	return nil
}

func (f *fakeHistory) DueRetries(_ context.Context, now time.Time, limit int) ([]*DeliveryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []*DeliveryRecord
	for _, rec := range f.records {
		if rec.Status == StatusRetrying && rec.NextAttemptAt != nil && !rec.NextAttemptAt.After(now) {
			clone := *rec
			due = append(due, &clone)
		}
		if len(due) == limit {
			break
		}
	}
	return due, nil
}

func (f *fakeHistory) MarkDeliveredByNotification(_ context.Context, ids []uuid.UUID, deliveredAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.records {
		for _, id := range ids {
			if rec.NotificationID == id && rec.Status == StatusQueuedForDigest {
				rec.Status = StatusDelivered
				rec.DeliveredAt = &deliveredAt
			}
		}
	}
	return nil
}

func (f *fakeHistory) ListByUser(_ context.Context, userID string, _, _ int) ([]*DeliveryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*DeliveryRecord
	for _, rec := range f.records {
		if rec.UserID == userID {
			clone := *rec
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (f *fakeHistory) CreateAttempt(_ context.Context, attempt Attempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, attempt)
	return nil
}

func (f *fakeHistory) AttemptsFor(_ context.Context, id uuid.UUID) ([]Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Attempt
	for _, a := range f.attempts {
		if a.DeliveryRecordID == id {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeHistory) byChannel(channel Channel) *DeliveryRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.records {
		if rec.Channel == channel {
			clone := *rec
			return &clone
		}
	}
	return nil
}

type fakeQueue struct {
	mu      sync.Mutex
	entries map[string][]DigestEntry
	err     error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{entries: make(map[string][]DigestEntry)}
}

func (f *fakeQueue) key(userID string, freq DigestFrequency) string {
	return string(freq) + ":" + userID
}

func (f *fakeQueue) Append(_ context.Context, userID string, freq DigestFrequency, entry DigestEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	k := f.key(userID, freq)
	f.entries[k] = append(f.entries[k], entry)
	return nil
}

func (f *fakeQueue) Entries(_ context.Context, userID string, freq DigestFrequency) ([]DigestEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]DigestEntry{}, f.entries[f.key(userID, freq)]...), nil
}

func (f *fakeQueue) Clear(_ context.Context, userID string, freq DigestFrequency) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, f.key(userID, freq))
	return nil
}

type fakeSender struct {
	mu      sync.Mutex
	channel Channel
	outcome Outcome
	calls   int
	lastReq DeliveryRequest
}

func (f *fakeSender) Send(_ context.Context, req DeliveryRequest) Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastReq = req
	return f.outcome
}

func (f *fakeSender) Channel() Channel { return f.channel }
func (f *fakeSender) Provider() string { return "fake-" + string(f.channel) }

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeAudit struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (f *fakeAudit) Publish(_ context.Context, event AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeAudit) typesSeen() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[string]int)
	for _, e := range f.events {
		seen[e.Type]++
	}
	return seen
}

type fakeDLQ struct {
	mu      sync.Mutex
	records []*DLQRecord
	err     error
}

func (f *fakeDLQ) Create(_ context.Context, rec *DLQRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.ReviewStatus == "" {
		rec.ReviewStatus = ReviewPending
	}
	clone := *rec
	f.records = append(f.records, &clone)
	return nil
}

func (f *fakeDLQ) GetByID(context.Context, uuid.UUID) (*DLQRecord, error) { return nil, ErrDLQNotFound }
func (f *fakeDLQ) List(context.Context, DLQFilter) ([]*DLQRecord, error) { return nil, nil }
func (f *fakeDLQ) Claim(context.Context, uuid.UUID, string) error        { return nil }
func (f *fakeDLQ) Close(context.Context, uuid.UUID, ReviewStatus, string, string) error {
	return nil
}
func (f *fakeDLQ) Stats(context.Context) (*DLQStats, error) { return &DLQStats{}, nil }

func (f *fakeDLQ) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

// verifiedPrefs builds preferences with working contacts on every
// channel.
func verifiedPrefs(userID string) *UserPreferences {
	now := time.Now()
	prefs := DefaultPreferences(userID)
	prefs.Phone = "+14155550100"
	prefs.PhoneVerifiedAt = &now
	prefs.Email = "user@example.com"
	prefs.EmailVerifiedAt = &now
	prefs.Devices = []Device{{ID: "dev-1", Token: "tok-1", Platform: "ios", LastSeen: now}}
	return prefs
}
