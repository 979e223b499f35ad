package notification

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type retryFixture struct {
	engine  *RetryEngine
	fix     *routerFixture
	dlq     *fakeDLQ
	history *fakeHistory
}

func newRetryFixture(prefs *UserPreferences) *retryFixture {
	return newRetryFixtureConfig(DefaultConfig(), prefs)
}

func newRetryFixtureConfig(config Config, prefs *UserPreferences) *retryFixture {
	fix := newRouterFixtureConfig(config, prefs)
	dlq := &fakeDLQ{}
	engine := NewRetryEngine(config, fix.router, fix.history, fix.prefs, dlq)
	return &retryFixture{engine: engine, fix: fix, dlq: dlq, history: fix.history}
}

// seedRetrying inserts a record already in retrying and due now.
func (f *retryFixture) seedRetrying(t *testing.T, channel Channel, retryCount int) *DeliveryRecord {
	t.Helper()
	due := time.Now().Add(-time.Second)
	rec := &DeliveryRecord{
		ID:             uuid.New(),
		NotificationID: uuid.New(),
		UserID:         "user-1",
		Kind:           KindTransferFailed,
		SourceID:       uuid.New().String(),
		Channel:        channel,
		Priority:       PriorityHigh,
		Title:          "Transfer failed",
		Status:         StatusRetrying,
		RetryCount:     retryCount,
		NextAttemptAt:  &due,
		CreatedAt:      time.Now().Add(-time.Minute),
	}
	require.NoError(t, f.history.Create(context.Background(), rec))
	// Create resets nothing, but the fake stores a clone; mutate it.
	require.NoError(t, f.history.ScheduleRetry(context.Background(), rec.ID, retryCount, due, "initial failure", ErrorCodeServiceDown))
	return rec
}

func TestScan_RetrySucceeds(t *testing.T) {
	f := newRetryFixture(verifiedPrefs("user-1"))
	rec := f.seedRetrying(t, ChannelEmail, 1)

	require.NoError(t, f.engine.Scan(context.Background()))

	got, err := f.history.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, got.Status)
	assert.Zero(t, f.dlq.count())
}

func TestScan_TransientFailureReschedules(t *testing.T) {
	f := newRetryFixture(verifiedPrefs("user-1"))
	f.fix.senders[ChannelEmail].outcome = Outcome{
		Status:    StatusFailed,
		ErrorCode: ErrorCodeNetworkError,
		Err:       errors.New("timeout"),
	}
	rec := f.seedRetrying(t, ChannelEmail, 1)

	before := time.Now()
	require.NoError(t, f.engine.Scan(context.Background()))

	got, err := f.history.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRetrying, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	require.NotNil(t, got.NextAttemptAt)
	// Second retry backs off five seconds.
	assert.WithinDuration(t, before.Add(5*time.Second), *got.NextAttemptAt, 2*time.Second)
	assert.Zero(t, f.dlq.count())
}

func TestScan_ExhaustedRetriesDeadLetter(t *testing.T) {
	f := newRetryFixture(verifiedPrefs("user-1"))
	f.fix.senders[ChannelEmail].outcome = Outcome{
		Status:    StatusFailed,
		ErrorCode: ErrorCodeServiceDown,
		Err:       errors.New("still down"),
	}
	// Four attempts already made: the one this scan dispatches is the
	// fifth and last.
	rec := f.seedRetrying(t, ChannelEmail, 4)

	require.NoError(t, f.engine.Scan(context.Background()))

	got, err := f.history.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)

	require.Equal(t, 1, f.dlq.count())
	dlqRec := f.dlq.records[0]
	assert.Equal(t, rec.UserID, dlqRec.UserID)
	assert.Equal(t, rec.Channel, dlqRec.Channel)
	assert.Equal(t, 5, dlqRec.TotalAttempts)
	assert.Equal(t, ReviewPending, dlqRec.ReviewStatus)
	assert.NotEmpty(t, dlqRec.FailureHistory)
	assert.Equal(t, 1, f.fix.audit.typesSeen()[AuditDLQMoved])
}

func TestScan_PermanentFailureDeadLettersImmediately(t *testing.T) {
	f := newRetryFixture(verifiedPrefs("user-1"))
	f.fix.senders[ChannelSMS].outcome = Outcome{
		Status:    StatusFailed,
		ErrorCode: ErrorCodeInvalidRecipient,
		Err:       errors.New("bad number"),
	}
	rec := f.seedRetrying(t, ChannelSMS, 1)

	require.NoError(t, f.engine.Scan(context.Background()))

	got, err := f.history.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 1, f.dlq.count())
}

func TestScan_DLQWriteFailureLeavesRecordRetrying(t *testing.T) {
	f := newRetryFixture(verifiedPrefs("user-1"))
	f.fix.senders[ChannelEmail].outcome = Outcome{
		Status:    StatusFailed,
		ErrorCode: ErrorCodeServiceDown,
	}
	f.dlq.err = errors.New("pq: connection refused")
	rec := f.seedRetrying(t, ChannelEmail, 4)

	require.NoError(t, f.engine.Scan(context.Background()))

	// Nothing was lost: the record stays retrying for the next scan.
	got, err := f.history.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRetrying, got.Status)
}

func TestScan_ChannelDisabledDuringRetry(t *testing.T) {
	prefs := verifiedPrefs("user-1")
	prefs.Channels[ChannelEmail] = false
	f := newRetryFixture(prefs)
	rec := f.seedRetrying(t, ChannelEmail, 2)

	require.NoError(t, f.engine.Scan(context.Background()))

	got, err := f.history.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 1, f.dlq.count())
	assert.Zero(t, f.fix.senders[ChannelEmail].callCount())
}

func TestManualRetry_DispatchesImmediately(t *testing.T) {
	f := newRetryFixture(verifiedPrefs("user-1"))
	rec := f.seedRetrying(t, ChannelEmail, 2)
	require.NoError(t, f.history.MarkFailed(context.Background(), rec.ID, "gave up", ErrorCodeServiceDown))

	require.NoError(t, f.engine.ManualRetry(context.Background(), rec.ID))

	// One synchronous attempt, no waiting for the scanner.
	assert.Equal(t, 1, f.fix.senders[ChannelEmail].callCount())
	got, err := f.history.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, got.Status)
}

func TestManualRetry_ResetsRetryBudget(t *testing.T) {
	f := newRetryFixture(verifiedPrefs("user-1"))
	f.fix.senders[ChannelEmail].outcome = Outcome{
		Status:    StatusFailed,
		ErrorCode: ErrorCodeServiceDown,
		Err:       errors.New("still down"),
	}
	// One attempt from exhaustion; the manual reset must not let this
	// failure dead-letter.
	rec := f.seedRetrying(t, ChannelEmail, 4)

	require.NoError(t, f.engine.ManualRetry(context.Background(), rec.ID))

	got, err := f.history.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRetrying, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Zero(t, f.dlq.count())
}

func TestManualRetry_RejectsTerminalStates(t *testing.T) {
	f := newRetryFixture(verifiedPrefs("user-1"))
	rec := f.seedRetrying(t, ChannelEmail, 1)
	now := time.Now()
	require.NoError(t, f.history.MarkSent(context.Background(), rec.ID, nil, now))

	err := f.engine.ManualRetry(context.Background(), rec.ID)
	assert.ErrorIs(t, err, ErrNotRetryable)
}

func TestManualRetry_UnknownRecord(t *testing.T) {
	f := newRetryFixture(verifiedPrefs("user-1"))
	err := f.engine.ManualRetry(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestRetryLifecycleEndsInDeadLetter drives a record from the initial
// route through every retry to the DLQ against a permanently failing
// provider.
func TestRetryLifecycleEndsInDeadLetter(t *testing.T) {
	cfg := DefaultConfig()
	// Immediate backoff so every scan finds the record due.
	cfg.RetrySchedule = []time.Duration{time.Nanosecond}

	prefs := verifiedPrefs("user-1")
	prefs.KindOverrides = map[Kind]KindOverride{
		KindTransferFailed: {Channels: []Channel{ChannelEmail}},
	}
	f := newRetryFixtureConfig(cfg, prefs)
	f.fix.senders[ChannelEmail].outcome = Outcome{
		Status:    StatusFailed,
		ErrorCode: ErrorCodeServiceDown,
		Err:       errors.New("gateway returned 503"),
	}

	_, err := f.fix.router.Route(context.Background(), Request{
		UserID:   "user-1",
		Kind:     KindTransferFailed,
		SourceID: "txn-1",
	})
	require.NoError(t, err)

	for i := 0; i < cfg.MaxRetryAttempts && f.dlq.count() == 0; i++ {
		require.NoError(t, f.engine.Scan(context.Background()))
	}

	// Five attempts in total: the initial send plus four retries.
	assert.Equal(t, 5, f.fix.senders[ChannelEmail].callCount())

	require.Equal(t, 1, f.dlq.count())
	dlqRec := f.dlq.records[0]
	assert.Equal(t, 5, dlqRec.TotalAttempts)
	assert.Len(t, dlqRec.FailureHistory, 5)

	rec := f.history.byChannel(ChannelEmail)
	require.NotNil(t, rec)
	assert.Equal(t, StatusFailed, rec.Status)

	seen := f.fix.audit.typesSeen()
	assert.Equal(t, 4, seen[AuditRetryScheduled])
	assert.Equal(t, 1, seen[AuditDLQMoved])
	assert.Equal(t, 1, seen[AuditFailed])
}
