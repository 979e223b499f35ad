// Package notification implements the decision-and-delivery pipeline:
// event-driven notification requests are routed through dedup, user
// preference and rate-budget gates, fanned out to per-channel provider
// adapters, persisted as delivery records, and re-driven by the retry
// and digest engines.
//
// Architecture:
//
//	Event Bus → Ingestor → Router → (Dedup, Preferences, Rate Budget)
//	                          ↓
//	              Provider Adapters (socket, SMS, email, push)
//	                          ↓
//	        PostgreSQL (delivery records, DLQ)   Redis (digest queue)
//
// The Retry Engine re-enters the Router for records stuck in
// `retrying`; the Digest Engine drains queued entries into summary
// emails.
package notification

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Channel represents a notification delivery channel.
type Channel string

const (
	ChannelSocket Channel = "socket"
	ChannelSMS    Channel = "sms"
	ChannelEmail  Channel = "email"
	ChannelPush   Channel = "push"
)

// AllChannels lists every supported channel.
var AllChannels = []Channel{ChannelSocket, ChannelSMS, ChannelEmail, ChannelPush}

// Priority represents notification urgency. Critical bypasses quiet
// hours and forces at least the socket channel.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Status represents the lifecycle state of a delivery record.
type Status string

const (
	StatusPending         Status = "pending"
	StatusSent            Status = "sent"
	StatusDelivered       Status = "delivered"
	StatusFailed          Status = "failed"
	StatusRetrying        Status = "retrying"
	StatusRateLimited     Status = "rate_limited"
	StatusQueuedForDigest Status = "queued_for_digest"
)

// CanTransition reports whether a delivery record may move from one
// status to another. Transitions only move forward: pending fans out
// to every non-terminal outcome, and retrying may loop to sent or
// failed (or stay retrying for the next attempt).
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		switch to {
		case StatusSent, StatusDelivered, StatusRateLimited, StatusQueuedForDigest, StatusRetrying, StatusFailed:
			return true
		}
	case StatusRetrying:
		switch to {
		case StatusSent, StatusDelivered, StatusFailed, StatusRetrying:
			return true
		}
	case StatusSent:
		return to == StatusDelivered
	case StatusQueuedForDigest:
		return to == StatusDelivered
	}
	return false
}

// Kind identifies the semantic class of a notification. The closed
// set of kinds and their routing defaults live in the catalog.
type Kind string

// ErrorCode categorizes delivery failures for retry decisions.
type ErrorCode string

const (
	ErrorCodeRateLimited      ErrorCode = "RATE_LIMITED"      // provider throttled us; retry with backoff
	ErrorCodeInvalidRecipient ErrorCode = "INVALID_RECIPIENT" // bad phone/email/token; permanent
	ErrorCodeTokenRevoked     ErrorCode = "TOKEN_REVOKED"     // push token revoked; permanent
	ErrorCodeNetworkError     ErrorCode = "NETWORK_ERROR"     // timeout, reset; retry
	ErrorCodeServiceDown      ErrorCode = "SERVICE_DOWN"      // provider 5xx; retry
	ErrorCodeChannelDisabled  ErrorCode = "CHANNEL_DISABLED"  // adapter disabled by configuration
	ErrorCodeUnknown          ErrorCode = "UNKNOWN"           // retry
)

// Permanent reports whether this failure cannot succeed on retry.
func (e ErrorCode) Permanent() bool {
	switch e {
	case ErrorCodeInvalidRecipient, ErrorCodeTokenRevoked, ErrorCodeChannelDisabled:
		return true
	default:
		return false
	}
}

// DataMap is a structured-data blob attached to a notification.
type DataMap map[string]interface{}

// Value implements driver.Valuer for database storage.
func (d DataMap) Value() (driver.Value, error) {
	if d == nil {
		return json.Marshal(map[string]interface{}{})
	}
	return json.Marshal(d)
}

// Scan implements sql.Scanner for database retrieval.
func (d *DataMap) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(b, d)
}

// Request is the ephemeral input to the Router.
type Request struct {
	UserID        string    `json:"user_id"`
	Kind          Kind      `json:"kind"`
	SourceID      string    `json:"source_id,omitempty"` // upstream business id used for dedup
	Title         string    `json:"title"`
	Body          string    `json:"body"`
	Data          DataMap   `json:"data,omitempty"`
	Priority      *Priority `json:"priority,omitempty"` // nil means "use the catalog default"
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// SkipReason names why a channel (or the whole request) was skipped.
type SkipReason string

const (
	SkipDuplicate       SkipReason = "duplicate"
	SkipDoNotContact    SkipReason = "do_not_contact"
	SkipQuietHours      SkipReason = "quiet_hours"
	SkipRateLimited     SkipReason = "rate_limited"
	SkipMissingContact  SkipReason = "missing_verified_contact"
	SkipNoDevices       SkipReason = "no_registered_devices"
	SkipChannelDisabled SkipReason = "channel_disabled"
)

// Skip describes a channel the Router declined to attempt.
type Skip struct {
	Channel     Channel    `json:"channel,omitempty"` // empty when the whole request was skipped
	Reason      SkipReason `json:"reason"`
	Detail      string     `json:"detail,omitempty"`
	DuplicateOf *uuid.UUID `json:"duplicate_of,omitempty"`
	ResetAt     *time.Time `json:"reset_at,omitempty"` // for rate-limit skips
}

// ChannelAttempt reports the outcome of one provider attempt.
type ChannelAttempt struct {
	Channel           Channel   `json:"channel"`
	Status            Status    `json:"status"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	ErrorCode         ErrorCode `json:"error_code,omitempty"`
	Error             string    `json:"error,omitempty"`
}

// RouteResult is returned by Router.Route. It never carries an error
// for ordinary channel failures; those appear as attempt outcomes or
// skips.
type RouteResult struct {
	NotificationID uuid.UUID        `json:"notification_id"`
	Attempts       []ChannelAttempt `json:"attempts,omitempty"`
	Skips          []Skip           `json:"skips,omitempty"`
	Queued         bool             `json:"queued"`
	DigestQueued   bool             `json:"digest_queued"`
}

// DeliveryRecord is the persistent, per-(notification, channel)
// attempt log entry that drives retry and audit.
type DeliveryRecord struct {
	ID                uuid.UUID  `json:"id" db:"id"`
	NotificationID    uuid.UUID  `json:"notification_id" db:"notification_id"`
	UserID            string     `json:"user_id" db:"user_id"`
	Kind              Kind       `json:"kind" db:"kind"`
	SourceID          string     `json:"source_id" db:"source_id"`
	Channel           Channel    `json:"channel" db:"channel"`
	Priority          Priority   `json:"priority" db:"priority"`
	Title             string     `json:"title" db:"title"`
	Body              string     `json:"body" db:"body"`
	Data              DataMap    `json:"data,omitempty" db:"data"`
	Status            Status     `json:"status" db:"status"`
	Provider          string     `json:"provider,omitempty" db:"provider"`
	ProviderMessageID *string    `json:"provider_message_id,omitempty" db:"provider_message_id"`
	RetryCount        int        `json:"retry_count" db:"retry_count"`
	LastAttemptAt     *time.Time `json:"last_attempt_at,omitempty" db:"last_attempt_at"`
	NextAttemptAt     *time.Time `json:"next_attempt_at,omitempty" db:"next_attempt_at"`
	LastError         *string    `json:"last_error,omitempty" db:"last_error"`
	LastErrorCode     *ErrorCode `json:"last_error_code,omitempty" db:"last_error_code"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	SentAt            *time.Time `json:"sent_at,omitempty" db:"sent_at"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty" db:"delivered_at"`
	ReadAt            *time.Time `json:"read_at,omitempty" db:"read_at"`
	CorrelationID     string     `json:"correlation_id,omitempty" db:"correlation_id"`
	IdempotencyKey    string     `json:"idempotency_key" db:"idempotency_key"`
}

// IdempotencyKey renders the unique (user, kind, source-id, channel)
// tuple enforced by the history store.
func IdempotencyKey(userID string, kind Kind, sourceID string, channel Channel) string {
	if sourceID == "" {
		sourceID = "none"
	}
	return userID + ":" + string(kind) + ":" + sourceID + ":" + string(channel)
}

// Attempt records a single provider attempt against a delivery record.
type Attempt struct {
	ID               uuid.UUID `json:"id" db:"id"`
	DeliveryRecordID uuid.UUID `json:"delivery_record_id" db:"delivery_record_id"`
	AttemptNumber    int       `json:"attempt_number" db:"attempt_number"`
	Success          bool      `json:"success" db:"success"`
	ErrorMessage     *string   `json:"error_message,omitempty" db:"error_message"`
	ErrorCode        *string   `json:"error_code,omitempty" db:"error_code"`
	StartedAt        time.Time `json:"started_at" db:"started_at"`
	DurationMs       int       `json:"duration_ms" db:"duration_ms"`
}

// ReviewStatus is the human-review state of a DLQ record.
type ReviewStatus string

const (
	ReviewPending   ReviewStatus = "pending_review"
	ReviewUnderway  ReviewStatus = "under_review"
	ReviewResolved  ReviewStatus = "resolved"
	ReviewAbandoned ReviewStatus = "abandoned"
)

// FailureEntry is one element of a DLQ record's failure history.
type FailureEntry struct {
	AttemptNumber int       `json:"attempt_number"`
	ErrorCode     string    `json:"error_code,omitempty"`
	Error         string    `json:"error,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// FailureHistory is the ordered list of failures carried by a DLQ
// record.
type FailureHistory []FailureEntry

// Value implements driver.Valuer for database storage.
func (h FailureHistory) Value() (driver.Value, error) {
	if h == nil {
		return json.Marshal([]FailureEntry{})
	}
	return json.Marshal(h)
}

// Scan implements sql.Scanner for database retrieval.
func (h *FailureHistory) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(b, h)
}

// DLQRecord is a snapshot of a permanently failed delivery awaiting
// human action.
type DLQRecord struct {
	ID               uuid.UUID      `json:"id" db:"id"`
	DeliveryRecordID *uuid.UUID     `json:"delivery_record_id,omitempty" db:"delivery_record_id"`
	UserID           string         `json:"user_id" db:"user_id"`
	Kind             Kind           `json:"kind" db:"kind"`
	SourceID         string         `json:"source_id" db:"source_id"`
	Channel          Channel        `json:"channel" db:"channel"`
	Priority         Priority       `json:"priority" db:"priority"`
	Title            string         `json:"title" db:"title"`
	Body             string         `json:"body" db:"body"`
	Reason           string         `json:"reason" db:"reason"`
	TotalAttempts    int            `json:"total_attempts" db:"total_attempts"`
	FailureHistory   FailureHistory `json:"failure_history" db:"failure_history"`
	ReviewStatus     ReviewStatus   `json:"review_status" db:"review_status"`
	ResolverID       *string        `json:"resolver_id,omitempty" db:"resolver_id"`
	ResolutionNotes  *string        `json:"resolution_notes,omitempty" db:"resolution_notes"`
	CorrelationID    string         `json:"correlation_id,omitempty" db:"correlation_id"`
	CreatedAt        time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at" db:"updated_at"`
}

// DigestFrequency selects which digest list an entry lands on.
type DigestFrequency string

const (
	DigestHourly DigestFrequency = "hourly"
	DigestDaily  DigestFrequency = "daily"
	DigestWeekly DigestFrequency = "weekly"
)

// DigestEntry is one queued notification awaiting digest assembly.
type DigestEntry struct {
	NotificationID uuid.UUID `json:"notification_id"`
	Kind           Kind      `json:"kind"`
	Title          string    `json:"title"`
	Body           string    `json:"body"`
	Data           DataMap   `json:"data,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Ptr is a helper to create a pointer to a value.
func Ptr[T any](v T) *T {
	return &v
}
