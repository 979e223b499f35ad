// Package ingest consumes upstream banking events from Kafka and
// feeds them to the notification Router. One consumer runs per topic;
// offsets are committed only after the event is routed or safely
// dead-lettered, giving at-least-once processing end to end.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/finvault/notifier/internal/notification"
)

// Envelope is the wire format shared by every upstream topic.
type Envelope struct {
	EventType     string          `json:"eventType"`
	EventID       string          `json:"eventId,omitempty"`
	Timestamp     string          `json:"timestamp"` // RFC3339
	CorrelationID string          `json:"correlationId,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// Payload is the envelope body. Only userId is mandatory; title and
// body default per kind when the producer omits them.
type Payload struct {
	UserID   string                 `json:"userId"`
	SourceID string                 `json:"sourceId,omitempty"`
	Title    string                 `json:"title,omitempty"`
	Body     string                 `json:"body,omitempty"`
	Priority *notification.Priority `json:"priority,omitempty"`
	Data     notification.DataMap   `json:"data,omitempty"`
}

// Decode errors. All of them mark the message malformed and send it to
// the DLQ rather than back for redelivery.
var (
	ErrMissingEventType = errors.New("event is missing eventType")
	ErrMissingTimestamp = errors.New("event is missing timestamp")
	ErrBadTimestamp     = errors.New("event timestamp is not RFC3339")
	ErrMissingUserID    = errors.New("event payload is missing userId")
)

// DecodeEvent strictly parses one message. Producers occasionally ship
// broken JSON or half-filled envelopes; those must land in the DLQ
// with a reason, never crash the consumer.
func DecodeEvent(raw []byte) (*Envelope, *Payload, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, nil, fmt.Errorf("invalid event json: %w", err)
	}
	if env.EventType == "" {
		return nil, nil, ErrMissingEventType
	}
	if env.Timestamp == "" {
		return &env, nil, ErrMissingTimestamp
	}
	if _, err := time.Parse(time.RFC3339, env.Timestamp); err != nil {
		return &env, nil, fmt.Errorf("%w: %q", ErrBadTimestamp, env.Timestamp)
	}

	var payload Payload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return &env, nil, fmt.Errorf("invalid event payload: %w", err)
		}
	}
	if payload.UserID == "" {
		return &env, nil, ErrMissingUserID
	}
	return &env, &payload, nil
}

// Topic event-type mappings. Upstream event names are not ours to
// choose; each map translates one topic's vocabulary into catalog
// kinds. Anything absent is dropped at debug level.
var (
	TransactionEvents = map[string]notification.Kind{
		"transfer.completed":   notification.KindTransferCompleted,
		"transfer.failed":      notification.KindTransferFailed,
		"deposit.received":     notification.KindDepositReceived,
		"withdrawal.completed": notification.KindWithdrawalCompleted,
		"payment.due":          notification.KindPaymentDue,
		"balance.low":          notification.KindLowBalance,
	}

	SecurityEvents = map[string]notification.Kind{
		"login.failed":     notification.KindLoginFailed,
		"login.new_device": notification.KindLoginNewDevice,
		"password.changed": notification.KindPasswordChanged,
		"account.locked":   notification.KindAccountLocked,
	}

	FraudEvents = map[string]notification.Kind{
		"fraud.detected":      notification.KindFraudDetected,
		"card.blocked":        notification.KindCardBlocked,
		"activity.suspicious": notification.KindSuspiciousActivity,
	}

	UserEvents = map[string]notification.Kind{
		"user.registered": notification.KindWelcome,
		"kyc.approved":    notification.KindKYCApproved,
		"account.closed":  notification.KindAccountClosed,
	}
)

// defaultContent fills title and body for producers that send bare
// events.
var defaultContent = map[notification.Kind][2]string{
	notification.KindTransferCompleted:   {"Transfer completed", "Your transfer has been completed."},
	notification.KindTransferFailed:      {"Transfer failed", "Your transfer could not be completed."},
	notification.KindDepositReceived:     {"Deposit received", "A deposit has arrived in your account."},
	notification.KindWithdrawalCompleted: {"Withdrawal completed", "Your withdrawal has been processed."},
	notification.KindPaymentDue:          {"Payment due", "You have an upcoming payment due."},
	notification.KindLowBalance:          {"Low balance", "Your account balance is below your alert threshold."},
	notification.KindLoginFailed:         {"Failed sign-in attempt", "A sign-in attempt on your account failed."},
	notification.KindLoginNewDevice:      {"New device sign-in", "Your account was accessed from a new device."},
	notification.KindPasswordChanged:     {"Password changed", "Your account password was changed."},
	notification.KindAccountLocked:       {"Account locked", "Your account has been locked for your protection."},
	notification.KindFraudDetected:       {"Fraud alert", "We detected suspicious activity on your account."},
	notification.KindCardBlocked:         {"Card blocked", "Your card has been blocked."},
	notification.KindSuspiciousActivity:  {"Suspicious activity", "Unusual activity was detected on your account."},
	notification.KindWelcome:             {"Welcome", "Welcome to your new account."},
	notification.KindKYCApproved:         {"Identity verified", "Your identity verification is complete."},
	notification.KindAccountClosed:       {"Account closed", "Your account has been closed."},
}

// BuildRequest turns a decoded event into a Router request.
func BuildRequest(kind notification.Kind, env *Envelope, payload *Payload) notification.Request {
	title, body := payload.Title, payload.Body
	if defaults, ok := defaultContent[kind]; ok {
		if title == "" {
			title = defaults[0]
		}
		if body == "" {
			body = defaults[1]
		}
	}

	sourceID := payload.SourceID
	if sourceID == "" {
		sourceID = env.EventID
	}

	return notification.Request{
		UserID:        payload.UserID,
		Kind:          kind,
		SourceID:      sourceID,
		Title:         title,
		Body:          body,
		Data:          payload.Data,
		Priority:      payload.Priority,
		CorrelationID: env.CorrelationID,
	}
}
