package notification

import (
	"fmt"
	"time"
)

// Event kinds. The set is closed; the ingestor drops anything it
// cannot map to one of these.
const (
	KindTransferCompleted    Kind = "transfer_completed"
	KindTransferFailed       Kind = "transfer_failed"
	KindDepositReceived      Kind = "deposit_received"
	KindWithdrawalCompleted  Kind = "withdrawal_completed"
	KindPaymentDue           Kind = "payment_due"
	KindLowBalance           Kind = "low_balance"
	KindLoginFailed          Kind = "login_failed"
	KindLoginNewDevice       Kind = "login_new_device"
	KindPasswordChanged      Kind = "password_changed"
	KindAccountLocked        Kind = "account_locked"
	KindFraudDetected        Kind = "fraud_detected"
	KindCardBlocked          Kind = "card_blocked"
	KindSuspiciousActivity   Kind = "suspicious_activity"
	KindWelcome              Kind = "welcome"
	KindKYCApproved          Kind = "kyc_approved"
	KindAccountClosed        Kind = "account_closed"
)

// KindConfig is the catalog record for one event kind. The catalog is
// authoritative for priority when the request omits it; users may
// override channels but never the bypass/dedup flags.
type KindConfig struct {
	Channels         []Channel
	Priority         Priority
	BypassQuietHours bool
	DigestEligible   bool
	DedupWindow      time.Duration
}

// catalog is immutable at runtime. Dedup windows reflect how long the
// same upstream event may keep arriving (bus redeliveries, upstream
// retries) before it is genuinely new information again.
var catalog = map[Kind]KindConfig{
	KindTransferCompleted: {
		Channels:       []Channel{ChannelSocket, ChannelPush},
		Priority:       PriorityMedium,
		DigestEligible: true,
		DedupWindow:    5 * time.Minute,
	},
	KindTransferFailed: {
		Channels:    []Channel{ChannelSocket, ChannelPush, ChannelEmail},
		Priority:    PriorityHigh,
		DedupWindow: 5 * time.Minute,
	},
	KindDepositReceived: {
		Channels:       []Channel{ChannelSocket, ChannelPush},
		Priority:       PriorityMedium,
		DigestEligible: true,
		DedupWindow:    5 * time.Minute,
	},
	KindWithdrawalCompleted: {
		Channels:       []Channel{ChannelSocket, ChannelPush},
		Priority:       PriorityMedium,
		DigestEligible: true,
		DedupWindow:    5 * time.Minute,
	},
	KindPaymentDue: {
		Channels:       []Channel{ChannelEmail, ChannelPush},
		Priority:       PriorityMedium,
		DigestEligible: true,
		DedupWindow:    24 * time.Hour,
	},
	KindLowBalance: {
		Channels:       []Channel{ChannelPush, ChannelEmail},
		Priority:       PriorityMedium,
		DigestEligible: true,
		DedupWindow:    12 * time.Hour,
	},
	KindLoginFailed: {
		Channels:    []Channel{ChannelSocket, ChannelSMS, ChannelEmail},
		Priority:    PriorityHigh,
		DedupWindow: 10 * time.Minute,
	},
	KindLoginNewDevice: {
		Channels:    []Channel{ChannelSocket, ChannelSMS, ChannelEmail},
		Priority:    PriorityHigh,
		DedupWindow: time.Hour,
	},
	KindPasswordChanged: {
		Channels:    []Channel{ChannelEmail, ChannelSMS},
		Priority:    PriorityHigh,
		DedupWindow: time.Hour,
	},
	KindAccountLocked: {
		Channels:         []Channel{ChannelSocket, ChannelSMS, ChannelEmail, ChannelPush},
		Priority:         PriorityCritical,
		BypassQuietHours: true,
		DedupWindow:      time.Hour,
	},
	KindFraudDetected: {
		Channels:         []Channel{ChannelSocket, ChannelSMS, ChannelEmail, ChannelPush},
		Priority:         PriorityCritical,
		BypassQuietHours: true,
		DedupWindow:      30 * time.Minute,
	},
	KindCardBlocked: {
		Channels:         []Channel{ChannelSocket, ChannelSMS, ChannelPush},
		Priority:         PriorityCritical,
		BypassQuietHours: true,
		DedupWindow:      time.Hour,
	},
	KindSuspiciousActivity: {
		Channels:    []Channel{ChannelSocket, ChannelEmail, ChannelPush},
		Priority:    PriorityHigh,
		DedupWindow: 30 * time.Minute,
	},
	KindWelcome: {
		Channels:       []Channel{ChannelEmail},
		Priority:       PriorityLow,
		DigestEligible: false,
		DedupWindow:    7 * 24 * time.Hour,
	},
	KindKYCApproved: {
		Channels:       []Channel{ChannelEmail, ChannelPush},
		Priority:       PriorityMedium,
		DigestEligible: true,
		DedupWindow:    24 * time.Hour,
	},
	KindAccountClosed: {
		Channels:    []Channel{ChannelEmail},
		Priority:    PriorityHigh,
		DedupWindow: 24 * time.Hour,
	},
}

// ErrUnknownKind is returned for kinds absent from the catalog.
var ErrUnknownKind = fmt.Errorf("unknown event kind")

// LookupKind returns the catalog record for a kind.
func LookupKind(kind Kind) (KindConfig, error) {
	cfg, ok := catalog[kind]
	if !ok {
		return KindConfig{}, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return cfg, nil
}

// KnownKind reports whether the catalog contains the kind.
func KnownKind(kind Kind) bool {
	_, ok := catalog[kind]
	return ok
}

// EmailTemplateFamily groups kinds into the email adapter's template
// registry families.
func EmailTemplateFamily(kind Kind) string {
	switch kind {
	case KindTransferCompleted, KindTransferFailed, KindDepositReceived,
		KindWithdrawalCompleted, KindPaymentDue, KindLowBalance:
		return "transfers"
	case KindLoginFailed, KindLoginNewDevice, KindPasswordChanged,
		KindAccountLocked, KindFraudDetected, KindCardBlocked, KindSuspiciousActivity:
		return "security"
	default:
		return ""
	}
}
