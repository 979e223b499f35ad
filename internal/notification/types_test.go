package notification

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name     string
		from     Status
		to       Status
		expected bool
	}{
		{"Pending to sent", StatusPending, StatusSent, true},
		{"Pending to retrying", StatusPending, StatusRetrying, true},
		{"Pending to rate limited", StatusPending, StatusRateLimited, true},
		{"Pending to queued for digest", StatusPending, StatusQueuedForDigest, true},
		{"Retrying to sent", StatusRetrying, StatusSent, true},
		{"Retrying loops", StatusRetrying, StatusRetrying, true},
		{"Retrying to failed", StatusRetrying, StatusFailed, true},
		{"Sent to delivered", StatusSent, StatusDelivered, true},
		{"Queued digest to delivered", StatusQueuedForDigest, StatusDelivered, true},
		{"No going back to pending", StatusSent, StatusPending, false},
		{"Delivered is terminal", StatusDelivered, StatusSent, false},
		{"Failed is terminal", StatusFailed, StatusRetrying, false},
		{"Rate limited is terminal", StatusRateLimited, StatusSent, false},
		{"Sent cannot fail", StatusSent, StatusFailed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, CanTransition(tt.from, tt.to))
		})
	}
}

func TestErrorCodePermanent(t *testing.T) {
	assert.True(t, ErrorCodeInvalidRecipient.Permanent())
	assert.True(t, ErrorCodeTokenRevoked.Permanent())
	assert.True(t, ErrorCodeChannelDisabled.Permanent())

	assert.False(t, ErrorCodeRateLimited.Permanent())
	assert.False(t, ErrorCodeNetworkError.Permanent())
	assert.False(t, ErrorCodeServiceDown.Permanent())
	assert.False(t, ErrorCodeUnknown.Permanent())
}

func TestIdempotencyKey(t *testing.T) {
	assert.Equal(t,
		"user-1:transfer_completed:tx-9:push",
		IdempotencyKey("user-1", KindTransferCompleted, "tx-9", ChannelPush))

	// Missing source ids collapse to a stable placeholder so the
	// unique constraint still holds.
	assert.Equal(t,
		"user-1:welcome:none:email",
		IdempotencyKey("user-1", KindWelcome, "", ChannelEmail))
}
