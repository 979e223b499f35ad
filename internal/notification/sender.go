package notification

import (
	"context"

	"github.com/google/uuid"
)

// DeliveryRequest is the channel-agnostic input to a provider
// adapter. The Router resolves the user's contact details before
// fan-out so adapters never touch the preferences store.
type DeliveryRequest struct {
	NotificationID uuid.UUID
	UserID         string
	Kind           Kind
	Priority       Priority
	Title          string
	Body           string
	Data           DataMap
	CorrelationID  string

	// Contact details, populated per channel.
	Phone   string   // SMS
	Email   string   // email
	Devices []Device // push
}

// Outcome is the normalized result of one provider call. Adapters
// never return a Go error for ordinary provider failures; those are
// reported through Err/ErrorCode with Status failed.
type Outcome struct {
	Status            Status // sent, delivered, or failed
	ProviderMessageID string
	ErrorCode         ErrorCode
	Err               error
}

// Sender is the uniform adapter contract, one implementation per
// channel.
type Sender interface {
	// Send delivers the request and normalizes the provider outcome.
	Send(ctx context.Context, req DeliveryRequest) Outcome

	// Channel returns the channel this sender handles.
	Channel() Channel

	// Provider returns the provider tag persisted on delivery records.
	Provider() string
}

func disabledOutcome() Outcome {
	return Outcome{
		Status:    StatusFailed,
		ErrorCode: ErrorCodeChannelDisabled,
		Err:       errChannelNotEnabled,
	}
}

var errChannelNotEnabled = &channelDisabledError{}

type channelDisabledError struct{}

func (*channelDisabledError) Error() string { return "channel not enabled" }
