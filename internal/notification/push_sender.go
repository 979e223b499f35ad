package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/finvault/notifier/internal/telemetry"
)

// PushSenderConfig holds push adapter configuration.
type PushSenderConfig struct {
	Enabled bool
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// pushTTL bounds how long the provider holds an undelivered message
// for an offline device.
const pushTTL = time.Hour

// PushSender delivers notifications to a user's registered devices as
// a single multicast. The attempt succeeds when at least one device
// accepts the message.
type PushSender struct {
	config     PushSenderConfig
	httpClient *http.Client
}

// NewPushSender creates the push adapter.
func NewPushSender(config PushSenderConfig) *PushSender {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &PushSender{
		config: config,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Channel implements Sender.
func (s *PushSender) Channel() Channel { return ChannelPush }

// Provider implements Sender.
func (s *PushSender) Provider() string { return "push-gateway" }

type pushAPIRequest struct {
	Tokens       []string `json:"tokens"`
	Title        string   `json:"title,omitempty"`
	Body         string   `json:"body,omitempty"`
	Data         DataMap  `json:"data,omitempty"`
	Priority     string   `json:"priority"` // "high" or "normal"
	AndroidPrio  int      `json:"android_priority"`
	TTLSeconds   int      `json:"ttl_seconds"`
	ContentAvail bool     `json:"content_available,omitempty"` // silent data-only variant
}

type pushAPIResponse struct {
	MulticastID string           `json:"multicast_id"`
	Results     []pushSendResult `json:"results"`
}

type pushSendResult struct {
	Token     string `json:"token"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"` // "revoked", "invalid", "unavailable"
}

// Send implements Sender.
func (s *PushSender) Send(ctx context.Context, req DeliveryRequest) Outcome {
	if !s.config.Enabled {
		return disabledOutcome()
	}

	if len(req.Devices) == 0 {
		return Outcome{
			Status:    StatusFailed,
			ErrorCode: ErrorCodeInvalidRecipient,
			Err:       fmt.Errorf("no registered devices"),
		}
	}

	tokens := make([]string, len(req.Devices))
	for i, d := range req.Devices {
		tokens[i] = d.Token
	}

	apiReq := pushAPIRequest{
		Tokens:     tokens,
		Title:      req.Title,
		Body:       req.Body,
		Data:       req.Data,
		Priority:   "normal",
		TTLSeconds: int(pushTTL.Seconds()),
	}
	if req.Priority == PriorityCritical {
		apiReq.Priority = "high"
		apiReq.AndroidPrio = 10
	} else {
		apiReq.AndroidPrio = 5
	}
	// A data-only payload wakes the app without a banner.
	if req.Title == "" && req.Body == "" {
		apiReq.ContentAvail = true
	}

	resp, err := s.multicast(ctx, apiReq)
	if err != nil {
		return Outcome{
			Status:    StatusFailed,
			ErrorCode: categorizeNetworkError(err),
			Err:       err,
		}
	}

	return s.collect(ctx, req, resp)
}

// collect folds per-token results into one outcome. Any accepted token
// makes the attempt a success; revoked tokens are logged by suffix so
// the registry can be cleaned without ever logging a full token.
func (s *PushSender) collect(ctx context.Context, req DeliveryRequest, resp *pushAPIResponse) Outcome {
	log := telemetry.LogFromContext(ctx)

	var firstMessageID string
	accepted, revoked := 0, 0
	for _, r := range resp.Results {
		switch {
		case r.Error == "":
			accepted++
			if firstMessageID == "" {
				firstMessageID = r.MessageID
			}
		case r.Error == "revoked" || r.Error == "invalid":
			revoked++
			log.WithFields(map[string]interface{}{
				"user_id":      req.UserID,
				"token_suffix": tokenSuffix(r.Token),
			}).Warn("push token rejected by provider")
		}
	}

	if accepted > 0 {
		return Outcome{
			Status:            StatusSent,
			ProviderMessageID: resp.MulticastID,
		}
	}

	if revoked == len(resp.Results) && revoked > 0 {
		return Outcome{
			Status:    StatusFailed,
			ErrorCode: ErrorCodeTokenRevoked,
			Err:       fmt.Errorf("all %d device tokens revoked", revoked),
		}
	}

	return Outcome{
		Status:    StatusFailed,
		ErrorCode: ErrorCodeServiceDown,
		Err:       fmt.Errorf("no device accepted the message"),
	}
}

func (s *PushSender) multicast(ctx context.Context, apiReq pushAPIRequest) (*pushAPIResponse, error) {
	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal push request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.BaseURL+"/v1/multicast", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create push request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.config.APIKey)

	httpResp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("push request failed: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read push response: %w", err)
	}

	if httpResp.StatusCode >= 500 {
		return nil, fmt.Errorf("push provider returned %d", httpResp.StatusCode)
	}
	if httpResp.StatusCode >= 400 {
		return nil, fmt.Errorf("push provider rejected request: %d %s", httpResp.StatusCode, string(respBody))
	}

	var resp pushAPIResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode push response: %w", err)
	}
	return &resp, nil
}

// tokenSuffix returns the last 6 characters of a token for logging.
func tokenSuffix(token string) string {
	if len(token) <= 6 {
		return token
	}
	return token[len(token)-6:]
}
