package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// SMSSenderConfig holds SMS adapter configuration.
type SMSSenderConfig struct {
	Enabled           bool
	BaseURL           string
	APIKey            string
	From              string
	UnsubscribeSuffix string // appended to every message, e.g. " Reply STOP to opt out"
	Timeout           time.Duration
}

// smsMaxLength is the single-segment GSM limit the compose rule
// targets.
const smsMaxLength = 160

var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// SMSSender delivers notifications as text messages.
type SMSSender struct {
	config     SMSSenderConfig
	httpClient *http.Client
}

// NewSMSSender creates the SMS adapter.
func NewSMSSender(config SMSSenderConfig) *SMSSender {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &SMSSender{
		config: config,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Channel implements Sender.
func (s *SMSSender) Channel() Channel { return ChannelSMS }

// Provider implements Sender.
func (s *SMSSender) Provider() string { return "sms-gateway" }

// composeSMS builds "title: body" plus the unsubscribe suffix, fitted
// to a single 160-char segment. When the input exceeds the limit the
// body is truncated and terminated with an ellipsis; the suffix is
// never cut.
func composeSMS(title, body, suffix string) string {
	message := title
	if body != "" {
		if message != "" {
			message += ": "
		}
		message += body
	}

	budget := smsMaxLength - len(suffix)
	if len(message) > budget {
		// Reserve three bytes for the UTF-8 ellipsis, then back the cut
		// up to a rune boundary so a multi-byte character is never
		// split.
		cut := budget - len("…")
		if cut < 0 {
			cut = 0
		}
		for cut > 0 && !utf8.RuneStart(message[cut]) {
			cut--
		}
		message = message[:cut] + "…"
	}
	return message + suffix
}

type smsAPIRequest struct {
	To       string `json:"to"`
	From     string `json:"from"`
	Body     string `json:"body"`
	Priority string `json:"priority,omitempty"`
}

type smsAPIResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// Send implements Sender.
func (s *SMSSender) Send(ctx context.Context, req DeliveryRequest) Outcome {
	if !s.config.Enabled {
		return disabledOutcome()
	}

	if !e164Pattern.MatchString(req.Phone) {
		return Outcome{
			Status:    StatusFailed,
			ErrorCode: ErrorCodeInvalidRecipient,
			Err:       fmt.Errorf("phone number is not E.164"),
		}
	}

	apiReq := smsAPIRequest{
		To:   req.Phone,
		From: s.config.From,
		Body: composeSMS(req.Title, req.Body, s.config.UnsubscribeSuffix),
	}
	if req.Priority == PriorityCritical {
		apiReq.Priority = "high"
	}

	body, err := json.Marshal(apiReq)
	if err != nil {
		return Outcome{
			Status:    StatusFailed,
			ErrorCode: ErrorCodeUnknown,
			Err:       fmt.Errorf("failed to marshal sms request: %w", err),
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return Outcome{
			Status:    StatusFailed,
			ErrorCode: ErrorCodeNetworkError,
			Err:       fmt.Errorf("failed to create sms request: %w", err),
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.config.APIKey)

	httpResp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return Outcome{
			Status:    StatusFailed,
			ErrorCode: categorizeNetworkError(err),
			Err:       fmt.Errorf("sms request failed: %w", err),
		}
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return Outcome{
			Status:    StatusFailed,
			ErrorCode: ErrorCodeNetworkError,
			Err:       fmt.Errorf("failed to read sms response: %w", err),
		}
	}

	if httpResp.StatusCode >= 400 {
		return Outcome{
			Status:    StatusFailed,
			ErrorCode: mapSMSError(httpResp.StatusCode, string(respBody)),
			Err:       fmt.Errorf("sms provider error %d: %s", httpResp.StatusCode, string(respBody)),
		}
	}

	var apiResp smsAPIResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return Outcome{
			Status:    StatusFailed,
			ErrorCode: ErrorCodeNetworkError,
			Err:       fmt.Errorf("failed to decode sms response: %w", err),
		}
	}

	return Outcome{
		Status:            StatusSent,
		ProviderMessageID: apiResp.MessageID,
	}
}

// mapSMSError maps provider HTTP failures to error codes.
func mapSMSError(code int, body string) ErrorCode {
	bodyLower := strings.ToLower(body)

	switch {
	case code == 429:
		return ErrorCodeRateLimited
	case code >= 500:
		return ErrorCodeServiceDown
	case strings.Contains(bodyLower, "invalid") && strings.Contains(bodyLower, "number"),
		strings.Contains(bodyLower, "unreachable"),
		strings.Contains(bodyLower, "blacklisted"):
		return ErrorCodeInvalidRecipient
	default:
		return ErrorCodeUnknown
	}
}
