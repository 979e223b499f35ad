package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
)

// SocketSenderConfig holds socket-gateway adapter configuration.
type SocketSenderConfig struct {
	Enabled bool
	BaseURL string
	APIKey  string
	Timeout time.Duration // default 5s
}

// SocketSender pushes real-time notifications through the socket
// gateway peer service. The gateway reports whether the user is
// currently connected: delivered means the frame reached a live
// connection, sent means it was accepted for buffering.
type SocketSender struct {
	config     SocketSenderConfig
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[*gatewayResponse]
}

// NewSocketSender creates the socket-gateway adapter.
func NewSocketSender(config SocketSenderConfig) *SocketSender {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	config.Timeout = timeout

	return &SocketSender{
		config: config,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		breaker: gobreaker.NewCircuitBreaker[*gatewayResponse](gobreaker.Settings{
			Name:    "socket-gateway",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// Channel implements Sender.
func (s *SocketSender) Channel() Channel { return ChannelSocket }

// Provider implements Sender.
func (s *SocketSender) Provider() string { return "socket-gateway" }

type gatewayRequest struct {
	UserID         string  `json:"userId"`
	NotificationID string  `json:"notificationId"`
	Kind           string  `json:"kind"`
	Priority       string  `json:"priority"`
	Title          string  `json:"title"`
	Body           string  `json:"body"`
	Data           DataMap `json:"data,omitempty"`
}

type gatewayResponse struct {
	MessageID string `json:"messageId"`
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

// Send implements Sender.
func (s *SocketSender) Send(ctx context.Context, req DeliveryRequest) Outcome {
	if !s.config.Enabled {
		return disabledOutcome()
	}

	body, err := json.Marshal(gatewayRequest{
		UserID:         req.UserID,
		NotificationID: req.NotificationID.String(),
		Kind:           string(req.Kind),
		Priority:       string(req.Priority),
		Title:          req.Title,
		Body:           req.Body,
		Data:           req.Data,
	})
	if err != nil {
		return Outcome{
			Status:    StatusFailed,
			ErrorCode: ErrorCodeUnknown,
			Err:       fmt.Errorf("failed to marshal gateway request: %w", err),
		}
	}

	resp, err := s.breaker.Execute(func() (*gatewayResponse, error) {
		return s.post(ctx, body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Outcome{
				Status:    StatusFailed,
				ErrorCode: ErrorCodeServiceDown,
				Err:       fmt.Errorf("socket gateway circuit open: %w", err),
			}
		}
		return Outcome{
			Status:    StatusFailed,
			ErrorCode: categorizeNetworkError(err),
			Err:       err,
		}
	}

	status := StatusSent
	if resp.Connected {
		status = StatusDelivered
	}
	return Outcome{
		Status:            status,
		ProviderMessageID: resp.MessageID,
	}
}

func (s *SocketSender) post(ctx context.Context, body []byte) (*gatewayResponse, error) {
	url := s.config.BaseURL + "/api/notifications/send"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", s.config.APIKey)

	httpResp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gateway request failed: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read gateway response: %w", err)
	}

	if httpResp.StatusCode >= 500 {
		return nil, fmt.Errorf("gateway returned %d", httpResp.StatusCode)
	}
	if httpResp.StatusCode >= 400 {
		return nil, fmt.Errorf("gateway rejected request: %d %s", httpResp.StatusCode, string(respBody))
	}

	var resp gatewayResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode gateway response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("gateway error: %s", resp.Error)
	}
	return &resp, nil
}

// IsOnline asks the gateway whether the user has a live connection.
func (s *SocketSender) IsOnline(ctx context.Context, userID string) (bool, error) {
	if !s.config.Enabled {
		return false, nil
	}

	url := s.config.BaseURL + "/api/connections/" + userID
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create connection check: %w", err)
	}
	httpReq.Header.Set("X-API-Key", s.config.APIKey)

	httpResp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return false, fmt.Errorf("connection check failed: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	var resp struct {
		Connected bool `json:"connected"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return false, fmt.Errorf("failed to decode connection check: %w", err)
	}
	return resp.Connected, nil
}

// categorizeNetworkError maps transport failures to retry-relevant
// error codes.
func categorizeNetworkError(err error) ErrorCode {
	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") {
		return ErrorCodeNetworkError
	}
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "returned 5") {
		return ErrorCodeServiceDown
	}
	return ErrorCodeNetworkError
}
