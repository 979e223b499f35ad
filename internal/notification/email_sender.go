package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// EmailSenderConfig holds email adapter configuration.
type EmailSenderConfig struct {
	Enabled   bool
	BaseURL   string
	APIKey    string
	FromName  string
	FromEmail string
	Timeout   time.Duration

	// Templates maps a template family (transfers, security, digest)
	// to a pre-registered provider template id.
	Templates map[string]string
}

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// EmailSender delivers notifications and digest summaries by email.
type EmailSender struct {
	config     EmailSenderConfig
	httpClient *http.Client
}

// NewEmailSender creates the email adapter.
func NewEmailSender(config EmailSenderConfig) *EmailSender {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &EmailSender{
		config: config,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Channel implements Sender.
func (s *EmailSender) Channel() Channel { return ChannelEmail }

// Provider implements Sender.
func (s *EmailSender) Provider() string { return "email-gateway" }

type emailAPIRequest struct {
	To         string                 `json:"to"`
	FromName   string                 `json:"from_name"`
	FromEmail  string                 `json:"from_email"`
	Subject    string                 `json:"subject"`
	TemplateID string                 `json:"template_id,omitempty"`
	Variables  map[string]interface{} `json:"variables,omitempty"`
	HTMLBody   string                 `json:"html_body,omitempty"`
	TextBody   string                 `json:"text_body,omitempty"`
	TrackOpens bool                   `json:"track_opens"`
	TrackLinks bool                   `json:"track_links"`
}

type emailAPIResponse struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error,omitempty"`
}

// Send implements Sender.
func (s *EmailSender) Send(ctx context.Context, req DeliveryRequest) Outcome {
	if !s.config.Enabled {
		return disabledOutcome()
	}

	if !emailPattern.MatchString(req.Email) {
		return Outcome{
			Status:    StatusFailed,
			ErrorCode: ErrorCodeInvalidRecipient,
			Err:       fmt.Errorf("email address failed validation"),
		}
	}

	apiReq := emailAPIRequest{
		To:         req.Email,
		FromName:   s.config.FromName,
		FromEmail:  s.config.FromEmail,
		Subject:    req.Title,
		TrackOpens: true,
		TrackLinks: true,
	}

	// Prefer the pre-registered template for the kind's family; fall
	// back to inline HTML + text bodies.
	if templateID, ok := s.config.Templates[EmailTemplateFamily(req.Kind)]; ok && templateID != "" {
		apiReq.TemplateID = templateID
		apiReq.Variables = map[string]interface{}{
			"title": req.Title,
			"body":  req.Body,
			"data":  req.Data,
		}
	} else {
		apiReq.HTMLBody = inlineHTMLBody(req.Title, req.Body)
		apiReq.TextBody = req.Body
	}

	return s.dispatch(ctx, apiReq)
}

// SendDigest delivers an assembled digest summary. The digest family
// template is preferred; the inline fallback renders one block per
// entry.
func (s *EmailSender) SendDigest(ctx context.Context, email, subject string, entries []DigestEntry) Outcome {
	if !s.config.Enabled {
		return disabledOutcome()
	}
	if !emailPattern.MatchString(email) {
		return Outcome{
			Status:    StatusFailed,
			ErrorCode: ErrorCodeInvalidRecipient,
			Err:       fmt.Errorf("email address failed validation"),
		}
	}

	apiReq := emailAPIRequest{
		To:         email,
		FromName:   s.config.FromName,
		FromEmail:  s.config.FromEmail,
		Subject:    subject,
		TrackOpens: true,
		TrackLinks: true,
	}

	if templateID, ok := s.config.Templates["digest"]; ok && templateID != "" {
		apiReq.TemplateID = templateID
		apiReq.Variables = map[string]interface{}{
			"subject": subject,
			"entries": entries,
		}
	} else {
		apiReq.HTMLBody = digestHTMLBody(subject, entries)
		apiReq.TextBody = digestTextBody(subject, entries)
	}

	return s.dispatch(ctx, apiReq)
}

func (s *EmailSender) dispatch(ctx context.Context, apiReq emailAPIRequest) Outcome {
	body, err := json.Marshal(apiReq)
	if err != nil {
		return Outcome{
			Status:    StatusFailed,
			ErrorCode: ErrorCodeUnknown,
			Err:       fmt.Errorf("failed to marshal email request: %w", err),
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.BaseURL+"/v1/send", bytes.NewReader(body))
	if err != nil {
		return Outcome{
			Status:    StatusFailed,
			ErrorCode: ErrorCodeNetworkError,
			Err:       fmt.Errorf("failed to create email request: %w", err),
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.config.APIKey)

	httpResp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return Outcome{
			Status:    StatusFailed,
			ErrorCode: categorizeNetworkError(err),
			Err:       fmt.Errorf("email request failed: %w", err),
		}
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return Outcome{
			Status:    StatusFailed,
			ErrorCode: ErrorCodeNetworkError,
			Err:       fmt.Errorf("failed to read email response: %w", err),
		}
	}

	if httpResp.StatusCode >= 400 {
		return Outcome{
			Status:    StatusFailed,
			ErrorCode: mapEmailError(httpResp.StatusCode, string(respBody)),
			Err:       fmt.Errorf("email provider error %d: %s", httpResp.StatusCode, string(respBody)),
		}
	}

	var apiResp emailAPIResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return Outcome{
			Status:    StatusFailed,
			ErrorCode: ErrorCodeNetworkError,
			Err:       fmt.Errorf("failed to decode email response: %w", err),
		}
	}

	return Outcome{
		Status:            StatusSent,
		ProviderMessageID: apiResp.MessageID,
	}
}

func mapEmailError(code int, body string) ErrorCode {
	bodyLower := strings.ToLower(body)

	switch {
	case code == 429:
		return ErrorCodeRateLimited
	case code >= 500:
		return ErrorCodeServiceDown
	case strings.Contains(bodyLower, "invalid recipient"),
		strings.Contains(bodyLower, "suppressed"),
		strings.Contains(bodyLower, "bounced"):
		return ErrorCodeInvalidRecipient
	default:
		return ErrorCodeUnknown
	}
}

func inlineHTMLBody(title, body string) string {
	return fmt.Sprintf("<html><body><h2>%s</h2><p>%s</p></body></html>",
		html.EscapeString(title), html.EscapeString(body))
}

func digestHTMLBody(subject string, entries []DigestEntry) string {
	var b strings.Builder
	b.WriteString("<html><body><h2>")
	b.WriteString(html.EscapeString(subject))
	b.WriteString("</h2>")
	for _, e := range entries {
		fmt.Fprintf(&b, "<div><h3>%s</h3><p>%s</p><small>%s</small></div>",
			html.EscapeString(e.Title),
			html.EscapeString(e.Body),
			e.CreatedAt.Format(time.RFC1123))
	}
	b.WriteString("</body></html>")
	return b.String()
}

func digestTextBody(subject string, entries []DigestEntry) string {
	var b strings.Builder
	b.WriteString(subject)
	b.WriteString("\n\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "- %s: %s (%s)\n", e.Title, e.Body, e.CreatedAt.Format(time.RFC1123))
	}
	return b.String()
}
