package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComposeSMS(t *testing.T) {
	suffix := " Reply STOP to opt out"

	tests := []struct {
		name  string
		title string
		body  string
	}{
		{"Short message", "Alert", "Login failed"},
		{"Empty body", "Alert", ""},
		{"Empty title", "", "Login failed"},
		{"Exactly at limit", "T", strings.Repeat("a", 160-len(" Reply STOP to opt out")-3)},
		{"Over limit", "Fraud alert", strings.Repeat("x", 300)},
		{"Far over limit", strings.Repeat("t", 200), strings.Repeat("b", 200)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := composeSMS(tt.title, tt.body, suffix)

			assert.LessOrEqual(t, len(out), smsMaxLength)
			assert.True(t, strings.HasSuffix(out, suffix), "suffix must never be cut")

			full := tt.title
			if tt.body != "" {
				if full != "" {
					full += ": "
				}
				full += tt.body
			}
			if len(full)+len(suffix) <= smsMaxLength {
				assert.Equal(t, full+suffix, out)
			} else {
				assert.Contains(t, out, "…")
			}
		})
	}
}

func TestComposeSMS_MultiByteTruncation(t *testing.T) {
	suffix := " Reply STOP to opt out"

	tests := []struct {
		name  string
		title string
		body  string
	}{
		{"Accented body", "Virement échoué", strings.Repeat("é", 200)},
		{"CJK body", "送金失敗", strings.Repeat("金", 120)},
		{"Emoji body", "Alert", strings.Repeat("💳", 80)},
		{"Boundary straddles cut", "T", strings.Repeat("a", 130) + strings.Repeat("é", 30)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := composeSMS(tt.title, tt.body, suffix)

			assert.LessOrEqual(t, len(out), smsMaxLength)
			assert.True(t, strings.HasSuffix(out, suffix))
			// Truncation must never split a multi-byte character.
			assert.True(t, utf8.ValidString(out))
		})
	}
}

func TestSMSSender_ValidatesE164(t *testing.T) {
	sender := NewSMSSender(SMSSenderConfig{Enabled: true, BaseURL: "http://unused"})

	tests := []struct {
		name  string
		phone string
		valid bool
	}{
		{"US number", "+14155550100", true},
		{"UK number", "+447911123456", true},
		{"Missing plus", "14155550100", false},
		{"Leading zero", "+04155550100", false},
		{"Letters", "+1415call", false},
		{"Empty", "", false},
		{"Too long", "+1234567890123456", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.valid {
				assert.True(t, e164Pattern.MatchString(tt.phone))
				return
			}
			outcome := sender.Send(context.Background(), DeliveryRequest{Phone: tt.phone, Title: "t"})
			assert.Equal(t, StatusFailed, outcome.Status)
			assert.Equal(t, ErrorCodeInvalidRecipient, outcome.ErrorCode)
		})
	}
}

func TestSMSSender_Send(t *testing.T) {
	var got smsAPIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Equal(t, "Bearer key-1", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(smsAPIResponse{MessageID: "sms-123", Status: "accepted"})
	}))
	defer srv.Close()

	sender := NewSMSSender(SMSSenderConfig{
		Enabled:           true,
		BaseURL:           srv.URL,
		APIKey:            "key-1",
		From:              "FinVault",
		UnsubscribeSuffix: " Reply STOP to opt out",
	})

	outcome := sender.Send(context.Background(), DeliveryRequest{
		Phone:    "+14155550100",
		Title:    "Fraud alert",
		Body:     "Suspicious activity detected",
		Priority: PriorityCritical,
	})

	assert.Equal(t, StatusSent, outcome.Status)
	assert.Equal(t, "sms-123", outcome.ProviderMessageID)
	assert.Equal(t, "+14155550100", got.To)
	assert.Equal(t, "high", got.Priority)
	assert.True(t, strings.HasPrefix(got.Body, "Fraud alert: Suspicious activity detected"))
}

func TestSMSSender_Disabled(t *testing.T) {
	sender := NewSMSSender(SMSSenderConfig{Enabled: false})
	outcome := sender.Send(context.Background(), DeliveryRequest{Phone: "+14155550100"})
	assert.Equal(t, StatusFailed, outcome.Status)
	assert.Equal(t, ErrorCodeChannelDisabled, outcome.ErrorCode)
}

func TestMapSMSError(t *testing.T) {
	tests := []struct {
		name     string
		code     int
		body     string
		expected ErrorCode
	}{
		{"Throttled", 429, "slow down", ErrorCodeRateLimited},
		{"Server error", 503, "unavailable", ErrorCodeServiceDown},
		{"Invalid number", 400, `{"error":"invalid phone number"}`, ErrorCodeInvalidRecipient},
		{"Unreachable", 400, `{"error":"destination unreachable"}`, ErrorCodeInvalidRecipient},
		{"Other 400", 400, `{"error":"bad payload"}`, ErrorCodeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, mapSMSError(tt.code, tt.body))
		})
	}
}
