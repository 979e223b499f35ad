package notification

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQuietHoursActive(t *testing.T) {
	// 2026-08-24 23:30 UTC.
	lateNight := time.Date(2026, 8, 24, 23, 30, 0, 0, time.UTC)
	midMorning := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		qh       QuietHours
		now      time.Time
		expected bool
	}{
		{
			name:     "Inside simple window",
			qh:       QuietHours{Enabled: true, Start: "09:00", End: "17:00", Timezone: "UTC"},
			now:      midMorning,
			expected: true,
		},
		{
			name:     "Outside simple window",
			qh:       QuietHours{Enabled: true, Start: "09:00", End: "17:00", Timezone: "UTC"},
			now:      lateNight,
			expected: false,
		},
		{
			name:     "Wraps midnight, before midnight",
			qh:       QuietHours{Enabled: true, Start: "22:00", End: "07:00", Timezone: "UTC"},
			now:      lateNight,
			expected: true,
		},
		{
			name:     "Wraps midnight, after midnight",
			qh:       QuietHours{Enabled: true, Start: "22:00", End: "07:00", Timezone: "UTC"},
			now:      time.Date(2026, 8, 25, 3, 0, 0, 0, time.UTC),
			expected: true,
		},
		{
			name:     "Wraps midnight, daytime gap",
			qh:       QuietHours{Enabled: true, Start: "22:00", End: "07:00", Timezone: "UTC"},
			now:      midMorning,
			expected: false,
		},
		{
			name:     "End boundary is exclusive",
			qh:       QuietHours{Enabled: true, Start: "09:00", End: "10:00", Timezone: "UTC"},
			now:      midMorning,
			expected: false,
		},
		{
			name:     "Start boundary is inclusive",
			qh:       QuietHours{Enabled: true, Start: "10:00", End: "11:00", Timezone: "UTC"},
			now:      midMorning,
			expected: true,
		},
		{
			name: "Evaluated in user timezone",
			// 23:30 UTC is 08:30 in Tokyo the next morning.
			qh:       QuietHours{Enabled: true, Start: "22:00", End: "07:00", Timezone: "Asia/Tokyo"},
			now:      lateNight,
			expected: false,
		},
		{
			name:     "Unknown timezone falls back to UTC",
			qh:       QuietHours{Enabled: true, Start: "23:00", End: "23:59", Timezone: "Mars/Olympus"},
			now:      lateNight,
			expected: true,
		},
		{
			name:     "Start equals end means no window",
			qh:       QuietHours{Enabled: true, Start: "10:00", End: "10:00", Timezone: "UTC"},
			now:      midMorning,
			expected: false,
		},
		{
			name:     "Malformed start disables the window",
			qh:       QuietHours{Enabled: true, Start: "ten", End: "17:00", Timezone: "UTC"},
			now:      midMorning,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, quietHoursActive(tt.qh, tt.now))
		})
	}
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		input   string
		minutes int
		ok      bool
	}{
		{"00:00", 0, true},
		{"09:30", 570, true},
		{"23:59", 1439, true},
		{"24:00", 0, false},
		{"12:60", 0, false},
		{"-1:00", 0, false},
		{"1200", 0, false},
		{"", 0, false},
		{"ab:cd", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			minutes, ok := parseClock(tt.input)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.minutes, minutes)
			}
		})
	}
}
