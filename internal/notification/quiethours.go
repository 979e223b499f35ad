package notification

import (
	"strconv"
	"strings"
	"time"
)

// quietHoursActive reports whether now falls inside the user's quiet
// window, evaluated in the user's timezone. A window crossing midnight
// (22:00–07:00) is handled by the wrap branch. An unknown timezone
// falls back to UTC rather than suppressing delivery on bad data.
func quietHoursActive(qh QuietHours, now time.Time) bool {
	start, okStart := parseClock(qh.Start)
	end, okEnd := parseClock(qh.End)
	if !okStart || !okEnd || start == end {
		return false
	}

	loc, err := time.LoadLocation(qh.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	minute := local.Hour()*60 + local.Minute()

	if start < end {
		return minute >= start && minute < end
	}
	return minute >= start || minute < end
}

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(s string) (int, bool) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, false
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}
