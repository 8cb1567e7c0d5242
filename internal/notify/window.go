package notify

import (
	"fmt"
	"time"
)

// SendWindow is the daily local-time window in which reminders may be sent.
type SendWindow struct {
	StartMinutes int
	EndMinutes   int
	location     *time.Location
}

// ParseSendWindow builds a window from HH:MM strings evaluated in loc.
func ParseSendWindow(start, end string, loc *time.Location) (SendWindow, error) {
	if loc == nil {
		loc = time.UTC
	}
	startMin, err := parseClock(start)
	if err != nil {
		return SendWindow{}, fmt.Errorf("notify: parse send window start: %w", err)
	}
	endMin, err := parseClock(end)
	if err != nil {
		return SendWindow{}, fmt.Errorf("notify: parse send window end: %w", err)
	}
	return SendWindow{StartMinutes: startMin, EndMinutes: endMin, location: loc}, nil
}

// DefaultSendWindow allows sends from 08:00 to 22:00 in loc.
func DefaultSendWindow(loc *time.Location) SendWindow {
	if loc == nil {
		loc = time.UTC
	}
	return SendWindow{StartMinutes: 8 * 60, EndMinutes: 22 * 60, location: loc}
}

func parseClock(v string) (int, error) {
	if v == "" {
		return 0, fmt.Errorf("empty clock")
	}
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Allows reports whether now falls inside the window. The end is exclusive.
// Equal bounds allow every moment.
func (w SendWindow) Allows(now time.Time) bool {
	loc := w.location
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	minutes := local.Hour()*60 + local.Minute()
	if w.StartMinutes == w.EndMinutes {
		return true
	}
	if w.StartMinutes < w.EndMinutes {
		return minutes >= w.StartMinutes && minutes < w.EndMinutes
	}
	// Window crosses midnight.
	return minutes >= w.StartMinutes || minutes < w.EndMinutes
}
