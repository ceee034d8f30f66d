package scheduler

import (
	"fmt"
	"time"
)

const clockLayout = "15:04"

// Window is a daily period, in local wall-clock time, during which no data
// is fetched. A window whose start is after its end wraps past midnight.
type Window struct {
	enabled bool
	start   time.Duration
	end     time.Duration
}

// ParseWindow parses "HH:MM" start and end times. A disabled window never
// contains anything.
func ParseWindow(enabled bool, start, end string) (Window, error) {
	if !enabled {
		return Window{}, nil
	}
	s, err := time.Parse(clockLayout, start)
	if err != nil {
		return Window{}, fmt.Errorf("inactivity start %q: %w", start, err)
	}
	e, err := time.Parse(clockLayout, end)
	if err != nil {
		return Window{}, fmt.Errorf("inactivity end %q: %w", end, err)
	}
	return Window{enabled: true, start: sinceMidnight(s), end: sinceMidnight(e)}, nil
}

// Contains reports whether the wall-clock time of t falls inside w.
func (w Window) Contains(t time.Time) bool {
	if !w.enabled {
		return false
	}
	now := sinceMidnight(t)
	if w.start > w.end {
		return now >= w.start || now < w.end
	}
	return now >= w.start && now < w.end
}

func (w Window) String() string {
	if !w.enabled {
		return "disabled"
	}
	return clock(w.start) + "-" + clock(w.end)
}

func sinceMidnight(t time.Time) time.Duration {
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute + time.Duration(t.Second())*time.Second
}

func clock(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d/time.Hour), int(d%time.Hour/time.Minute))
}
