package quota

import "time"

// Window is a half-open time range [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Windows are the calendar windows quotas are counted over. They are anchored
// to wall-clock boundaries in the evaluator's location, not rolling spans.
type Windows struct {
	Month Window
	Hour  Window
	Day   Window
}

// WindowsAt returns the windows containing now, in loc.
func WindowsAt(now time.Time, loc *time.Location) Windows {
	if loc == nil {
		loc = time.UTC
	}
	t := now.In(loc)

	monthStart := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
	dayStart := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	hourStart := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, loc)

	return Windows{
		Month: Window{Start: monthStart, End: monthStart.AddDate(0, 1, 0)},
		Hour:  Window{Start: hourStart, End: hourStart.Add(time.Hour)},
		Day:   Window{Start: dayStart, End: dayStart.AddDate(0, 0, 1)},
	}
}
