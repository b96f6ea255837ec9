package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Layout is the wire format of ride_datetime: local date and time, no zone.
const Layout = "02/01/2006 15:04"

const (
	DefaultGracePeriod = 15 * time.Minute
	Week               = 7 * 24 * time.Hour
	// ConflictWindow is how close two departures of one driver may be.
	ConflictWindow = time.Hour
)

var ErrInvalidDateTime = errors.New("ride_datetime must be DD/MM/YYYY HH:mm")

// Parse reads a ride_datetime in loc. A nil loc means UTC.
func Parse(v string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(Layout, strings.TrimSpace(v), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDateTime, v)
	}
	return t, nil
}

func Format(t time.Time) string { return t.Format(Layout) }

// GraceEnd is the instant after which an unstarted ride is put on hold.
func GraceEnd(departure time.Time, grace time.Duration) time.Time {
	return departure.Add(grace)
}

// PastGrace reports whether now is strictly after the grace period.
func PastGrace(departure, now time.Time, grace time.Duration) bool {
	return now.After(GraceEnd(departure, grace))
}

// StartReached reports whether a driver may start the ride.
func StartReached(departure, now time.Time) bool {
	return !now.Before(departure)
}

// NextWeek returns the same wall-clock departure seven days later, keeping
// the wall time stable across DST changes.
func NextWeek(departure time.Time) time.Time {
	return departure.AddDate(0, 0, 7)
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// ParseWeekdays normalizes weekday names, rejecting unknown ones.
func ParseWeekdays(days []string) ([]time.Weekday, error) {
	out := make([]time.Weekday, 0, len(days))
	seen := make(map[time.Weekday]bool, len(days))
	for _, d := range days {
		wd, ok := weekdays[strings.ToLower(strings.TrimSpace(d))]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", d)
		}
		if seen[wd] {
			continue
		}
		seen[wd] = true
		out = append(out, wd)
	}
	return out, nil
}

// Slot describes when a ride departs. Days is empty for one-off rides.
type Slot struct {
	Departure time.Time
	Days      []time.Weekday
}

func (s Slot) recurring() bool { return len(s.Days) > 0 }

func (s Slot) runsOn(wd time.Weekday) bool {
	for _, d := range s.Days {
		if d == wd {
			return true
		}
	}
	return false
}

// Conflicts reports whether two slots of the same driver overlap within window.
// One-off rides conflict by absolute time. A recurring ride conflicts with
// another slot when they share a weekday and their times of day are close.
func Conflicts(a, b Slot, window time.Duration) bool {
	if !a.recurring() && !b.recurring() {
		d := a.Departure.Sub(b.Departure)
		if d < 0 {
			d = -d
		}
		return d < window
	}
	if !sharesDay(a, b) {
		return false
	}
	return clockDistance(a.Departure, b.Departure) < window
}

func sharesDay(a, b Slot) bool {
	switch {
	case a.recurring() && b.recurring():
		for _, d := range a.Days {
			if b.runsOn(d) {
				return true
			}
		}
		return false
	case a.recurring():
		return a.runsOn(b.Departure.Weekday()) && !b.Departure.Before(dayStart(a.Departure))
	default:
		return b.runsOn(a.Departure.Weekday()) && !a.Departure.Before(dayStart(b.Departure))
	}
}

func dayStart(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// clockDistance is the distance between two times of day, wrapping at midnight.
func clockDistance(a, b time.Time) time.Duration {
	am := time.Duration(a.Hour())*time.Hour + time.Duration(a.Minute())*time.Minute
	bm := time.Duration(b.Hour())*time.Hour + time.Duration(b.Minute())*time.Minute
	d := am - bm
	if d < 0 {
		d = -d
	}
	if alt := 24*time.Hour - d; alt < d {
		d = alt
	}
	return d
}
