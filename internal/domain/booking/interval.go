package booking

import (
	"fmt"
	"time"
)

// Interval is a half-open time window [Start, End).
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewInterval returns the interval [start, end) or a validation error when end
// is not strictly after start.
func NewInterval(start, end time.Time) (Interval, error) {
	if start.IsZero() {
		return Interval{}, &ValidationError{Field: "start", Message: "start is required"}
	}
	if end.IsZero() {
		return Interval{}, &ValidationError{Field: "end", Message: "end is required"}
	}
	if !start.Before(end) {
		return Interval{}, &ValidationError{Field: "end", Message: "end must be after start"}
	}
	return Interval{Start: start, End: end}, nil
}

// IntervalFromDuration returns [start, start+d). d must be positive.
func IntervalFromDuration(start time.Time, d time.Duration) (Interval, error) {
	if d <= 0 {
		return Interval{}, &ValidationError{Field: "minutes_duration", Message: "duration must be positive"}
	}
	return NewInterval(start, start.Add(d))
}

// Day returns the calendar day containing t, in t's location.
func Day(t time.Time) Interval {
	y, m, d := t.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	return Interval{Start: start, End: start.AddDate(0, 0, 1)}
}

// Valid reports whether start < end.
func (iv Interval) Valid() bool {
	return iv.Start.Before(iv.End)
}

// Duration is End - Start.
func (iv Interval) Duration() time.Duration {
	return iv.End.Sub(iv.Start)
}

// Overlaps reports whether a and b share at least one instant. Intervals that
// only touch (a.End == b.Start) do not overlap.
func Overlaps(a, b Interval) bool {
	return a.Start.Before(b.End) && b.Start.Before(a.End)
}

// Contains reports whether t falls inside iv.
func Contains(iv Interval, t time.Time) bool {
	return !t.Before(iv.Start) && t.Before(iv.End)
}

// Less orders intervals by start, then by end.
func Less(a, b Interval) bool {
	if !a.Start.Equal(b.Start) {
		return a.Start.Before(b.Start)
	}
	return a.End.Before(b.End)
}

// Days lists the calendar days (in loc) touched by iv.
func (iv Interval) Days(loc *time.Location) []Interval {
	var days []Interval
	for d := Day(iv.Start.In(loc)); d.Start.Before(iv.End); d = Day(d.End) {
		days = append(days, d)
	}
	return days
}

// Clock formats the interval as "HH:MM - HH:MM".
func (iv Interval) Clock() string {
	return fmt.Sprintf("%s - %s", iv.Start.Format("15:04"), iv.End.Format("15:04"))
}

func (iv Interval) String() string {
	return fmt.Sprintf("[%s, %s)", iv.Start.Format(time.RFC3339), iv.End.Format(time.RFC3339))
}
