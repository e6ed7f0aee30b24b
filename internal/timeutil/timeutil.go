// Package timeutil holds the timestamp conventions shared by the
// annotation store, the event store, and report series.
package timeutil

import "time"

// Layout is the storage layout for timestamps. Fractional
// seconds are fixed width so stored values sort
// lexicographically in time order.
const Layout = "2006-01-02T15:04:05.000000000Z07:00"

// Format returns t in storage layout (UTC), or "" for the zero
// time.
func Format(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(Layout)
}

// Ptr returns a pointer to the storage form of t, or nil for
// the zero time.
func Ptr(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := Format(t)
	return &s
}

// Parse reads a timestamp written by Format or any RFC 3339
// timestamp.
func Parse(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// ParseNullable parses a nullable stored timestamp. A nil or
// empty value yields nil.
func ParseNullable(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := Parse(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// DayStart truncates t to the start of its UTC calendar day.
func DayStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// SameDay reports whether a and b fall on the same UTC
// calendar day.
func SameDay(a, b time.Time) bool {
	return DayStart(a).Equal(DayStart(b))
}

// Equal compares two optional timestamps. Two nils are equal.
func Equal(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
