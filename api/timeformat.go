// ABOUTME: Wire timestamp formatting
// ABOUTME: Renders local wall-clock time with a numeric UTC offset, never the Z suffix
package api

import "time"

// WireTimeLayout is the timestamp format sent to the server, e.g. 2026-02-09T11:00:00+01:00.
const WireTimeLayout = "2006-01-02T15:04:05-07:00"

// FormatTime renders t in its own location. Use FormatTimeIn to convert first.
func FormatTime(t time.Time) string {
	return t.Format(WireTimeLayout)
}

// FormatTimeIn renders t as wall-clock time in loc.
func FormatTimeIn(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format(WireTimeLayout)
}

// ParseTime accepts the wire format as well as RFC 3339 with a Z suffix.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}
