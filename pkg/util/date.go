package util

import (
    "fmt"
    "strconv"
    "time"
)

// DateLayout is the wire format for daily timestamps.
const DateLayout = "2006-01-02"

var dateLayouts = []string{
    DateLayout,
    "2006-01-02 15:04:05",
    "2006-01-02T15:04:05",
    time.RFC3339,
    time.RFC3339Nano,
}

// ParseTime tries the date layouts, RFC3339 variants and unix seconds. Returns (t, true) if any worked.
// Timestamps without a zone are read as UTC.
func ParseTime(s string) (time.Time, bool) {
    if s == "" {
        return time.Time{}, false
    }
    for _, layout := range dateLayouts {
        if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
            return t, true
        }
    }
    if ts, err := strconv.ParseInt(s, 10, 64); err == nil && ts > 0 {
        return time.Unix(ts, 0).UTC(), true
    }
    return time.Time{}, false
}

// ParseDate parses s and truncates it to midnight UTC.
func ParseDate(s string) (time.Time, error) {
    t, ok := ParseTime(s)
    if !ok {
        return time.Time{}, fmt.Errorf("invalid date %q", s)
    }
    return Day(t), nil
}

// Day truncates t to midnight UTC of its calendar day.
func Day(t time.Time) time.Time {
    y, m, d := t.UTC().Date()
    return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// FormatDate renders t with DateLayout.
func FormatDate(t time.Time) string {
    return t.UTC().Format(DateLayout)
}

// DaysInRange counts calendar days from start to end inclusive, or 0 when end precedes start.
func DaysInRange(start, end time.Time) int {
    s, e := Day(start), Day(end)
    if e.Before(s) {
        return 0
    }
    return int(e.Sub(s).Hours()/24) + 1
}
