package util

import (
    "strconv"
    "testing"
    "time"
)

func TestParseTimeRFC3339(t *testing.T) {
    s := "2024-10-10T10:10:10Z"
    got, ok := ParseTime(s)
    if !ok {
        t.Fatalf("expected ok")
    }
    if got.UTC().Format(time.RFC3339) != s {
        t.Fatalf("unexpected time %v", got)
    }
}

func TestParseTimeUnix(t *testing.T) {
    ts := time.Date(2024, 10, 10, 10, 10, 10, 0, time.UTC).Unix()
    got, ok := ParseTime(strconv.FormatInt(ts, 10))
    if !ok {
        t.Fatalf("expected ok")
    }
    if got.Unix() != ts {
        t.Fatalf("unexpected unix %v", got.Unix())
    }
}

func TestParseDateTruncates(t *testing.T) {
    for _, s := range []string{"2017-02-28", "2017-02-28 13:00:00", "2017-02-28T23:59:59Z"} {
        got, err := ParseDate(s)
        if err != nil {
            t.Fatalf("%s: %v", s, err)
        }
        if FormatDate(got) != "2017-02-28" || got.Hour() != 0 {
            t.Fatalf("%s: got %v", s, got)
        }
    }
    if _, err := ParseDate("28/02/2017"); err == nil {
        t.Fatalf("expected error for unsupported layout")
    }
}

func TestDaysInRange(t *testing.T) {
    d := func(s string) time.Time { v, _ := ParseDate(s); return v }
    cases := []struct {
        start, end string
        want       int
    }{
        {"2017-01-01", "2017-01-01", 1},
        {"2017-01-01", "2017-01-31", 31},
        {"2016-02-28", "2016-03-01", 3},
        {"2017-01-02", "2017-01-01", 0},
    }
    for _, c := range cases {
        if got := DaysInRange(d(c.start), d(c.end)); got != c.want {
            t.Fatalf("%s..%s: got %d want %d", c.start, c.end, got, c.want)
        }
    }
}
