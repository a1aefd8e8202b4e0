package forecast

import (
	"fmt"
	"sort"
	"time"

	"AirCast/internal/domain/models"
	"AirCast/pkg/util"
)

// DefaultMaxDates bounds a single prediction request.
const DefaultMaxDates = 3660

// ExpandRange lists every calendar day from start to end inclusive.
func ExpandRange(start, end time.Time, max int) ([]time.Time, error) {
	s, e := util.Day(start), util.Day(end)
	if e.Before(s) {
		return nil, fmt.Errorf("%w: end %s precedes start %s", models.ErrInvalid, util.FormatDate(e), util.FormatDate(s))
	}
	n := util.DaysInRange(s, e)
	if max > 0 && n > max {
		return nil, fmt.Errorf("%w: range covers %d days, limit is %d", models.ErrInvalid, n, max)
	}
	out := make([]time.Time, n)
	for i := range out {
		out[i] = s.AddDate(0, 0, i)
	}
	return out, nil
}

// ResolveDates turns a request into sorted, unique prediction timestamps.
func ResolveDates(req models.ForecastRequest, max int) ([]time.Time, error) {
	if max <= 0 {
		max = DefaultMaxDates
	}
	if req.IsRange() {
		if req.Start == "" || req.End == "" {
			return nil, fmt.Errorf("%w: both start and end are required", models.ErrInvalid)
		}
		if len(req.Dates) > 0 {
			return nil, fmt.Errorf("%w: give either start/end or dates, not both", models.ErrInvalid)
		}
		start, err := util.ParseDate(req.Start)
		if err != nil {
			return nil, fmt.Errorf("%w: start: %v", models.ErrInvalid, err)
		}
		end, err := util.ParseDate(req.End)
		if err != nil {
			return nil, fmt.Errorf("%w: end: %v", models.ErrInvalid, err)
		}
		return ExpandRange(start, end, max)
	}

	if len(req.Dates) == 0 {
		return nil, fmt.Errorf("%w: no dates requested", models.ErrInvalid)
	}
	seen := make(map[time.Time]struct{}, len(req.Dates))
	out := make([]time.Time, 0, len(req.Dates))
	for _, d := range req.Dates {
		t, ok := util.ParseTime(d)
		if !ok {
			return nil, fmt.Errorf("%w: invalid date %q", models.ErrInvalid, d)
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	if len(out) > max {
		return nil, fmt.Errorf("%w: %d dates requested, limit is %d", models.ErrInvalid, len(out), max)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// Step infers the sampling interval of frame from the median gap. Frames with fewer than two
// rows are treated as daily.
func Step(frame models.Frame) time.Duration {
	if frame.Len() < 2 {
		return 24 * time.Hour
	}
	gaps := make([]time.Duration, 0, frame.Len()-1)
	for i := 1; i < frame.Len(); i++ {
		gaps = append(gaps, frame[i].DS.Sub(frame[i-1].DS))
	}
	sort.Slice(gaps, func(i, j int) bool { return gaps[i] < gaps[j] })
	return gaps[len(gaps)/2]
}

// FutureDates returns the next periods timestamps after the end of frame.
func FutureDates(frame models.Frame, periods int) []time.Time {
	step := Step(frame)
	out := make([]time.Time, periods)
	last := frame.End()
	for i := range out {
		if step == 24*time.Hour {
			out[i] = last.AddDate(0, 0, i+1)
		} else {
			out[i] = last.Add(time.Duration(i+1) * step)
		}
	}
	return out
}

// formatDS renders a prediction timestamp: dates for midnight, RFC3339 otherwise.
func formatDS(t time.Time) string {
	if t.Equal(util.Day(t)) {
		return util.FormatDate(t)
	}
	return t.UTC().Format(time.RFC3339)
}
