package dataset

import (
	"fmt"
	"sort"
	"time"

	"AirCast/internal/domain/models"
)

const (
	FrequencyDaily  = "D"
	FrequencyHourly = "H"
)

// Truncate returns the start of the bucket t falls into.
func Truncate(t time.Time, freq string) (time.Time, error) {
	t = t.UTC()
	switch freq {
	case FrequencyDaily, "":
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
	case FrequencyHourly:
		return t.Truncate(time.Hour), nil
	default:
		return time.Time{}, fmt.Errorf("%w: frequency %q", models.ErrInvalid, freq)
	}
}

// Resample averages readings into buckets of the given frequency. Readings of several stations
// falling into one bucket are averaged together. Empty buckets are not emitted.
func Resample(readings []models.Reading, freq string) (models.Frame, error) {
	type acc struct {
		sum float64
		n   int
	}
	buckets := make(map[time.Time]*acc)
	for _, r := range readings {
		ts, err := Truncate(r.Time, freq)
		if err != nil {
			return nil, err
		}
		a, ok := buckets[ts]
		if !ok {
			a = &acc{}
			buckets[ts] = a
		}
		a.sum += r.Value
		a.n++
	}
	if len(buckets) == 0 {
		return nil, fmt.Errorf("%w: nothing to resample", models.ErrInsufficientData)
	}

	frame := make(models.Frame, 0, len(buckets))
	for ts, a := range buckets {
		frame = append(frame, models.Observation{DS: ts, Y: a.sum / float64(a.n)})
	}
	sort.Slice(frame, func(i, j int) bool { return frame[i].DS.Before(frame[j].DS) })
	return frame, nil
}
