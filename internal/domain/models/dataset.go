package models

import (
	"fmt"
	"time"
)

// Reading is one hourly row of the pollutant archive.
type Reading struct {
	Time    time.Time
	Station string
	Value   float64
}

// Observation is one (ds, y) row of a model frame.
type Observation struct {
	DS time.Time `json:"ds"`
	Y  float64   `json:"y"`
}

// Frame is a univariate series with unique, strictly ascending timestamps.
type Frame []Observation

func (f Frame) Len() int { return len(f) }

func (f Frame) Times() []time.Time {
	out := make([]time.Time, len(f))
	for i, o := range f {
		out[i] = o.DS
	}
	return out
}

func (f Frame) Values() []float64 {
	out := make([]float64, len(f))
	for i, o := range f {
		out[i] = o.Y
	}
	return out
}

// Start returns the first timestamp, or the zero time for an empty frame.
func (f Frame) Start() time.Time {
	if len(f) == 0 {
		return time.Time{}
	}
	return f[0].DS
}

// End returns the last timestamp, or the zero time for an empty frame.
func (f Frame) End() time.Time {
	if len(f) == 0 {
		return time.Time{}
	}
	return f[len(f)-1].DS
}

// Validate checks that timestamps are strictly ascending.
func (f Frame) Validate() error {
	for i := 1; i < len(f); i++ {
		if !f[i].DS.After(f[i-1].DS) {
			return fmt.Errorf("%w: ds %s does not follow %s", ErrInvalid,
				f[i].DS.Format(time.RFC3339), f[i-1].DS.Format(time.RFC3339))
		}
	}
	return nil
}

// Slice returns the observations with from <= ds <= to.
func (f Frame) Slice(from, to time.Time) Frame {
	out := make(Frame, 0, len(f))
	for _, o := range f {
		if o.DS.Before(from) || o.DS.After(to) {
			continue
		}
		out = append(out, o)
	}
	return out
}

// FrameSummary is a short description of a frame for logs and CLI output.
type FrameSummary struct {
	Count int       `json:"count"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Mean  float64   `json:"mean"`
	Std   float64   `json:"std"`
	Min   float64   `json:"min"`
	Max   float64   `json:"max"`
}
