// Package dataset turns the public air-quality archive into a (ds, y) frame and splits it for
// training.
package dataset

import (
	"context"
	"fmt"

	"AirCast/internal/domain/models"
)

// Options selects the series to build.
type Options struct {
	URL       string
	Station   string
	Pollutant string
	Frequency string
}

// Build fetches the archive, extracts the pollutant readings and resamples them.
func (f *Fetcher) Build(ctx context.Context, opts Options) (models.Frame, error) {
	archive, err := f.Fetch(ctx, opts.URL)
	if err != nil {
		return nil, err
	}
	readings, err := ExtractReadings(archive, ExtractOptions{Station: opts.Station, Pollutant: opts.Pollutant})
	if err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}
	frame, err := Resample(readings, opts.Frequency)
	if err != nil {
		return nil, fmt.Errorf("resample: %w", err)
	}
	return frame, nil
}
