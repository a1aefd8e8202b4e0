package dataset

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"AirCast/internal/domain/models"
)

// ExtractOptions selects what to read from the archive.
type ExtractOptions struct {
	// Station keeps only rows of this station (case-insensitive). Empty keeps all stations.
	Station string
	// Pollutant is the value column, e.g. "PM2.5".
	Pollutant string
}

// ExtractReadings reads every CSV member of a zip archive and returns the pollutant readings.
// Rows with NA, empty or non-numeric values are skipped.
func ExtractReadings(archive []byte, opts ExtractOptions) ([]models.Reading, error) {
	if opts.Pollutant == "" {
		return nil, fmt.Errorf("%w: pollutant is required", models.ErrInvalid)
	}
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	var (
		out     []models.Reading
		members int
	)
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !isDataMember(f.Name) {
			continue
		}
		members++
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", f.Name, err)
		}
		readings, err := readStationCSV(rc, stationFromName(f.Name), opts)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f.Name, err)
		}
		out = append(out, readings...)
	}
	if members == 0 {
		return nil, fmt.Errorf("%w: archive has no csv members", models.ErrInvalid)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no %s readings for station %q", models.ErrInsufficientData, opts.Pollutant, opts.Station)
	}
	return out, nil
}

func isDataMember(name string) bool {
	base := path.Base(name)
	return strings.EqualFold(path.Ext(base), ".csv") &&
		!strings.HasPrefix(name, "__MACOSX/") && !strings.HasPrefix(base, "._")
}

// stationFromName extracts "Aotizhongxin" from "PRSA_Data_Aotizhongxin_20130301-20170228.csv".
func stationFromName(name string) string {
	base := strings.TrimSuffix(path.Base(name), path.Ext(name))
	parts := strings.Split(base, "_")
	if len(parts) >= 4 && strings.EqualFold(parts[0], "PRSA") {
		return strings.Join(parts[2:len(parts)-1], "_")
	}
	return base
}

type columns struct {
	year, month, day, hour, value, station int
}

func locateColumns(header []string, pollutant string) (columns, error) {
	cols := columns{-1, -1, -1, -1, -1, -1}
	for i, h := range header {
		switch name := strings.ToLower(strings.TrimSpace(strings.Trim(h, "\"\ufeff"))); name {
		case "year":
			cols.year = i
		case "month":
			cols.month = i
		case "day":
			cols.day = i
		case "hour":
			cols.hour = i
		case "station":
			cols.station = i
		default:
			if name == strings.ToLower(pollutant) {
				cols.value = i
			}
		}
	}
	if cols.year < 0 || cols.month < 0 || cols.day < 0 {
		return cols, fmt.Errorf("%w: missing year/month/day columns", models.ErrInvalid)
	}
	if cols.value < 0 {
		return cols, fmt.Errorf("%w: missing %s column", models.ErrInvalid, pollutant)
	}
	return cols, nil
}

func readStationCSV(r io.Reader, fallbackStation string, opts ExtractOptions) ([]models.Reading, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.ReuseRecord = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}
	cols, err := locateColumns(header, opts.Pollutant)
	if err != nil {
		return nil, err
	}

	var out []models.Reading
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		station := fallbackStation
		if cols.station >= 0 && cols.station < len(record) {
			station = strings.TrimSpace(record[cols.station])
		}
		if opts.Station != "" && !strings.EqualFold(station, opts.Station) {
			continue
		}

		value, ok := parseValue(field(record, cols.value))
		if !ok {
			continue
		}
		ts, err := rowTime(record, cols)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, models.Reading{Time: ts, Station: station, Value: value})
	}
	return out, nil
}

func field(record []string, i int) string {
	if i < 0 || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(strings.Trim(record[i], "\""))
}

func parseValue(s string) (float64, bool) {
	switch s {
	case "", "NA", "NaN", "nan", "null":
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func rowTime(record []string, cols columns) (time.Time, error) {
	parts := [4]int{}
	idx := [4]int{cols.year, cols.month, cols.day, cols.hour}
	for i, c := range idx {
		if c < 0 {
			continue
		}
		v, err := strconv.Atoi(field(record, c))
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: bad timestamp component %q", models.ErrInvalid, field(record, c))
		}
		parts[i] = v
	}
	if parts[1] < 1 || parts[1] > 12 || parts[2] < 1 || parts[2] > 31 || parts[3] < 0 || parts[3] > 23 {
		return time.Time{}, fmt.Errorf("%w: timestamp out of range %v", models.ErrInvalid, parts)
	}
	ts := time.Date(parts[0], time.Month(parts[1]), parts[2], parts[3], 0, 0, 0, time.UTC)
	// time.Date normalises, so Feb 31 would come back as a day in March.
	if ts.Day() != parts[2] {
		return time.Time{}, fmt.Errorf("%w: no day %d in %d-%02d", models.ErrInvalid, parts[2], parts[0], parts[1])
	}
	return ts, nil
}
