package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"AirCast/internal/domain/models"
	"AirCast/pkg/util"
)

// WriteCSV writes frame with a "ds,y" header. Dates are written as YYYY-MM-DD when every
// timestamp is at midnight, otherwise as RFC3339.
func WriteCSV(w io.Writer, frame models.Frame) error {
	daily := true
	for _, o := range frame {
		if !o.DS.Equal(util.Day(o.DS)) {
			daily = false
			break
		}
	}

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"ds", "y"}); err != nil {
		return err
	}
	for _, o := range frame {
		ds := o.DS.UTC().Format(time.RFC3339)
		if daily {
			ds = util.FormatDate(o.DS)
		}
		if err := cw.Write([]string{ds, strconv.FormatFloat(o.Y, 'f', -1, 64)}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV parses a "ds,y" file. Columns are located by header name, falling back to the first
// two columns when the header names neither. Rows with a missing y are skipped; unsorted or
// duplicate dates are rejected.
func ReadCSV(r io.Reader) (models.Frame, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty csv", models.ErrInsufficientData)
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	dsCol, yCol := 0, 1
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "ds", "date", "timestamp":
			dsCol = i
		case "y", "value":
			yCol = i
		}
	}

	var frame models.Frame
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if dsCol >= len(record) || yCol >= len(record) {
			return nil, fmt.Errorf("%w: line %d has %d columns", models.ErrInvalid, line, len(record))
		}
		y, ok := parseValue(strings.TrimSpace(record[yCol]))
		if !ok {
			continue
		}
		ds, ok := util.ParseTime(strings.TrimSpace(record[dsCol]))
		if !ok {
			return nil, fmt.Errorf("%w: line %d: bad date %q", models.ErrInvalid, line, record[dsCol])
		}
		frame = append(frame, models.Observation{DS: ds, Y: y})
	}
	if len(frame) == 0 {
		return nil, fmt.Errorf("%w: csv has no rows", models.ErrInsufficientData)
	}
	if err := frame.Validate(); err != nil {
		return nil, err
	}
	return frame, nil
}
