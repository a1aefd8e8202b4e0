package dataset

import (
	"fmt"

	"AirCast/internal/domain/models"
	"AirCast/pkg/util"
)

// Split holds the last testDays calendar days of frame out as the test set.
// Both halves are non-empty and share no dates.
func Split(frame models.Frame, testDays int) (train, test models.Frame, err error) {
	if testDays <= 0 {
		return nil, nil, fmt.Errorf("%w: test days must be positive, got %d", models.ErrInvalid, testDays)
	}
	if err := frame.Validate(); err != nil {
		return nil, nil, err
	}
	if frame.Len() < 2 {
		return nil, nil, fmt.Errorf("%w: need at least 2 rows to split, got %d", models.ErrInsufficientData, frame.Len())
	}

	cut := util.Day(frame.End()).AddDate(0, 0, -(testDays - 1))
	idx := frame.Len()
	for i, o := range frame {
		if !o.DS.Before(cut) {
			idx = i
			break
		}
	}
	if idx == 0 {
		return nil, nil, fmt.Errorf("%w: %d test days leave no training data", models.ErrInsufficientData, testDays)
	}

	train = append(models.Frame(nil), frame[:idx]...)
	test = append(models.Frame(nil), frame[idx:]...)
	return train, test, nil
}
