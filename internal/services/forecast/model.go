// Package forecast fits and serves univariate pollutant forecasts.
package forecast

import (
	"context"
	"errors"
	"fmt"

	"AirCast/internal/domain/models"
	"AirCast/internal/domain/service"
	applogger "AirCast/pkg/logger"
)

var _ service.ModelFactory = NewModel

// NewModel returns an unfitted model for hp.Engine.
func NewModel(hp models.Hyperparameters) (service.Model, error) {
	if err := ValidateHyperparameters(hp); err != nil {
		return nil, err
	}
	switch hp.Engine {
	case models.EngineBaseline:
		return NewBaseline(hp), nil
	default:
		return NewForecaster(hp), nil
	}
}

// Train fits a model for hp on frame. When the library engine rejects the frame as too short
// the baseline engine is fitted instead; the returned model's Engine reports which one ran.
func Train(ctx context.Context, hp models.Hyperparameters, frame models.Frame, log *applogger.Logger) (service.Model, error) {
	m, err := NewModel(hp)
	if err != nil {
		return nil, err
	}
	err = m.Fit(ctx, frame)
	if err == nil {
		return m, nil
	}
	if hp.Engine != models.EngineForecaster || !errors.Is(err, models.ErrInsufficientData) {
		return nil, fmt.Errorf("fit %s: %w", hp.Engine, err)
	}

	if log != nil {
		log.Warn("falling back to baseline engine", applogger.Int("rows", frame.Len()), applogger.Error(err))
	}
	fallback := hp
	fallback.Engine = models.EngineBaseline
	b := NewBaseline(fallback)
	if err := b.Fit(ctx, frame); err != nil {
		return nil, fmt.Errorf("fit baseline: %w", err)
	}
	return b, nil
}
