package service

import (
	"context"
	"io"
	"time"

	"AirCast/internal/domain/models"
)

// Model is a univariate forecasting model. A fitted model is safe for concurrent Predict calls.
type Model interface {
	Engine() string
	Fit(ctx context.Context, frame models.Frame) error
	Predict(ctx context.Context, dates []time.Time) ([]models.ForecastPoint, error)
	Summary() map[string]interface{}
}

// Describer is implemented by models that can print their fitted parameters.
type Describer interface {
	Describe(w io.Writer) error
}

// ModelFactory builds an unfitted model for the given hyperparameters.
type ModelFactory func(hp models.Hyperparameters) (Model, error)
