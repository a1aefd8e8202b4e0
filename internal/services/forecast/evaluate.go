package forecast

import (
	"context"
	"fmt"
	"math"

	"AirCast/internal/domain/models"
	"AirCast/internal/domain/service"

	"gonum.org/v1/gonum/floats"
)

// Scores are point-forecast accuracy measures. MAPE skips zero actuals and is NaN when every
// actual is zero.
type Scores struct {
	RMSE float64 `json:"rmse"`
	MAE  float64 `json:"mae"`
	MAPE float64 `json:"mape"`
}

func Evaluate(actual, predicted []float64) (Scores, error) {
	if len(actual) != len(predicted) {
		return Scores{}, fmt.Errorf("%w: %d actuals vs %d predictions", models.ErrInvalid, len(actual), len(predicted))
	}
	if len(actual) == 0 {
		return Scores{}, fmt.Errorf("%w: nothing to evaluate", models.ErrInsufficientData)
	}
	n := float64(len(actual))
	s := Scores{
		RMSE: floats.Distance(actual, predicted, 2) / math.Sqrt(n),
		MAE:  floats.Distance(actual, predicted, 1) / n,
	}

	var sum float64
	var k int
	for i, a := range actual {
		if a == 0 {
			continue
		}
		sum += math.Abs((a - predicted[i]) / a)
		k++
	}
	s.MAPE = math.NaN()
	if k > 0 {
		s.MAPE = sum / float64(k)
	}
	return s, nil
}

// Score predicts the timestamps of frame and compares against its values.
func Score(ctx context.Context, m service.Model, frame models.Frame) (Scores, error) {
	pts, err := m.Predict(ctx, frame.Times())
	if err != nil {
		return Scores{}, err
	}
	pred := make([]float64, len(pts))
	for i, p := range pts {
		pred[i] = p.Yhat
	}
	return Evaluate(frame.Values(), pred)
}
