package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ForecastPoint is one row of a prediction response.
type ForecastPoint struct {
	DS        string  `json:"ds"`
	YhatLower float64 `json:"yhat_lower"`
	YhatUpper float64 `json:"yhat_upper"`
	Yhat      float64 `json:"yhat"`
}

// ForecastRequest asks for predictions either over an inclusive date range or for explicit dates.
// On the wire it is {"start": ..., "end": ...}, {"dates": [...]} or a bare array of dates.
type ForecastRequest struct {
	Start string   `json:"start,omitempty"`
	End   string   `json:"end,omitempty"`
	Dates []string `json:"dates,omitempty"`
}

func (r *ForecastRequest) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var dates []string
		if err := json.Unmarshal(b, &dates); err != nil {
			return fmt.Errorf("%w: dates: %v", ErrInvalid, err)
		}
		*r = ForecastRequest{Dates: dates}
		return nil
	}
	type plain ForecastRequest
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*r = ForecastRequest(p)
	return nil
}

// IsRange reports whether the request names a start/end range.
func (r ForecastRequest) IsRange() bool {
	return r.Start != "" || r.End != ""
}

// Hyperparameters control model fitting. They travel as a string map and are parsed by the
// forecast package.
type Hyperparameters struct {
	Engine                string   `json:"engine"`
	Growth                string   `json:"growth"`
	Changepoints          []string `json:"changepoints,omitempty"`
	NChangepoints         int      `json:"n_changepoints"`
	ChangepointPriorScale float64  `json:"changepoint_prior_scale"`
	SeasonalityPriorScale float64  `json:"seasonality_prior_scale"`
	SeasonalityMode       string   `json:"seasonality_mode"`
	PredictionPeriods     int      `json:"prediction_periods"`
	IntervalWidth         float64  `json:"interval_width"`
}

// Hyperparameter keys as they appear in training job requests.
const (
	KeyEngine                = "engine"
	KeyGrowth                = "growth"
	KeyChangepoints          = "changepoints"
	KeyNChangepoints         = "n_changepoints"
	KeyChangepointPriorScale = "changepoint_prior_scale"
	KeySeasonalityPriorScale = "seasonality_prior_scale"
	KeySeasonalityMode       = "seasonality_mode"
	KeyPredictionPeriods     = "prediction_periods"
	KeyIntervalWidth         = "interval_width"
)

// Map encodes hp in the string form used for job hyperparameters.
func (hp Hyperparameters) Map() map[string]string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	m := map[string]string{
		KeyEngine:                hp.Engine,
		KeyGrowth:                hp.Growth,
		KeyNChangepoints:         strconv.Itoa(hp.NChangepoints),
		KeyChangepointPriorScale: f(hp.ChangepointPriorScale),
		KeySeasonalityPriorScale: f(hp.SeasonalityPriorScale),
		KeySeasonalityMode:       hp.SeasonalityMode,
		KeyPredictionPeriods:     strconv.Itoa(hp.PredictionPeriods),
		KeyIntervalWidth:         f(hp.IntervalWidth),
	}
	if len(hp.Changepoints) > 0 {
		m[KeyChangepoints] = strings.Join(hp.Changepoints, ",")
	}
	return m
}

const (
	EngineForecaster = "forecaster"
	EngineBaseline   = "baseline"

	GrowthLinear = "linear"
	GrowthFlat   = "flat"

	SeasonalityAdditive       = "additive"
	SeasonalityMultiplicative = "multiplicative"
)

// Metrics are fit diagnostics. Keys follow the "<channel>:<metric>" convention.
type Metrics map[string]float64

const (
	MetricTrainRMSE = "train:rmse"
	MetricTrainMAE  = "train:mae"
	MetricTestRMSE  = "test:rmse"
	MetricTestMAE   = "test:mae"
	MetricTestMAPE  = "test:mape"
)
