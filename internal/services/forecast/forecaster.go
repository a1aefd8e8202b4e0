package forecast

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"

	"AirCast/internal/domain/models"
	"AirCast/pkg/util"

	forecaster "github.com/aouyang1/go-forecaster"
	"github.com/aouyang1/go-forecaster/feature"
	"github.com/aouyang1/go-forecaster/forecast/options"
)

const (
	// MinForecasterRows is the shortest history the library engine accepts.
	MinForecasterRows = 28

	changepointRange = 0.8
	yearlyPeriod     = time.Duration(365.25 * 24 * float64(time.Hour))
)

// Forecaster fits go-forecaster: Fourier seasonality, piecewise linear trend with
// changepoints and a residual model for the uncertainty band.
type Forecaster struct {
	hp models.Hyperparameters

	mu      sync.Mutex
	f       *forecaster.Forecaster
	logY    bool
	summary map[string]interface{}
}

func NewForecaster(hp models.Hyperparameters) *Forecaster {
	return &Forecaster{hp: hp}
}

func (m *Forecaster) Engine() string { return models.EngineForecaster }

func (m *Forecaster) seasonalities(frame models.Frame) []options.SeasonalityConfig {
	cfgs := []options.SeasonalityConfig{options.NewWeeklySeasonalityConfig(3)}
	if Step(frame) < 24*time.Hour {
		cfgs = append(cfgs, options.NewDailySeasonalityConfig(12))
	}
	if frame.End().Sub(frame.Start()) >= 2*yearlyPeriod {
		cfgs = append(cfgs, options.NewSeasonalityConfig("yearly", yearlyPeriod, 10))
	}
	return cfgs
}

// changepoints uses the explicit dates if given, otherwise places n changepoints on rows spread
// evenly over the first 80% of history.
func (m *Forecaster) changepoints(frame models.Frame) ([]options.Changepoint, error) {
	var out []options.Changepoint
	if len(m.hp.Changepoints) > 0 {
		for i, s := range m.hp.Changepoints {
			t, err := util.ParseDate(s)
			if err != nil {
				return nil, fmt.Errorf("%w: changepoint: %v", models.ErrInvalid, err)
			}
			if !t.After(frame.Start()) || !t.Before(frame.End()) {
				return nil, fmt.Errorf("%w: changepoint %s outside history", models.ErrInvalid, s)
			}
			out = append(out, options.NewChangepoint(fmt.Sprintf("cp%02d", i), t))
		}
		return out, nil
	}

	hist := int(math.Floor(float64(frame.Len()) * changepointRange))
	n := m.hp.NChangepoints
	if n > hist-1 {
		n = hist - 1
	}
	if n <= 0 {
		return nil, nil
	}
	seen := map[int]bool{}
	for i := 1; i <= n; i++ {
		idx := int(math.Round(float64(i) * float64(hist-1) / float64(n)))
		if seen[idx] {
			continue
		}
		seen[idx] = true
		out = append(out, options.NewChangepoint(fmt.Sprintf("cp%02d", len(out)), frame[idx].DS))
	}
	return out, nil
}

// regularization turns the prior scales into the library's L1 penalty candidates.
func (m *Forecaster) regularization() []float64 {
	r := []float64{1 / m.hp.SeasonalityPriorScale, 1 / m.hp.ChangepointPriorScale}
	sort.Float64s(r)
	if r[0] == r[1] {
		r = r[:1]
	}
	return r
}

func (m *Forecaster) options(frame models.Frame) (*forecaster.Options, error) {
	cps, err := m.changepoints(frame)
	if err != nil {
		return nil, err
	}
	seas := m.seasonalities(frame)
	reg := m.regularization()
	linear := m.hp.Growth == models.GrowthLinear

	series := &options.Options{
		Regularization:     reg,
		SeasonalityOptions: options.SeasonalityOptions{SeasonalityConfigs: seas},
		Iterations:         500,
		Tolerance:          1e-3,
		ChangepointOptions: options.ChangepointOptions{
			Changepoints: cps,
			EnableGrowth: linear,
		},
		DSTOptions: options.DSTOptions{Enabled: false},
	}
	if linear {
		series.GrowthType = feature.GrowthLinear
	}

	window := frame.Len() / 4
	if window < 7 {
		window = 7
	}
	if window > 100 {
		window = 100
	}

	return &forecaster.Options{
		SeriesOptions: &forecaster.SeriesOptions{
			ForecastOptions: series,
			OutlierOptions:  forecaster.NewOutlierOptions(),
		},
		UncertaintyOptions: &forecaster.UncertaintyOptions{
			ForecastOptions: &options.Options{
				Regularization:     reg,
				SeasonalityOptions: options.SeasonalityOptions{SeasonalityConfigs: seas},
				Iterations:         250,
				Tolerance:          1e-2,
				ChangepointOptions: options.ChangepointOptions{Changepoints: nil},
			},
			ResidualWindow: window,
			ResidualZscore: zScore(m.hp.IntervalWidth),
		},
	}, nil
}

func (m *Forecaster) Fit(ctx context.Context, frame models.Frame) (err error) {
	if err := frame.Validate(); err != nil {
		return err
	}
	if frame.Len() < MinForecasterRows {
		return fmt.Errorf("%w: forecaster needs at least %d rows, got %d", models.ErrInsufficientData, MinForecasterRows, frame.Len())
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ys := frame.Values()
	logY := m.hp.SeasonalityMode == models.SeasonalityMultiplicative
	if logY {
		for i, y := range ys {
			if y <= 0 {
				return fmt.Errorf("%w: multiplicative seasonality needs positive values", models.ErrInvalid)
			}
			ys[i] = math.Log(y)
		}
	}

	opt, err := m.options(frame)
	if err != nil {
		return err
	}
	f, err := forecaster.New(opt)
	if err != nil {
		return fmt.Errorf("new forecaster: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("forecaster fit panicked: %v", r)
		}
	}()
	if err := f.Fit(frame.Times(), ys); err != nil {
		return fmt.Errorf("fit: %w", err)
	}

	summary := map[string]interface{}{
		"engine":         models.EngineForecaster,
		"rows":           frame.Len(),
		"start":          util.FormatDate(frame.Start()),
		"end":            util.FormatDate(frame.End()),
		"seasonalities":  len(opt.SeriesOptions.ForecastOptions.SeasonalityOptions.SeasonalityConfigs),
		"changepoints":   len(opt.SeriesOptions.ForecastOptions.ChangepointOptions.Changepoints),
		"regularization": opt.SeriesOptions.ForecastOptions.Regularization,
		"log_space":      logY,
	}
	if model, err := f.Model(); err == nil {
		if b, err := json.Marshal(model); err == nil {
			var v interface{}
			if json.Unmarshal(b, &v) == nil {
				summary["model"] = v
			}
		}
	}

	m.mu.Lock()
	m.f, m.logY, m.summary = f, logY, summary
	m.mu.Unlock()
	return nil
}

func (m *Forecaster) Predict(ctx context.Context, dates []time.Time) ([]models.ForecastPoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.f == nil {
		return nil, fmt.Errorf("%w: model is not fitted", models.ErrNotReady)
	}
	if len(dates) == 0 {
		return []models.ForecastPoint{}, nil
	}

	res, err := m.f.Predict(dates)
	if err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}
	if len(res.Forecast) != len(dates) || len(res.Upper) != len(dates) || len(res.Lower) != len(dates) {
		return nil, fmt.Errorf("predict: got %d points for %d dates", len(res.Forecast), len(dates))
	}

	out := make([]models.ForecastPoint, len(dates))
	for i, t := range dates {
		yhat, lower, upper := res.Forecast[i], res.Lower[i], res.Upper[i]
		if m.logY {
			yhat, lower, upper = math.Exp(yhat), math.Exp(lower), math.Exp(upper)
		}
		lower, yhat, upper = orderBounds(lower, yhat, upper)
		out[i] = models.ForecastPoint{DS: formatDS(t), YhatLower: lower, YhatUpper: upper, Yhat: yhat}
	}
	return out, nil
}

func (m *Forecaster) Summary() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]interface{}, len(m.summary))
	for k, v := range m.summary {
		out[k] = v
	}
	return out
}

// Describe prints the fitted coefficients.
func (m *Forecaster) Describe(w io.Writer) error {
	m.mu.Lock()
	f := m.f
	m.mu.Unlock()
	if f == nil {
		return fmt.Errorf("%w: model is not fitted", models.ErrNotReady)
	}
	model, err := f.Model()
	if err != nil {
		return err
	}
	return model.TablePrint(w)
}
