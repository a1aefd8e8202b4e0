package forecast

import (
	"context"
	"fmt"
	"math"
	"time"

	"AirCast/internal/domain/models"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Priors at which the seasonal and trend terms get half weight.
const (
	baselinePivot     = 0.05
	baselineTrendRows = 90
)

// Baseline is a deterministic forecaster:
//
//	yhat = level + w_cps * slope * (t - end) (+ or *) w_sps * seasonal[t]
//
// where level blends a 7 and 30 point EMA, slope is a least squares fit over the most recent
// rows and seasonal is the day-of-week (or hour-of-day for sub-daily frames) profile.
// Bounds widen with sqrt of the number of steps past the end of history.
type Baseline struct {
	hp models.Hyperparameters

	step        time.Duration
	end         time.Time
	level       float64
	slope       float64 // per step
	profile     map[int]float64
	trendWeight float64
	seasWeight  float64
	sigma       float64
	z           float64
	nonNegative bool
	rows        int
}

func NewBaseline(hp models.Hyperparameters) *Baseline {
	return &Baseline{hp: hp}
}

func (b *Baseline) Engine() string { return models.EngineBaseline }

func (b *Baseline) seasonKey(t time.Time) int {
	if b.step < 24*time.Hour {
		return t.UTC().Hour()
	}
	return int(t.UTC().Weekday())
}

func (b *Baseline) multiplicative() bool {
	return b.hp.SeasonalityMode == models.SeasonalityMultiplicative
}

func (b *Baseline) Fit(ctx context.Context, frame models.Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	if frame.Len() < 2 {
		return fmt.Errorf("%w: baseline needs at least 2 rows, got %d", models.ErrInsufficientData, frame.Len())
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	ys := frame.Values()
	if b.multiplicative() && floats.Min(ys) <= 0 {
		return fmt.Errorf("%w: multiplicative seasonality needs positive values", models.ErrInvalid)
	}

	b.step = Step(frame)
	b.end = frame.End()
	b.rows = frame.Len()
	b.nonNegative = floats.Min(ys) >= 0
	b.level = 0.7*ema(ys, 7) + 0.3*ema(ys, 30)
	b.trendWeight = b.hp.ChangepointPriorScale / (b.hp.ChangepointPriorScale + baselinePivot)
	b.seasWeight = b.hp.SeasonalityPriorScale / (b.hp.SeasonalityPriorScale + baselinePivot)
	b.z = zScore(b.hp.IntervalWidth)

	b.slope = 0
	if b.hp.Growth == models.GrowthLinear {
		from := 0
		if frame.Len() > baselineTrendRows {
			from = frame.Len() - baselineTrendRows
		}
		recent := frame[from:]
		xs := make([]float64, recent.Len())
		for i, o := range recent {
			xs[i] = b.steps(o.DS)
		}
		_, b.slope = stat.LinearRegression(xs, recent.Values(), nil, false)
	}

	mean := stat.Mean(ys, nil)
	sums := map[int]float64{}
	counts := map[int]int{}
	for _, o := range frame {
		k := b.seasonKey(o.DS)
		sums[k] += o.Y
		counts[k]++
	}
	b.profile = make(map[int]float64, len(sums))
	for k, s := range sums {
		if counts[k] < 2 {
			continue
		}
		if b.multiplicative() {
			b.profile[k] = s / float64(counts[k]) / mean
		} else {
			b.profile[k] = s/float64(counts[k]) - mean
		}
	}

	resid := make([]float64, frame.Len())
	for i, o := range frame {
		resid[i] = o.Y - b.point(o.DS)
	}
	b.sigma = stat.StdDev(resid, nil)
	if math.IsNaN(b.sigma) {
		b.sigma = 0
	}
	return nil
}

// steps measures t in sampling steps relative to the end of history.
func (b *Baseline) steps(t time.Time) float64 {
	return float64(t.Sub(b.end)) / float64(b.step)
}

func (b *Baseline) point(t time.Time) float64 {
	y := b.level + b.trendWeight*b.slope*b.steps(t)
	s, ok := b.profile[b.seasonKey(t)]
	switch {
	case !ok:
	case b.multiplicative():
		y *= 1 + b.seasWeight*(s-1)
	default:
		y += b.seasWeight * s
	}
	if b.nonNegative && y < 0 {
		y = 0
	}
	return y
}

func (b *Baseline) Predict(ctx context.Context, dates []time.Time) ([]models.ForecastPoint, error) {
	if b.profile == nil {
		return nil, fmt.Errorf("%w: model is not fitted", models.ErrNotReady)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]models.ForecastPoint, len(dates))
	for i, t := range dates {
		yhat := b.point(t)
		h := math.Max(1, b.steps(t))
		width := b.z * b.sigma * math.Sqrt(h)
		lower, upper := yhat-width, yhat+width
		if b.nonNegative && lower < 0 {
			lower = 0
		}
		lower, yhat, upper = orderBounds(lower, yhat, upper)
		out[i] = models.ForecastPoint{DS: formatDS(t), YhatLower: lower, YhatUpper: upper, Yhat: yhat}
	}
	return out, nil
}

func (b *Baseline) Summary() map[string]interface{} {
	return map[string]interface{}{
		"engine":       models.EngineBaseline,
		"rows":         b.rows,
		"step_seconds": b.step.Seconds(),
		"level":        b.level,
		"slope":        b.slope,
		"trend_weight": b.trendWeight,
		"season":       b.seasWeight,
		"sigma":        b.sigma,
		"profile":      len(b.profile),
	}
}

// ema is the exponential moving average over the most recent n values with alpha = 2/(n+1).
func ema(values []float64, n int) float64 {
	if len(values) == 0 {
		return 0
	}
	start := 0
	if len(values) > n {
		start = len(values) - n
	}
	window := values[start:]
	alpha := 2.0 / float64(len(window)+1)
	e := window[0]
	for _, v := range window[1:] {
		e = alpha*v + (1-alpha)*e
	}
	return e
}
