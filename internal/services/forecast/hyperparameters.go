package forecast

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"AirCast/internal/domain/models"
	"AirCast/pkg/util"
)

// DefaultHyperparameters mirrors the defaults of the training entry point.
func DefaultHyperparameters() models.Hyperparameters {
	return models.Hyperparameters{
		Engine:                models.EngineForecaster,
		Growth:                models.GrowthLinear,
		NChangepoints:         25,
		ChangepointPriorScale: 0.05,
		SeasonalityPriorScale: 0.05,
		SeasonalityMode:       models.SeasonalityAdditive,
		PredictionPeriods:     30,
		IntervalWidth:         0.8,
	}
}

// ParseHyperparameters overlays raw on the defaults. Unknown keys are rejected.
func ParseHyperparameters(raw map[string]string) (models.Hyperparameters, error) {
	hp := DefaultHyperparameters()
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := strings.TrimSpace(raw[k])
		var err error
		switch k {
		case models.KeyEngine:
			hp.Engine = strings.ToLower(v)
		case models.KeyGrowth:
			hp.Growth = strings.ToLower(v)
		case models.KeySeasonalityMode:
			hp.SeasonalityMode = strings.ToLower(v)
		case models.KeyChangepoints:
			hp.Changepoints, err = parseChangepoints(v)
		case models.KeyNChangepoints:
			hp.NChangepoints, err = strconv.Atoi(v)
		case models.KeyPredictionPeriods:
			hp.PredictionPeriods, err = strconv.Atoi(v)
		case models.KeyChangepointPriorScale:
			hp.ChangepointPriorScale, err = strconv.ParseFloat(v, 64)
		case models.KeySeasonalityPriorScale:
			hp.SeasonalityPriorScale, err = strconv.ParseFloat(v, 64)
		case models.KeyIntervalWidth:
			hp.IntervalWidth, err = strconv.ParseFloat(v, 64)
		default:
			return hp, fmt.Errorf("%w: unknown hyperparameter %q", models.ErrInvalid, k)
		}
		if err != nil {
			return hp, fmt.Errorf("%w: hyperparameter %s=%q: %v", models.ErrInvalid, k, v, err)
		}
	}
	return hp, ValidateHyperparameters(hp)
}

func parseChangepoints(v string) ([]string, error) {
	switch strings.ToLower(v) {
	case "", "none", "null":
		return nil, nil
	}
	v = strings.Trim(v, "[]")
	var out []string
	for _, p := range strings.Split(v, ",") {
		p = strings.Trim(strings.TrimSpace(p), `"'`)
		if p == "" {
			continue
		}
		t, err := util.ParseDate(p)
		if err != nil {
			return nil, err
		}
		out = append(out, util.FormatDate(t))
	}
	sort.Strings(out)
	return out, nil
}

func ValidateHyperparameters(hp models.Hyperparameters) error {
	switch {
	case hp.Engine != models.EngineForecaster && hp.Engine != models.EngineBaseline:
		return fmt.Errorf("%w: engine must be forecaster or baseline, got %q", models.ErrInvalid, hp.Engine)
	case hp.Growth != models.GrowthLinear && hp.Growth != models.GrowthFlat:
		return fmt.Errorf("%w: growth must be linear or flat, got %q", models.ErrInvalid, hp.Growth)
	case hp.SeasonalityMode != models.SeasonalityAdditive && hp.SeasonalityMode != models.SeasonalityMultiplicative:
		return fmt.Errorf("%w: seasonality_mode must be additive or multiplicative, got %q", models.ErrInvalid, hp.SeasonalityMode)
	case hp.NChangepoints < 0:
		return fmt.Errorf("%w: n_changepoints must be >= 0", models.ErrInvalid)
	case hp.ChangepointPriorScale <= 0 || hp.SeasonalityPriorScale <= 0:
		return fmt.Errorf("%w: prior scales must be positive", models.ErrInvalid)
	case hp.PredictionPeriods < 1:
		return fmt.Errorf("%w: prediction_periods must be >= 1", models.ErrInvalid)
	case hp.IntervalWidth <= 0 || hp.IntervalWidth >= 1:
		return fmt.Errorf("%w: interval_width must be in (0, 1)", models.ErrInvalid)
	}
	return nil
}
