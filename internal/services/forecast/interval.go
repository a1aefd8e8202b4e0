package forecast

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// zScore maps a central interval width to the two-sided normal quantile, e.g. 0.8 -> 1.2816.
func zScore(width float64) float64 {
	return distuv.UnitNormal.Quantile(0.5 + width/2)
}

// orderBounds makes lower <= yhat <= upper.
func orderBounds(lower, yhat, upper float64) (float64, float64, float64) {
	if lower > upper {
		lower, upper = upper, lower
	}
	return math.Min(lower, yhat), yhat, math.Max(upper, yhat)
}
