package dataset

import (
	"fmt"
	"io"

	"AirCast/internal/domain/models"
	"AirCast/pkg/util"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

func Describe(frame models.Frame) models.FrameSummary {
	s := models.FrameSummary{Count: frame.Len()}
	if s.Count == 0 {
		return s
	}
	ys := frame.Values()
	s.Start, s.End = frame.Start(), frame.End()
	s.Min, s.Max = floats.Min(ys), floats.Max(ys)
	if s.Count > 1 {
		s.Mean, s.Std = stat.MeanStdDev(ys, nil)
	} else {
		s.Mean = ys[0]
	}
	return s
}

// PrintSummary writes a one-line description of frame.
func PrintSummary(w io.Writer, name string, frame models.Frame) {
	s := Describe(frame)
	if s.Count == 0 {
		fmt.Fprintf(w, "%-6s empty\n", name)
		return
	}
	fmt.Fprintf(w, "%-6s rows=%d %s..%s mean=%.2f std=%.2f min=%.2f max=%.2f\n",
		name, s.Count, util.FormatDate(s.Start), util.FormatDate(s.End), s.Mean, s.Std, s.Min, s.Max)
}
