package calibration

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// MinPoints is the fewest points a fit is attempted with.
const MinPoints = 3

// Result is a least-squares fit of reference = A*input + B.
type Result struct {
	A      float64   `json:"a"`
	B      float64   `json:"b"`
	R      float64   `json:"r"`
	Line   []float64 `json:"line"` // A*x+B at each input, in point order
	Points int       `json:"points"`
}

// Neutral is the "not fit" result returned alongside every fit error.
func Neutral() Result { return Result{Line: []float64{}} }

// IsZero reports whether r is the neutral result.
func (r Result) IsZero() bool { return r.A == 0 && r.B == 0 && r.R == 0 && len(r.Line) == 0 }

// Fit computes the ordinary least-squares line through (x[i], y[i]) and the
// Pearson correlation. Constant y yields r = 0. Fewer than MinPoints points,
// constant x or non-finite values yield Neutral() and an error.
func Fit(x, y []float64) (Result, error) {
	if len(x) != len(y) {
		return Neutral(), fmt.Errorf("%w: %d inputs, %d references", ErrFitFailure, len(x), len(y))
	}
	if len(x) < MinPoints {
		return Neutral(), fmt.Errorf("%w: %d of %d points", ErrInsufficientData, len(x), MinPoints)
	}
	for i := range x {
		if !finite(x[i]) || !finite(y[i]) {
			return Neutral(), fmt.Errorf("%w: point %d is not finite", ErrFitFailure, i)
		}
	}
	if stat.Variance(x, nil) == 0 {
		return Neutral(), fmt.Errorf("%w: inputs have zero variance", ErrFitFailure)
	}

	b, a := stat.LinearRegression(x, y, nil, false)
	r := 0.0
	if stat.Variance(y, nil) != 0 {
		r = stat.Correlation(x, y, nil)
	}
	if !finite(a) || !finite(b) || !finite(r) {
		return Neutral(), fmt.Errorf("%w: degenerate regression", ErrFitFailure)
	}
	// Rounding can push |r| just past 1 for exact lines.
	r = math.Max(-1, math.Min(1, r))

	line := make([]float64, len(x))
	for i, xi := range x {
		line[i] = a*xi + b
	}
	return Result{A: a, B: b, R: r, Line: line, Points: len(x)}, nil
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
