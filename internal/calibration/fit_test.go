package calibration

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFitExactLine(t *testing.T) {
	t.Parallel()
	res, err := Fit([]float64{100, 200, 300}, []float64{0.5, 1.0, 1.5})
	require.NoError(t, err)
	require.InDelta(t, 0.005, res.A, 1e-12)
	require.InDelta(t, 0, res.B, 1e-9)
	require.InDelta(t, 1, res.R, 1e-12)
	require.Equal(t, 3, res.Points)
	require.Len(t, res.Line, 3)
	require.InDelta(t, 1.0, res.Line[1], 1e-9)
}

func TestFitNoisyMatchesOLS(t *testing.T) {
	t.Parallel()
	x := []float64{1, 2, 3, 4, 5}
	y := []float64{2.1, 3.9, 6.2, 7.8, 10.1}
	res, err := Fit(x, y)
	require.NoError(t, err)
	// slope = Sxy/Sxx = 19.9/10, intercept = mean(y) - slope*mean(x)
	require.InDelta(t, 1.99, res.A, 1e-9)
	require.InDelta(t, 6.02-1.99*3, res.B, 1e-9)
	require.True(t, res.R > 0.99 && res.R <= 1)
}

func TestFitNegativeCorrelation(t *testing.T) {
	t.Parallel()
	res, err := Fit([]float64{1, 2, 3, 4}, []float64{8, 6, 4.5, 1})
	require.NoError(t, err)
	require.Less(t, res.A, 0.0)
	require.GreaterOrEqual(t, res.R, -1.0)
	require.Less(t, res.R, 0.0)
}

func TestFitNeutralResults(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		x, y []float64
		err  error
	}{
		{"none", nil, nil, ErrInsufficientData},
		{"two", []float64{1, 2}, []float64{1, 2}, ErrInsufficientData},
		{"constant input", []float64{5, 5, 5}, []float64{1, 2, 3}, ErrFitFailure},
		{"nan", []float64{1, math.NaN(), 3}, []float64{1, 2, 3}, ErrFitFailure},
		{"inf", []float64{1, 2, 3}, []float64{1, math.Inf(1), 3}, ErrFitFailure},
		{"mismatch", []float64{1, 2, 3}, []float64{1, 2}, ErrFitFailure},
	}
	for _, tc := range cases {
		res, err := Fit(tc.x, tc.y)
		require.ErrorIs(t, err, tc.err, tc.name)
		require.True(t, res.IsZero(), tc.name)
		require.NotNil(t, res.Line, tc.name)
		require.Empty(t, res.Line, tc.name)
	}
}

func TestFitConstantReference(t *testing.T) {
	t.Parallel()
	res, err := Fit([]float64{1, 2, 3}, []float64{4, 4, 4})
	require.NoError(t, err)
	require.Equal(t, 0.0, res.A)
	require.InDelta(t, 4, res.B, 1e-12)
	require.Equal(t, 0.0, res.R)
}
