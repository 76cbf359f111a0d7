package repflow

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCombineResAvg(t *testing.T) {
	u0 := []float64{1, 2, 3, 4}
	u1 := []float64{4, 3, 2, 1}

	// a single entry divides by sqrt(1): identity
	out := combineUpdates(UpdateStyleResAvg, [][]float64{u0}, nil, 2)
	require.InDeltaSlice(t, u0, out, 1e-12)

	out = combineUpdates(UpdateStyleResAvg, [][]float64{u0, u1}, nil, 2)
	inv := 1 / math.Sqrt(2)
	require.InDeltaSlice(t, []float64{5 * inv, 5 * inv, 5 * inv, 5 * inv}, out, 1e-12)
}

func TestCombineResIncr(t *testing.T) {
	u0 := []float64{1, 1}
	u1 := []float64{2, 4}
	u2 := []float64{4, 2}

	// no candidates: unchanged
	out := combineUpdates(UpdateStyleResIncr, [][]float64{u0}, nil, 2)
	require.InDeltaSlice(t, u0, out, 1e-12)

	// candidates scaled by 1/sqrt(k-1)
	out = combineUpdates(UpdateStyleResIncr, [][]float64{u0, u1, u2}, nil, 2)
	inv := 1 / math.Sqrt(2)
	require.InDeltaSlice(t, []float64{1 + 6*inv, 1 + 6*inv}, out, 1e-12)
}

func TestCombineResResidual(t *testing.T) {
	u0 := []float64{1, 1, 1, 1} // two rows of width 2
	u1 := []float64{2, 2, 2, 2}
	u2 := []float64{10, 10, 10, 10}
	gates := [][]float64{{0.5, 0}, {0.1, 0.1}}

	out := combineUpdates(UpdateStyleResResidual, [][]float64{u0, u1, u2}, gates, 2)
	// row-wise: 1 + 2*gate1 + 10*gate2 per channel
	require.InDeltaSlice(t, []float64{1 + 1 + 1, 1 + 0 + 1, 1 + 1 + 1, 1 + 0 + 1}, out, 1e-12)
}

func TestCombineDoesNotMutateInputs(t *testing.T) {
	u0 := []float64{1, 2}
	u1 := []float64{3, 4}
	_ = combineUpdates(UpdateStyleResAvg, [][]float64{u0, u1}, nil, 2)
	require.Equal(t, []float64{1, 2}, u0)
	require.Equal(t, []float64{3, 4}, u1)
}

func TestCombineUnknownStylePanics(t *testing.T) {
	require.Panics(t, func() {
		combineUpdates("res_unknown", [][]float64{{1}}, nil, 1)
	})
}
