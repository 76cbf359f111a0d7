package repflow

import (
	"math"

	"github.com/atomistic-ml/repflow/internal/simd"
)

// combineUpdates merges a representation with its candidate updates
// according to the configured style. updates[0] is always the current
// representation itself; the rest are candidate update terms in a fixed
// per-representation order. residuals holds one learned gate vector per
// candidate (res_residual only) of the representation width.
//
// The result is written into a fresh slice; inputs are not modified.
func combineUpdates(style string, updates [][]float64, residuals [][]float64, width int) []float64 {
	out := make([]float64, len(updates[0]))
	switch style {
	case UpdateStyleResAvg:
		for _, u := range updates {
			simd.VecAdd(out, u)
		}
		simd.Scale(out, 1/math.Sqrt(float64(len(updates))))
	case UpdateStyleResIncr:
		copy(out, updates[0])
		if len(updates) > 1 {
			scale := 1 / math.Sqrt(float64(len(updates)-1))
			for _, u := range updates[1:] {
				simd.VecAddScaled(out, u, scale)
			}
		}
	case UpdateStyleResResidual:
		copy(out, updates[0])
		for k, u := range updates[1:] {
			gate := residuals[k]
			for r := 0; r*width < len(u); r++ {
				simd.VecAddMul(out[r*width:(r+1)*width], u[r*width:(r+1)*width], gate)
			}
		}
	default:
		// Validate() rejects unknown styles at construction.
		panic("repflow: unknown update style " + style)
	}
	return out
}
