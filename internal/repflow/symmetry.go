package repflow

import (
	"math"

	"github.com/atomistic-ml/repflow/internal/device"
	"github.com/atomistic-ml/repflow/internal/simd"
)

// gatherNeighborNodes gathers per-neighbor node features through the
// neighbor list: out[f,i,j,:] = nodeExt[f, nlist[f,i,j], :].
// nlist must already have sentinels replaced by 0.
func gatherNeighborNodes(nodeExt []float64, nlist []int, nf, nall, nloc, nnei, dim int) []float64 {
	out := make([]float64, nf*nloc*nnei*dim)
	for f := 0; f < nf; f++ {
		src := nodeExt[f*nall*dim : (f+1)*nall*dim]
		for i := 0; i < nloc; i++ {
			base := (f*nloc + i) * nnei
			for j := 0; j < nnei; j++ {
				idx := nlist[base+j]
				copy(out[(base+j)*dim:(base+j+1)*dim], src[idx*dim:(idx+1)*dim])
			}
		}
	}
	return out
}

// maskAndSwitch returns g with invalid neighbor rows zeroed and every row
// scaled by its switch weight. g is nf*nloc*nnei rows of width dim.
func maskAndSwitch(g []float64, mask []bool, sw []float64, dim int) []float64 {
	out := make([]float64, len(g))
	for r, w := range sw {
		if !mask[r] || w == 0 {
			continue
		}
		simd.VecAddScaled(out[r*dim:(r+1)*dim], g[r*dim:(r+1)*dim], w)
	}
	return out
}

// calHG contracts an equivariant pair vector with a neighbor feature:
// hg[f,i] = h2[f,i]ᵀ · (g[f,i] ⊙ mask ⊙ sw) / √nnei, a 3 x dim matrix per
// atom. The √nnei normalization keeps magnitudes stable across selection
// sizes while staying smooth at the cutoff (all slots always contribute).
func calHG(be device.Backend, g, h2 []float64, mask []bool, sw []float64, nf, nloc, nnei, dim int) []float64 {
	gg := maskAndSwitch(g, mask, sw, dim)
	hg := make([]float64, nf*nloc*3*dim)

	t := be.FromSlice(nf*nloc*3, dim, hg)
	a := be.FromSlice(nf*nloc*nnei, 3, h2)
	b := be.FromSlice(nf*nloc*nnei, dim, gg)
	t.MulBlocked(a, b, nf*nloc, true)

	simd.Scale(hg, 1/math.Sqrt(float64(nnei)))
	return hg
}

// calGRRG folds the 3 x dim per-atom tensor into a rotation invariant:
// out[f,i] = hg_mᵀ · hg where hg_m is the leading axisNeuron columns,
// flattened row-major to width axisNeuron*dim.
func calGRRG(be device.Backend, hg []float64, nf, nloc, dim, axisNeuron int) []float64 {
	// leading sub-block, nf*nloc*3 x axisNeuron
	hgm := make([]float64, nf*nloc*3*axisNeuron)
	for r := 0; r < nf*nloc*3; r++ {
		copy(hgm[r*axisNeuron:(r+1)*axisNeuron], hg[r*dim:r*dim+axisNeuron])
	}

	out := make([]float64, nf*nloc*axisNeuron*dim)
	t := be.FromSlice(nf*nloc*axisNeuron, dim, out)
	a := be.FromSlice(nf*nloc*3, axisNeuron, hgm)
	b := be.FromSlice(nf*nloc*3, dim, hg)
	t.MulBlocked(a, b, nf*nloc, true)
	return out
}

// symmetrizationOp reduces a neighbor-indexed feature and the co-indexed
// equivariant pair vectors into a rotation-invariant per-atom feature of
// width axisNeuron*dim. Rotations cancel in the product of the two
// h2-linear factors.
func symmetrizationOp(be device.Backend, g, h2 []float64, mask []bool, sw []float64, nf, nloc, nnei, dim, axisNeuron int) []float64 {
	hg := calHG(be, g, h2, mask, sw, nf, nloc, nnei, dim)
	return calGRRG(be, hg, nf, nloc, dim, axisNeuron)
}

// transposeHG flips the per-atom 3 x dim contraction into dim x 3 rows,
// the equivariant frame layout handed to downstream consumers.
func transposeHG(hg []float64, nf, nloc, dim int) []float64 {
	out := make([]float64, len(hg))
	for a := 0; a < nf*nloc; a++ {
		src := hg[a*3*dim : (a+1)*3*dim]
		dst := out[a*3*dim : (a+1)*3*dim]
		for x := 0; x < 3; x++ {
			for d := 0; d < dim; d++ {
				dst[d*3+x] = src[x*dim+d]
			}
		}
	}
	return out
}
