package repflow

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComputeSmoothWeight(t *testing.T) {
	const rmin, rmax = 3.0, 6.0

	require.Equal(t, 1.0, ComputeSmoothWeight(0, rmin, rmax))
	require.Equal(t, 1.0, ComputeSmoothWeight(rmin, rmin, rmax))
	require.Equal(t, 0.0, ComputeSmoothWeight(rmax, rmin, rmax))
	require.Equal(t, 0.0, ComputeSmoothWeight(10, rmin, rmax))

	// quintic midpoint: uu=0.5 -> 0.5^3*(0.5*(-3+15)-10)+1 = 0.125*(-4)+1
	require.InDelta(t, 0.5, ComputeSmoothWeight(4.5, rmin, rmax), 1e-12)

	// monotone decreasing inside the switching window
	prev := 1.0
	for d := rmin; d <= rmax; d += 0.01 {
		w := ComputeSmoothWeight(d, rmin, rmax)
		require.LessOrEqual(t, w, prev+1e-12, "not monotone at %f", d)
		prev = w
	}

	// continuous at both ends
	require.InDelta(t, 1.0, ComputeSmoothWeight(rmin+1e-8, rmin, rmax), 1e-6)
	require.InDelta(t, 0.0, ComputeSmoothWeight(rmax-1e-8, rmin, rmax), 1e-6)
}

func TestEnvMatCall(t *testing.T) {
	e := &EnvMat{Rcut: 6, RcutSmth: 3}

	// one frame, one local atom at origin with a single neighbor at
	// distance 2 on the x axis; second slot empty
	coord := []float64{0, 0, 0, 2, 0, 0}
	atype := []int{0, 1}
	nlist := []int{1, -1}

	em, diff, sw, err := e.Call(coord, atype, nlist, 1, 1, 2, 2, nil, nil)
	require.NoError(t, err)

	// inside rcut_smth the switch is exactly 1
	require.Equal(t, 1.0, sw[0])
	require.InDelta(t, 0.5, em[0], 1e-12)  // 1/r
	require.InDelta(t, 0.5, em[1], 1e-12)  // x/r^2
	require.InDelta(t, 0.0, em[2], 1e-12)
	require.InDelta(t, 0.0, em[3], 1e-12)
	require.Equal(t, []float64{2, 0, 0}, diff[0:3])

	// empty slot: everything zero
	require.Equal(t, 0.0, sw[1])
	require.Equal(t, []float64{0, 0, 0, 0}, em[4:8])
	require.Equal(t, []float64{0, 0, 0}, diff[3:6])
}

func TestEnvMatNormalizationIndexing(t *testing.T) {
	e := &EnvMat{Rcut: 6, RcutSmth: 3}
	coord := []float64{0, 0, 0, 2, 0, 0}
	atype := []int{1, 0} // center atom has type 1
	nlist := []int{1, -1}

	// ntypes=2, nnei=2: stats indexed by (center type, slot, channel)
	mean := make([]float64, 2*2*4)
	stddev := make([]float64, 2*2*4)
	for i := range stddev {
		stddev[i] = 1
	}
	// only type-1 slot-0 entries should matter
	mean[(1*2+0)*4+0] = 0.1
	stddev[(1*2+0)*4+0] = 2

	em, _, _, err := e.Call(coord, atype, nlist, 1, 1, 2, 2, mean, stddev)
	require.NoError(t, err)
	require.InDelta(t, (0.5-0.1)/2, em[0], 1e-12)
	require.InDelta(t, 0.5, em[1], 1e-12) // untouched channel

	// empty slots are normalized too: -mean/stddev
	require.InDelta(t, 0.0, em[4], 1e-12)
}

func TestEnvMatSwitchRegion(t *testing.T) {
	e := &EnvMat{Rcut: 6, RcutSmth: 3}
	coord := []float64{0, 0, 0, 4.5, 0, 0}
	atype := []int{0, 0}
	nlist := []int{1}

	em, _, sw, err := e.Call(coord, atype, nlist, 1, 1, 2, 1, nil, nil)
	require.NoError(t, err)
	require.InDelta(t, 0.5, sw[0], 1e-12)
	require.InDelta(t, 0.5/4.5, em[0], 1e-12)
}

func TestEnvMatProtection(t *testing.T) {
	e := &EnvMat{Rcut: 6, RcutSmth: 3, Protection: 0.5}
	coord := []float64{0, 0, 0, 2, 0, 0}
	atype := []int{0, 0}
	nlist := []int{1}

	em, _, _, err := e.Call(coord, atype, nlist, 1, 1, 2, 1, nil, nil)
	require.NoError(t, err)
	require.InDelta(t, 1/2.5, em[0], 1e-12)
	require.InDelta(t, 2/(2.5*2.5), em[1], 1e-12)
}

func TestEnvMatInputValidation(t *testing.T) {
	e := &EnvMat{Rcut: 6, RcutSmth: 3}
	_, _, _, err := e.Call([]float64{0}, []int{0}, []int{-1}, 1, 1, 1, 1, nil, nil)
	require.Error(t, err)

	_, _, _, err = e.Call([]float64{0, 0, 0}, []int{0, 0}, []int{-1}, 1, 1, 1, 1, nil, nil)
	require.Error(t, err)

	_, _, _, err = e.Call([]float64{0, 0, 0}, []int{0}, []int{-1, -1}, 1, 1, 1, 1, nil, nil)
	require.Error(t, err)
}

func TestEnvMatSerializeRoundTrip(t *testing.T) {
	e := &EnvMat{Rcut: 6, RcutSmth: 3.5, Protection: 1e-6}
	rec := e.Serialize()
	require.Equal(t, "EnvMat", rec.Class)

	restored, err := DeserializeEnvMat(rec)
	require.NoError(t, err)
	require.Equal(t, e, restored)

	rec.Version = 99
	_, err = DeserializeEnvMat(rec)
	require.ErrorIs(t, err, ErrVersionUnsupported)
}

func TestEnvMatSmoothAtCutoff(t *testing.T) {
	// the full row, not just the switch, must vanish approaching rcut
	e := &EnvMat{Rcut: 6, RcutSmth: 3}
	coord := []float64{0, 0, 0, 6 - 1e-7, 0, 0}
	atype := []int{0, 0}
	nlist := []int{1}

	em, _, _, err := e.Call(coord, atype, nlist, 1, 1, 2, 1, nil, nil)
	require.NoError(t, err)
	for c := 0; c < 4; c++ {
		require.Less(t, math.Abs(em[c]), 1e-12)
	}
}
