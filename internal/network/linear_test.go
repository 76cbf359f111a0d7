package network

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/atomistic-ml/repflow/internal/device"
)

func TestLinearApply(t *testing.T) {
	be := device.NewCPUBackend()
	l := &Linear{
		Backend: be,
		W:       be.NewTensor(2, 3, []float64{1, 2, 3, 4, 5, 6}),
		Bias:    []float64{10, 20, 30},
		NumIn:   2,
		NumOut:  3,
	}

	dst := make([]float64, 2*3)
	l.Apply(dst, []float64{1, 0, 0, 1}, 2)

	require.InDeltaSlice(t, []float64{11, 22, 33, 14, 25, 36}, dst, 1e-12)
}

func TestLinearApplyBlock(t *testing.T) {
	be := device.NewCPUBackend()
	rng := rand.New(rand.NewSource(7))
	l := NewLinear(be, 5, 4, true, rng)
	for i := range l.Bias {
		l.Bias[i] = rng.NormFloat64()
	}

	rows := 3
	src := make([]float64, rows*5)
	for i := range src {
		src[i] = rng.NormFloat64()
	}

	full := make([]float64, rows*4)
	l.Apply(full, src, rows)

	// summing the per-block products over a [2, 3] split plus the bias must
	// reproduce the full product
	left := make([]float64, rows*2)
	right := make([]float64, rows*3)
	for r := 0; r < rows; r++ {
		copy(left[r*2:(r+1)*2], src[r*5:r*5+2])
		copy(right[r*3:(r+1)*3], src[r*5+2:(r+1)*5])
	}
	sum := make([]float64, rows*4)
	l.ApplyBlock(sum, left, rows, 0)
	l.ApplyBlock(sum, right, rows, 2)
	l.AddBiasTo(sum, rows)

	require.InDeltaSlice(t, full, sum, 1e-12)
}

func TestLinearForwardMatchesApply(t *testing.T) {
	be := device.NewCPUBackend()
	l := NewLinear(be, 3, 2, true, rand.New(rand.NewSource(3)))

	x := []float64{0.5, -1, 2}
	viaApply := make([]float64, 2)
	l.Apply(viaApply, x, 1)

	out := l.Forward(be.FromSlice(1, 3, x))
	defer be.PutTensor(out)
	require.InDeltaSlice(t, viaApply, out.ToHost(), 1e-12)
}

func TestLinearSerializeRoundTrip(t *testing.T) {
	be := device.NewCPUBackend()
	l := NewLinear(be, 4, 3, true, rand.New(rand.NewSource(11)))

	rec := l.Serialize()
	require.Equal(t, "Linear", rec.Class)
	require.Equal(t, 1, rec.Version)

	restored, err := DeserializeLinear(be, rec)
	require.NoError(t, err)

	x := []float64{1, -2, 0.5, 3}
	want := make([]float64, 3)
	got := make([]float64, 3)
	l.Apply(want, x, 1)
	restored.Apply(got, x, 1)
	require.InDeltaSlice(t, want, got, 1e-15)
}

func TestDeserializeLinearRejectsBadRecords(t *testing.T) {
	be := device.NewCPUBackend()

	_, err := DeserializeLinear(be, LinearRecord{Version: 99, NumIn: 1, NumOut: 1, W: []float64{1}})
	require.Error(t, err)

	_, err = DeserializeLinear(be, LinearRecord{Version: 1, NumIn: 2, NumOut: 2, W: []float64{1}})
	require.Error(t, err)

	_, err = DeserializeLinear(be, LinearRecord{Version: 1, NumIn: 1, NumOut: 2, HasBias: true, W: []float64{1, 2}, B: []float64{1}})
	require.Error(t, err)
}

func TestGetActivation(t *testing.T) {
	for name, want := range map[string]device.ActivationType{
		"silu":   device.ActivationSiLU,
		"SiLU":   device.ActivationSiLU,
		"tanh":   device.ActivationTanh,
		"gelu":   device.ActivationGELU,
		"none":   device.ActivationIdentity,
		"linear": device.ActivationIdentity,
		"":       device.ActivationIdentity,
	} {
		got, err := GetActivation(name)
		require.NoError(t, err, name)
		require.Equal(t, want, got, name)
	}

	_, err := GetActivation("softplus")
	require.Error(t, err)
}

func TestNewResidual(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	constRes, err := NewResidual(4, 0.1, ResidualInitConst, rng)
	require.NoError(t, err)
	require.Equal(t, []float64{0.1, 0.1, 0.1, 0.1}, constRes)

	normRes, err := NewResidual(1000, 0.1, ResidualInitNorm, rng)
	require.NoError(t, err)
	var sumSq float64
	for _, v := range normRes {
		sumSq += v * v
	}
	// rms should be near the 0.1 scale
	rms := math.Sqrt(sumSq / float64(len(normRes)))
	require.InDelta(t, 0.1, rms, 0.02)

	_, err = NewResidual(4, 0.1, "uniform", rng)
	require.Error(t, err)
}

func TestXavierInitRange(t *testing.T) {
	be := device.NewCPUBackend()
	l := NewLinear(be, 10, 10, false, rand.New(rand.NewSource(5)))
	limit := math.Sqrt(6.0 / 20.0)
	for _, v := range l.W.ToHost() {
		require.LessOrEqual(t, math.Abs(v), limit)
	}
}
