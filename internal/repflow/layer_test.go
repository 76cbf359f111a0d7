package repflow

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/atomistic-ml/repflow/internal/device"
	"github.com/atomistic-ml/repflow/internal/network"
)

func testLayerConfig() Config {
	cfg := DefaultConfig()
	cfg.NTypes = 2
	cfg.ERcut = 6
	cfg.ERcutSmth = 3
	cfg.ESel = 5
	cfg.ARcut = 4
	cfg.ARcutSmth = 2
	cfg.ASel = 3
	cfg.NLayers = 1
	cfg.NDim = 6
	cfg.EDim = 4
	cfg.ADim = 4
	cfg.AxisNeuron = 2
	return cfg
}

type layerInputs struct {
	nodeExt, edgeEbd, h2, angleEbd []float64
	nlist                          []int
	nlistMask                      []bool
	sw                             []float64
	aNlistMask                     []bool
	aSw                            []float64
	nf, nloc, nall                 int
}

func randomLayerInputs(cfg Config, seed int64) *layerInputs {
	rng := rand.New(rand.NewSource(seed))
	in := &layerInputs{nf: 2, nloc: 3, nall: 4}
	nf, nloc, nall := in.nf, in.nloc, in.nall
	nnei, aSel := cfg.ESel, cfg.ASel

	in.nodeExt = randSlice(rng, nf*nall*cfg.NDim)
	in.edgeEbd = randSlice(rng, nf*nloc*nnei*cfg.EDim)
	in.h2 = randSlice(rng, nf*nloc*nnei*3)
	in.angleEbd = randSlice(rng, nf*nloc*aSel*aSel*cfg.ADim)

	in.nlist = make([]int, nf*nloc*nnei)
	in.nlistMask = make([]bool, nf*nloc*nnei)
	in.sw = make([]float64, nf*nloc*nnei)
	for s := range in.nlist {
		if rng.Float64() < 0.75 {
			in.nlist[s] = rng.Intn(nall)
			in.nlistMask[s] = true
			in.sw[s] = rng.Float64()
		}
	}
	in.aNlistMask = make([]bool, nf*nloc*aSel)
	in.aSw = make([]float64, nf*nloc*aSel)
	for a := 0; a < nf*nloc; a++ {
		for i := 0; i < aSel; i++ {
			// angular slots are a subset of the edge slots
			if in.nlistMask[a*nnei+i] && rng.Float64() < 0.8 {
				in.aNlistMask[a*aSel+i] = true
				in.aSw[a*aSel+i] = in.sw[a*nnei+i]
			}
		}
	}
	return in
}

func randSlice(rng *rand.Rand, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = rng.NormFloat64()
	}
	return out
}

func forwardBoth(t *testing.T, cfg Config, seed int64) (naive, optim [3][]float64) {
	t.Helper()
	be := device.NewCPUBackend()
	in := randomLayerInputs(cfg, seed+100)

	cfgNaive := cfg
	cfgNaive.OptimUpdate = false
	ln, err := newLayer(be, cfgNaive, rand.New(rand.NewSource(seed)))
	require.NoError(t, err)

	cfgOptim := cfg
	cfgOptim.OptimUpdate = true
	lo, err := newLayer(be, cfgOptim, rand.New(rand.NewSource(seed)))
	require.NoError(t, err)

	naive[0], naive[1], naive[2] = ln.Forward(
		in.nodeExt, in.edgeEbd, in.h2, in.angleEbd,
		in.nlist, in.nlistMask, in.sw, in.aNlistMask, in.aSw,
		in.nf, in.nloc, in.nall,
	)
	optim[0], optim[1], optim[2] = lo.Forward(
		in.nodeExt, in.edgeEbd, in.h2, in.angleEbd,
		in.nlist, in.nlistMask, in.sw, in.aNlistMask, in.aSw,
		in.nf, in.nloc, in.nall,
	)
	return naive, optim
}

func TestLayerFactorizedMatchesNaive(t *testing.T) {
	cfg := testLayerConfig()
	naive, optim := forwardBoth(t, cfg, 42)
	for i, name := range []string{"node", "edge", "angle"} {
		require.InDeltaSlice(t, naive[i], optim[i], 1e-10, name)
	}
}

func TestLayerFactorizedMatchesNaiveMultiHead(t *testing.T) {
	cfg := testLayerConfig()
	cfg.NMultiEdgeMessage = 3
	naive, optim := forwardBoth(t, cfg, 7)
	for i, name := range []string{"node", "edge", "angle"} {
		require.InDeltaSlice(t, naive[i], optim[i], 1e-10, name)
	}
}

func TestLayerFactorizedMatchesNaiveCompressed(t *testing.T) {
	cfg := testLayerConfig()
	cfg.ADim = 8
	cfg.ACompressRate = 2
	cfg.ACompressERate = 1
	// (8*1) % (2*2) == 0
	naive, optim := forwardBoth(t, cfg, 11)
	for i, name := range []string{"node", "edge", "angle"} {
		require.InDeltaSlice(t, naive[i], optim[i], 1e-10, name)
	}
}

func TestLayerFactorizedMatchesNaiveCompressedSplit(t *testing.T) {
	cfg := testLayerConfig()
	cfg.ADim = 8
	cfg.ACompressRate = 2
	cfg.ACompressERate = 1
	cfg.ACompressUseSplit = true
	naive, optim := forwardBoth(t, cfg, 13)
	for i, name := range []string{"node", "edge", "angle"} {
		require.InDeltaSlice(t, naive[i], optim[i], 1e-10, name)
	}
}

func TestLayerMaskedSlotsDoNotLeak(t *testing.T) {
	be := device.NewCPUBackend()
	cfg := testLayerConfig()
	l, err := newLayer(be, cfg, rand.New(rand.NewSource(21)))
	require.NoError(t, err)

	in := randomLayerInputs(cfg, 22)
	node, _, angle := l.Forward(
		in.nodeExt, in.edgeEbd, in.h2, in.angleEbd,
		in.nlist, in.nlistMask, in.sw, in.aNlistMask, in.aSw,
		in.nf, in.nloc, in.nall,
	)

	// garbage in invalid neighbor slots must be annihilated by the masks
	// and switch weights before any reduction
	edgePoisoned := append([]float64(nil), in.edgeEbd...)
	h2Poisoned := append([]float64(nil), in.h2...)
	for s, ok := range in.nlistMask {
		if ok {
			continue
		}
		for d := 0; d < cfg.EDim; d++ {
			edgePoisoned[s*cfg.EDim+d] = 1e6
		}
		for d := 0; d < 3; d++ {
			h2Poisoned[s*3+d] = -1e6
		}
	}
	nodeP, _, angleP := l.Forward(
		in.nodeExt, edgePoisoned, h2Poisoned, in.angleEbd,
		in.nlist, in.nlistMask, in.sw, in.aNlistMask, in.aSw,
		in.nf, in.nloc, in.nall,
	)

	require.InDeltaSlice(t, node, nodeP, 1e-12)
	require.InDeltaSlice(t, angle, angleP, 1e-12)
}

func TestLayerWithoutAngleUpdates(t *testing.T) {
	be := device.NewCPUBackend()
	cfg := testLayerConfig()
	cfg.UpdateAngle = false

	l, err := newLayer(be, cfg, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	require.Nil(t, l.edgeAngleLinear1)
	require.Nil(t, l.angleSelfLinear)

	in := randomLayerInputs(cfg, 2)
	node, edge, angle := l.Forward(
		in.nodeExt, in.edgeEbd, in.h2, in.angleEbd,
		in.nlist, in.nlistMask, in.sw, in.aNlistMask, in.aSw,
		in.nf, in.nloc, in.nall,
	)
	require.Len(t, node, in.nf*in.nloc*cfg.NDim)
	require.Len(t, edge, in.nf*in.nloc*cfg.ESel*cfg.EDim)
	// without an angle message the angle state passes through the combiner
	// with no candidates: res_residual keeps it unchanged
	require.InDeltaSlice(t, in.angleEbd, angle, 1e-12)
}

func TestLayerResidualCounts(t *testing.T) {
	be := device.NewCPUBackend()
	cfg := testLayerConfig()
	cfg.NMultiEdgeMessage = 2

	l, err := newLayer(be, cfg, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	// node: self, sym, one per head
	require.Len(t, l.nResidual, 2+cfg.NMultiEdgeMessage)
	// edge: self, angle
	require.Len(t, l.eResidual, 2)
	// angle: self
	require.Len(t, l.aResidual, 1)

	cfg.UpdateStyle = UpdateStyleResAvg
	l, err = newLayer(be, cfg, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	require.Empty(t, l.nResidual)
	require.Empty(t, l.eResidual)
	require.Empty(t, l.aResidual)
}

func TestLayerUpdateStyles(t *testing.T) {
	for _, style := range []string{UpdateStyleResAvg, UpdateStyleResIncr, UpdateStyleResResidual} {
		be := device.NewCPUBackend()
		cfg := testLayerConfig()
		cfg.UpdateStyle = style

		l, err := newLayer(be, cfg, rand.New(rand.NewSource(3)))
		require.NoError(t, err, style)

		in := randomLayerInputs(cfg, 4)
		node, edge, angle := l.Forward(
			in.nodeExt, in.edgeEbd, in.h2, in.angleEbd,
			in.nlist, in.nlistMask, in.sw, in.aNlistMask, in.aSw,
			in.nf, in.nloc, in.nall,
		)
		require.Len(t, node, in.nf*in.nloc*cfg.NDim, style)
		require.Len(t, edge, in.nf*in.nloc*cfg.ESel*cfg.EDim, style)
		require.Len(t, angle, in.nf*in.nloc*cfg.ASel*cfg.ASel*cfg.ADim, style)
	}
}

func TestLayerSerializeRoundTrip(t *testing.T) {
	be := device.NewCPUBackend()
	cfg := testLayerConfig()
	cfg.NMultiEdgeMessage = 2

	l, err := newLayer(be, cfg, rand.New(rand.NewSource(5)))
	require.NoError(t, err)

	rec := l.serialize()
	require.Equal(t, "RepFlowLayer", rec.Class)
	restored, err := deserializeLayer(be, rec)
	require.NoError(t, err)

	in := randomLayerInputs(cfg, 6)
	n1, e1, a1 := l.Forward(
		in.nodeExt, in.edgeEbd, in.h2, in.angleEbd,
		in.nlist, in.nlistMask, in.sw, in.aNlistMask, in.aSw,
		in.nf, in.nloc, in.nall,
	)
	n2, e2, a2 := restored.Forward(
		in.nodeExt, in.edgeEbd, in.h2, in.angleEbd,
		in.nlist, in.nlistMask, in.sw, in.aNlistMask, in.aSw,
		in.nf, in.nloc, in.nall,
	)
	require.InDeltaSlice(t, n1, n2, 1e-14)
	require.InDeltaSlice(t, e1, e2, 1e-14)
	require.InDeltaSlice(t, a1, a2, 1e-14)

	rec.Version = 99
	_, err = deserializeLayer(be, rec)
	require.ErrorIs(t, err, ErrVersionUnsupported)
}

func TestLayerMissingAngleRecords(t *testing.T) {
	be := device.NewCPUBackend()
	cfg := testLayerConfig()
	l, err := newLayer(be, cfg, rand.New(rand.NewSource(9)))
	require.NoError(t, err)

	rec := l.serialize()
	rec.EdgeAngleLinear1 = nil
	_, err = deserializeLayer(be, rec)
	require.Error(t, err)
}

func TestActivationNameRoundTrip(t *testing.T) {
	for _, name := range []string{"silu", "tanh", "gelu"} {
		fn, err := network.GetActivation(name)
		require.NoError(t, err)
		require.Equal(t, name, network.ActivationName(fn))
	}
}
