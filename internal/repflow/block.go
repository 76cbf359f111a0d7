package repflow

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/atomistic-ml/repflow/internal/device"
	"github.com/atomistic-ml/repflow/internal/network"
	"github.com/atomistic-ml/repflow/internal/simd"
)

// Block is the full multi-layer descriptor: it embeds the edge and angle
// environments of every local atom and refines node, edge and angle
// representations through a stack of message-passing layers.
type Block struct {
	backend device.Backend
	cfg     Config
	act     device.ActivationType

	edgeEmbd  *network.Linear // 1 -> e_dim
	angleEmbd *network.Linear // 1 -> a_dim, no bias
	layers    []*Layer

	envMatEdge  *EnvMat
	envMatAngle *EnvMat

	// normalization stats, per (center type, slot, channel)
	mean   []float64 // ntypes x nnei x 4
	stddev []float64

	emask *PairExcludeMask
}

// New builds a Block with freshly initialized parameters from cfg.
func New(cfg Config, be device.Backend) (*Block, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	act, err := network.GetActivation(cfg.Activation)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	b := &Block{
		backend:   be,
		cfg:       cfg,
		act:       act,
		edgeEmbd:  network.NewLinear(be, 1, cfg.EDim, true, rng),
		angleEmbd: network.NewLinear(be, 1, cfg.ADim, false, rng),
		envMatEdge: &EnvMat{
			Rcut: cfg.ERcut, RcutSmth: cfg.ERcutSmth, Protection: cfg.EnvProtection,
		},
		envMatAngle: &EnvMat{
			Rcut: cfg.ARcut, RcutSmth: cfg.ARcutSmth, Protection: cfg.EnvProtection,
		},
		emask: NewPairExcludeMask(cfg.NTypes, cfg.ExcludeTypes),
	}
	for i := 0; i < cfg.NLayers; i++ {
		l, err := newLayer(be, cfg, rng)
		if err != nil {
			return nil, err
		}
		b.layers = append(b.layers, l)
	}
	statLen := cfg.NTypes * cfg.ESel * 4
	b.mean = make([]float64, statLen)
	b.stddev = make([]float64, statLen)
	std := 1.0
	if cfg.FixStatStd != 0 {
		std = cfg.FixStatStd
	}
	for i := range b.stddev {
		b.stddev[i] = std
	}
	return b, nil
}

// Input bundles one evaluation request. All slices are flat row-major.
type Input struct {
	NFrames int
	NLoc    int
	NAll    int

	CoordExt []float64 // nf x nall x 3
	TypeExt  []int     // nf x nall
	NList    []int     // nf x nloc x nnei, -1 marks empty slots
	TypeEmbd []float64 // nf x nall x n_dim, per-atom type embedding
	Mapping  []int     // nf x nall, extended index -> owning local index
}

// Output is the descriptor of every local atom.
type Output struct {
	Node   []float64 // nf x nloc x n_dim
	Edge   []float64 // nf x nloc x nnei x e_dim
	H2     []float64 // nf x nloc x nnei x 3, equivariant pair vectors
	RotMat []float64 // nf x nloc x e_dim x 3, equivariant frame
	Switch []float64 // nf x nloc x nnei
}

func (b *Block) checkInput(in *Input) error {
	nf, nloc, nall := in.NFrames, in.NLoc, in.NAll
	if nf <= 0 || nloc <= 0 || nall < nloc {
		return fmt.Errorf("repflow: bad geometry nf=%d nloc=%d nall=%d", nf, nloc, nall)
	}
	if len(in.CoordExt) != nf*nall*3 {
		return fmt.Errorf("repflow: coord_ext length %d != %d", len(in.CoordExt), nf*nall*3)
	}
	if len(in.TypeExt) != nf*nall {
		return fmt.Errorf("repflow: type_ext length %d != %d", len(in.TypeExt), nf*nall)
	}
	if len(in.NList) != nf*nloc*b.cfg.ESel {
		return fmt.Errorf("repflow: nlist length %d != %d", len(in.NList), nf*nloc*b.cfg.ESel)
	}
	if len(in.TypeEmbd) != nf*nall*b.cfg.NDim {
		return fmt.Errorf("repflow: type_embd length %d != %d", len(in.TypeEmbd), nf*nall*b.cfg.NDim)
	}
	if len(in.Mapping) != nf*nall {
		return fmt.Errorf("repflow: mapping length %d != %d", len(in.Mapping), nf*nall)
	}
	for i, t := range in.TypeExt {
		if t < 0 || t >= b.cfg.NTypes {
			return fmt.Errorf("repflow: atom %d has type %d outside [0, %d)", i, t, b.cfg.NTypes)
		}
	}
	for i, m := range in.Mapping {
		if m < 0 || m >= nloc {
			return fmt.Errorf("repflow: mapping[%d]=%d outside [0, %d)", i, m, nloc)
		}
	}
	return nil
}

// Call evaluates the descriptor for every local atom of every frame.
func (b *Block) Call(in *Input) (*Output, error) {
	start := time.Now()
	if err := b.checkInput(in); err != nil {
		return nil, err
	}
	cfg := &b.cfg
	nf, nloc, nall := in.NFrames, in.NLoc, in.NAll
	nnei, aSel := cfg.ESel, cfg.ASel
	nDim, eDim := cfg.NDim, cfg.EDim
	slots := nf * nloc * nnei

	// excluded type pairs are treated as empty slots
	nlist := append([]int(nil), in.NList...)
	if !b.emask.Empty() {
		inter := b.emask.Build(nlist, in.TypeExt, nf, nloc, nall, nnei)
		for s, ok := range inter {
			if !ok {
				nlist[s] = -1
			}
		}
	}

	em, diff, sw, err := b.envMatEdge.Call(in.CoordExt, in.TypeExt, nlist, nf, nloc, nall, nnei, b.mean, b.stddev)
	if err != nil {
		return nil, err
	}
	nlistMask := make([]bool, slots)
	for s := range nlistMask {
		nlistMask[s] = nlist[s] >= 0
	}

	// initial node state from the type embedding of local atoms
	node := make([]float64, nf*nloc*nDim)
	for f := 0; f < nf; f++ {
		copy(node[f*nloc*nDim:(f+1)*nloc*nDim], in.TypeEmbd[f*nall*nDim:(f*nall+nloc)*nDim])
	}
	b.backend.FromSlice(nf*nloc, nDim, node).Activate(b.act)

	// split the environment matrix into its invariant and equivariant parts
	edgeInput := make([]float64, slots)
	h2 := make([]float64, slots*3)
	for s := 0; s < slots; s++ {
		edgeInput[s] = em[s*4]
		copy(h2[s*3:(s+1)*3], em[s*4+1:s*4+4])
	}
	edgeEbd := make([]float64, slots*eDim)
	b.edgeEmbd.Apply(edgeEbd, edgeInput, slots)
	b.backend.FromSlice(slots, eDim, edgeEbd).Activate(b.act)

	// the angular neighborhood is the leading a_sel slots restricted to the
	// (smaller) angular cutoff
	aNlist := make([]int, nf*nloc*aSel)
	for a := 0; a < nf*nloc; a++ {
		for i := 0; i < aSel; i++ {
			slot := a*nnei + i
			idx := nlist[slot]
			if idx >= 0 {
				dx, dy, dz := diff[slot*3], diff[slot*3+1], diff[slot*3+2]
				if math.Sqrt(dx*dx+dy*dy+dz*dz) >= cfg.ARcut {
					idx = -1
				}
			}
			aNlist[a*aSel+i] = idx
		}
	}
	aMean := sliceStatRows(b.mean, cfg.NTypes, nnei, aSel)
	aStd := sliceStatRows(b.stddev, cfg.NTypes, nnei, aSel)
	_, aDiff, aSw, err := b.envMatAngle.Call(in.CoordExt, in.TypeExt, aNlist, nf, nloc, nall, aSel, aMean, aStd)
	if err != nil {
		return nil, err
	}
	aNlistMask := make([]bool, nf*nloc*aSel)
	for s := range aNlistMask {
		aNlistMask[s] = aNlist[s] >= 0
	}

	angleEbd := b.embedAngles(aDiff, nf, nloc)

	// sentinels resolve to atom 0 from here on; validity lives in the masks
	for s := range nlist {
		if nlist[s] < 0 {
			nlist[s] = 0
		}
	}

	for _, l := range b.layers {
		nodeExt := make([]float64, nf*nall*nDim)
		for f := 0; f < nf; f++ {
			for i := 0; i < nall; i++ {
				src := (f*nloc + in.Mapping[f*nall+i]) * nDim
				copy(nodeExt[(f*nall+i)*nDim:(f*nall+i+1)*nDim], node[src:src+nDim])
			}
		}
		node, edgeEbd, angleEbd = l.Forward(
			nodeExt, edgeEbd, h2, angleEbd,
			nlist, nlistMask, sw, aNlistMask, aSw,
			nf, nloc, nall,
		)
	}

	h2g2 := calHG(b.backend, edgeEbd, h2, nlistMask, sw, nf, nloc, nnei, eDim)
	rotMat := transposeHG(h2g2, nf, nloc, eDim)

	evaluationsTotal.Inc()
	atomsProcessed.Add(float64(nf * nloc))
	evaluationDuration.Observe(time.Since(start).Seconds())

	return &Output{
		Node:   node,
		Edge:   edgeEbd,
		H2:     h2,
		RotMat: rotMat,
		Switch: sw,
	}, nil
}

// embedAngles builds the initial angle embedding from the normalized
// pairwise cosines of the angular displacement vectors.
func (b *Block) embedAngles(aDiff []float64, nf, nloc int) []float64 {
	aSel := b.cfg.ASel
	// unit vectors, with a displaced norm so zero rows stay zero
	unit := make([]float64, len(aDiff))
	for s := 0; s*3 < len(aDiff); s++ {
		dx, dy, dz := aDiff[s*3], aDiff[s*3+1], aDiff[s*3+2]
		inv := 1 / (math.Sqrt(dx*dx+dy*dy+dz*dz) + 1e-6)
		unit[s*3] = dx * inv
		unit[s*3+1] = dy * inv
		unit[s*3+2] = dz * inv
	}
	triRows := nf * nloc * aSel * aSel
	cos := make([]float64, triRows)
	// pulled slightly inside [-1, 1] to keep downstream acos-like maps stable
	scale := (1 - 1e-6) / math.Sqrt(math.Pi)
	for a := 0; a < nf*nloc; a++ {
		for i := 0; i < aSel; i++ {
			ui := unit[(a*aSel+i)*3 : (a*aSel+i+1)*3]
			for j := 0; j < aSel; j++ {
				uj := unit[(a*aSel+j)*3 : (a*aSel+j+1)*3]
				cos[(a*aSel+i)*aSel+j] = simd.DotProduct(ui, uj) * scale
			}
		}
	}
	angleEbd := make([]float64, triRows*b.cfg.ADim)
	b.angleEmbd.Apply(angleEbd, cos, triRows)
	return angleEbd
}

// sliceStatRows keeps the leading sel slots of a (ntypes x nnei x 4) stat.
func sliceStatRows(stat []float64, ntypes, nnei, sel int) []float64 {
	out := make([]float64, ntypes*sel*4)
	for t := 0; t < ntypes; t++ {
		copy(out[t*sel*4:(t+1)*sel*4], stat[t*nnei*4:(t*nnei+sel)*4])
	}
	return out
}

// Descriptor is the capability surface shared by descriptor-block
// variants: forward evaluation plus the geometry and width accessors a
// caller needs to prepare inputs and consume outputs.
type Descriptor interface {
	Call(in *Input) (*Output, error)
	RCut() float64
	RCutSmth() float64
	NSel() int
	NTypes() int
	DimOut() int
	DimIn() int
	DimEmb() int
	MixedTypes() bool
	HasMessagePassing() bool
	NeedSortedNlist() bool
}

var _ Descriptor = (*Block)(nil)

// Accessors mirroring the common descriptor interface.

// RCut returns the edge cutoff radius.
func (b *Block) RCut() float64 { return b.cfg.ERcut }

// RCutSmth returns the radius where the switch starts to decay.
func (b *Block) RCutSmth() float64 { return b.cfg.ERcutSmth }

// NSel returns the neighbor selection count.
func (b *Block) NSel() int { return b.cfg.ESel }

// NTypes returns the number of element types.
func (b *Block) NTypes() int { return b.cfg.NTypes }

// DimOut returns the per-atom output width.
func (b *Block) DimOut() int { return b.cfg.NDim }

// DimIn returns the per-atom input width (the type embedding width).
func (b *Block) DimIn() int { return b.cfg.NDim }

// DimEmb returns the edge embedding width.
func (b *Block) DimEmb() int { return b.cfg.EDim }

// EnvProtection returns the distance protection constant.
func (b *Block) EnvProtection() float64 { return b.cfg.EnvProtection }

// MixedTypes reports that the block uses a type-agnostic neighbor list.
func (b *Block) MixedTypes() bool { return true }

// HasMessagePassing reports that the block exchanges messages between
// atoms and therefore needs the extended-to-local mapping.
func (b *Block) HasMessagePassing() bool { return true }

// NeedSortedNlist reports that neighbor lists must be distance-sorted.
func (b *Block) NeedSortedNlist() bool { return true }

// Config returns a copy of the block configuration.
func (b *Block) Config() Config { return b.cfg }

// Mean returns the environment normalization mean, per (center type,
// neighbor slot, channel).
func (b *Block) Mean() []float64 { return b.mean }

// SetMean replaces the environment normalization mean. The value must have
// ntypes*nnei*4 entries.
func (b *Block) SetMean(value []float64) error {
	if len(value) != len(b.mean) {
		return fmt.Errorf("repflow: stat length %d != %d", len(value), len(b.mean))
	}
	copy(b.mean, value)
	return nil
}

// Stddev returns the environment normalization standard deviation.
func (b *Block) Stddev() []float64 { return b.stddev }

// SetStddev replaces the environment normalization standard deviation.
func (b *Block) SetStddev(value []float64) error {
	if len(value) != len(b.stddev) {
		return fmt.Errorf("repflow: stat length %d != %d", len(value), len(b.stddev))
	}
	copy(b.stddev, value)
	return nil
}

// Stat returns the normalization statistic registered under key, accepting
// the historical aliases "avg"/"data_avg"/"davg" and "std"/"data_std"/
// "dstd". New code should use Mean and Stddev directly.
func (b *Block) Stat(key string) ([]float64, error) {
	switch key {
	case "avg", "data_avg", "davg":
		return b.mean, nil
	case "std", "data_std", "dstd":
		return b.stddev, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStatKey, key)
	}
}

// SetStat replaces the statistic registered under key, accepting the same
// aliases as Stat.
func (b *Block) SetStat(key string, value []float64) error {
	switch key {
	case "avg", "data_avg", "davg":
		return b.SetMean(value)
	case "std", "data_std", "dstd":
		return b.SetStddev(value)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStatKey, key)
	}
}

// ComputeInputStats is owned by the training-side aggregator; this block
// only stores the resulting statistics.
func (b *Block) ComputeInputStats() error { return ErrNotSupported }
