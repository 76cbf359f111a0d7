package repflow

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/atomistic-ml/repflow/internal/device"
	"github.com/atomistic-ml/repflow/internal/network"
	"github.com/atomistic-ml/repflow/internal/simd"
)

// Layer is one message-passing iteration over the node, edge and angle
// representations. All candidate updates are computed from the incoming
// state and merged at the end, so update order within a representation
// does not leak into the result.
type Layer struct {
	backend device.Backend
	cfg     Config
	act     device.ActivationType

	// widths entering the angle message after optional compression
	nCompressDim int
	eCompressDim int

	nodeSelfMLP    *network.Linear
	nodeSymLinear  *network.Linear
	nodeEdgeLinear *network.Linear
	edgeSelfLinear *network.Linear

	// angle path, nil when UpdateAngle is off
	aCompressNLinear *network.Linear
	aCompressELinear *network.Linear
	edgeAngleLinear1 *network.Linear
	edgeAngleLinear2 *network.Linear
	angleSelfLinear  *network.Linear

	// learned update gates, res_residual only; indexed by candidate slot
	nResidual [][]float64
	eResidual [][]float64
	aResidual [][]float64
}

// newLayer builds a layer with freshly initialized parameters. rng is
// consumed in a fixed construction order, so the same seed reproduces the
// same parameters.
func newLayer(be device.Backend, cfg Config, rng *rand.Rand) (*Layer, error) {
	act, err := network.GetActivation(cfg.Activation)
	if err != nil {
		return nil, err
	}
	l := &Layer{backend: be, cfg: cfg, act: act}
	l.nCompressDim, l.eCompressDim = cfg.compressDims()

	addResidual := func(dst *[][]float64, dim int) error {
		if cfg.UpdateStyle != UpdateStyleResResidual {
			return nil
		}
		r, err := network.NewResidual(dim, cfg.UpdateResidual, cfg.UpdateResidualInit, rng)
		if err != nil {
			return err
		}
		*dst = append(*dst, r)
		return nil
	}

	edgeInfoDim := 2*cfg.NDim + cfg.EDim
	nSymDim := cfg.AxisNeuron * (cfg.NDim + cfg.EDim)

	l.nodeSelfMLP = network.NewLinear(be, cfg.NDim, cfg.NDim, true, rng)
	if err := addResidual(&l.nResidual, cfg.NDim); err != nil {
		return nil, err
	}

	l.nodeSymLinear = network.NewLinear(be, nSymDim, cfg.NDim, true, rng)
	if err := addResidual(&l.nResidual, cfg.NDim); err != nil {
		return nil, err
	}

	l.nodeEdgeLinear = network.NewLinear(be, edgeInfoDim, cfg.NMultiEdgeMessage*cfg.NDim, true, rng)
	for h := 0; h < cfg.NMultiEdgeMessage; h++ {
		if err := addResidual(&l.nResidual, cfg.NDim); err != nil {
			return nil, err
		}
	}

	l.edgeSelfLinear = network.NewLinear(be, edgeInfoDim, cfg.EDim, true, rng)
	if err := addResidual(&l.eResidual, cfg.EDim); err != nil {
		return nil, err
	}

	if cfg.UpdateAngle {
		if cfg.ACompressRate != 0 && !cfg.ACompressUseSplit {
			l.aCompressNLinear = network.NewLinear(be, cfg.NDim, l.nCompressDim, false, rng)
			l.aCompressELinear = network.NewLinear(be, cfg.EDim, l.eCompressDim, false, rng)
		}
		angleDim := cfg.angleMessageDim()
		l.edgeAngleLinear1 = network.NewLinear(be, angleDim, cfg.EDim, true, rng)
		l.edgeAngleLinear2 = network.NewLinear(be, cfg.EDim, cfg.EDim, true, rng)
		if err := addResidual(&l.eResidual, cfg.EDim); err != nil {
			return nil, err
		}
		l.angleSelfLinear = network.NewLinear(be, angleDim, cfg.ADim, true, rng)
		if err := addResidual(&l.aResidual, cfg.ADim); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func (l *Layer) activate(x []float64) {
	l.backend.FromSlice(1, len(x), x).Activate(l.act)
}

// Forward runs one message-passing iteration.
//
// nlist must have sentinel entries replaced by 0; nlistMask and sw carry
// the validity and switch weights for all nnei slots, aNlistMask and aSw
// for the leading aSel slots. Inputs are not modified.
func (l *Layer) Forward(
	nodeExt, edgeEbd, h2, angleEbd []float64,
	nlist []int, nlistMask []bool, sw []float64,
	aNlistMask []bool, aSw []float64,
	nf, nloc, nall int,
) (nodeNew, edgeNew, angleNew []float64) {
	cfg := &l.cfg
	nnei, aSel := cfg.ESel, cfg.ASel
	nDim, eDim, aDim := cfg.NDim, cfg.EDim, cfg.ADim
	slots := nf * nloc * nnei

	// local part of the extended node embedding
	node := make([]float64, nf*nloc*nDim)
	for f := 0; f < nf; f++ {
		copy(node[f*nloc*nDim:(f+1)*nloc*nDim], nodeExt[f*nall*nDim:(f*nall+nloc)*nDim])
	}

	nUpdates := [][]float64{node}
	eUpdates := [][]float64{edgeEbd}
	aUpdates := [][]float64{angleEbd}

	// node self message
	nodeSelf := make([]float64, len(node))
	l.nodeSelfMLP.Apply(nodeSelf, node, nf*nloc)
	l.activate(nodeSelf)
	nUpdates = append(nUpdates, nodeSelf)

	neiNode := gatherNeighborNodes(nodeExt, nlist, nf, nall, nloc, nnei, nDim)

	// node symmetrization message: edge-based and node-based invariants
	symEdge := symmetrizationOp(l.backend, edgeEbd, h2, nlistMask, sw, nf, nloc, nnei, eDim, cfg.AxisNeuron)
	symNode := symmetrizationOp(l.backend, neiNode, h2, nlistMask, sw, nf, nloc, nnei, nDim, cfg.AxisNeuron)
	symIn := concatRows(nf*nloc, symEdge, symNode)
	nodeSym := make([]float64, len(node))
	l.nodeSymLinear.Apply(nodeSym, symIn, nf*nloc)
	l.activate(nodeSym)
	nUpdates = append(nUpdates, nodeSym)

	// node <- edge messages, one per head
	var edgeInfo []float64
	if !cfg.OptimUpdate {
		tiled := make([]float64, slots*nDim)
		for a := 0; a < nf*nloc; a++ {
			row := node[a*nDim : (a+1)*nDim]
			for j := 0; j < nnei; j++ {
				copy(tiled[(a*nnei+j)*nDim:(a*nnei+j+1)*nDim], row)
			}
		}
		edgeInfo = concatRows(slots, tiled, neiNode, edgeEbd)
	}

	headsDim := cfg.NMultiEdgeMessage * nDim
	nodeEdgeMsg := make([]float64, slots*headsDim)
	if !cfg.OptimUpdate {
		l.nodeEdgeLinear.Apply(nodeEdgeMsg, edgeInfo, slots)
	} else {
		l.factorizedEdgeMessage(nodeEdgeMsg, l.nodeEdgeLinear, node, nodeExt, edgeEbd, nlist, nf, nloc, nall)
	}
	l.activate(nodeEdgeMsg)
	for s := 0; s < slots; s++ {
		simd.Scale(nodeEdgeMsg[s*headsDim:(s+1)*headsDim], sw[s])
	}
	reduced := make([]float64, nf*nloc*headsDim)
	invNnei := 1 / float64(nnei)
	for a := 0; a < nf*nloc; a++ {
		dst := reduced[a*headsDim : (a+1)*headsDim]
		for j := 0; j < nnei; j++ {
			simd.VecAddScaled(dst, nodeEdgeMsg[(a*nnei+j)*headsDim:(a*nnei+j+1)*headsDim], invNnei)
		}
	}
	if cfg.NMultiEdgeMessage > 1 {
		for h := 0; h < cfg.NMultiEdgeMessage; h++ {
			head := make([]float64, nf*nloc*nDim)
			for a := 0; a < nf*nloc; a++ {
				copy(head[a*nDim:(a+1)*nDim], reduced[a*headsDim+h*nDim:a*headsDim+(h+1)*nDim])
			}
			nUpdates = append(nUpdates, head)
		}
	} else {
		nUpdates = append(nUpdates, reduced)
	}
	nodeNew = combineUpdates(cfg.UpdateStyle, nUpdates, l.nResidual, nDim)

	// edge self message, same inputs as the node message but unswitched
	edgeSelf := make([]float64, slots*eDim)
	if !cfg.OptimUpdate {
		l.edgeSelfLinear.Apply(edgeSelf, edgeInfo, slots)
	} else {
		l.factorizedEdgeMessage(edgeSelf, l.edgeSelfLinear, node, nodeExt, edgeEbd, nlist, nf, nloc, nall)
	}
	l.activate(edgeSelf)
	eUpdates = append(eUpdates, edgeSelf)

	if cfg.UpdateAngle {
		edgeAngle, angleSelf := l.angleMessages(node, edgeEbd, angleEbd, aNlistMask, aSw, nf, nloc)

		// fold the triangle message back onto the edge slots: switch both
		// legs, reduce the second leg, pad to nnei, keep the old embedding
		// on slots outside the angular selection
		folded := make([]float64, slots*eDim)
		copy(folded, edgeEbd)
		invSqrtASel := 1 / math.Sqrt(float64(aSel))
		for a := 0; a < nf*nloc; a++ {
			for i := 0; i < aSel; i++ {
				slot := a*nnei + i
				if !aNlistMask[a*aSel+i] {
					continue
				}
				dst := folded[slot*eDim : (slot+1)*eDim]
				simd.Zero(dst)
				swI := aSw[a*aSel+i]
				for j := 0; j < aSel; j++ {
					w := swI * aSw[a*aSel+j] * invSqrtASel
					if w == 0 {
						continue
					}
					tri := ((a*aSel+i)*aSel + j) * eDim
					simd.VecAddScaled(dst, edgeAngle[tri:tri+eDim], w)
				}
			}
		}
		edgeAngle2 := make([]float64, slots*eDim)
		l.edgeAngleLinear2.Apply(edgeAngle2, folded, slots)
		l.activate(edgeAngle2)
		eUpdates = append(eUpdates, edgeAngle2)

		aUpdates = append(aUpdates, angleSelf)
	}
	edgeNew = combineUpdates(cfg.UpdateStyle, eUpdates, l.eResidual, eDim)
	angleNew = combineUpdates(cfg.UpdateStyle, aUpdates, l.aResidual, aDim)
	return nodeNew, edgeNew, angleNew
}

// factorizedEdgeMessage computes lin([node_i, node_j, edge_ij]) without
// materializing the concatenated input: each weight row-block multiplies
// its operand at the operand's own granularity and the partial products
// are broadcast onto the neighbor slots.
func (l *Layer) factorizedEdgeMessage(dst []float64, lin *network.Linear, node, nodeExt, edgeEbd []float64, nlist []int, nf, nloc, nall int) {
	cfg := &l.cfg
	nnei := cfg.ESel
	out := lin.NumOut
	slots := nf * nloc * nnei

	lin.ApplyBlock(dst, edgeEbd, slots, 2*cfg.NDim)

	extPart := make([]float64, nf*nall*out)
	lin.ApplyBlock(extPart, nodeExt, nf*nall, cfg.NDim)
	neiPart := gatherNeighborNodes(extPart, nlist, nf, nall, nloc, nnei, out)

	nodePart := make([]float64, nf*nloc*out)
	lin.ApplyBlock(nodePart, node, nf*nloc, 0)

	for a := 0; a < nf*nloc; a++ {
		center := nodePart[a*out : (a+1)*out]
		for j := 0; j < nnei; j++ {
			row := dst[(a*nnei+j)*out : (a*nnei+j+1)*out]
			simd.VecAdd(row, neiPart[(a*nnei+j)*out:(a*nnei+j+1)*out])
			simd.VecAdd(row, center)
		}
	}
	lin.AddBiasTo(dst, slots)
}

// angleMessages computes the two triangle-indexed messages, both already
// activated: the edge-bound one (width e_dim) and the angle self-update
// (width a_dim). edge features are compressed, restricted to the angular
// selection and masked before entering the message.
func (l *Layer) angleMessages(node, edgeEbd, angleEbd []float64, aNlistMask []bool, aSw []float64, nf, nloc int) (edgeAngle, angleSelf []float64) {
	cfg := &l.cfg
	nnei, aSel := cfg.ESel, cfg.ASel
	nc, ec := l.nCompressDim, l.eCompressDim

	// compress node and edge features
	nodeA := node
	if cfg.ACompressRate != 0 {
		if cfg.ACompressUseSplit {
			nodeA = sliceColumns(node, nf*nloc, cfg.NDim, nc)
		} else {
			nodeA = make([]float64, nf*nloc*nc)
			l.aCompressNLinear.Apply(nodeA, node, nf*nloc)
		}
	}
	edgeA := edgeEbd
	edgeWidth := cfg.EDim
	if cfg.ACompressRate != 0 {
		if cfg.ACompressUseSplit {
			edgeA = sliceColumns(edgeEbd, nf*nloc*nnei, cfg.EDim, ec)
		} else {
			edgeA = make([]float64, nf*nloc*nnei*ec)
			l.aCompressELinear.Apply(edgeA, edgeEbd, nf*nloc*nnei)
		}
		edgeWidth = ec
	}

	// angular selection with invalid slots zeroed
	edgeSel := make([]float64, nf*nloc*aSel*edgeWidth)
	for a := 0; a < nf*nloc; a++ {
		for i := 0; i < aSel; i++ {
			if !aNlistMask[a*aSel+i] {
				continue
			}
			copy(edgeSel[(a*aSel+i)*edgeWidth:(a*aSel+i+1)*edgeWidth],
				edgeA[(a*nnei+i)*edgeWidth:(a*nnei+i+1)*edgeWidth])
		}
	}

	triRows := nf * nloc * aSel * aSel
	edgeAngle = make([]float64, triRows*cfg.EDim)
	angleSelf = make([]float64, triRows*cfg.ADim)

	if !cfg.OptimUpdate {
		angleDim := cfg.angleMessageDim()
		info := make([]float64, triRows*angleDim)
		for a := 0; a < nf*nloc; a++ {
			nodeRow := nodeA[a*nc : (a+1)*nc]
			for i := 0; i < aSel; i++ {
				for j := 0; j < aSel; j++ {
					tri := (a*aSel+i)*aSel + j
					row := info[tri*angleDim : (tri+1)*angleDim]
					copy(row, angleEbd[tri*cfg.ADim:(tri+1)*cfg.ADim])
					copy(row[cfg.ADim:], nodeRow)
					copy(row[cfg.ADim+nc:], edgeSel[(a*aSel+j)*ec:(a*aSel+j+1)*ec])
					copy(row[cfg.ADim+nc+ec:], edgeSel[(a*aSel+i)*ec:(a*aSel+i+1)*ec])
				}
			}
		}
		l.edgeAngleLinear1.Apply(edgeAngle, info, triRows)
		l.angleSelfLinear.Apply(angleSelf, info, triRows)
	} else {
		l.factorizedAngleMessage(edgeAngle, l.edgeAngleLinear1, angleEbd, nodeA, edgeSel, nf, nloc)
		l.factorizedAngleMessage(angleSelf, l.angleSelfLinear, angleEbd, nodeA, edgeSel, nf, nloc)
	}
	l.activate(edgeAngle)
	l.activate(angleSelf)
	return edgeAngle, angleSelf
}

// factorizedAngleMessage is the factorized counterpart of the triangle
// message: the four weight row-blocks multiply the angle embedding, the
// center node, the second-leg edge and the first-leg edge respectively.
func (l *Layer) factorizedAngleMessage(dst []float64, lin *network.Linear, angleEbd, nodeA, edgeSel []float64, nf, nloc int) {
	cfg := &l.cfg
	aSel := cfg.ASel
	nc, ec := l.nCompressDim, l.eCompressDim
	out := lin.NumOut
	triRows := nf * nloc * aSel * aSel

	lin.ApplyBlock(dst, angleEbd, triRows, 0)

	nodePart := make([]float64, nf*nloc*out)
	lin.ApplyBlock(nodePart, nodeA, nf*nloc, cfg.ADim)

	edgePartJ := make([]float64, nf*nloc*aSel*out)
	lin.ApplyBlock(edgePartJ, edgeSel, nf*nloc*aSel, cfg.ADim+nc)

	edgePartI := make([]float64, nf*nloc*aSel*out)
	lin.ApplyBlock(edgePartI, edgeSel, nf*nloc*aSel, cfg.ADim+nc+ec)

	for a := 0; a < nf*nloc; a++ {
		center := nodePart[a*out : (a+1)*out]
		for i := 0; i < aSel; i++ {
			legI := edgePartI[(a*aSel+i)*out : (a*aSel+i+1)*out]
			for j := 0; j < aSel; j++ {
				row := dst[((a*aSel+i)*aSel+j)*out : ((a*aSel+i)*aSel+j+1)*out]
				simd.VecAdd(row, center)
				simd.VecAdd(row, edgePartJ[(a*aSel+j)*out:(a*aSel+j+1)*out])
				simd.VecAdd(row, legI)
			}
		}
	}
	lin.AddBiasTo(dst, triRows)
}

// concatRows concatenates equal-row-count matrices column-wise.
func concatRows(rows int, parts ...[]float64) []float64 {
	total := 0
	for _, p := range parts {
		total += len(p) / rows
	}
	out := make([]float64, rows*total)
	for r := 0; r < rows; r++ {
		off := r * total
		for _, p := range parts {
			w := len(p) / rows
			copy(out[off:off+w], p[r*w:(r+1)*w])
			off += w
		}
	}
	return out
}

// sliceColumns keeps the leading width columns of each row.
func sliceColumns(src []float64, rows, stride, width int) []float64 {
	out := make([]float64, rows*width)
	for r := 0; r < rows; r++ {
		copy(out[r*width:(r+1)*width], src[r*stride:r*stride+width])
	}
	return out
}

// layerRecord is the serialized form of a Layer.
type layerRecord struct {
	Class   string `cbor:"@class"`
	Version int    `cbor:"@version"`

	ERcut     float64 `cbor:"e_rcut"`
	ERcutSmth float64 `cbor:"e_rcut_smth"`
	ESel      int     `cbor:"e_sel"`
	ARcut     float64 `cbor:"a_rcut"`
	ARcutSmth float64 `cbor:"a_rcut_smth"`
	ASel      int     `cbor:"a_sel"`
	NTypes    int     `cbor:"ntypes"`
	NDim      int     `cbor:"n_dim"`
	EDim      int     `cbor:"e_dim"`
	ADim      int     `cbor:"a_dim"`

	ACompressRate     int  `cbor:"a_compress_rate"`
	ACompressERate    int  `cbor:"a_compress_e_rate"`
	ACompressUseSplit bool `cbor:"a_compress_use_split"`

	NMultiEdgeMessage int    `cbor:"n_multi_edge_message"`
	AxisNeuron        int    `cbor:"axis_neuron"`
	Activation        string `cbor:"activation_function"`

	UpdateAngle        bool    `cbor:"update_angle"`
	UpdateStyle        string  `cbor:"update_style"`
	UpdateResidual     float64 `cbor:"update_residual"`
	UpdateResidualInit string  `cbor:"update_residual_init"`
	Precision          string  `cbor:"precision"`
	OptimUpdate        bool    `cbor:"optim_update"`

	NodeSelfMLP    network.LinearRecord `cbor:"node_self_mlp"`
	NodeSymLinear  network.LinearRecord `cbor:"node_sym_linear"`
	NodeEdgeLinear network.LinearRecord `cbor:"node_edge_linear"`
	EdgeSelfLinear network.LinearRecord `cbor:"edge_self_linear"`

	EdgeAngleLinear1 *network.LinearRecord `cbor:"edge_angle_linear1,omitempty"`
	EdgeAngleLinear2 *network.LinearRecord `cbor:"edge_angle_linear2,omitempty"`
	AngleSelfLinear  *network.LinearRecord `cbor:"angle_self_linear,omitempty"`
	ACompressNLinear *network.LinearRecord `cbor:"a_compress_n_linear,omitempty"`
	ACompressELinear *network.LinearRecord `cbor:"a_compress_e_linear,omitempty"`

	NResidual [][]float64 `cbor:"n_residual,omitempty"`
	EResidual [][]float64 `cbor:"e_residual,omitempty"`
	AResidual [][]float64 `cbor:"a_residual,omitempty"`
}

const layerRecordVersion = 1

func (l *Layer) serialize() layerRecord {
	cfg := &l.cfg
	rec := layerRecord{
		Class:   "RepFlowLayer",
		Version: layerRecordVersion,

		ERcut:     cfg.ERcut,
		ERcutSmth: cfg.ERcutSmth,
		ESel:      cfg.ESel,
		ARcut:     cfg.ARcut,
		ARcutSmth: cfg.ARcutSmth,
		ASel:      cfg.ASel,
		NTypes:    cfg.NTypes,
		NDim:      cfg.NDim,
		EDim:      cfg.EDim,
		ADim:      cfg.ADim,

		ACompressRate:     cfg.ACompressRate,
		ACompressERate:    cfg.ACompressERate,
		ACompressUseSplit: cfg.ACompressUseSplit,

		NMultiEdgeMessage: cfg.NMultiEdgeMessage,
		AxisNeuron:        cfg.AxisNeuron,
		Activation:        cfg.Activation,

		UpdateAngle:        cfg.UpdateAngle,
		UpdateStyle:        cfg.UpdateStyle,
		UpdateResidual:     cfg.UpdateResidual,
		UpdateResidualInit: cfg.UpdateResidualInit,
		Precision:          cfg.Precision,
		OptimUpdate:        cfg.OptimUpdate,

		NodeSelfMLP:    l.nodeSelfMLP.Serialize(),
		NodeSymLinear:  l.nodeSymLinear.Serialize(),
		NodeEdgeLinear: l.nodeEdgeLinear.Serialize(),
		EdgeSelfLinear: l.edgeSelfLinear.Serialize(),

		NResidual: l.nResidual,
		EResidual: l.eResidual,
		AResidual: l.aResidual,
	}
	if cfg.UpdateAngle {
		r1 := l.edgeAngleLinear1.Serialize()
		r2 := l.edgeAngleLinear2.Serialize()
		r3 := l.angleSelfLinear.Serialize()
		rec.EdgeAngleLinear1 = &r1
		rec.EdgeAngleLinear2 = &r2
		rec.AngleSelfLinear = &r3
		if l.aCompressNLinear != nil {
			cn := l.aCompressNLinear.Serialize()
			ce := l.aCompressELinear.Serialize()
			rec.ACompressNLinear = &cn
			rec.ACompressELinear = &ce
		}
	}
	return rec
}

func deserializeLayer(be device.Backend, rec layerRecord) (*Layer, error) {
	if rec.Version > layerRecordVersion || rec.Version < 1 {
		return nil, fmt.Errorf("%w: layer record version %d", ErrVersionUnsupported, rec.Version)
	}
	cfg := Config{
		NTypes:             rec.NTypes,
		ERcut:              rec.ERcut,
		ERcutSmth:          rec.ERcutSmth,
		ESel:               rec.ESel,
		ARcut:              rec.ARcut,
		ARcutSmth:          rec.ARcutSmth,
		ASel:               rec.ASel,
		NDim:               rec.NDim,
		EDim:               rec.EDim,
		ADim:               rec.ADim,
		ACompressRate:      rec.ACompressRate,
		ACompressERate:     rec.ACompressERate,
		ACompressUseSplit:  rec.ACompressUseSplit,
		NMultiEdgeMessage:  rec.NMultiEdgeMessage,
		AxisNeuron:         rec.AxisNeuron,
		UpdateAngle:        rec.UpdateAngle,
		UpdateStyle:        rec.UpdateStyle,
		UpdateResidual:     rec.UpdateResidual,
		UpdateResidualInit: rec.UpdateResidualInit,
		Activation:         rec.Activation,
		Precision:          rec.Precision,
		OptimUpdate:        rec.OptimUpdate,
	}
	act, err := network.GetActivation(cfg.Activation)
	if err != nil {
		return nil, err
	}
	l := &Layer{backend: be, cfg: cfg, act: act}
	l.nCompressDim, l.eCompressDim = cfg.compressDims()

	if l.nodeSelfMLP, err = network.DeserializeLinear(be, rec.NodeSelfMLP); err != nil {
		return nil, err
	}
	if l.nodeSymLinear, err = network.DeserializeLinear(be, rec.NodeSymLinear); err != nil {
		return nil, err
	}
	if l.nodeEdgeLinear, err = network.DeserializeLinear(be, rec.NodeEdgeLinear); err != nil {
		return nil, err
	}
	if l.edgeSelfLinear, err = network.DeserializeLinear(be, rec.EdgeSelfLinear); err != nil {
		return nil, err
	}
	if cfg.UpdateAngle {
		if rec.EdgeAngleLinear1 == nil || rec.EdgeAngleLinear2 == nil || rec.AngleSelfLinear == nil {
			return nil, fmt.Errorf("repflow: layer record enables angle updates but lacks angle linears")
		}
		if l.edgeAngleLinear1, err = network.DeserializeLinear(be, *rec.EdgeAngleLinear1); err != nil {
			return nil, err
		}
		if l.edgeAngleLinear2, err = network.DeserializeLinear(be, *rec.EdgeAngleLinear2); err != nil {
			return nil, err
		}
		if l.angleSelfLinear, err = network.DeserializeLinear(be, *rec.AngleSelfLinear); err != nil {
			return nil, err
		}
		if cfg.ACompressRate != 0 && !cfg.ACompressUseSplit {
			if rec.ACompressNLinear == nil || rec.ACompressELinear == nil {
				return nil, fmt.Errorf("repflow: layer record enables compression but lacks compression linears")
			}
			if l.aCompressNLinear, err = network.DeserializeLinear(be, *rec.ACompressNLinear); err != nil {
				return nil, err
			}
			if l.aCompressELinear, err = network.DeserializeLinear(be, *rec.ACompressELinear); err != nil {
				return nil, err
			}
		}
	}
	l.nResidual = rec.NResidual
	l.eResidual = rec.EResidual
	l.aResidual = rec.AResidual
	return l, nil
}
