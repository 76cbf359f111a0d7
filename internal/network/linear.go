package network

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/atomistic-ml/repflow/internal/device"
)

// Linear is a dense layer y = x*W + b with weights owned by the layer.
// W is stored (NumIn x NumOut); activation is applied by the caller so the
// same layer can feed both activated and raw paths.
type Linear struct {
	Backend device.Backend
	W       device.Tensor
	Bias    []float64 // nil when the layer has no bias term
	NumIn   int
	NumOut  int
}

// NewLinear creates a dense layer with Xavier/Glorot uniform weights and a
// zero bias. rng drives initialization so construction is reproducible.
func NewLinear(b device.Backend, in, out int, bias bool, rng *rand.Rand) *Linear {
	l := &Linear{
		Backend: b,
		W:       b.NewTensor(in, out, nil),
		NumIn:   in,
		NumOut:  out,
	}
	xavierInit(l.W, rng)
	if bias {
		l.Bias = make([]float64, out)
	}
	return l
}

// xavierInit fills a weight matrix with Xavier/Glorot uniform values.
func xavierInit(m device.Tensor, rng *rand.Rand) {
	r, c := m.Dims()
	limit := math.Sqrt(6.0 / float64(r+c))
	data := make([]float64, r*c)
	for i := range data {
		data[i] = (rng.Float64()*2 - 1) * limit
	}
	m.CopyFrom(data)
}

// Forward computes x*W + b into a pooled tensor.
func (l *Linear) Forward(x device.Tensor) device.Tensor {
	r, c := x.Dims()
	if c != l.NumIn {
		panic(fmt.Sprintf("network: input width %d != layer num_in %d", c, l.NumIn))
	}
	out := l.Backend.GetTensor(r, l.NumOut)
	out.Mul(x, l.W)
	if l.Bias != nil {
		out.AddBias(l.Bias)
	}
	return out
}

// Apply computes dst = src*W + b over flat row-major slices.
// src is (rows x NumIn), dst (rows x NumOut); dst is overwritten.
func (l *Linear) Apply(dst, src []float64, rows int) {
	xt := l.Backend.FromSlice(rows, l.NumIn, src)
	yt := l.Backend.FromSlice(rows, l.NumOut, dst)
	yt.Mul(xt, l.W)
	if l.Bias != nil {
		yt.AddBias(l.Bias)
	}
}

// ApplyBlock accumulates dst += src * W[rowOffset:rowOffset+width, :]
// where width is the column count of src. Bias is NOT added; the factorized
// update adds it once after summing the blocks. The weight row-block is a
// view, not a copy.
func (l *Linear) ApplyBlock(dst, src []float64, rows, rowOffset int) {
	width := len(src) / rows
	if rowOffset+width > l.NumIn {
		panic(fmt.Sprintf("network: weight block [%d:%d) exceeds num_in %d", rowOffset, rowOffset+width, l.NumIn))
	}
	wdata := l.W.Data()
	if wdata == nil {
		panic("network: ApplyBlock requires host-resident weights")
	}
	wt := l.Backend.FromSlice(width, l.NumOut, wdata[rowOffset*l.NumOut:(rowOffset+width)*l.NumOut])
	xt := l.Backend.FromSlice(rows, width, src)
	yt := l.Backend.FromSlice(rows, l.NumOut, dst)
	yt.MulAdd(xt, wt)
}

// AddBiasTo adds the layer bias to every row of dst. No-op without bias.
func (l *Linear) AddBiasTo(dst []float64, rows int) {
	if l.Bias == nil {
		return
	}
	l.Backend.FromSlice(rows, l.NumOut, dst).AddBias(l.Bias)
}

// LinearRecord is the serialized form of a Linear layer.
type LinearRecord struct {
	Class   string    `cbor:"@class"`
	Version int       `cbor:"@version"`
	NumIn   int       `cbor:"num_in"`
	NumOut  int       `cbor:"num_out"`
	HasBias bool      `cbor:"has_bias"`
	W       []float64 `cbor:"w"`
	B       []float64 `cbor:"b,omitempty"`
}

const linearRecordVersion = 1

// Serialize captures the layer into a plain record.
func (l *Linear) Serialize() LinearRecord {
	rec := LinearRecord{
		Class:   "Linear",
		Version: linearRecordVersion,
		NumIn:   l.NumIn,
		NumOut:  l.NumOut,
		HasBias: l.Bias != nil,
		W:       l.W.ToHost(),
	}
	if l.Bias != nil {
		rec.B = append([]float64(nil), l.Bias...)
	}
	return rec
}

// DeserializeLinear reconstructs a layer from a record.
func DeserializeLinear(b device.Backend, rec LinearRecord) (*Linear, error) {
	if rec.Version > linearRecordVersion || rec.Version < 1 {
		return nil, fmt.Errorf("network: unsupported linear record version %d", rec.Version)
	}
	if len(rec.W) != rec.NumIn*rec.NumOut {
		return nil, fmt.Errorf("network: weight length %d != %d x %d", len(rec.W), rec.NumIn, rec.NumOut)
	}
	l := &Linear{
		Backend: b,
		W:       b.NewTensor(rec.NumIn, rec.NumOut, rec.W),
		NumIn:   rec.NumIn,
		NumOut:  rec.NumOut,
	}
	if rec.HasBias {
		if len(rec.B) != rec.NumOut {
			return nil, fmt.Errorf("network: bias length %d != num_out %d", len(rec.B), rec.NumOut)
		}
		l.Bias = append([]float64(nil), rec.B...)
	}
	return l, nil
}
