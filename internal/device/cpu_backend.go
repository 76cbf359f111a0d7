package device

import (
	"log"
	"sync"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"

	"github.com/atomistic-ml/repflow/internal/simd"
)

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)
var _ Tensor = (*CPUTensor)(nil)

type CPUBackend struct {
	pool sync.Pool
}

func NewCPUBackend() *CPUBackend {
	return &CPUBackend{
		pool: sync.Pool{
			New: func() interface{} {
				return &CPUTensor{}
			},
		},
	}
}

func (b *CPUBackend) Name() string {
	return "CPU"
}

func (b *CPUBackend) NewTensor(r, c int, data []float64) Tensor {
	size := r * c
	t := &CPUTensor{
		backend: b,
		rows:    r,
		cols:    c,
	}

	if data == nil {
		t.data = make([]float64, size)
	} else {
		if len(data) != size {
			panic("NewTensor: provided data length does not match dimensions")
		}
		t.data = make([]float64, size)
		copy(t.data, data)
	}

	return t
}

func (b *CPUBackend) FromSlice(r, c int, data []float64) Tensor {
	if len(data) != r*c {
		panic("FromSlice: provided data length does not match dimensions")
	}
	return &CPUTensor{
		backend: b,
		rows:    r,
		cols:    c,
		data:    data,
		shared:  true,
	}
}

func (b *CPUBackend) GetTensor(r, c int) Tensor {
	v := b.pool.Get()
	ct, ok := v.(*CPUTensor)
	if !ok || ct == nil {
		ct = &CPUTensor{}
	}

	ct.backend = b
	ct.rows = r
	ct.cols = c
	ct.trans = false
	ct.shared = false
	size := r * c
	if cap(ct.data) < size {
		ct.data = make([]float64, size)
	} else {
		ct.data = ct.data[:size]
		simd.Zero(ct.data)
	}
	return ct
}

func (b *CPUBackend) PutTensor(t Tensor) {
	ct, ok := t.(*CPUTensor)
	if !ok || ct.shared {
		// Don't pool foreign or caller-owned tensors
		return
	}

	ct.rows = 0
	ct.cols = 0
	ct.trans = false
	b.pool.Put(ct)
}

func (b *CPUBackend) Synchronize() {
	// CPU is always synchronous
}

type CPUTensor struct {
	backend *CPUBackend
	data    []float64
	rows    int
	cols    int
	trans   bool // Transposed view flag
	shared  bool // Backing slice owned by the caller (FromSlice)
}

func (t *CPUTensor) Dims() (int, int) {
	if t.trans {
		return t.cols, t.rows
	}
	return t.rows, t.cols
}

func (t *CPUTensor) At(i, j int) float64 {
	if t.trans {
		return t.data[j*t.cols+i]
	}
	return t.data[i*t.cols+j]
}

func (t *CPUTensor) Set(i, j int, v float64) {
	if t.trans {
		t.data[j*t.cols+i] = v
	} else {
		t.data[i*t.cols+j] = v
	}
}

func (t *CPUTensor) Data() []float64 {
	// If transposed, data is not contiguous in logical order
	if t.trans {
		return nil
	}
	return t.data
}

func (t *CPUTensor) ToHost() []float64 {
	if t.trans {
		rows, cols := t.Dims()
		out := make([]float64, rows*cols)
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				out[i*cols+j] = t.At(i, j)
			}
		}
		return out
	}

	out := make([]float64, len(t.data))
	copy(out, t.data)
	return out
}

func (t *CPUTensor) CopyFrom(data []float64) {
	if len(data) != len(t.data) {
		panic("CopyFrom: size mismatch")
	}
	copy(t.data, data)
}

func (t *CPUTensor) Copy(from Tensor) {
	ft, ok := from.(*CPUTensor)
	if !ok {
		log.Panic("Copying between different backends not supported")
	}

	tr, tc := t.Dims()
	fr, fc := ft.Dims()
	if tr != fr || tc != fc {
		log.Panicf("Copy: dimension mismatch. Target: %dx%d, Source: %dx%d", tr, tc, fr, fc)
	}

	if !t.trans && !ft.trans {
		copy(t.data, ft.data)
	} else {
		for i := 0; i < tr; i++ {
			for j := 0; j < tc; j++ {
				t.Set(i, j, ft.At(i, j))
			}
		}
	}
}

func (t *CPUTensor) T() Tensor {
	return &CPUTensor{
		backend: t.backend,
		data:    t.data, // Share data
		rows:    t.rows,
		cols:    t.cols,
		trans:   !t.trans,
		shared:  true,
	}
}

func (t *CPUTensor) general() blas64.General {
	return blas64.General{
		Rows:   t.rows,
		Cols:   t.cols,
		Stride: t.cols,
		Data:   t.data,
	}
}

func (t *CPUTensor) Mul(a, b Tensor) {
	t.gemm(a, b, 0)
}

func (t *CPUTensor) MulAdd(a, b Tensor) {
	t.gemm(a, b, 1)
}

func (t *CPUTensor) gemm(a, b Tensor, beta float64) {
	ma, ok1 := a.(*CPUTensor)
	mb, ok2 := b.(*CPUTensor)
	if !ok1 || !ok2 {
		log.Panic("Mixed backend Mul not supported")
	}

	ar, ac := ma.Dims()
	br, bc := mb.Dims()
	if ac != br {
		log.Panicf("Mul: dimension mismatch. A cols (%d) != B rows (%d)", ac, br)
	}
	tr, tc := t.Dims()
	if t.trans {
		log.Panic("Mul: result must not be a transposed view")
	}
	if tr != ar || tc != bc {
		log.Panicf("Mul: result tensor dimension mismatch. Expected %dx%d, got %dx%d", ar, bc, tr, tc)
	}

	tA, tB := blas.NoTrans, blas.NoTrans
	if ma.trans {
		tA = blas.Trans
	}
	if mb.trans {
		tB = blas.Trans
	}
	blas64.Gemm(tA, tB, 1, ma.general(), mb.general(), beta, t.general())
}

// MulBlocked performs t_i = op(a_i) * b_i over `blocks` contiguous
// row-blocks. With t (blocks*m, n) and b (blocks*k, n):
//   - transA false: a is (blocks*m, k)
//   - transA true:  a is (blocks*k, m), each block multiplied transposed
//
// Transposed views are not accepted; blocks must be physically contiguous.
func (t *CPUTensor) MulBlocked(a, b Tensor, blocks int, transA bool) {
	ma, ok1 := a.(*CPUTensor)
	mb, ok2 := b.(*CPUTensor)
	if !ok1 || !ok2 {
		log.Panic("Mixed backend MulBlocked not supported")
	}
	if t.trans || ma.trans || mb.trans {
		log.Panic("MulBlocked: transposed views not supported")
	}
	if t.rows%blocks != 0 || ma.rows%blocks != 0 || mb.rows%blocks != 0 {
		log.Panicf("MulBlocked: rows not divisible by %d blocks", blocks)
	}

	m := t.rows / blocks
	n := t.cols
	k := mb.rows / blocks
	if mb.cols != n {
		log.Panicf("MulBlocked: b cols (%d) != result cols (%d)", mb.cols, n)
	}
	am, ak := m, k
	tA := blas.NoTrans
	if transA {
		am, ak = k, m
		tA = blas.Trans
	}
	if ma.rows/blocks != am || ma.cols != ak {
		log.Panicf("MulBlocked: a block shape %dx%d, want %dx%d", ma.rows/blocks, ma.cols, am, ak)
	}

	for i := 0; i < blocks; i++ {
		ga := blas64.General{Rows: am, Cols: ak, Stride: ak, Data: ma.data[i*am*ak : (i+1)*am*ak]}
		gb := blas64.General{Rows: k, Cols: n, Stride: n, Data: mb.data[i*k*n : (i+1)*k*n]}
		gt := blas64.General{Rows: m, Cols: n, Stride: n, Data: t.data[i*m*n : (i+1)*m*n]}
		blas64.Gemm(tA, blas.NoTrans, 1, ga, gb, 0, gt)
	}
}

func (t *CPUTensor) Add(other Tensor) {
	ot, ok := other.(*CPUTensor)
	if !ok {
		log.Panic("Mixed backend Add not supported")
	}

	tr, tc := t.Dims()
	or, oc := ot.Dims()
	if tr != or || tc != oc {
		log.Panicf("Add: dimension mismatch. Target: %dx%d, Other: %dx%d", tr, tc, or, oc)
	}

	if !t.trans && !ot.trans {
		simd.VecAdd(t.data, ot.data)
	} else {
		for i := 0; i < tr; i++ {
			for j := 0; j < tc; j++ {
				t.Set(i, j, t.At(i, j)+ot.At(i, j))
			}
		}
	}
}

func (t *CPUTensor) AddScaled(other Tensor, alpha float64) {
	ot, ok := other.(*CPUTensor)
	if !ok {
		log.Panic("Mixed backend AddScaled not supported")
	}
	if t.trans || ot.trans {
		log.Panic("AddScaled not supported on transposed views")
	}
	if len(t.data) != len(ot.data) {
		log.Panic("AddScaled: size mismatch")
	}
	simd.VecAddScaled(t.data, ot.data, alpha)
}

func (t *CPUTensor) AddBias(bias []float64) {
	if t.trans {
		log.Panic("AddBias not supported on transposed views")
	}
	r, c := t.Dims()
	if len(bias) != c {
		log.Panicf("AddBias: bias length %d != cols %d", len(bias), c)
	}
	for i := 0; i < r; i++ {
		simd.VecAdd(t.data[i*c:(i+1)*c], bias)
	}
}

func (t *CPUTensor) Scale(v float64) {
	simd.Scale(t.data, v)
}

func (t *CPUTensor) Gather(indices []int) Tensor {
	r, c := t.Dims()
	outData := make([]float64, len(indices)*c)

	for i, idx := range indices {
		if idx < 0 || idx >= r {
			panic("Gather index out of bounds")
		}
		if !t.trans {
			copy(outData[i*c:(i+1)*c], t.data[idx*c:(idx+1)*c])
		} else {
			for j := 0; j < c; j++ {
				outData[i*c+j] = t.At(idx, j)
			}
		}
	}

	return t.backend.NewTensor(len(indices), c, outData)
}

func (t *CPUTensor) Activate(fn ActivationType) {
	if t.trans {
		log.Panic("Activate not supported on transposed views")
	}
	switch fn {
	case ActivationSiLU:
		simd.Silu(t.data)
	case ActivationTanh:
		simd.Tanh(t.data)
	case ActivationGELU:
		simd.Gelu(t.data)
	case ActivationIdentity:
		// No-op
	}
}
