package device

// Tensor is a two-dimensional array of float64 resident on some compute
// backend. Higher-rank descriptor quantities are handled as row-blocked
// matrices (leading axes flattened into rows), which keeps the interface
// small and lets every heavy operation map onto GEMM.
type Tensor interface {
	// Dims returns the dimensions (rows, cols) of the tensor.
	Dims() (int, int)

	// At returns the value at (i, j).
	// Slow; intended for debugging or infrequent access.
	At(i, j int) float64

	// Set sets the value at (i, j).
	Set(i, j int, v float64)

	// Data returns the underlying slice if contiguous on the host
	// (nil for transposed views or device-resident tensors).
	Data() []float64

	// ToHost copies the data to a Go slice.
	ToHost() []float64

	// CopyFrom copies data from a Go slice into the tensor.
	CopyFrom(data []float64)

	// Copy copies content from another tensor.
	Copy(from Tensor)

	// T returns a transpose view sharing the backing data.
	T() Tensor

	// Mul performs matrix multiplication: t = a * b
	Mul(a, b Tensor)

	// MulAdd performs accumulating matrix multiplication: t += a * b
	MulAdd(a, b Tensor)

	// MulBlocked performs a batched matrix multiplication over `blocks`
	// contiguous row-blocks: t_i = op(a_i) * b_i for each block i, where
	// op is transpose when transA is set. Block shapes are derived from
	// the tensor dimensions; see CPUTensor for the exact contract.
	MulBlocked(a, b Tensor, blocks int, transA bool)

	// Add performs element-wise addition: t += other
	Add(other Tensor)

	// AddScaled performs t += other * alpha
	AddScaled(other Tensor, alpha float64)

	// AddBias adds a bias vector to each row.
	AddBias(bias []float64)

	// Scale performs t *= v
	Scale(v float64)

	// Gather collects rows based on indices. Returns a new Tensor.
	Gather(indices []int) Tensor

	// Activate applies an activation function in-place.
	Activate(fn ActivationType)
}

type ActivationType int

const (
	ActivationIdentity ActivationType = iota
	ActivationSiLU
	ActivationTanh
	ActivationGELU
)

// Backend creates tensors and manages their memory.
type Backend interface {
	Name() string

	// NewTensor allocates a tensor, copying data when non-nil.
	NewTensor(r, c int, data []float64) Tensor

	// FromSlice wraps an existing host slice without copying. The caller
	// keeps ownership; the tensor must not be pooled.
	FromSlice(r, c int, data []float64) Tensor

	// GetTensor gets a zeroed tensor from the pool or creates a new one.
	GetTensor(r, c int) Tensor

	// PutTensor returns a tensor to the pool.
	PutTensor(t Tensor)

	// Synchronize blocks until all queued operations are complete.
	Synchronize()
}
