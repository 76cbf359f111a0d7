package simd

import "math"

// DotProduct computes the dot product of two float64 vectors
func DotProduct(a, b []float64) float64 {
	var sum float64
	i := 0
	for ; i <= len(a)-4; i += 4 {
		sum += a[i] * b[i]
		sum += a[i+1] * b[i+1]
		sum += a[i+2] * b[i+2]
		sum += a[i+3] * b[i+3]
	}
	for ; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// VecAdd performs dst += src
func VecAdd(dst, src []float64) {
	// Unrolled loop for better pipelining
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i]
		dst[i+1] += src[i+1]
		dst[i+2] += src[i+2]
		dst[i+3] += src[i+3]
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i]
	}
}

// VecAddScaled performs dst += src * scale
func VecAddScaled(dst, src []float64, scale float64) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i] * scale
		dst[i+1] += src[i+1] * scale
		dst[i+2] += src[i+2] * scale
		dst[i+3] += src[i+3] * scale
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i] * scale
	}
}

// VecAddMul performs dst += a * b, elementwise
func VecAddMul(dst, a, b []float64) {
	for i := range dst {
		dst[i] += a[i] * b[i]
	}
}

// Scale performs dst *= v
func Scale(dst []float64, v float64) {
	for i := range dst {
		dst[i] *= v
	}
}

// Zero clears the vector
func Zero(dst []float64) {
	for i := range dst {
		dst[i] = 0
	}
}

// Silu applies x * sigmoid(x) in-place.
// Exact exp on purpose: the two message-construction paths must agree to
// 1e-10 and approximation error compounds over stacked layers.
func Silu(data []float64) {
	for i, x := range data {
		data[i] = x / (1.0 + math.Exp(-x))
	}
}

// Tanh applies tanh in-place
func Tanh(data []float64) {
	for i, x := range data {
		data[i] = math.Tanh(x)
	}
}

// Gelu applies the tanh-form GELU approximation in-place
func Gelu(data []float64) {
	const (
		sqrt2overPi = 0.7978845608028654
		coeff       = 0.044715
	)
	for i, x := range data {
		data[i] = 0.5 * x * (1 + math.Tanh(sqrt2overPi*(x+coeff*x*x*x)))
	}
}
