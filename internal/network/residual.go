package network

import (
	"fmt"
	"math/rand"
)

// Residual init modes for learned per-channel update weights.
const (
	ResidualInitNorm  = "norm"
	ResidualInitConst = "const"
)

// NewResidual builds a residual weight vector of the given width.
// Mode "const" fills with scale; "norm" draws normal values scaled by it.
func NewResidual(dim int, scale float64, mode string, rng *rand.Rand) ([]float64, error) {
	res := make([]float64, dim)
	switch mode {
	case ResidualInitNorm:
		for i := range res {
			res[i] = rng.NormFloat64() * scale
		}
	case ResidualInitConst:
		for i := range res {
			res[i] = scale
		}
	default:
		return nil, fmt.Errorf("network: unknown residual init mode %q (want %q or %q)",
			mode, ResidualInitNorm, ResidualInitConst)
	}
	return res, nil
}
