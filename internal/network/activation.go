package network

import (
	"fmt"
	"strings"

	"github.com/atomistic-ml/repflow/internal/device"
)

// GetActivation resolves an activation function by its configuration name.
// Unknown names are a configuration error.
func GetActivation(name string) (device.ActivationType, error) {
	switch strings.ToLower(name) {
	case "silu":
		return device.ActivationSiLU, nil
	case "tanh":
		return device.ActivationTanh, nil
	case "gelu":
		return device.ActivationGELU, nil
	case "none", "linear", "":
		return device.ActivationIdentity, nil
	default:
		return device.ActivationIdentity, fmt.Errorf("network: unknown activation function %q", name)
	}
}

// ActivationName returns the canonical configuration name of fn.
func ActivationName(fn device.ActivationType) string {
	switch fn {
	case device.ActivationSiLU:
		return "silu"
	case device.ActivationTanh:
		return "tanh"
	case device.ActivationGELU:
		return "gelu"
	default:
		return "none"
	}
}
