package repflow

import (
	"fmt"

	"github.com/atomistic-ml/repflow/internal/network"
)

// Update styles for merging candidate representation updates.
const (
	UpdateStyleResAvg      = "res_avg"
	UpdateStyleResIncr     = "res_incr"
	UpdateStyleResResidual = "res_residual"
)

// Config holds every hyperparameter of the repflow descriptor block.
// Zero values are not meaningful; start from DefaultConfig.
type Config struct {
	NTypes int // number of element types

	// Edge neighbor environment.
	ERcut     float64
	ERcutSmth float64
	ESel      int // max edge neighbors (nnei)

	// Angular neighbor environment, a subset of the edge one.
	ARcut     float64
	ARcutSmth float64
	ASel      int // max angular neighbors, <= ESel

	NLayers int
	NDim    int // node embedding width
	EDim    int // edge embedding width
	ADim    int // angle embedding width

	// Angular message compression. Rate 0 disables compression; with rate c
	// and extra edge rate ce, node features compress to ADim/c and edge
	// features to ADim*ce/(2c). UseSplit slices leading channels instead of
	// a learned projection.
	ACompressRate     int
	ACompressERate    int
	ACompressUseSplit bool

	NMultiEdgeMessage int // head count of node<-edge messages, >= 1
	AxisNeuron        int // symmetrization sub-matrix width

	UpdateAngle        bool
	UpdateStyle        string
	UpdateResidual     float64 // initial scale of res_residual weights
	UpdateResidualInit string  // "const" or "norm"

	SetDavgZero   bool
	FixStatStd    float64 // non-zero: constant stddev instead of data stats
	EnvProtection float64 // added to distances to guard zero division

	ExcludeTypes [][2]int // non-interacting type pairs

	Activation  string
	Precision   string
	OptimUpdate bool // factorized message construction

	Seed int64 // parameter init seed
}

// DefaultConfig carries the standard model defaults. Cutoffs and
// selection counts are system-dependent and must be set by the caller.
func DefaultConfig() Config {
	return Config{
		NLayers:            6,
		NDim:               128,
		EDim:               64,
		ADim:               64,
		ACompressRate:      0,
		ACompressERate:     1,
		NMultiEdgeMessage:  1,
		AxisNeuron:         4,
		UpdateAngle:        true,
		UpdateStyle:        UpdateStyleResResidual,
		UpdateResidual:     0.1,
		UpdateResidualInit: network.ResidualInitConst,
		SetDavgZero:        true,
		FixStatStd:         0.3,
		Activation:         "silu",
		Precision:          "float64",
		OptimUpdate:        true,
	}
}

// Validate rejects invalid configurations. All violations are fatal at
// construction time; nothing is silently corrected.
func (c *Config) Validate() error {
	if c.NTypes <= 0 {
		return fmt.Errorf("repflow: ntypes must be positive, got %d", c.NTypes)
	}
	if c.ESel <= 0 {
		return fmt.Errorf("repflow: e_sel must be positive, got %d", c.ESel)
	}
	if c.ASel <= 0 || c.ASel > c.ESel {
		return fmt.Errorf("repflow: a_sel must be in [1, e_sel=%d], got %d", c.ESel, c.ASel)
	}
	if c.ERcut <= 0 || c.ERcutSmth < 0 || c.ERcutSmth >= c.ERcut {
		return fmt.Errorf("repflow: need 0 <= e_rcut_smth < e_rcut, got smth=%v rcut=%v", c.ERcutSmth, c.ERcut)
	}
	if c.ARcut <= 0 || c.ARcutSmth < 0 || c.ARcutSmth >= c.ARcut {
		return fmt.Errorf("repflow: need 0 <= a_rcut_smth < a_rcut, got smth=%v rcut=%v", c.ARcutSmth, c.ARcut)
	}
	if c.NDim <= 0 || c.EDim <= 0 || c.ADim <= 0 {
		return fmt.Errorf("repflow: embedding widths must be positive (n=%d e=%d a=%d)", c.NDim, c.EDim, c.ADim)
	}
	if c.NLayers < 0 {
		return fmt.Errorf("repflow: nlayers must be non-negative, got %d", c.NLayers)
	}
	if c.AxisNeuron <= 0 || c.AxisNeuron > c.EDim || c.AxisNeuron > c.NDim {
		return fmt.Errorf("repflow: axis_neuron must be in [1, min(e_dim, n_dim)], got %d", c.AxisNeuron)
	}
	if c.NMultiEdgeMessage < 1 {
		return fmt.Errorf("repflow: n_multi_edge_message must be >= 1, got %d", c.NMultiEdgeMessage)
	}
	switch c.UpdateStyle {
	case UpdateStyleResAvg, UpdateStyleResIncr, UpdateStyleResResidual:
	default:
		return fmt.Errorf("repflow: unknown update style %q", c.UpdateStyle)
	}
	switch c.UpdateResidualInit {
	case network.ResidualInitConst, network.ResidualInitNorm:
	default:
		return fmt.Errorf("repflow: unknown residual init mode %q", c.UpdateResidualInit)
	}
	if c.ACompressRate != 0 {
		if c.ACompressERate < 1 {
			return fmt.Errorf("repflow: a_compress_e_rate must be >= 1, got %d", c.ACompressERate)
		}
		if (c.ADim*c.ACompressERate)%(2*c.ACompressRate) != 0 {
			return fmt.Errorf(
				"repflow: a_dim*a_compress_e_rate (%d) must be divisible by 2*a_compress_rate (%d)",
				c.ADim*c.ACompressERate, 2*c.ACompressRate)
		}
		nc, ec := c.compressDims()
		if c.ACompressUseSplit && (nc > c.NDim || ec > c.EDim) {
			return fmt.Errorf("repflow: split compression dims (%d, %d) exceed (n_dim=%d, e_dim=%d)",
				nc, ec, c.NDim, c.EDim)
		}
	}
	if _, err := network.GetActivation(c.Activation); err != nil {
		return err
	}
	if c.Precision != "" && c.Precision != "float64" {
		return fmt.Errorf("repflow: unsupported precision %q", c.Precision)
	}
	for _, p := range c.ExcludeTypes {
		if p[0] < 0 || p[0] >= c.NTypes || p[1] < 0 || p[1] >= c.NTypes {
			return fmt.Errorf("repflow: exclude pair %v out of type range [0, %d)", p, c.NTypes)
		}
	}
	return nil
}

// compressDims returns the node and edge widths entering the angle message.
func (c *Config) compressDims() (nodeDim, edgeDim int) {
	if c.ACompressRate == 0 {
		return c.NDim, c.EDim
	}
	nodeDim = c.ADim / c.ACompressRate
	edgeDim = c.ADim / (2 * c.ACompressRate) * c.ACompressERate
	return nodeDim, edgeDim
}

// angleMessageDim is the concatenated width feeding the angle linears.
func (c *Config) angleMessageDim() int {
	nodeDim, edgeDim := c.compressDims()
	return c.ADim + nodeDim + 2*edgeDim
}
