package repflow

import (
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"

	"github.com/atomistic-ml/repflow/internal/device"
	"github.com/atomistic-ml/repflow/internal/network"
)

// blockRecord is the serialized form of a Block: the full hyperparameter
// set, every trained sub-network and the normalization statistics.
type blockRecord struct {
	Class   string `cbor:"@class"`
	Version int    `cbor:"@version"`

	ERcut     float64 `cbor:"e_rcut"`
	ERcutSmth float64 `cbor:"e_rcut_smth"`
	ESel      int     `cbor:"e_sel"`
	ARcut     float64 `cbor:"a_rcut"`
	ARcutSmth float64 `cbor:"a_rcut_smth"`
	ASel      int     `cbor:"a_sel"`
	NTypes    int     `cbor:"ntypes"`
	NLayers   int     `cbor:"nlayers"`
	NDim      int     `cbor:"n_dim"`
	EDim      int     `cbor:"e_dim"`
	ADim      int     `cbor:"a_dim"`

	ACompressRate     int  `cbor:"a_compress_rate"`
	ACompressERate    int  `cbor:"a_compress_e_rate"`
	ACompressUseSplit bool `cbor:"a_compress_use_split"`

	NMultiEdgeMessage int    `cbor:"n_multi_edge_message"`
	AxisNeuron        int    `cbor:"axis_neuron"`
	UpdateAngle       bool   `cbor:"update_angle"`
	Activation        string `cbor:"activation_function"`

	UpdateStyle        string  `cbor:"update_style"`
	UpdateResidual     float64 `cbor:"update_residual"`
	UpdateResidualInit string  `cbor:"update_residual_init"`

	SetDavgZero   bool     `cbor:"set_davg_zero"`
	FixStatStd    float64  `cbor:"fix_stat_std"`
	EnvProtection float64  `cbor:"env_protection"`
	ExcludeTypes  [][2]int `cbor:"exclude_types,omitempty"`
	Precision     string   `cbor:"precision"`
	OptimUpdate   bool     `cbor:"optim_update"`

	EdgeEmbd    network.LinearRecord `cbor:"edge_embd"`
	AngleEmbd   network.LinearRecord `cbor:"angle_embd"`
	Layers      []layerRecord        `cbor:"repflow_layers"`
	EnvMatEdge  EnvMatRecord         `cbor:"env_mat_edge"`
	EnvMatAngle EnvMatRecord         `cbor:"env_mat_angle"`

	DAvg []float64 `cbor:"davg"`
	DStd []float64 `cbor:"dstd"`
}

const blockRecordVersion = 1

func (b *Block) serialize() blockRecord {
	cfg := &b.cfg
	rec := blockRecord{
		Class:   "RepFlows",
		Version: blockRecordVersion,

		ERcut:     cfg.ERcut,
		ERcutSmth: cfg.ERcutSmth,
		ESel:      cfg.ESel,
		ARcut:     cfg.ARcut,
		ARcutSmth: cfg.ARcutSmth,
		ASel:      cfg.ASel,
		NTypes:    cfg.NTypes,
		NLayers:   cfg.NLayers,
		NDim:      cfg.NDim,
		EDim:      cfg.EDim,
		ADim:      cfg.ADim,

		ACompressRate:     cfg.ACompressRate,
		ACompressERate:    cfg.ACompressERate,
		ACompressUseSplit: cfg.ACompressUseSplit,

		NMultiEdgeMessage: cfg.NMultiEdgeMessage,
		AxisNeuron:        cfg.AxisNeuron,
		UpdateAngle:       cfg.UpdateAngle,
		Activation:        cfg.Activation,

		UpdateStyle:        cfg.UpdateStyle,
		UpdateResidual:     cfg.UpdateResidual,
		UpdateResidualInit: cfg.UpdateResidualInit,

		SetDavgZero:   cfg.SetDavgZero,
		FixStatStd:    cfg.FixStatStd,
		EnvProtection: cfg.EnvProtection,
		ExcludeTypes:  cfg.ExcludeTypes,
		Precision:     cfg.Precision,
		OptimUpdate:   cfg.OptimUpdate,

		EdgeEmbd:    b.edgeEmbd.Serialize(),
		AngleEmbd:   b.angleEmbd.Serialize(),
		EnvMatEdge:  b.envMatEdge.Serialize(),
		EnvMatAngle: b.envMatAngle.Serialize(),

		DAvg: append([]float64(nil), b.mean...),
		DStd: append([]float64(nil), b.stddev...),
	}
	for _, l := range b.layers {
		rec.Layers = append(rec.Layers, l.serialize())
	}
	return rec
}

func deserializeBlock(be device.Backend, rec blockRecord) (*Block, error) {
	if rec.Version > blockRecordVersion || rec.Version < 1 {
		return nil, fmt.Errorf("%w: block record version %d", ErrVersionUnsupported, rec.Version)
	}
	cfg := Config{
		NTypes:             rec.NTypes,
		ERcut:              rec.ERcut,
		ERcutSmth:          rec.ERcutSmth,
		ESel:               rec.ESel,
		ARcut:              rec.ARcut,
		ARcutSmth:          rec.ARcutSmth,
		ASel:               rec.ASel,
		NLayers:            rec.NLayers,
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
		SetDavgZero:        rec.SetDavgZero,
		FixStatStd:         rec.FixStatStd,
		EnvProtection:      rec.EnvProtection,
		ExcludeTypes:       rec.ExcludeTypes,
		Activation:         rec.Activation,
		Precision:          rec.Precision,
		OptimUpdate:        rec.OptimUpdate,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(rec.Layers) != cfg.NLayers {
		return nil, fmt.Errorf("repflow: record has %d layers, expected %d", len(rec.Layers), cfg.NLayers)
	}
	act, _ := network.GetActivation(cfg.Activation)
	b := &Block{
		backend: be,
		cfg:     cfg,
		act:     act,
		emask:   NewPairExcludeMask(cfg.NTypes, cfg.ExcludeTypes),
	}
	var err error
	if b.edgeEmbd, err = network.DeserializeLinear(be, rec.EdgeEmbd); err != nil {
		return nil, err
	}
	if b.angleEmbd, err = network.DeserializeLinear(be, rec.AngleEmbd); err != nil {
		return nil, err
	}
	for _, lr := range rec.Layers {
		l, err := deserializeLayer(be, lr)
		if err != nil {
			return nil, err
		}
		b.layers = append(b.layers, l)
	}
	if b.envMatEdge, err = DeserializeEnvMat(rec.EnvMatEdge); err != nil {
		return nil, err
	}
	if b.envMatAngle, err = DeserializeEnvMat(rec.EnvMatAngle); err != nil {
		return nil, err
	}
	statLen := cfg.NTypes * cfg.ESel * 4
	if len(rec.DAvg) != statLen || len(rec.DStd) != statLen {
		return nil, fmt.Errorf("repflow: stat lengths (%d, %d) != %d", len(rec.DAvg), len(rec.DStd), statLen)
	}
	b.mean = append([]float64(nil), rec.DAvg...)
	b.stddev = append([]float64(nil), rec.DStd...)
	return b, nil
}

// Marshal encodes the block, its parameters and statistics to CBOR.
func (b *Block) Marshal() ([]byte, error) {
	return cbor.Marshal(b.serialize())
}

// Unmarshal decodes a block from its CBOR form.
func Unmarshal(data []byte, be device.Backend) (*Block, error) {
	var rec blockRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("repflow: decode block: %w", err)
	}
	return deserializeBlock(be, rec)
}

// Save writes the block to a CBOR model file.
func (b *Block) Save(path string) error {
	data, err := b.Marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Load reads a block from a CBOR model file.
func Load(path string, be device.Backend) (*Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Unmarshal(data, be)
}
