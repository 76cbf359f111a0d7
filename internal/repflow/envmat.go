package repflow

import (
	"fmt"
	"math"
)

// EnvMat builds the smoothed environment matrix of a neighbor list: a
// 4-channel descriptor [s(r)/r, s(r)*x/r², s(r)*y/r², s(r)*z/r²] per
// neighbor slot, the raw displacement vectors, and the switch weights.
type EnvMat struct {
	Rcut       float64
	RcutSmth   float64
	Protection float64 // added to distances before division
}

// ComputeSmoothWeight is the cutoff switch: exactly 1 at or inside rmin,
// exactly 0 at or beyond rmax, and a C¹-continuous quintic in between.
func ComputeSmoothWeight(distance, rmin, rmax float64) float64 {
	if distance <= rmin {
		return 1
	}
	if distance >= rmax {
		return 0
	}
	uu := (distance - rmin) / (rmax - rmin)
	return uu*uu*uu*(uu*(-6*uu+15)-10) + 1
}

// Call builds the environment matrix for nlist against the extended
// coordinates. mean/stddev are per (center type, slot, channel) constants
// of length ntypes*nnei*4; either may be nil to skip that normalization.
//
// Returns:
//
//	em   nf x nloc x nnei x 4
//	diff nf x nloc x nnei x 3 (zero for sentinel slots)
//	sw   nf x nloc x nnei     (zero for sentinel slots)
//
// Sentinel (-1) slots contribute zeros; the builder never divides by a
// true-zero distance because invalid lengths are displaced away from zero.
func (e *EnvMat) Call(coordExt []float64, atypeExt []int, nlist []int, nf, nloc, nall, nnei int, mean, stddev []float64) (em, diff, sw []float64, err error) {
	if len(coordExt) != nf*nall*3 {
		return nil, nil, nil, fmt.Errorf("repflow: coord_ext length %d != %d", len(coordExt), nf*nall*3)
	}
	if len(atypeExt) != nf*nall {
		return nil, nil, nil, fmt.Errorf("repflow: atype_ext length %d != %d", len(atypeExt), nf*nall)
	}
	if len(nlist) != nf*nloc*nnei {
		return nil, nil, nil, fmt.Errorf("repflow: nlist length %d != %d", len(nlist), nf*nloc*nnei)
	}

	em = make([]float64, nf*nloc*nnei*4)
	diff = make([]float64, nf*nloc*nnei*3)
	sw = make([]float64, nf*nloc*nnei)

	for f := 0; f < nf; f++ {
		coords := coordExt[f*nall*3 : (f+1)*nall*3]
		for i := 0; i < nloc; i++ {
			cx, cy, cz := coords[i*3], coords[i*3+1], coords[i*3+2]
			atype := atypeExt[f*nall+i]
			for j := 0; j < nnei; j++ {
				slot := (f*nloc+i)*nnei + j
				idx := nlist[slot]
				valid := idx >= 0
				if !valid {
					idx = 0
				}
				dx := coords[idx*3] - cx
				dy := coords[idx*3+1] - cy
				dz := coords[idx*3+2] - cz
				length := math.Sqrt(dx*dx + dy*dy + dz*dz)
				if !valid {
					// keep the inverse finite; masked to zero below
					length++
				}
				protected := length + e.Protection
				t0 := 1 / protected
				inv2 := 1 / (protected * protected)

				w := ComputeSmoothWeight(length, e.RcutSmth, e.Rcut)
				if !valid {
					w = 0
				}
				sw[slot] = w

				row := em[slot*4 : slot*4+4]
				row[0] = t0 * w
				row[1] = dx * inv2 * w
				row[2] = dy * inv2 * w
				row[3] = dz * inv2 * w
				if mean != nil {
					m := mean[(atype*nnei+j)*4 : (atype*nnei+j)*4+4]
					row[0] -= m[0]
					row[1] -= m[1]
					row[2] -= m[2]
					row[3] -= m[3]
				}
				if stddev != nil {
					s := stddev[(atype*nnei+j)*4 : (atype*nnei+j)*4+4]
					row[0] /= s[0]
					row[1] /= s[1]
					row[2] /= s[2]
					row[3] /= s[3]
				}

				if valid {
					diff[slot*3] = dx
					diff[slot*3+1] = dy
					diff[slot*3+2] = dz
				}
			}
		}
	}
	return em, diff, sw, nil
}

// EnvMatRecord is the serialized form of an EnvMat.
type EnvMatRecord struct {
	Class      string  `cbor:"@class"`
	Version    int     `cbor:"@version"`
	Rcut       float64 `cbor:"rcut"`
	RcutSmth   float64 `cbor:"rcut_smth"`
	Protection float64 `cbor:"protection"`
}

const envMatRecordVersion = 2

func (e *EnvMat) Serialize() EnvMatRecord {
	return EnvMatRecord{
		Class:      "EnvMat",
		Version:    envMatRecordVersion,
		Rcut:       e.Rcut,
		RcutSmth:   e.RcutSmth,
		Protection: e.Protection,
	}
}

func DeserializeEnvMat(rec EnvMatRecord) (*EnvMat, error) {
	if rec.Version > envMatRecordVersion || rec.Version < 1 {
		return nil, fmt.Errorf("%w: env mat record version %d", ErrVersionUnsupported, rec.Version)
	}
	return &EnvMat{Rcut: rec.Rcut, RcutSmth: rec.RcutSmth, Protection: rec.Protection}, nil
}
