// Package neighbor builds fixed-width, distance-sorted neighbor lists for
// open-boundary systems, in the layout the descriptor block consumes.
package neighbor

import (
	"fmt"
	"math"
	"sort"
)

// Result is a neighbor list together with the extended geometry it indexes.
// For open boundaries the extended system equals the local one and the
// mapping is the identity.
type Result struct {
	NList    []int     // nf x nloc x nnei, -1 pads short lists
	CoordExt []float64 // nf x nall x 3
	TypeExt  []int     // nf x nall
	Mapping  []int     // nf x nall
	NLoc     int
	NAll     int
	NNei     int
}

type candidate struct {
	idx  int
	dist float64
}

// Build computes per-atom neighbor lists within rcut. Each list is sorted
// by distance (index breaks ties), truncated to nnei and padded with -1.
// coord is nf x natoms x 3 row-major; types is natoms, shared by frames.
func Build(coord []float64, types []int, nf, natoms, nnei int, rcut float64) (*Result, error) {
	if nf <= 0 || natoms <= 0 || nnei <= 0 {
		return nil, fmt.Errorf("neighbor: bad sizes nf=%d natoms=%d nnei=%d", nf, natoms, nnei)
	}
	if len(coord) != nf*natoms*3 {
		return nil, fmt.Errorf("neighbor: coord length %d != %d", len(coord), nf*natoms*3)
	}
	if len(types) != natoms {
		return nil, fmt.Errorf("neighbor: types length %d != %d", len(types), natoms)
	}
	if rcut <= 0 {
		return nil, fmt.Errorf("neighbor: rcut must be positive, got %v", rcut)
	}

	res := &Result{
		NList:    make([]int, nf*natoms*nnei),
		CoordExt: coord,
		TypeExt:  make([]int, nf*natoms),
		Mapping:  make([]int, nf*natoms),
		NLoc:     natoms,
		NAll:     natoms,
		NNei:     nnei,
	}
	for f := 0; f < nf; f++ {
		for i := 0; i < natoms; i++ {
			res.TypeExt[f*natoms+i] = types[i]
			res.Mapping[f*natoms+i] = i
		}
	}

	rcut2 := rcut * rcut
	cands := make([]candidate, 0, natoms)
	for f := 0; f < nf; f++ {
		coords := coord[f*natoms*3 : (f+1)*natoms*3]
		for i := 0; i < natoms; i++ {
			cands = cands[:0]
			cx, cy, cz := coords[i*3], coords[i*3+1], coords[i*3+2]
			for j := 0; j < natoms; j++ {
				if j == i {
					continue
				}
				dx := coords[j*3] - cx
				dy := coords[j*3+1] - cy
				dz := coords[j*3+2] - cz
				d2 := dx*dx + dy*dy + dz*dz
				if d2 < rcut2 {
					cands = append(cands, candidate{idx: j, dist: math.Sqrt(d2)})
				}
			}
			sort.Slice(cands, func(a, b int) bool {
				if cands[a].dist != cands[b].dist {
					return cands[a].dist < cands[b].dist
				}
				return cands[a].idx < cands[b].idx
			})
			row := res.NList[(f*natoms+i)*nnei : (f*natoms+i+1)*nnei]
			for k := range row {
				if k < len(cands) {
					row[k] = cands[k].idx
				} else {
					row[k] = -1
				}
			}
		}
	}
	return res, nil
}
