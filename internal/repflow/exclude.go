package repflow

// PairExcludeMask marks neighbor slots whose (center type, neighbor type)
// pair is configured as non-interacting. Pairs are symmetric.
type PairExcludeMask struct {
	ntypes   int
	excluded map[int]bool // ti*ntypes + tj
}

func NewPairExcludeMask(ntypes int, pairs [][2]int) *PairExcludeMask {
	m := &PairExcludeMask{
		ntypes:   ntypes,
		excluded: make(map[int]bool, 2*len(pairs)),
	}
	for _, p := range pairs {
		m.excluded[p[0]*ntypes+p[1]] = true
		m.excluded[p[1]*ntypes+p[0]] = true
	}
	return m
}

// Empty reports whether no pair is excluded.
func (m *PairExcludeMask) Empty() bool { return len(m.excluded) == 0 }

// Pairs returns the configured exclusion list (one direction per pair).
func (m *PairExcludeMask) Pairs() [][2]int {
	seen := make(map[int]bool, len(m.excluded))
	var out [][2]int
	for k := range m.excluded {
		ti, tj := k/m.ntypes, k%m.ntypes
		if seen[tj*m.ntypes+ti] {
			continue
		}
		seen[k] = true
		out = append(out, [2]int{ti, tj})
	}
	return out
}

// Build returns the per-slot interaction mask: true when the type pair
// interacts. Sentinel slots resolve against atom 0; their value is
// irrelevant since the caller keeps the sentinel either way.
func (m *PairExcludeMask) Build(nlist []int, atypeExt []int, nf, nloc, nall, nnei int) []bool {
	mask := make([]bool, nf*nloc*nnei)
	if m.Empty() {
		for i := range mask {
			mask[i] = true
		}
		return mask
	}
	for f := 0; f < nf; f++ {
		types := atypeExt[f*nall : (f+1)*nall]
		for i := 0; i < nloc; i++ {
			ti := types[i]
			base := (f*nloc + i) * nnei
			for j := 0; j < nnei; j++ {
				idx := nlist[base+j]
				if idx < 0 {
					idx = 0
				}
				mask[base+j] = !m.excluded[ti*m.ntypes+types[idx]]
			}
		}
	}
	return mask
}
