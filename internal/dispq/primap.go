// File: internal/dispq/primap.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package dispq

import (
	"math/bits"

	"github.com/momentics/hioload-disp/api"
)

const wordBits = 64

// PriMap is the active-level bitmap of a dispatch queue. Bit p is set iff
// level p holds at least one thread.
type PriMap struct {
	words []uint64
}

// NewPriMap returns a bitmap able to describe levels [0, n).
func NewPriMap(n int) PriMap {
	return PriMap{words: make([]uint64, (n+wordBits-1)/wordBits)}
}

// Levels returns the number of levels the map can describe.
func (m *PriMap) Levels() int { return len(m.words) * wordBits }

func (m *PriMap) Set(p api.Pri) {
	m.words[p/wordBits] |= 1 << (uint(p) % wordBits)
}

func (m *PriMap) Clear(p api.Pri) {
	m.words[p/wordBits] &^= 1 << (uint(p) % wordBits)
}

func (m *PriMap) IsSet(p api.Pri) bool {
	return m.words[p/wordBits]&(1<<(uint(p)%wordBits)) != 0
}

// Highest returns the highest set level or api.NoPri.
func (m *PriMap) Highest() api.Pri {
	for w := len(m.words) - 1; w >= 0; w-- {
		if x := m.words[w]; x != 0 {
			return api.Pri(w*wordBits + bits.Len64(x) - 1)
		}
	}
	return api.NoPri
}

// HighestAtOrBelow returns the highest set level not above p, or api.NoPri.
func (m *PriMap) HighestAtOrBelow(p api.Pri) api.Pri {
	if p < 0 {
		return api.NoPri
	}
	w := int(p) / wordBits
	if w >= len(m.words) {
		return m.Highest()
	}
	shift := uint(wordBits-1) - uint(p)%wordBits
	if x := m.words[w] << shift >> shift; x != 0 {
		return api.Pri(w*wordBits + bits.Len64(x) - 1)
	}
	for w--; w >= 0; w-- {
		if x := m.words[w]; x != 0 {
			return api.Pri(w*wordBits + bits.Len64(x) - 1)
		}
	}
	return api.NoPri
}

// HighestBelow returns the highest set level strictly below p.
func (m *PriMap) HighestBelow(p api.Pri) api.Pri {
	return m.HighestAtOrBelow(p - 1)
}
