package varmap

import (
	"bytes"
	"fmt"
	"sort"

	"golang.org/x/tools/container/intsets"
)

// PartMap pairs two equally sized sets of bit positions that correspond in
// some still unknown order. PartMaps are never modified once built.
type PartMap struct {
	A *intsets.Sparse
	B *intsets.Sparse
}

// NewPartMap returns a PartMap over the given positions.
func NewPartMap(a, b []int) PartMap {
	p := PartMap{A: &intsets.Sparse{}, B: &intsets.Sparse{}}
	for _, x := range a {
		p.A.Insert(x)
	}
	for _, x := range b {
		p.B.Insert(x)
	}
	return p
}

// Len returns the number of positions on side A.
func (p PartMap) Len() int { return p.A.Len() }

// Consistent returns true if both sides have the same size.
func (p PartMap) Consistent() bool { return p.A.Len() == p.B.Len() }

// String returns the PartMap as "{a...} -> {b...}".
func (p PartMap) String() string {
	return fmt.Sprintf("%s -> %s", p.A.String(), p.B.String())
}

// Mapping is a total bit position correspondence from side A to side B.
type Mapping map[int]int

// Keys returns the side A positions in ascending order.
func (m Mapping) Keys() []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// String returns the mapping as "a->b" pairs in ascending order of a.
func (m Mapping) String() string {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.Keys() {
		if i > 0 {
			buf.WriteByte(' ')
		}
		fmt.Fprintf(&buf, "%d->%d", k, m[k])
	}
	buf.WriteByte('}')
	return buf.String()
}

// FullMap is one resolved correspondence hypothesis between two formulas.
// Input positions are 32*i+j for bit j of the i-th input symbol. Output
// positions are bit indices of the formula value.
type FullMap struct {
	In  Mapping
	Out Mapping
}

// String returns a human readable form of the map.
func (fm FullMap) String() string {
	return fmt.Sprintf("in=%s out=%s", fm.In, fm.Out)
}
