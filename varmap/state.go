package varmap

import (
	"github.com/benbjohnson/immutable"
	"github.com/benbjohnson/tracediff"
	"golang.org/x/tools/container/intsets"
)

// state is one node of the search. States share structure with their
// parent and are never modified once pushed on the stack.
type state struct {
	in     *immutable.List      // ambiguous input PartMaps
	out    *immutable.List      // ambiguous output PartMaps
	inMap  *immutable.SortedMap // resolved input positions, int -> int
	outMap *immutable.SortedMap // resolved output positions, int -> int
}

// newState returns the root state where every input position may map to
// every other input position, and likewise for the output.
func newState(nbits int) *state {
	in := make([]int, nbits)
	for i := range in {
		in[i] = i
	}
	out := make([]int, tracediff.Width)
	for i := range out {
		out[i] = i
	}

	st := &state{
		in:     immutable.NewList(),
		out:    immutable.NewList(),
		inMap:  immutable.NewSortedMap(&intComparer{}),
		outMap: immutable.NewSortedMap(&intComparer{}),
	}
	if nbits > 0 {
		st.in = st.in.Append(NewPartMap(in, in))
	}
	st.out = st.out.Append(NewPartMap(out, out))
	return st
}

// done returns true if no ambiguous positions remain.
func (st *state) done() bool { return st.in.Len() == 0 && st.out.Len() == 0 }

// unmapped returns the input positions of each side that are not resolved,
// in ascending order.
func (st *state) unmapped(nbits int) (a, b []int) {
	mappedB := make(map[int]bool, st.inMap.Len())
	itr := st.inMap.Iterator()
	for {
		k, v := itr.Next()
		if k == nil {
			break
		}
		mappedB[v.(int)] = true
	}

	for i := 0; i < nbits; i++ {
		if _, ok := st.inMap.Get(i); !ok {
			a = append(a, i)
		}
		if !mappedB[i] {
			b = append(b, i)
		}
	}
	return a, b
}

// branch returns one child per candidate pairing of the smallest input
// PartMap, or the smallest output PartMap if no input ones remain. The
// child pairing the lowest positions is last so it is explored first.
func (st *state) branch() []*state {
	cells, m := st.in, st.inMap
	isInput := true
	if cells.Len() == 0 {
		cells, m = st.out, st.outMap
		isInput = false
	}

	index := 0
	for i := 1; i < cells.Len(); i++ {
		if cells.Get(i).(PartMap).Len() < cells.Get(index).(PartMap).Len() {
			index = i
		}
	}
	cell := cells.Get(index).(PartMap)
	x := cell.A.Min()
	candidates := cell.B.AppendTo(nil)

	children := make([]*state, 0, len(candidates))
	for i := len(candidates) - 1; i >= 0; i-- {
		y := candidates[i]

		rest := PartMap{A: &intsets.Sparse{}, B: &intsets.Sparse{}}
		rest.A.Copy(cell.A)
		rest.B.Copy(cell.B)
		rest.A.Remove(x)
		rest.B.Remove(y)

		childMap := m.Set(x, y)
		childCells := remove(cells, index)
		switch rest.Len() {
		case 0:
		case 1:
			childMap = childMap.Set(rest.A.Min(), rest.B.Min())
		default:
			childCells = childCells.Append(rest)
		}

		child := &state{in: st.in, out: st.out, inMap: st.inMap, outMap: st.outMap}
		if isInput {
			child.in, child.inMap = childCells, childMap
		} else {
			child.out, child.outMap = childCells, childMap
		}
		children = append(children, child)
	}
	return children
}

// fullMap returns the resolved mappings of a completed state.
func (st *state) fullMap() FullMap {
	return FullMap{In: toMapping(st.inMap), Out: toMapping(st.outMap)}
}

func toMapping(m *immutable.SortedMap) Mapping {
	a := make(Mapping, m.Len())
	itr := m.Iterator()
	for {
		k, v := itr.Next()
		if k == nil {
			return a
		}
		a[k.(int)] = v.(int)
	}
}

// remove returns l without the element at index.
func remove(l *immutable.List, index int) *immutable.List {
	other := immutable.NewList()
	for i := 0; i < l.Len(); i++ {
		if i != index {
			other = other.Append(l.Get(i))
		}
	}
	return other
}

// intComparer compares two integers. Implements immutable.Comparer.
type intComparer struct{}

// Compare returns -1 if a is less than b, returns 1 if a is greater than b, and
// returns 0 if a is equal to b. Panic if a or b is not an int.
func (c *intComparer) Compare(a, b interface{}) int {
	if i, j := a.(int), b.(int); i < j {
		return -1
	} else if i > j {
		return 1
	}
	return 0
}
