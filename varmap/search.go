// Package varmap searches for a bit level correspondence between the inputs
// and outputs of two formulas using randomized probing and partition
// refinement.
package varmap

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sort"

	"github.com/benbjohnson/immutable"
	"github.com/benbjohnson/tracediff"
)

// ErrBudgetExceeded is returned when the search runs out of steps.
var ErrBudgetExceeded = errors.New("varmap: step budget exceeded")

// Default search limits.
const (
	DefaultMaxSteps     = 1 << 14
	DefaultVerifyRounds = 100
)

// Search finds FullMaps between two formulas.
type Search struct {
	stats Stats

	// Maximum number of results to return. Zero returns all of them.
	MaxResults int

	// Maximum number of search states to expand. Zero is unlimited.
	MaxSteps int

	// Number of random input vectors a FullMap must survive to be accepted.
	VerifyRounds int

	// Seed for random input vectors.
	Seed int64
}

// Stats reports the work done by the last call to Find.
type Stats struct {
	Steps    int // states expanded
	Pruned   int // states rejected by popcount or partition checks
	Rejected int // complete maps rejected by verification
}

// NewSearch returns a search with default limits.
func NewSearch() *Search {
	return &Search{
		MaxSteps:     DefaultMaxSteps,
		VerifyRounds: DefaultVerifyRounds,
		Seed:         1,
	}
}

// FindCorrespondence runs a search with default limits.
func FindCorrespondence(ctx context.Context, a, b tracediff.Formula) ([]FullMap, error) {
	return NewSearch().Find(ctx, a, b)
}

// Stats returns statistics for the last call to Find.
func (s *Search) Stats() Stats { return s.stats }

// Find returns every verified correspondence between a and b. Formulas
// with a different number of inputs never correspond. If the context is
// done or the step budget runs out then the results found so far are
// returned with the error.
func (s *Search) Find(ctx context.Context, a, b tracediff.Formula) ([]FullMap, error) {
	s.stats = Stats{}

	p := &problem{a: a, b: b, inA: a.Inputs(), inB: b.Inputs()}
	if len(p.inA) != len(p.inB) {
		log.Printf("[varmap] input width mismatch: %d != %d", len(p.inA), len(p.inB))
		return nil, nil
	}
	p.nbits = tracediff.Width * len(p.inA)
	p.rng = rand.New(rand.NewSource(s.Seed))

	var results []FullMap
	stack := []*state{newState(p.nbits)}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return results, err
		} else if s.MaxSteps > 0 && s.stats.Steps >= s.MaxSteps {
			return results, ErrBudgetExceeded
		}

		st := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		s.stats.Steps++

		if !st.done() {
			next, err := p.refine(st)
			if err != nil {
				return results, err
			} else if next == nil {
				s.stats.Pruned++
				continue
			}
			st = next
		}

		if !st.done() {
			stack = append(stack, st.branch()...)
			continue
		}

		fm := st.fullMap()
		if s.VerifyRounds > 0 {
			if ok, err := Verify(a, b, fm, s.VerifyRounds, p.rng); err != nil {
				return results, err
			} else if !ok {
				s.stats.Rejected++
				continue
			}
		}
		results = append(results, fm)
		log.Printf("[varmap] found: %s", fm)

		if s.MaxResults > 0 && len(results) >= s.MaxResults {
			break
		}
	}
	return results, nil
}

// problem holds the fixed inputs of one search.
type problem struct {
	a, b     tracediff.Formula
	inA, inB []tracediff.ValueID
	nbits    int
	rng      *rand.Rand
}

// refine evaluates both formulas under the partial mapping of st and returns
// the refined state or nil if the mapping cannot be extended.
func (p *problem) refine(st *state) (*state, error) {
	umvA, umvB := st.unmapped(p.nbits)
	rows := len(umvA)
	identity := rows > 0
	if !identity {
		rows = tracediff.Width
	}

	imA, imB := NewBitMatrix(rows, p.nbits), NewBitMatrix(rows, p.nbits)

	// Mapped columns carry the same random bits on both sides.
	itr := st.inMap.Iterator()
	for {
		k, v := itr.Next()
		if k == nil {
			break
		}
		if identity {
			bit := p.rng.Intn(2) == 1
			imA.SetCol(k.(int), bit)
			imB.SetCol(v.(int), bit)
			continue
		}
		for r := 0; r < rows; r++ {
			bit := p.rng.Intn(2) == 1
			imA.Set(r, k.(int), bit)
			imB.Set(r, v.(int), bit)
		}
	}

	// Unmapped columns form an identity pattern. Row r sets only the r-th
	// unmapped position.
	for r := range umvA {
		imA.Set(r, umvA[r], true)
		imB.Set(r, umvB[r], true)
	}

	omA, err := outputMatrix(p.a, p.inA, imA)
	if err != nil {
		return nil, err
	}
	omB, err := outputMatrix(p.b, p.inB, imB)
	if err != nil {
		return nil, err
	}

	rvA, cvA := omA.RowCounts(), omA.ColCounts()
	rvB, cvB := omB.RowCounts(), omB.ColCounts()
	if !sameMultiset(rvA, rvB) || !sameMultiset(cvA, cvB) {
		return nil, nil
	}

	next := &state{inMap: st.inMap, outMap: st.outMap}

	// Row counts identify unmapped inputs. Column counts identify outputs.
	in, out := st.in, st.out
	if identity {
		sigA, sigB := make(map[int]int, rows), make(map[int]int, rows)
		for r := range umvA {
			sigA[umvA[r]], sigB[umvB[r]] = rvA[r], rvB[r]
		}
		if in, next.inMap = split(in, next.inMap, sigA, sigB); in == nil {
			return nil, nil
		}
	}

	sigA, sigB := make(map[int]int), make(map[int]int)
	for c := range cvA {
		sigA[c], sigB[c] = cvA[c], cvB[c]
	}
	if out, next.outMap = split(out, next.outMap, sigA, sigB); out == nil {
		return nil, nil
	}

	next.in, next.out = in, out
	return next, nil
}

// outputMatrix evaluates f on every row of im. Row r of the result holds the
// output bits for row r of im.
func outputMatrix(f tracediff.Formula, inputs []tracediff.ValueID, im *BitMatrix) (*BitMatrix, error) {
	om := NewBitMatrix(im.Rows(), tracediff.Width)
	assignment := make(map[tracediff.ValueID]uint32, len(inputs))
	for r := 0; r < im.Rows(); r++ {
		for i, id := range inputs {
			assignment[id] = im.Word(r, i)
		}
		v, err := f.Evaluate(assignment)
		if err != nil {
			return nil, fmt.Errorf("varmap: evaluate: %w", err)
		}
		om.SetWord(r, 0, v)
	}
	return om, nil
}

// split refines every cell by signature. Cells that shrink to a single
// position on each side become mappings. Returns a nil list if any cell
// splits into groups of different sizes.
func split(cells *immutable.List, m *immutable.SortedMap, sigA, sigB map[int]int) (*immutable.List, *immutable.SortedMap) {
	out := immutable.NewList()
	for i := 0; i < cells.Len(); i++ {
		cell := cells.Get(i).(PartMap)

		groupsA, groupsB := make(map[int][]int), make(map[int][]int)
		for _, x := range cell.A.AppendTo(nil) {
			groupsA[sigA[x]] = append(groupsA[sigA[x]], x)
		}
		for _, x := range cell.B.AppendTo(nil) {
			groupsB[sigB[x]] = append(groupsB[sigB[x]], x)
		}
		if len(groupsA) != len(groupsB) {
			return nil, m
		}

		sigs := make([]int, 0, len(groupsA))
		for sig := range groupsA {
			sigs = append(sigs, sig)
		}
		sort.Ints(sigs)

		for _, sig := range sigs {
			a, b := groupsA[sig], groupsB[sig]
			if len(a) != len(b) {
				return nil, m
			} else if len(a) == 1 {
				m = m.Set(a[0], b[0])
				continue
			}
			out = out.Append(NewPartMap(a, b))
		}
	}
	return out, m
}

// sameMultiset returns true if a and b hold the same values in any order.
func sameMultiset(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	x, y := append([]int(nil), a...), append([]int(nil), b...)
	sort.Ints(x)
	sort.Ints(y)
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

// Verify returns true if fm relates a and b on rounds random inputs. Side B
// inputs are derived from side A inputs through fm.In and every output pair
// in fm.Out must agree.
func Verify(a, b tracediff.Formula, fm FullMap, rounds int, rng *rand.Rand) (bool, error) {
	inA, inB := a.Inputs(), b.Inputs()
	if len(inA) != len(inB) || len(fm.In) != tracediff.Width*len(inA) || len(fm.Out) != tracediff.Width {
		return false, nil
	}

	imA, imB := NewBitMatrix(1, len(fm.In)), NewBitMatrix(1, len(fm.In))
	for round := 0; round < rounds; round++ {
		for i := range inA {
			imA.SetWord(0, i, rng.Uint32())
		}
		for x, y := range fm.In {
			imB.Set(0, y, imA.Get(0, x))
		}

		omA, err := outputMatrix(a, inA, imA)
		if err != nil {
			return false, err
		}
		omB, err := outputMatrix(b, inB, imB)
		if err != nil {
			return false, err
		}
		for x, y := range fm.Out {
			if omA.Get(0, x) != omB.Get(0, y) {
				return false, nil
			}
		}
	}
	return true, nil
}
