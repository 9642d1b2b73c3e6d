// Package loop detects loops in an instruction trace by looking for backward
// branches that fall straight into their own target.
package loop

import (
	"io"
	"log"

	"github.com/benbjohnson/tracediff"
	"github.com/benbjohnson/tracediff/trace"
)

// Default detector limits.
const (
	DefaultMaxBodyLength   = 0xffff
	DefaultMaxJumpDistance = 0x10000
)

// Body is one traversal of a loop. It covers trace records [Begin, End)
// where Begin is the header and End is the index of the back edge.
type Body struct {
	Begin int
	End   int
}

// Len returns the number of records in the body.
func (b Body) Len() int { return b.End - b.Begin }

// Loop is a loop keyed by its header address.
type Loop struct {
	Target uint32

	// Valid bodies in trace order.
	Bodies []Body

	// First body of each distinct opcode sequence.
	Instances []Body
}

// Stats reports what the last detection pass found and discarded.
type Stats struct {
	BackEdges     int // candidate bodies
	InvalidBodies int // header not found within MaxBodyLength
	EmptyLoops    int // loops left with no valid body
}

// Detector finds loops in a trace.
type Detector struct {
	stats Stats

	// Number of records, including the back edge, scanned backward for
	// the loop header.
	MaxBodyLength int

	// A back edge must jump backward by less than this many bytes.
	MaxJumpDistance uint32
}

// NewDetector returns a detector with default limits.
func NewDetector() *Detector {
	return &Detector{
		MaxBodyLength:   DefaultMaxBodyLength,
		MaxJumpDistance: DefaultMaxJumpDistance,
	}
}

// Stats returns statistics for the last call to Detect.
func (d *Detector) Stats() Stats { return d.stats }

// Detect returns every loop with at least one valid body, in order of the
// first back edge to each header.
func (d *Detector) Detect(insts []tracediff.Inst) []*Loop {
	d.stats = Stats{}

	// Group back edges by target.
	var loops []*Loop
	var ends [][]int
	byTarget := make(map[uint32]int)
	for i := range insts {
		target, ok := d.backEdge(insts, i)
		if !ok {
			continue
		}
		d.stats.BackEdges++

		j, ok := byTarget[target]
		if !ok {
			j = len(loops)
			byTarget[target] = j
			loops = append(loops, &Loop{Target: target})
			ends = append(ends, nil)
		}
		ends[j] = append(ends[j], i)
	}

	// Recover each body's header, drop invalid bodies & empty loops.
	var a []*Loop
	for i, lp := range loops {
		for _, end := range ends[i] {
			begin, ok := d.header(insts, end, lp.Target)
			if !ok {
				d.stats.InvalidBodies++
				log.Printf("[loop] no header %x within %d records of #%d", lp.Target, d.MaxBodyLength, end)
				continue
			}
			lp.Bodies = append(lp.Bodies, Body{Begin: begin, End: end})
		}
		if len(lp.Bodies) == 0 {
			d.stats.EmptyLoops++
			continue
		}

		lp.Instances = dedup(insts, lp.Bodies)
		log.Printf("[loop] %x: %d bodies, %d instances", lp.Target, len(lp.Bodies), len(lp.Instances))
		a = append(a, lp)
	}
	return a
}

// backEdge returns the target of the record at i if it is a backward jump
// that lands on its target on the very next record.
func (d *Detector) backEdge(insts []tracediff.Inst, i int) (uint32, bool) {
	inst := &insts[i]
	if !tracediff.IsJump(inst.Mnemonic) || len(inst.Operands) == 0 || i+1 >= len(insts) {
		return 0, false
	}

	op := &inst.Operands[0]
	if op.Type != tracediff.Immediate {
		return 0, false
	}
	target, err := tracediff.ParseLiteral(op.Fields[0])
	if err != nil {
		return 0, false
	}

	if target >= inst.AddrN || inst.AddrN-target >= d.MaxJumpDistance {
		return 0, false
	} else if insts[i+1].AddrN != target {
		return 0, false
	}
	return target, true
}

// header scans backward from end for a record at target.
func (d *Detector) header(insts []tracediff.Inst, end int, target uint32) (int, bool) {
	for n := 0; n < d.MaxBodyLength && end-n >= 0; n++ {
		if insts[end-n].AddrN == target {
			return end - n, true
		}
	}
	return 0, false
}

// dedup returns the first body of each distinct opcode sequence.
func dedup(insts []tracediff.Inst, bodies []Body) []Body {
	var instances []Body
	for _, b := range bodies {
		found := false
		for _, other := range instances {
			if Equal(insts, b, other) {
				found = true
				break
			}
		}
		if !found {
			instances = append(instances, b)
		}
	}
	return instances
}

// Equal returns true if a and b have the same length and the same opcode at
// every position. Operand text is ignored.
func Equal(insts []tracediff.Inst, a, b Body) bool {
	if a.Len() != b.Len() {
		return false
	}
	for i := 0; i < a.Len(); i++ {
		x, y := &insts[a.Begin+i], &insts[b.Begin+i]
		if x.Opc != 0 && y.Opc != 0 {
			if x.Opc != y.Opc {
				return false
			}
		} else if x.Mnemonic != y.Mnemonic {
			return false
		}
	}
	return true
}

// WriteInstance writes the records of b to w in trace format.
func WriteInstance(w io.Writer, insts []tracediff.Inst, b Body) error {
	tw := trace.NewWriter(w)
	for i := b.Begin; i < b.End; i++ {
		if err := tw.Write(&insts[i]); err != nil {
			return err
		}
	}
	return tw.Flush()
}

// Run is a sequence of bodies of one loop that directly follow each other,
// i.e. one execution of the loop over several iterations.
type Run struct {
	Target uint32
	Bodies []Body
}

// Runs splits the bodies of each loop into runs. A body continues the
// current run when it begins right after the previous back edge.
func Runs(loops []*Loop) []Run {
	var runs []Run
	for _, lp := range loops {
		for i, b := range lp.Bodies {
			if i == 0 || b.Begin != lp.Bodies[i-1].End+1 {
				runs = append(runs, Run{Target: lp.Target})
			}
			run := &runs[len(runs)-1]
			run.Bodies = append(run.Bodies, b)
		}
	}
	return runs
}

// IndirectJumps returns the indices of jumps whose target is not an
// immediate.
func IndirectJumps(insts []tracediff.Inst) []int {
	var a []int
	for i := range insts {
		inst := &insts[i]
		if !tracediff.IsJump(inst.Mnemonic) {
			continue
		}
		if len(inst.Operands) == 0 || inst.Operands[0].Type != tracediff.Immediate {
			a = append(a, i)
		}
	}
	return a
}
