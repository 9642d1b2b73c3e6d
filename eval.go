package tracediff

import (
	"fmt"
	"sort"
)

// Evaluate computes the value of id under assignment. The keys of
// assignment must be exactly the inputs of id.
func (a *Arena) Evaluate(id ValueID, assignment map[ValueID]uint32) (uint32, error) {
	reachable := a.reachable(id)

	// Verify key set matches input set.
	inputs := 0
	for _, vid := range reachable {
		v := a.Value(vid)
		if v.Op != nil || v.Kind != Symbol {
			continue
		}
		inputs++
		if _, ok := assignment[vid]; !ok {
			return 0, fmt.Errorf("%w: sym%d unassigned", ErrInputSetMismatch, vid)
		}
	}
	if len(assignment) != inputs {
		return 0, fmt.Errorf("%w: %d values assigned, formula has %d inputs", ErrInputSetMismatch, len(assignment), inputs)
	}

	// Arguments always precede their operation so ascending order is a
	// valid evaluation order.
	sort.Slice(reachable, func(i, j int) bool { return reachable[i] < reachable[j] })

	results := make(map[ValueID]uint32, len(reachable))
	for _, vid := range reachable {
		v := a.Value(vid)
		switch {
		case v.Op != nil:
			results[vid] = evalOp(v.Op, results)
		case v.Kind == Symbol:
			results[vid] = assignment[vid]
		default:
			results[vid] = v.n
		}
	}
	return results[id], nil
}

// evalOp applies op to already computed arguments.
func evalOp(op *Operation, results map[ValueID]uint32) uint32 {
	var x, y uint32
	x = results[op.Args[0]]
	if len(op.Args) > 1 {
		y = results[op.Args[1]]
	}

	switch op.Op {
	case OpAdd:
		return x + y
	case OpSub:
		return x - y
	case OpImul:
		return x * y
	case OpXor:
		return x ^ y
	case OpAnd:
		return x & y
	case OpOr:
		return x | y
	case OpShl:
		return x << (y & 31)
	case OpShr:
		return x >> (y & 31)
	case OpNeg:
		return ^x + 1
	case OpInc:
		return x + 1
	case OpDec:
		return x - 1
	case OpNot:
		return ^x
	default:
		panic(fmt.Sprintf("tracediff: cannot evaluate operation: %s", op.Op))
	}
}
