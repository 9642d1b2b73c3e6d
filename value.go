package tracediff

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

// ValueID references a value within an Arena. The zero ID is never assigned.
type ValueID int

// Kind tags a value as a free symbol or a concrete constant.
type Kind uint8

const (
	Symbol Kind = iota + 1
	Concrete
)

// String returns the name of the kind.
func (k Kind) String() string {
	switch k {
	case Symbol:
		return "symbol"
	case Concrete:
		return "concrete"
	default:
		return fmt.Sprintf("Kind<%d>", k)
	}
}

// Op represents an operation supported by the engine.
type Op int

const (
	OpInvalid = Op(iota)

	binary_op_begin
	OpAdd
	OpSub
	OpImul
	OpXor
	OpAnd
	OpOr
	OpShl
	OpShr
	binary_op_end

	unary_op_begin
	OpNeg
	OpInc
	OpDec
	OpNot
	unary_op_end
)

var ops = [...]string{
	OpAdd:  "add",
	OpSub:  "sub",
	OpImul: "imul",
	OpXor:  "xor",
	OpAnd:  "and",
	OpOr:   "or",
	OpShl:  "shl",
	OpShr:  "shr",
	OpNeg:  "neg",
	OpInc:  "inc",
	OpDec:  "dec",
	OpNot:  "not",
}

// String returns the mnemonic of the operation.
func (op Op) String() string {
	if op >= 0 && op < Op(len(ops)) && ops[op] != "" {
		return ops[op]
	}
	return fmt.Sprintf("Op<%d>", op)
}

// IsBinary returns true if op takes two arguments.
func (op Op) IsBinary() bool { return op > binary_op_begin && op < binary_op_end }

// IsUnary returns true if op takes one argument.
func (op Op) IsUnary() bool { return op > unary_op_begin && op < unary_op_end }

// Arity returns the number of arguments op takes.
func (op Op) Arity() int {
	switch {
	case op.IsBinary():
		return 2
	case op.IsUnary():
		return 1
	default:
		return 0
	}
}

// ParseOp returns the operation for an instruction mnemonic.
func ParseOp(mnemonic string) (Op, bool) {
	for i, s := range ops {
		if s != "" && s == mnemonic {
			return Op(i), true
		}
	}
	return OpInvalid, false
}

// Operation is the structural record of how a value was produced.
type Operation struct {
	Op   Op
	Args []ValueID
}

// Value is a node in the expression graph. A value without an operation is
// a leaf: either a free input symbol or a literal.
type Value struct {
	ID      ValueID
	Kind    Kind
	Literal string // concrete values only
	Op      *Operation

	n uint32 // parsed literal
}

// IsSymbol returns true if the value depends on a free symbol.
func (v *Value) IsSymbol() bool { return v.Kind == Symbol }

// IsLeaf returns true if the value has no producing operation.
func (v *Value) IsLeaf() bool { return v.Op == nil }

// Uint32 returns the parsed literal of a concrete leaf.
func (v *Value) Uint32() uint32 { return v.n }

// Arena owns every value created during one symbolic execution. Values only
// reference values created before them so the graph is acyclic.
type Arena struct {
	values []Value
}

// NewArena returns an empty arena.
func NewArena() *Arena {
	return &Arena{values: make([]Value, 1)}
}

// Len returns the number of values in the arena.
func (a *Arena) Len() int { return len(a.values) - 1 }

// Value returns the value for id.
func (a *Arena) Value(id ValueID) *Value {
	assert(id > 0 && int(id) < len(a.values), "invalid value id: %d", id)
	return &a.values[id]
}

// NewSymbol allocates a fresh free symbol.
func (a *Arena) NewSymbol() ValueID {
	id := ValueID(len(a.values))
	a.values = append(a.values, Value{ID: id, Kind: Symbol})
	return id
}

// NewConcrete allocates a literal value from its hex text.
func (a *Arena) NewConcrete(lit string) (ValueID, error) {
	n, err := ParseLiteral(lit)
	if err != nil {
		return 0, err
	}
	id := ValueID(len(a.values))
	a.values = append(a.values, Value{ID: id, Kind: Concrete, Literal: lit, n: n})
	return id, nil
}

// NewConst allocates a literal value for n.
func (a *Arena) NewConst(n uint32) ValueID {
	id := ValueID(len(a.values))
	a.values = append(a.values, Value{ID: id, Kind: Concrete, Literal: fmt.Sprintf("0x%x", n), n: n})
	return id
}

// NewOp allocates the result of applying op to args. The result is a symbol
// if any argument is a symbol.
func (a *Arena) NewOp(op Op, args ...ValueID) ValueID {
	assert(len(args) == op.Arity(), "%s: expected %d args, got %d", op, op.Arity(), len(args))

	id := ValueID(len(a.values))
	kind := Concrete
	for _, arg := range args {
		assert(arg > 0 && arg < id, "invalid argument id: %d", arg)
		if a.values[arg].Kind == Symbol {
			kind = Symbol
		}
	}
	a.values = append(a.values, Value{
		ID:   id,
		Kind: kind,
		Op:   &Operation{Op: op, Args: append([]ValueID(nil), args...)},
	})
	return id
}

// Name returns "symN" for values that depend on symbols and the literal
// text for leaf constants.
func (a *Arena) Name(id ValueID) string {
	v := a.Value(id)
	if v.Kind == Concrete && v.Op == nil {
		return v.Literal
	}
	return fmt.Sprintf("sym%d", v.ID)
}

// Format returns the prefix form of the formula rooted at id, such as
// "(add sym1 0x3)". An operation used more than once is labeled at its
// first occurrence, as in "sym2=(add sym1 sym1)", and named afterward.
func (a *Arena) Format(id ValueID) string {
	var buf bytes.Buffer
	a.format(&buf, id, a.Shared(id), mapset.NewThreadUnsafeSet[ValueID]())
	return buf.String()
}

func (a *Arena) format(buf *bytes.Buffer, id ValueID, shared, seen mapset.Set[ValueID]) {
	v := a.Value(id)
	if v.Op == nil {
		if v.Kind == Concrete {
			buf.WriteString(v.Literal)
		} else {
			fmt.Fprintf(buf, "sym%d", v.ID)
		}
		return
	}

	if shared.Contains(id) {
		if !seen.Add(id) {
			fmt.Fprintf(buf, "sym%d", v.ID)
			return
		}
		fmt.Fprintf(buf, "sym%d=", v.ID)
	}

	fmt.Fprintf(buf, "(%s", v.Op.Op)
	for _, arg := range v.Op.Args {
		buf.WriteByte(' ')
		a.format(buf, arg, shared, seen)
	}
	buf.WriteByte(')')
}

// Shared returns the operations reachable from id that are an argument of
// more than one operation, or the same argument twice.
func (a *Arena) Shared(id ValueID) mapset.Set[ValueID] {
	refs := make(map[ValueID]int)
	shared := mapset.NewThreadUnsafeSet[ValueID]()
	for _, vid := range a.reachable(id) {
		v := a.Value(vid)
		if v.Op == nil {
			continue
		}
		for _, arg := range v.Op.Args {
			if refs[arg]++; refs[arg] > 1 && a.Value(arg).Op != nil {
				shared.Add(arg)
			}
		}
	}
	return shared
}

// Inputs returns the set of free symbols reachable from id. Shared
// sub-graphs are visited once.
func (a *Arena) Inputs(id ValueID) mapset.Set[ValueID] {
	inputs := mapset.NewThreadUnsafeSet[ValueID]()
	for _, vid := range a.reachable(id) {
		if v := a.Value(vid); v.Op == nil && v.Kind == Symbol {
			inputs.Add(vid)
		}
	}
	return inputs
}

// InputVector returns the inputs of id sorted by id.
func (a *Arena) InputVector(id ValueID) []ValueID {
	inputs := a.Inputs(id).ToSlice()
	sort.Slice(inputs, func(i, j int) bool { return inputs[i] < inputs[j] })
	return inputs
}

// reachable returns every value reachable from id in breadth-first order.
func (a *Arena) reachable(id ValueID) []ValueID {
	visited := mapset.NewThreadUnsafeSet[ValueID](id)
	queue := []ValueID{id}
	for i := 0; i < len(queue); i++ {
		v := a.Value(queue[i])
		if v.Op == nil {
			continue
		}
		for _, arg := range v.Op.Args {
			if visited.Add(arg) {
				queue = append(queue, arg)
			}
		}
	}
	return queue
}

// ParseLiteral parses a hexadecimal literal with an optional "0x" prefix
// and an optional sign. Negative values wrap to 32 bits.
func ParseLiteral(s string) (uint32, error) {
	text := strings.TrimSpace(s)
	neg := false
	if strings.HasPrefix(text, "-") {
		neg, text = true, text[1:]
	} else if strings.HasPrefix(text, "+") {
		text = text[1:]
	}
	text = strings.TrimPrefix(strings.TrimPrefix(text, "0x"), "0X")
	if text == "" {
		return 0, fmt.Errorf("%w: %q", ErrInvalidLiteral, s)
	}

	n, err := strconv.ParseUint(text, 16, 64)
	if err != nil || n > 1<<32-1 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidLiteral, s)
	}
	if neg {
		return -uint32(n), nil
	}
	return uint32(n), nil
}

// Formula is a value designated as a computation's output together with the
// arena holding its graph.
type Formula struct {
	Arena *Arena
	Root  ValueID
}

// NewFormula returns a formula rooted at id.
func NewFormula(a *Arena, id ValueID) Formula { return Formula{Arena: a, Root: id} }

// Inputs returns the formula's input vector sorted by id.
func (f Formula) Inputs() []ValueID { return f.Arena.InputVector(f.Root) }

// Evaluate computes the formula under assignment.
func (f Formula) Evaluate(assignment map[ValueID]uint32) (uint32, error) {
	return f.Arena.Evaluate(f.Root, assignment)
}

// String returns the prefix form of the formula.
func (f Formula) String() string { return f.Arena.Format(f.Root) }
