// Package cvc writes formulas and correspondence hypotheses as input for
// solvers accepting the CVC presentation language.
package cvc

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/benbjohnson/tracediff"
	"github.com/benbjohnson/tracediff/varmap"
	mapset "github.com/deckarep/golang-set/v2"
)

// Symbol suffixes distinguishing the two sides of a query.
const (
	SuffixA = "a"
	SuffixB = "b"
)

// Query is a solver input: variable declarations, assertions and the
// expression whose validity is queried.
type Query struct {
	Declarations []string
	Assertions   []string
	Query        string
}

// WriteTo writes the query in CVC presentation language.
func (q *Query) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	for _, decl := range q.Declarations {
		fmt.Fprintf(&buf, "%s;\n", decl)
	}
	buf.WriteString("\n")
	for _, assertion := range q.Assertions {
		fmt.Fprintf(&buf, "ASSERT(%s);\n", assertion)
	}
	fmt.Fprintf(&buf, "\nQUERY(\n%s);\n", q.Query)
	buf.WriteString("COUNTEREXAMPLE;\n")
	return buf.WriteTo(w)
}

// String returns the query text.
func (q *Query) String() string {
	var buf bytes.Buffer
	q.WriteTo(&buf)
	return buf.String()
}

// Formula returns f as a CVC bit-vector expression. Symbols are named
// "symN" followed by suffix. Operations used more than once are bound once
// with "LET tN = ... IN (" and referenced by name.
func Formula(f tracediff.Formula, suffix string) (string, error) {
	lets, expr, err := encode(f, suffix)
	if err != nil {
		return "", err
	}
	return strings.Join(lets, "") + expr + strings.Repeat(")", len(lets)), nil
}

// encode returns the shared bindings of f in ascending id order and the
// expression of its root.
func encode(f tracediff.Formula, suffix string) (lets []string, expr string, err error) {
	enc := &encoder{arena: f.Arena, suffix: suffix, shared: f.Arena.Shared(f.Root)}

	ids := enc.shared.ToSlice()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if err := enc.encodeOp(id); err != nil {
			return nil, "", err
		}
		lets = append(lets, fmt.Sprintf("LET %s = %s IN (\n", enc.name(id), enc.buf.String()))
		enc.buf.Reset()
	}

	if err := enc.encode(f.Root); err != nil {
		return nil, "", err
	}
	return lets, enc.buf.String(), nil
}

// EquivQuery returns a query asking whether a equals b when each input of a
// equals the input of b it is mapped to by m.
func EquivQuery(a, b tracediff.Formula, m map[tracediff.ValueID]tracediff.ValueID) (*Query, error) {
	var q Query
	for _, id := range a.Inputs() {
		q.Declarations = append(q.Declarations, fmt.Sprintf("sym%d%s: BV(%d)", id, SuffixA, tracediff.Width))
	}
	for _, id := range b.Inputs() {
		q.Declarations = append(q.Declarations, fmt.Sprintf("sym%d%s: BV(%d)", id, SuffixB, tracediff.Width))
	}

	keys := make([]tracediff.ValueID, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		q.Assertions = append(q.Assertions, fmt.Sprintf("sym%d%s = sym%d%s", k, SuffixA, m[k], SuffixB))
	}

	letsA, fa, err := encode(a, SuffixA)
	if err != nil {
		return nil, err
	}
	letsB, fb, err := encode(b, SuffixB)
	if err != nil {
		return nil, err
	}
	lets := append(letsA, letsB...)
	q.Query = strings.Join(lets, "") + fa + "\n=\n" + fb + strings.Repeat(")", len(lets))
	return &q, nil
}

// BitQuery returns a query asking whether every output bit pair of fm
// agrees whenever every input bit pair of fm agrees. Input symbols are
// rebuilt from single bit variables "bitNa" and "bitNb".
func BitQuery(a, b tracediff.Formula, fm varmap.FullMap) (*Query, error) {
	inA, inB := a.Inputs(), b.Inputs()

	var q Query
	for i := 0; i < tracediff.Width*len(inA); i++ {
		q.Declarations = append(q.Declarations, fmt.Sprintf("bit%d%s: BV(1)", i, SuffixA))
	}
	for i := 0; i < tracediff.Width*len(inB); i++ {
		q.Declarations = append(q.Declarations, fmt.Sprintf("bit%d%s: BV(1)", i, SuffixB))
	}
	for _, x := range fm.In.Keys() {
		q.Assertions = append(q.Assertions, fmt.Sprintf("bit%d%s = bit%d%s", x, SuffixA, fm.In[x], SuffixB))
	}

	letsA, fa, err := encode(a, SuffixA)
	if err != nil {
		return nil, err
	}
	letsB, fb, err := encode(b, SuffixB)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	writeLets(&buf, inA, SuffixA)
	writeLets(&buf, inB, SuffixB)
	for _, let := range append(letsA, letsB...) {
		buf.WriteString(let)
	}
	fmt.Fprintf(&buf, "LET out1 = %s IN (\n", fa)
	fmt.Fprintf(&buf, "LET out2 = %s IN (\n", fb)

	var goals []string
	for _, x := range fm.Out.Keys() {
		y := fm.Out[x]
		goals = append(goals, fmt.Sprintf("out1[%d:%d] = out2[%d:%d]", x, x, y, y))
	}
	if len(goals) == 0 {
		goals = append(goals, "TRUE")
	}
	buf.WriteString(strings.Join(goals, " AND\n"))
	buf.WriteString("\n")
	buf.WriteString(strings.Repeat(")", len(inA)+len(inB)+len(letsA)+len(letsB)+2))

	q.Query = buf.String()
	return &q, nil
}

// writeLets binds each input symbol to the concatenation of its bits, most
// significant first.
func writeLets(buf *bytes.Buffer, inputs []tracediff.ValueID, suffix string) {
	for i, id := range inputs {
		fmt.Fprintf(buf, "LET sym%d%s = ", id, suffix)
		for j := tracediff.Width - 1; j >= 0; j-- {
			fmt.Fprintf(buf, "bit%d%s", i*tracediff.Width+j, suffix)
			if j > 0 {
				buf.WriteString("@")
			}
		}
		buf.WriteString(" IN (\n")
	}
}

// encoder writes a value graph as a single expression.
type encoder struct {
	arena  *tracediff.Arena
	suffix string
	shared mapset.Set[tracediff.ValueID]
	buf    bytes.Buffer
}

// name returns the binding name of a shared operation.
func (enc *encoder) name(id tracediff.ValueID) string {
	return fmt.Sprintf("t%d%s", id, enc.suffix)
}

func (enc *encoder) encode(id tracediff.ValueID) error {
	if enc.shared.Contains(id) {
		enc.buf.WriteString(enc.name(id))
		return nil
	}
	return enc.encodeOp(id)
}

// encodeOp writes the expression of id. Arguments that are shared are
// written by name.
func (enc *encoder) encodeOp(id tracediff.ValueID) error {
	v := enc.arena.Value(id)
	if v.Op == nil {
		if v.Kind == tracediff.Concrete {
			fmt.Fprintf(&enc.buf, "0hex%08x", v.Uint32())
		} else {
			fmt.Fprintf(&enc.buf, "sym%d%s", v.ID, enc.suffix)
		}
		return nil
	}

	args := v.Op.Args
	switch v.Op.Op {
	case tracediff.OpAdd:
		return enc.call("BVPLUS(32, ", args[0], args[1], ")")
	case tracediff.OpSub:
		return enc.call("BVSUB(32, ", args[0], args[1], ")")
	case tracediff.OpImul:
		return enc.call("BVMULT(32, ", args[0], args[1], ")")
	case tracediff.OpXor:
		return enc.call("BVXOR(", args[0], args[1], ")")
	case tracediff.OpAnd:
		return enc.infix(args[0], " & ", args[1])
	case tracediff.OpOr:
		return enc.infix(args[0], " | ", args[1])
	case tracediff.OpShl:
		return enc.encodeShift(args[0], args[1], "<<", "BVSHL")
	case tracediff.OpShr:
		return enc.encodeShift(args[0], args[1], ">>", "BVLSHR")
	case tracediff.OpNeg:
		return enc.unary("BVPLUS(32, ~", args[0], ", 0hex00000001)")
	case tracediff.OpInc:
		return enc.unary("BVPLUS(32, ", args[0], ", 0hex00000001)")
	case tracediff.OpDec:
		return enc.unary("BVSUB(32, ", args[0], ", 0hex00000001)")
	case tracediff.OpNot:
		return enc.unary("(~", args[0], ")")
	default:
		return fmt.Errorf("cvc: operation not supported: %s", v.Op.Op)
	}
}

func (enc *encoder) call(prefix string, x, y tracediff.ValueID, suffix string) error {
	enc.buf.WriteString(prefix)
	if err := enc.encode(x); err != nil {
		return err
	}
	enc.buf.WriteString(", ")
	if err := enc.encode(y); err != nil {
		return err
	}
	enc.buf.WriteString(suffix)
	return nil
}

func (enc *encoder) infix(x tracediff.ValueID, op string, y tracediff.ValueID) error {
	enc.buf.WriteString("(")
	if err := enc.encode(x); err != nil {
		return err
	}
	enc.buf.WriteString(op)
	if err := enc.encode(y); err != nil {
		return err
	}
	enc.buf.WriteString(")")
	return nil
}

func (enc *encoder) unary(prefix string, x tracediff.ValueID, suffix string) error {
	enc.buf.WriteString(prefix)
	if err := enc.encode(x); err != nil {
		return err
	}
	enc.buf.WriteString(suffix)
	return nil
}

// encodeShift uses the native shift operator for constant amounts. The
// amount is masked to five bits to match x86 semantics.
func (enc *encoder) encodeShift(x, y tracediff.ValueID, op, fn string) error {
	if v := enc.arena.Value(y); v.Op == nil && v.Kind == tracediff.Concrete {
		n := v.Uint32() & 31
		if op == "<<" {
			return enc.unary("((", x, fmt.Sprintf(" << %d)[31:0])", n))
		}
		return enc.unary("(", x, fmt.Sprintf(" >> %d)", n))
	}

	enc.buf.WriteString(fn + "(")
	if err := enc.encode(x); err != nil {
		return err
	}
	enc.buf.WriteString(", ")
	if err := enc.encode(y); err != nil {
		return err
	}
	enc.buf.WriteString(" & 0hex0000001f)")
	return nil
}
