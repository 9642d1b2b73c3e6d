package tracediff

import (
	"errors"
	"fmt"
	"log"

	"github.com/benbjohnson/immutable"
	mapset "github.com/deckarep/golang-set/v2"
)

// InstHandler interprets a single instruction against the engine state.
type InstHandler func(e *Engine, index int, inst *Inst) error

// noEffect lists mnemonics that do not change symbolic state. Jumps are
// checked separately.
var noEffect = map[string]struct{}{
	"test": {},
	"cmp":  {},
	"nop":  {},
}

// Engine replays a range of trace records over a symbolic machine.
type Engine struct {
	insts      []Inst
	start, end int
	ready      bool

	regs        [NumRegs]ValueID
	mem         *immutable.SortedMap // uint32 address -> ValueID
	handlers    map[string]InstHandler
	diagnostics []*InstError

	// Arena holds every value built by this engine.
	Arena *Arena

	// If true, malformed operands are recorded and skipped instead of
	// aborting the run.
	SkipMalformed bool
}

// NewEngine returns a new engine over insts. Init must be called before Run.
func NewEngine(insts []Inst) *Engine {
	e := &Engine{
		insts:    insts,
		mem:      immutable.NewSortedMap(&uint32Comparer{}),
		handlers: make(map[string]InstHandler),
		Arena:    NewArena(),
	}

	// Default registrations.
	e.Register("push", execPush)
	e.Register("pop", execPop)
	e.Register("neg", execUnary(OpNeg))
	e.Register("inc", execUnary(OpInc))
	e.Register("dec", execUnary(OpDec))
	e.Register("not", execUnary(OpNot))
	e.Register("mov", execMov)
	e.Register("lea", execLea)
	e.Register("xchg", execXchg)
	e.Register("imul", execImul)
	for _, op := range []Op{OpAdd, OpSub, OpXor, OpAnd, OpOr, OpShl, OpShr} {
		e.Register(op.String(), execBinary(op))
	}

	return e
}

// Register sets the handler for a mnemonic.
func (e *Engine) Register(mnemonic string, h InstHandler) {
	e.handlers[mnemonic] = h
}

// Init prepares the engine to execute records [start, end). If regs is
// empty then every register starts as a fresh symbol. Otherwise exactly
// NumRegs values from e.Arena must be given in register order.
func (e *Engine) Init(start, end int, regs ...ValueID) error {
	if start < 0 || end > len(e.insts) || start > end {
		return fmt.Errorf("%w: [%d, %d) of %d records", ErrInvalidRange, start, end, len(e.insts))
	}

	switch len(regs) {
	case 0:
		for r := range e.regs {
			e.regs[r] = e.Arena.NewSymbol()
		}
	case NumRegs:
		for r, id := range regs {
			if id <= 0 || int(id) > e.Arena.Len() {
				return fmt.Errorf("tracediff: initial %s value not in arena: %d", Reg(r), id)
			}
			e.regs[r] = id
		}
	default:
		return fmt.Errorf("tracediff: expected %d initial register values, got %d", NumRegs, len(regs))
	}

	e.start, e.end = start, end
	e.mem = immutable.NewSortedMap(&uint32Comparer{})
	e.diagnostics = nil
	e.ready = true
	return nil
}

// Run interprets every record in the range. Unhandled instructions and
// unresolved addressing modes are logged and skipped. A malformed operand
// aborts the run unless SkipMalformed is set.
func (e *Engine) Run() error {
	if !e.ready {
		return fmt.Errorf("%w: engine not initialized", ErrInvalidRange)
	}

	for i := e.start; i < e.end; i++ {
		inst := &e.insts[i]
		if IsJump(inst.Mnemonic) {
			continue
		} else if _, ok := noEffect[inst.Mnemonic]; ok {
			continue
		}

		var err error
		if h := e.handlers[inst.Mnemonic]; h == nil {
			err = e.errorf(ErrUnhandledInstruction, i, "no handler for %q", inst.Mnemonic)
		} else {
			err = h(e, i, inst)
		}
		if err == nil {
			continue
		}

		var ie *InstError
		if !errors.As(err, &ie) {
			return err
		}
		e.diagnostics = append(e.diagnostics, ie)
		log.Printf("[%s] %s", diagnosticTag(ie.Err), ie)

		if errors.Is(ie, ErrMalformedOperand) && !e.SkipMalformed {
			return ie
		}
	}
	return nil
}

// Diagnostics returns every condition recorded by the last run.
func (e *Engine) Diagnostics() []*InstError { return e.diagnostics }

// Output returns the value currently held by r.
func (e *Engine) Output(r Reg) ValueID { return e.regs[r] }

// Formula returns the formula currently held by r.
func (e *Engine) Formula(r Reg) Formula { return NewFormula(e.Arena, e.regs[r]) }

// Cell is a memory cell and the value last written to it.
type Cell struct {
	Addr  uint32
	Value ValueID
}

// Memory returns every memory cell by ascending address, including cells
// that were only read.
func (e *Engine) Memory() []Cell {
	var cells []Cell
	itr := e.mem.Iterator()
	for {
		k, v := itr.Next()
		if k == nil {
			return cells
		}
		cells = append(cells, Cell{Addr: k.(uint32), Value: v.(ValueID)})
	}
}

// MemoryValue returns the value held at addr, if any.
func (e *Engine) MemoryValue(addr uint32) (ValueID, bool) {
	if v, ok := e.mem.Get(addr); ok {
		return v.(ValueID), true
	}
	return 0, false
}

// Output is a named engine output.
type Output struct {
	Name  string // register name or "mem[0x...]"
	Value ValueID
}

// Outputs returns every register and memory cell holding a computed value.
// Registers come first in register order, then memory by ascending address.
func (e *Engine) Outputs() []Output {
	var outputs []Output
	for r, id := range e.regs {
		if e.Arena.Value(id).Op != nil {
			outputs = append(outputs, Output{Name: Reg(r).String(), Value: id})
		}
	}
	for _, cell := range e.Memory() {
		if e.Arena.Value(cell.Value).Op != nil {
			outputs = append(outputs, Output{Name: fmt.Sprintf("mem[0x%x]", cell.Addr), Value: cell.Value})
		}
	}
	return outputs
}

// AllSymbolicOutputs returns the distinct values of Outputs in order.
func (e *Engine) AllSymbolicOutputs() []ValueID {
	seen := mapset.NewThreadUnsafeSet[ValueID]()
	var a []ValueID
	for _, output := range e.Outputs() {
		if seen.Add(output.Value) {
			a = append(a, output.Value)
		}
	}
	return a
}

// InputsOf returns the free symbols v depends on.
func (e *Engine) InputsOf(v ValueID) mapset.Set[ValueID] { return e.Arena.Inputs(v) }

// Evaluate computes v under assignment. See Arena.Evaluate.
func (e *Engine) Evaluate(v ValueID, assignment map[ValueID]uint32) (uint32, error) {
	return e.Arena.Evaluate(v, assignment)
}

// load returns the value at addr, allocating a fresh symbol for cells that
// were never seen.
func (e *Engine) load(addr uint32) ValueID {
	if v, ok := e.mem.Get(addr); ok {
		return v.(ValueID)
	}
	id := e.Arena.NewSymbol()
	e.mem = e.mem.Set(addr, id)
	return id
}

// store writes v at addr.
func (e *Engine) store(addr uint32, v ValueID) {
	e.mem = e.mem.Set(addr, v)
}

// reg returns the register named by a register operand.
func (e *Engine) reg(index int, op *Operand) (Reg, error) {
	r, ok := ParseReg(op.Fields[0])
	if !ok {
		return 0, e.errorf(ErrUnhandledInstruction, index, "unsupported register %q", op.Fields[0])
	}
	return r, nil
}

// read resolves an operand to a value. Memory operands are resolved through
// the record's memory address.
func (e *Engine) read(index int, inst *Inst, op *Operand) (ValueID, error) {
	switch op.Type {
	case Immediate:
		id, err := e.Arena.NewConcrete(op.Fields[0])
		if err != nil {
			return 0, e.errorf(ErrMalformedOperand, index, "%s", err)
		}
		return id, nil
	case Register:
		r, err := e.reg(index, op)
		if err != nil {
			return 0, err
		}
		return e.regs[r], nil
	case Memory:
		return e.load(inst.MemAddr), nil
	default:
		return 0, e.errorf(ErrMalformedOperand, index, "operand is not imm, reg or mem")
	}
}

// write stores v into a register or memory operand.
func (e *Engine) write(index int, inst *Inst, op *Operand, v ValueID) error {
	switch op.Type {
	case Register:
		r, err := e.reg(index, op)
		if err != nil {
			return err
		}
		e.regs[r] = v
		return nil
	case Memory:
		e.store(inst.MemAddr, v)
		return nil
	default:
		return e.errorf(ErrMalformedOperand, index, "destination is not reg or mem")
	}
}

// errorf returns an InstError for the record at index.
func (e *Engine) errorf(err error, index int, format string, args ...interface{}) *InstError {
	inst := &e.insts[index]
	return &InstError{
		Err:      err,
		Index:    index,
		Addr:     inst.AddrN,
		Assembly: inst.Assembly,
		Reason:   fmt.Sprintf(format, args...),
	}
}

func diagnosticTag(err error) string {
	switch err {
	case ErrMalformedOperand:
		return "malformed"
	case ErrUnresolvedAddressingMode:
		return "addrmode"
	default:
		return "unhandled"
	}
}

func execPush(e *Engine, index int, inst *Inst) error {
	if len(inst.Operands) != 1 {
		return e.errorf(ErrUnhandledInstruction, index, "push with %d operands", len(inst.Operands))
	}

	op := &inst.Operands[0]
	switch op.Type {
	case Immediate, Register:
		v, err := e.read(index, inst, op)
		if err != nil {
			return err
		}
		e.store(inst.MemAddr, v)
		return nil
	case Memory:
		// The recorded address is the read address. The write lands below
		// the stack pointer sampled before the push.
		v := e.load(inst.MemAddr)
		e.store(inst.Reg(ESP)-4, v)
		return nil
	default:
		return e.errorf(ErrMalformedOperand, index, "push operand is not imm, reg or mem")
	}
}

func execPop(e *Engine, index int, inst *Inst) error {
	if len(inst.Operands) != 1 {
		return e.errorf(ErrUnhandledInstruction, index, "pop with %d operands", len(inst.Operands))
	}

	op := &inst.Operands[0]
	if op.Type != Register {
		return e.errorf(ErrMalformedOperand, index, "pop operand is not reg")
	}
	return e.write(index, inst, op, e.load(inst.MemAddr))
}

func execUnary(opc Op) InstHandler {
	return func(e *Engine, index int, inst *Inst) error {
		if len(inst.Operands) != 1 {
			return e.errorf(ErrUnhandledInstruction, index, "%s with %d operands", opc, len(inst.Operands))
		}

		op := &inst.Operands[0]
		switch {
		case op.Type == Register:
		case op.Type == Memory && opc != OpNeg:
		default:
			return e.errorf(ErrMalformedOperand, index, "%s operand is not reg", opc)
		}

		v, err := e.read(index, inst, op)
		if err != nil {
			return err
		}
		return e.write(index, inst, op, e.Arena.NewOp(opc, v))
	}
}

func execMov(e *Engine, index int, inst *Inst) error {
	if len(inst.Operands) != 2 {
		return e.errorf(ErrUnhandledInstruction, index, "mov with %d operands", len(inst.Operands))
	}

	dst, src := &inst.Operands[0], &inst.Operands[1]
	switch {
	case dst.Type == Register:
	case dst.Type == Memory && (src.Type == Immediate || src.Type == Register):
	default:
		return e.errorf(ErrMalformedOperand, index, "mov %s, %s", dst.Type, src.Type)
	}

	v, err := e.read(index, inst, src)
	if err != nil {
		return err
	}
	return e.write(index, inst, dst, v)
}

func execLea(e *Engine, index int, inst *Inst) error {
	if len(inst.Operands) != 2 {
		return e.errorf(ErrUnhandledInstruction, index, "lea with %d operands", len(inst.Operands))
	}

	dst, src := &inst.Operands[0], &inst.Operands[1]
	if dst.Type != Register || src.Type != Memory {
		return e.errorf(ErrMalformedOperand, index, "lea %s, %s", dst.Type, src.Type)
	}

	switch src.Mode {
	case AddrBaseIndexScale:
		base, ok := ParseReg(src.Fields[0])
		if !ok {
			return e.errorf(ErrUnhandledInstruction, index, "unsupported register %q", src.Fields[0])
		}
		idx, ok := ParseReg(src.Fields[1])
		if !ok {
			return e.errorf(ErrUnhandledInstruction, index, "unsupported register %q", src.Fields[1])
		}
		scale, err := e.Arena.NewConcrete(src.Fields[2])
		if err != nil {
			return e.errorf(ErrMalformedOperand, index, "%s", err)
		}

		v := e.Arena.NewOp(OpImul, e.regs[idx], scale)
		v = e.Arena.NewOp(OpAdd, e.regs[base], v)
		return e.write(index, inst, dst, v)

	default:
		return e.errorf(ErrUnresolvedAddressingMode, index, "lea addressing mode %d", src.Mode)
	}
}

func execXchg(e *Engine, index int, inst *Inst) error {
	if len(inst.Operands) != 2 {
		return e.errorf(ErrUnhandledInstruction, index, "xchg with %d operands", len(inst.Operands))
	}

	x, y := &inst.Operands[0], &inst.Operands[1]
	switch {
	case x.Type == Register && y.Type == Register:
	case x.Type == Register && y.Type == Memory:
	case x.Type == Memory && y.Type == Register:
	default:
		return e.errorf(ErrMalformedOperand, index, "xchg %s, %s", x.Type, y.Type)
	}

	vx, err := e.read(index, inst, x)
	if err != nil {
		return err
	}
	vy, err := e.read(index, inst, y)
	if err != nil {
		return err
	}
	if err := e.write(index, inst, x, vy); err != nil {
		return err
	}
	return e.write(index, inst, y, vx)
}

func execImul(e *Engine, index int, inst *Inst) error {
	switch len(inst.Operands) {
	case 2:
		return execBinary(OpImul)(e, index, inst)
	case 3:
		dst, src, imm := &inst.Operands[0], &inst.Operands[1], &inst.Operands[2]
		if dst.Type != Register || src.Type != Register || imm.Type != Immediate {
			return e.errorf(ErrUnhandledInstruction, index, "imul %s, %s, %s", dst.Type, src.Type, imm.Type)
		}

		v1, err := e.read(index, inst, src)
		if err != nil {
			return err
		}
		v2, err := e.read(index, inst, imm)
		if err != nil {
			return err
		}
		return e.write(index, inst, dst, e.Arena.NewOp(OpImul, v1, v2))
	default:
		return e.errorf(ErrUnhandledInstruction, index, "imul with %d operands", len(inst.Operands))
	}
}

func execBinary(opc Op) InstHandler {
	return func(e *Engine, index int, inst *Inst) error {
		if len(inst.Operands) != 2 {
			return e.errorf(ErrUnhandledInstruction, index, "%s with %d operands", opc, len(inst.Operands))
		}

		dst, src := &inst.Operands[0], &inst.Operands[1]
		if dst.Type != Register && dst.Type != Memory {
			return e.errorf(ErrMalformedOperand, index, "%s destination is not reg or mem", opc)
		}

		v1, err := e.read(index, inst, src)
		if err != nil {
			return err
		}
		v0, err := e.read(index, inst, dst)
		if err != nil {
			return err
		}
		return e.write(index, inst, dst, e.Arena.NewOp(opc, v0, v1))
	}
}

// uint32Comparer compares two 32-bit unsigned integers. Implements immutable.Comparer.
type uint32Comparer struct{}

// Compare returns -1 if a is less than b, returns 1 if a is greater than b, and
// returns 0 if a is equal to b. Panic if a or b is not an uint32.
func (c *uint32Comparer) Compare(a, b interface{}) int {
	if i, j := a.(uint32), b.(uint32); i < j {
		return -1
	} else if i > j {
		return 1
	}
	return 0
}
