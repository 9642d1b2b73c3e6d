package tracediff

import (
	"fmt"
	"strings"
)

// Reg is one of the eight general purpose registers sampled in a trace.
// The order matches the register columns of a trace record.
type Reg uint8

const (
	EAX Reg = iota
	EBX
	ECX
	EDX
	ESI
	EDI
	ESP
	EBP

	NumRegs = 8
)

var regNames = [...]string{
	EAX: "eax",
	EBX: "ebx",
	ECX: "ecx",
	EDX: "edx",
	ESI: "esi",
	EDI: "edi",
	ESP: "esp",
	EBP: "ebp",
}

// String returns the lowercase register name.
func (r Reg) String() string {
	if int(r) < len(regNames) {
		return regNames[r]
	}
	return fmt.Sprintf("Reg<%d>", r)
}

// ParseReg returns the register named s. Only the 32-bit registers are
// recognized.
func ParseReg(s string) (Reg, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range regNames {
		if name == s {
			return Reg(i), true
		}
	}
	return 0, false
}

// OperandType classifies a decoded operand.
type OperandType uint8

const (
	Immediate OperandType = iota + 1
	Register
	Memory
)

var operandTypes = [...]string{
	Immediate: "imm",
	Register:  "reg",
	Memory:    "mem",
}

// String returns the short name of the operand type.
func (t OperandType) String() string {
	if int(t) < len(operandTypes) && operandTypes[t] != "" {
		return operandTypes[t]
	}
	return fmt.Sprintf("OperandType<%d>", t)
}

// AddrMode tags the shape of a memory operand and fixes the meaning of
// Operand.Fields. Sign fields hold "+" or "-".
type AddrMode uint8

const (
	AddrNone               AddrMode = iota
	AddrDisp                        // [disp]
	AddrBase                        // [base]
	AddrIndexScale                  // [index*scale]
	AddrBaseDisp                    // [base sign disp]
	AddrBaseIndexScale              // [base+index*scale]
	AddrIndexScaleDisp              // [index*scale sign disp]
	AddrBaseIndexScaleDisp          // [base+index*scale sign disp]
)

// Operand is a decoded instruction operand.
type Operand struct {
	Type    OperandType
	Mode    AddrMode
	Bits    int    // access width, 0 if unknown
	Segment string // segment override such as "fs", empty if none

	// Fields holds the textual parts of the operand. Register and immediate
	// operands only use Fields[0]. Memory operands are laid out per Mode.
	Fields [5]string
}

// Inst is a single retired instruction from a trace.
type Inst struct {
	ID       int    // sequence number in the trace
	Addr     string // address as printed in the trace
	AddrN    uint32
	Assembly string // full disassembly text
	Mnemonic string
	Opc      int // interned mnemonic, see OpcodeTable

	Args     []string // raw operand text
	Operands []Operand

	Regs    [NumRegs]uint32 // register values before the instruction executes
	MemAddr uint32          // memory address touched, 0 if none
}

// Reg returns the sampled value of r.
func (inst *Inst) Reg(r Reg) uint32 { return inst.Regs[r] }

// String returns the address and disassembly of the instruction.
func (inst *Inst) String() string {
	return fmt.Sprintf("%x: %s", inst.AddrN, inst.Assembly)
}

// jumps lists every jump mnemonic. None of them affect symbolic state.
var jumps = map[string]struct{}{
	"jo": {}, "jno": {}, "js": {}, "jns": {}, "je": {}, "jz": {}, "jne": {},
	"jnz": {}, "jb": {}, "jnae": {}, "jc": {}, "jnb": {}, "jae": {},
	"jnc": {}, "jbe": {}, "jna": {}, "ja": {}, "jnbe": {}, "jl": {},
	"jnge": {}, "jge": {}, "jnl": {}, "jle": {}, "jng": {}, "jg": {},
	"jnle": {}, "jp": {}, "jpe": {}, "jnp": {}, "jpo": {}, "jcxz": {},
	"jecxz": {}, "jmp": {},
}

// IsJump returns true if mnemonic is a conditional or unconditional jump.
func IsJump(mnemonic string) bool {
	_, ok := jumps[mnemonic]
	return ok
}

// OpcodeTable interns mnemonics into small integers. Identifiers are
// assigned from 1 in order of first appearance; 0 is never assigned.
type OpcodeTable struct {
	ids   map[string]int
	names []string
}

// NewOpcodeTable returns an empty table.
func NewOpcodeTable() *OpcodeTable {
	return &OpcodeTable{
		ids:   make(map[string]int),
		names: []string{""},
	}
}

// Intern returns the identifier for mnemonic, assigning one if needed.
func (t *OpcodeTable) Intern(mnemonic string) int {
	if id, ok := t.ids[mnemonic]; ok {
		return id
	}
	id := len(t.names)
	t.ids[mnemonic] = id
	t.names = append(t.names, mnemonic)
	return id
}

// Lookup returns the identifier for mnemonic or 0 if it was never interned.
func (t *OpcodeTable) Lookup(mnemonic string) int { return t.ids[mnemonic] }

// Name returns the mnemonic for id or "unknown".
func (t *OpcodeTable) Name(id int) string {
	if id <= 0 || id >= len(t.names) {
		return "unknown"
	}
	return t.names[id]
}

// Len returns the number of interned mnemonics.
func (t *OpcodeTable) Len() int { return len(t.names) - 1 }
