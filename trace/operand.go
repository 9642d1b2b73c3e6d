package trace

import (
	"fmt"
	"strings"

	"github.com/benbjohnson/tracediff"
	"golang.org/x/arch/x86/x86asm"
)

// registers maps lowercase register names to their decoder register.
var registers = func() map[string]x86asm.Reg {
	m := make(map[string]x86asm.Reg)
	for _, r := range []x86asm.Reg{
		x86asm.AL, x86asm.CL, x86asm.DL, x86asm.BL, x86asm.AH, x86asm.CH, x86asm.DH, x86asm.BH,
		x86asm.AX, x86asm.CX, x86asm.DX, x86asm.BX, x86asm.SP, x86asm.BP, x86asm.SI, x86asm.DI,
		x86asm.EAX, x86asm.ECX, x86asm.EDX, x86asm.EBX, x86asm.ESP, x86asm.EBP, x86asm.ESI, x86asm.EDI,
		x86asm.ES, x86asm.CS, x86asm.SS, x86asm.DS, x86asm.FS, x86asm.GS,
	} {
		m[strings.ToLower(r.String())] = r
	}
	return m
}()

// RegisterBits returns the width of a named register or 0 if the name is
// not a general purpose or segment register.
func RegisterBits(name string) int {
	r, ok := registers[strings.ToLower(name)]
	if !ok {
		return 0
	}
	switch {
	case r >= x86asm.AL && r <= x86asm.BH:
		return 8
	case r >= x86asm.AX && r <= x86asm.DI, r >= x86asm.ES && r <= x86asm.GS:
		return 16
	default:
		return 32
	}
}

var ptrBits = map[string]int{
	"byte":    8,
	"word":    16,
	"dword":   32,
	"fword":   48,
	"qword":   64,
	"tbyte":   80,
	"xmmword": 128,
}

// ParseOperand decodes the text of a single operand such as "eax", "0x10"
// or "dword ptr fs:[eax+ebx*4+0x8]".
func ParseOperand(s string) (tracediff.Operand, error) {
	var op tracediff.Operand
	text := strings.ToLower(strings.TrimSpace(s))
	if text == "" {
		return op, fmt.Errorf("empty operand")
	}

	if bits := RegisterBits(text); bits != 0 {
		op.Type, op.Bits = tracediff.Register, bits
		op.Fields[0] = text
		return op, nil
	}

	if !strings.Contains(text, "[") {
		if _, err := tracediff.ParseLiteral(text); err != nil {
			return op, fmt.Errorf("cannot decode operand %q", s)
		}
		op.Type = tracediff.Immediate
		op.Fields[0] = text
		return op, nil
	}
	return parseMemory(s, text)
}

func parseMemory(s, text string) (tracediff.Operand, error) {
	op := tracediff.Operand{Type: tracediff.Memory}

	open, end := strings.Index(text, "["), strings.LastIndex(text, "]")
	if open == -1 || end < open {
		return op, fmt.Errorf("unterminated memory operand %q", s)
	}

	// Size keyword and segment prefix precede the brackets.
	prefix := strings.Fields(strings.Replace(text[:open], ":", " : ", -1))
	for i, tok := range prefix {
		if bits, ok := ptrBits[tok]; ok {
			op.Bits = bits
		} else if tok == ":" && i > 0 {
			op.Segment = prefix[i-1]
		}
	}

	var base, index, scale, sign, disp string
	for _, term := range splitTerms(text[open+1 : end]) {
		body := term[1:]
		switch {
		case strings.Contains(body, "*"):
			parts := strings.SplitN(body, "*", 2)
			if RegisterBits(parts[0]) == 0 || index != "" {
				return op, fmt.Errorf("invalid index in %q", s)
			}
			index, scale = parts[0], parts[1]
		case RegisterBits(body) != 0:
			if base == "" && term[0] == '+' {
				base = body
			} else if index == "" && term[0] == '+' {
				index, scale = body, "1"
			} else {
				return op, fmt.Errorf("invalid register term in %q", s)
			}
		default:
			if _, err := tracediff.ParseLiteral(body); err != nil || disp != "" {
				return op, fmt.Errorf("invalid displacement in %q", s)
			}
			sign, disp = term[:1], body
		}
	}

	switch {
	case base != "" && index != "" && disp != "":
		op.Mode, op.Fields = tracediff.AddrBaseIndexScaleDisp, [5]string{base, index, scale, sign, disp}
	case base != "" && index != "":
		op.Mode, op.Fields = tracediff.AddrBaseIndexScale, [5]string{base, index, scale}
	case base != "" && disp != "":
		op.Mode, op.Fields = tracediff.AddrBaseDisp, [5]string{base, sign, disp}
	case index != "" && disp != "":
		op.Mode, op.Fields = tracediff.AddrIndexScaleDisp, [5]string{index, scale, sign, disp}
	case base != "":
		op.Mode, op.Fields = tracediff.AddrBase, [5]string{base}
	case index != "":
		op.Mode, op.Fields = tracediff.AddrIndexScale, [5]string{index, scale}
	case disp != "":
		if sign == "-" {
			disp = "-" + disp
		}
		op.Mode, op.Fields = tracediff.AddrDisp, [5]string{disp}
	default:
		return op, fmt.Errorf("empty memory operand %q", s)
	}
	return op, nil
}

// splitTerms splits an address expression into terms that each carry a
// leading sign.
func splitTerms(expr string) []string {
	expr = strings.Replace(expr, " ", "", -1)
	var terms []string
	start := 0
	for i := 1; i <= len(expr); i++ {
		if i == len(expr) || expr[i] == '+' || expr[i] == '-' {
			term := expr[start:i]
			if term != "" && term[0] != '+' && term[0] != '-' {
				term = "+" + term
			}
			if len(term) > 1 {
				terms = append(terms, term)
			}
			start = i
		}
	}
	return terms
}

// SplitAssembly splits disassembly text into its mnemonic and raw operands.
func SplitAssembly(asm string) (mnemonic string, args []string) {
	asm = strings.TrimSpace(asm)
	i := strings.IndexByte(asm, ' ')
	if i == -1 {
		return asm, nil
	}
	mnemonic = asm[:i]
	for _, arg := range strings.Split(asm[i+1:], ",") {
		if arg = strings.TrimSpace(arg); arg != "" {
			args = append(args, arg)
		}
	}
	return mnemonic, args
}
