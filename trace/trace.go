// Package trace reads and writes instruction traces in the line format
// "address;disassembly;eax,ebx,ecx,edx,esi,edi,esp,ebp,memaddr,".
package trace

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/benbjohnson/tracediff"
)

// ErrMalformedLine is returned when a line cannot be parsed as a record.
var ErrMalformedLine = errors.New("trace: malformed line")

// MaxLineSize is the longest line the reader accepts.
const MaxLineSize = 1 << 20

// ParseLine parses a single trace line. Operands that cannot be decoded are
// kept with a zero type so the engine reports them as malformed.
func ParseLine(line string) (tracediff.Inst, error) {
	var inst tracediff.Inst

	parts := strings.SplitN(strings.TrimSpace(line), ";", 3)
	if len(parts) != 3 {
		return inst, fmt.Errorf("%w: expected 3 sections, got %d", ErrMalformedLine, len(parts))
	}

	addr, err := tracediff.ParseLiteral(parts[0])
	if err != nil {
		return inst, fmt.Errorf("%w: address: %s", ErrMalformedLine, err)
	}
	inst.Addr, inst.AddrN = strings.TrimSpace(parts[0]), addr
	inst.Assembly = strings.TrimSpace(parts[1])

	values := strings.Split(parts[2], ",")
	if len(values) < tracediff.NumRegs+1 {
		return inst, fmt.Errorf("%w: expected %d values, got %d", ErrMalformedLine, tracediff.NumRegs+1, len(values))
	}
	for i := 0; i < tracediff.NumRegs; i++ {
		if inst.Regs[i], err = tracediff.ParseLiteral(values[i]); err != nil {
			return inst, fmt.Errorf("%w: %s: %s", ErrMalformedLine, tracediff.Reg(i), err)
		}
	}
	if inst.MemAddr, err = tracediff.ParseLiteral(values[tracediff.NumRegs]); err != nil {
		return inst, fmt.Errorf("%w: memaddr: %s", ErrMalformedLine, err)
	}

	inst.Mnemonic, inst.Args = SplitAssembly(inst.Assembly)
	for _, arg := range inst.Args {
		op, err := ParseOperand(arg)
		if err != nil {
			log.Printf("[trace] %x: %s", inst.AddrN, err)
		}
		inst.Operands = append(inst.Operands, op)
	}
	return inst, nil
}

// Reader reads trace records from a line-oriented stream.
type Reader struct {
	scanner *bufio.Scanner
	opcodes *tracediff.OpcodeTable
	line    int
	n       int

	// Number of lines skipped because they were empty or malformed.
	Skipped int
}

// NewReader returns a reader that interns mnemonics into opcodes. A new
// table is allocated if opcodes is nil.
func NewReader(r io.Reader, opcodes *tracediff.OpcodeTable) *Reader {
	if opcodes == nil {
		opcodes = tracediff.NewOpcodeTable()
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	return &Reader{scanner: scanner, opcodes: opcodes}
}

// Opcodes returns the opcode table used by the reader.
func (r *Reader) Opcodes() *tracediff.OpcodeTable { return r.opcodes }

// Read returns the next record. Returns io.EOF at the end of the stream.
func (r *Reader) Read() (tracediff.Inst, error) {
	for r.scanner.Scan() {
		r.line++
		line := r.scanner.Text()
		if strings.TrimSpace(line) == "" {
			r.Skipped++
			continue
		}

		inst, err := ParseLine(line)
		if err != nil {
			log.Printf("[trace] line %d: %s", r.line, err)
			r.Skipped++
			continue
		}

		r.n++
		inst.ID = r.n
		inst.Opc = r.opcodes.Intern(inst.Mnemonic)
		return inst, nil
	}
	if err := r.scanner.Err(); err != nil {
		return tracediff.Inst{}, err
	}
	return tracediff.Inst{}, io.EOF
}

// ReadAll reads every remaining record.
func (r *Reader) ReadAll() ([]tracediff.Inst, error) {
	var insts []tracediff.Inst
	for {
		inst, err := r.Read()
		if err == io.EOF {
			return insts, nil
		} else if err != nil {
			return insts, err
		}
		insts = append(insts, inst)
	}
}

// Writer writes trace records in the format accepted by Reader.
type Writer struct {
	w *bufio.Writer
}

// NewWriter returns a new writer wrapping w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Write writes a single record.
func (w *Writer) Write(inst *tracediff.Inst) error {
	addr := inst.Addr
	if addr == "" {
		addr = fmt.Sprintf("%x", inst.AddrN)
	}
	if _, err := fmt.Fprintf(w.w, "%s;%s;", addr, inst.Assembly); err != nil {
		return err
	}
	for _, v := range inst.Regs {
		if _, err := fmt.Fprintf(w.w, "%x,", v); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w.w, "%x,\n", inst.MemAddr)
	return err
}

// Flush writes any buffered data to the underlying writer.
func (w *Writer) Flush() error { return w.w.Flush() }
