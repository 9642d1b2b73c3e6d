package tracediff

import (
	"errors"
	"fmt"
)

// Width is the bit width of every register, memory cell and formula value.
const Width = 32

var (
	ErrUnhandledInstruction     = errors.New("tracediff: unhandled instruction")
	ErrMalformedOperand         = errors.New("tracediff: malformed operand")
	ErrUnresolvedAddressingMode = errors.New("tracediff: unresolved addressing mode")
	ErrInputSetMismatch         = errors.New("tracediff: input set mismatch")
	ErrInvalidRange             = errors.New("tracediff: invalid instruction range")
	ErrInvalidLiteral           = errors.New("tracediff: invalid literal")
)

// InstError is a diagnostic attached to a single trace record.
type InstError struct {
	Err      error // one of the ErrXxx sentinels
	Index    int   // position of the record in the trace
	Addr     uint32
	Assembly string
	Reason   string
}

// Error returns a formatted diagnostic.
func (e *InstError) Error() string {
	s := fmt.Sprintf("%s at #%d (%x: %s)", e.Err, e.Index, e.Addr, e.Assembly)
	if e.Reason != "" {
		s += ": " + e.Reason
	}
	return s
}

// Unwrap returns the underlying sentinel error.
func (e *InstError) Unwrap() error { return e.Err }

// assert panics if condition is false.
func assert(condition bool, format string, args ...interface{}) {
	if !condition {
		panic(fmt.Sprintf("assert: "+format, args...))
	}
}
