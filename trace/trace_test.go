package trace_test

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/benbjohnson/tracediff"
	"github.com/benbjohnson/tracediff/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOperand(t *testing.T) {
	for _, tt := range []struct {
		s    string
		want tracediff.Operand
	}{
		{"eax", tracediff.Operand{Type: tracediff.Register, Bits: 32, Fields: [5]string{"eax"}}},
		{"AL", tracediff.Operand{Type: tracediff.Register, Bits: 8, Fields: [5]string{"al"}}},
		{"si", tracediff.Operand{Type: tracediff.Register, Bits: 16, Fields: [5]string{"si"}}},
		{"0x10", tracediff.Operand{Type: tracediff.Immediate, Fields: [5]string{"0x10"}}},
		{"[0x1000]", tracediff.Operand{
			Type: tracediff.Memory, Mode: tracediff.AddrDisp,
			Fields: [5]string{"0x1000"},
		}},
		{"dword ptr [-0x10]", tracediff.Operand{
			Type: tracediff.Memory, Mode: tracediff.AddrDisp, Bits: 32,
			Fields: [5]string{"-0x10"},
		}},
		{"dword ptr [eax]", tracediff.Operand{
			Type: tracediff.Memory, Mode: tracediff.AddrBase, Bits: 32,
			Fields: [5]string{"eax"},
		}},
		{"[ecx*4]", tracediff.Operand{
			Type: tracediff.Memory, Mode: tracediff.AddrIndexScale,
			Fields: [5]string{"ecx", "4"},
		}},
		{"dword ptr [ebp-0x4]", tracediff.Operand{
			Type: tracediff.Memory, Mode: tracediff.AddrBaseDisp, Bits: 32,
			Fields: [5]string{"ebp", "-", "0x4"},
		}},
		{"ptr [eax+ecx*4]", tracediff.Operand{
			Type: tracediff.Memory, Mode: tracediff.AddrBaseIndexScale,
			Fields: [5]string{"eax", "ecx", "4"},
		}},
		{"[eax+ebx]", tracediff.Operand{
			Type: tracediff.Memory, Mode: tracediff.AddrBaseIndexScale,
			Fields: [5]string{"eax", "ebx", "1"},
		}},
		{"word ptr [ecx*2+0x10]", tracediff.Operand{
			Type: tracediff.Memory, Mode: tracediff.AddrIndexScaleDisp, Bits: 16,
			Fields: [5]string{"ecx", "2", "+", "0x10"},
		}},
		{"byte ptr fs:[eax + ebx*2 - 0x8]", tracediff.Operand{
			Type: tracediff.Memory, Mode: tracediff.AddrBaseIndexScaleDisp, Bits: 8, Segment: "fs",
			Fields: [5]string{"eax", "ebx", "2", "-", "0x8"},
		}},
	} {
		t.Run(tt.s, func(t *testing.T) {
			op, err := trace.ParseOperand(tt.s)
			require.NoError(t, err)
			assert.Equal(t, tt.want, op)
		})
	}

	t.Run("Invalid", func(t *testing.T) {
		for _, s := range []string{"", "st(0)", "[eax", "[eax+ebx+ecx]", "[eax*2+ebx*4]", "[]"} {
			_, err := trace.ParseOperand(s)
			assert.Error(t, err, s)
		}
	})
}

func TestRegisterBits(t *testing.T) {
	assert.Equal(t, 32, trace.RegisterBits("ebp"))
	assert.Equal(t, 16, trace.RegisterBits("ax"))
	assert.Equal(t, 16, trace.RegisterBits("fs"))
	assert.Equal(t, 8, trace.RegisterBits("bh"))
	assert.Equal(t, 0, trace.RegisterBits("xmm0"))
}

func TestSplitAssembly(t *testing.T) {
	mnemonic, args := trace.SplitAssembly("imul eax, ebx, 0x3")
	assert.Equal(t, "imul", mnemonic)
	assert.Equal(t, []string{"eax", "ebx", "0x3"}, args)

	mnemonic, args = trace.SplitAssembly(" cdq ")
	assert.Equal(t, "cdq", mnemonic)
	assert.Nil(t, args)
}

func TestParseLine(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		inst, err := trace.ParseLine("401000;mov eax, dword ptr [ebp+0x8];1,2,3,4,5,6,1000,2000,2008,")
		require.NoError(t, err)
		assert.Equal(t, "401000", inst.Addr)
		assert.Equal(t, uint32(0x401000), inst.AddrN)
		assert.Equal(t, "mov", inst.Mnemonic)
		assert.Equal(t, []string{"eax", "dword ptr [ebp+0x8]"}, inst.Args)
		assert.Equal(t, [tracediff.NumRegs]uint32{1, 2, 3, 4, 5, 6, 0x1000, 0x2000}, inst.Regs)
		assert.Equal(t, uint32(0x2008), inst.MemAddr)
		require.Len(t, inst.Operands, 2)
		assert.Equal(t, tracediff.Register, inst.Operands[0].Type)
		assert.Equal(t, tracediff.AddrBaseDisp, inst.Operands[1].Mode)
	})

	t.Run("UndecodedOperand", func(t *testing.T) {
		inst, err := trace.ParseLine("401000;fld st(0);0,0,0,0,0,0,0,0,0,")
		require.NoError(t, err)
		require.Len(t, inst.Operands, 1)
		assert.Equal(t, tracediff.OperandType(0), inst.Operands[0].Type)
	})

	t.Run("ErrMalformedLine", func(t *testing.T) {
		for _, line := range []string{
			"401000;nop",
			"zz;nop;0,0,0,0,0,0,0,0,0,",
			"401000;nop;0,0,",
			"401000;nop;0,0,0,0,0,0,0,0,q,",
			"401000;nop;0,0,0,g,0,0,0,0,0,",
		} {
			_, err := trace.ParseLine(line)
			assert.True(t, errors.Is(err, trace.ErrMalformedLine), line)
		}
	})
}

func TestReader(t *testing.T) {
	input := strings.Join([]string{
		"401000;mov eax, 0x1;0,0,0,0,0,0,0,0,0,",
		"",
		"not a record",
		"401005;add eax, ebx;1,0,0,0,0,0,0,0,0,",
		"401007;mov ebx, eax;2,0,0,0,0,0,0,0,0,",
	}, "\n")

	r := trace.NewReader(strings.NewReader(input), nil)
	insts, err := r.ReadAll()
	require.NoError(t, err)
	require.Len(t, insts, 3)
	assert.Equal(t, 2, r.Skipped)

	assert.Equal(t, []int{1, 2, 3}, []int{insts[0].ID, insts[1].ID, insts[2].ID})
	assert.Equal(t, insts[0].Opc, insts[2].Opc)
	assert.NotEqual(t, insts[0].Opc, insts[1].Opc)
	assert.Equal(t, "add", r.Opcodes().Name(insts[1].Opc))
	assert.Equal(t, 2, r.Opcodes().Len())

	_, err = r.Read()
	assert.Equal(t, io.EOF, err)
}

func TestReader_SharedOpcodes(t *testing.T) {
	opcodes := tracediff.NewOpcodeTable()
	a, err := trace.NewReader(strings.NewReader("1;xor eax, eax;0,0,0,0,0,0,0,0,0,"), opcodes).ReadAll()
	require.NoError(t, err)
	b, err := trace.NewReader(strings.NewReader("2;sub ecx, ecx;0,0,0,0,0,0,0,0,0,\n3;xor ebx, ebx;0,0,0,0,0,0,0,0,0,"), opcodes).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, a[0].Opc, b[1].Opc)
	assert.Equal(t, 2, opcodes.Len())
}

func TestWriter(t *testing.T) {
	input := "401000;mov eax, dword ptr [ebp+0x8];1,2,3,4,5,6,1000,2000,2008,\n" +
		"401003;push eax;ff,0,0,0,0,0,1000,2000,ffc,\n"

	insts, err := trace.NewReader(strings.NewReader(input), nil).ReadAll()
	require.NoError(t, err)

	var buf bytes.Buffer
	w := trace.NewWriter(&buf)
	for i := range insts {
		require.NoError(t, w.Write(&insts[i]))
	}
	require.NoError(t, w.Flush())
	assert.Equal(t, input, buf.String())

	t.Run("NumericAddr", func(t *testing.T) {
		var buf bytes.Buffer
		w := trace.NewWriter(&buf)
		require.NoError(t, w.Write(&tracediff.Inst{AddrN: 0x10, Assembly: "nop"}))
		require.NoError(t, w.Flush())
		assert.Equal(t, "10;nop;0,0,0,0,0,0,0,0,0,\n", buf.String())
	})
}
