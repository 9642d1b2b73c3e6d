package main

import (
	"bytes"
	"context"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/tracediff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MustWriteFile writes lines to a file in a temporary directory.
func MustWriteFile(tb testing.TB, name string, lines ...string) string {
	tb.Helper()
	path := filepath.Join(tb.TempDir(), name)
	require.NoError(tb, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0666))
	return path
}

// counterTrace is a two instruction loop that runs twice.
var counterTrace = []string{
	"401000;mov ecx, 0x2;0,0,0,0,0,0,1000,0,0,",
	"401005;add eax, ebx;0,0,2,0,0,0,1000,0,0,",
	"401007;dec ecx;0,0,2,0,0,0,1000,0,0,",
	"401008;jnz 0x401005;0,0,1,0,0,0,1000,0,0,",
	"401005;add eax, ebx;0,0,1,0,0,0,1000,0,0,",
	"401007;dec ecx;0,0,1,0,0,0,1000,0,0,",
	"401008;jnz 0x401005;0,0,0,0,0,0,1000,0,0,",
	"40100a;jmp eax;0,0,0,0,0,0,1000,0,0,",
}

func TestRun(t *testing.T) {
	t.Run("Help", func(t *testing.T) {
		assert.Equal(t, flag.ErrHelp, run(context.Background(), nil))
		assert.Equal(t, flag.ErrHelp, run(context.Background(), []string{"help"}))
	})

	t.Run("UnknownCommand", func(t *testing.T) {
		err := run(context.Background(), []string{"nosuchcmd"})
		assert.EqualError(t, err, "tracediff nosuchcmd: unknown command")
	})

	t.Run("MissingTrace", func(t *testing.T) {
		assert.Error(t, run(context.Background(), []string{"loops"}))
		assert.Error(t, run(context.Background(), []string{"formula", filepath.Join(t.TempDir(), "missing.txt")}))
		assert.Error(t, run(context.Background(), []string{"equiv", "a.txt"}))
	})
}

func TestReadConfigFile(t *testing.T) {
	t.Run("Default", func(t *testing.T) {
		config, err := ReadConfigFile("")
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), config)
		assert.Equal(t, 0xffff, config.Loop.MaxBodyLength)
		assert.Equal(t, 65, config.Unrolled.MaxStep)
	})

	t.Run("Merge", func(t *testing.T) {
		path := MustWriteFile(t, "tracediff.yml",
			"loop:",
			"  max-body-length: 10",
			"unrolled:",
			"  enabled: true",
			"search:",
			"  max-results: 2",
			"  timeout: 5s",
		)
		config, err := ReadConfigFile(path)
		require.NoError(t, err)
		assert.Equal(t, 10, config.Loop.MaxBodyLength)
		assert.Equal(t, uint32(0x10000), config.Loop.MaxJumpDistance)
		assert.True(t, config.Unrolled.Enabled)
		assert.Equal(t, 2, config.Unrolled.MinStep)
		assert.Equal(t, 2, config.Search.MaxResults)
		assert.Equal(t, 5*time.Second, config.Search.Timeout)

		d := config.NewDetector()
		assert.Equal(t, 10, d.MaxBodyLength)

		s := config.NewSearch()
		assert.Equal(t, 2, s.MaxResults)
		assert.Equal(t, int64(1), s.Seed)
	})

	t.Run("Invalid", func(t *testing.T) {
		_, err := ReadConfigFile(MustWriteFile(t, "tracediff.yml", "loop: [1, 2"))
		assert.Error(t, err)
	})
}

func TestLoopsCommand(t *testing.T) {
	path := MustWriteFile(t, "trace.txt", counterTrace...)
	dir := t.TempDir()

	var stdout bytes.Buffer
	cmd := &LoopsCommand{Stdout: &stdout}
	require.NoError(t, cmd.Run(context.Background(), []string{"-o", dir, path}))

	assert.Contains(t, stdout.String(), "401005")
	assert.Contains(t, stdout.String(), "loops: 1, back edges: 1, invalid bodies: 0, indirect jumps: 1\n")
	assert.NotContains(t, stdout.String(), "unrolled")

	buf, err := os.ReadFile(filepath.Join(dir, "loop1.txt"))
	require.NoError(t, err)
	assert.Equal(t, counterTrace[1]+"\n"+counterTrace[2]+"\n", string(buf))

	t.Run("Unrolled", func(t *testing.T) {
		var stdout bytes.Buffer
		cmd := &LoopsCommand{Stdout: &stdout}
		require.NoError(t, cmd.Run(context.Background(), []string{"-unrolled", path}))
		assert.Contains(t, stdout.String(), "unrolled: step=3 line=2 address=401005\n")
		assert.Contains(t, stdout.String(), "unrolled loops: 1\n")
	})

	t.Run("UnrolledFlagOverridesConfig", func(t *testing.T) {
		config := MustWriteFile(t, "tracediff.yml", "unrolled:", "  enabled: true")

		var stdout bytes.Buffer
		require.NoError(t, (&LoopsCommand{Stdout: &stdout}).Run(context.Background(), []string{"-config", config, path}))
		assert.Contains(t, stdout.String(), "unrolled loops: 1\n")

		stdout.Reset()
		require.NoError(t, (&LoopsCommand{Stdout: &stdout}).Run(context.Background(), []string{"-config", config, "-unrolled=false", path}))
		assert.NotContains(t, stdout.String(), "unrolled")
	})
}

func TestFormulaCommand(t *testing.T) {
	path := MustWriteFile(t, "trace.txt",
		"401000;add eax, ebx;0,0,0,0,0,0,0,0,0,",
		"401002;rol edx, 0x1;0,0,0,0,0,0,0,0,0,",
	)

	t.Run("Default", func(t *testing.T) {
		var stdout bytes.Buffer
		require.NoError(t, (&FormulaCommand{Stdout: &stdout}).Run(context.Background(), []string{path}))
		assert.Equal(t, "eax: sym9=\n(add sym1 sym2)\n2 input symbols: sym1 sym2\n\n", stdout.String())
	})

	t.Run("Output", func(t *testing.T) {
		var stdout bytes.Buffer
		require.NoError(t, (&FormulaCommand{Stdout: &stdout}).Run(context.Background(), []string{"-output", "ecx", path}))
		assert.Equal(t, "ecx: sym3=\nsym3\n1 input symbols: sym3\n\n", stdout.String())
	})

	t.Run("CVC", func(t *testing.T) {
		var stdout bytes.Buffer
		require.NoError(t, (&FormulaCommand{Stdout: &stdout}).Run(context.Background(), []string{"-cvc", path}))
		assert.Contains(t, stdout.String(), "BVPLUS(32, sym1, sym2)\n")
	})

	t.Run("Tree", func(t *testing.T) {
		var stdout bytes.Buffer
		require.NoError(t, (&FormulaCommand{Stdout: &stdout}).Run(context.Background(), []string{"-tree", path}))
		assert.Contains(t, stdout.String(), "add")
		assert.Contains(t, stdout.String(), "sym2")
	})

	t.Run("OutputNotFound", func(t *testing.T) {
		var stdout bytes.Buffer
		err := (&FormulaCommand{Stdout: &stdout}).Run(context.Background(), []string{"-output", "mem[0x10]", path})
		assert.EqualError(t, err, "output not found: mem[0x10]")
	})

	t.Run("InvalidRange", func(t *testing.T) {
		var stdout bytes.Buffer
		assert.Error(t, (&FormulaCommand{Stdout: &stdout}).Run(context.Background(), []string{"-start", "5", path}))
	})
}

func TestFormulaTree(t *testing.T) {
	e, err := execute(nil, 0, 0, false)
	require.NoError(t, err)
	s := FormulaTree(e.Arena, e.Output(0))
	assert.Contains(t, s, "sym1")

	t.Run("Shared", func(t *testing.T) {
		a := tracediff.NewArena()
		v := a.NewSymbol()
		for i := 0; i < 24; i++ {
			v = a.NewOp(tracediff.OpAdd, v, v)
		}
		s := FormulaTree(a, v)
		assert.Contains(t, s, "sym2=add")
		assert.Equal(t, 24, strings.Count(s, "add"))
	})
}

func TestEquivCommand(t *testing.T) {
	a := MustWriteFile(t, "a.txt", "401000;add eax, 0x3;0,0,0,0,0,0,0,0,0,")
	b := MustWriteFile(t, "b.txt",
		"501000;mov ecx, ebx;0,0,0,0,0,0,0,0,0,",
		"501002;add ecx, 0x3;0,0,0,0,0,0,0,0,0,",
	)
	config := MustWriteFile(t, "tracediff.yml", "search:", "  max-results: 1")

	t.Run("Print", func(t *testing.T) {
		var stdout bytes.Buffer
		require.NoError(t, (&EquivCommand{Stdout: &stdout}).Run(context.Background(), []string{"-config", config, a, b}))
		assert.Contains(t, stdout.String(), "variable mapping result: 1 possible mapping found.\n")
		assert.Contains(t, stdout.String(), "in={0->0 1->1 2->2")
	})

	t.Run("Export", func(t *testing.T) {
		dir := t.TempDir()
		var stdout bytes.Buffer
		require.NoError(t, (&EquivCommand{Stdout: &stdout}).Run(context.Background(), []string{"-config", config, "-o", dir, a, b}))

		buf, err := os.ReadFile(filepath.Join(dir, "formula1.cvc"))
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(buf), "bit0a: BV(1);\n"))
		assert.Contains(t, string(buf), "ASSERT(bit31a = bit31b);\n")
		assert.Contains(t, string(buf), "LET out2 = BVPLUS(32, sym2b, 0hex00000003) IN (\n")
		assert.True(t, strings.HasSuffix(string(buf), "COUNTEREXAMPLE;\n"))
	})

	t.Run("MaxStepsFlagOverridesConfig", func(t *testing.T) {
		config := MustWriteFile(t, "tracediff.yml", "search:", "  max-steps: 100000")
		var stdout bytes.Buffer
		require.NoError(t, (&EquivCommand{Stdout: &stdout}).Run(context.Background(), []string{"-config", config, "-max-steps", "1", a, b}))
		assert.Equal(t, "search stopped after 1 steps: varmap: step budget exceeded\nno mapping found\n", stdout.String())
	})

	t.Run("NoMapping", func(t *testing.T) {
		c := MustWriteFile(t, "c.txt", "401000;and eax, 0x0;0,0,0,0,0,0,0,0,0,")
		d := MustWriteFile(t, "d.txt", "401000;or eax, 0xffffffff;0,0,0,0,0,0,0,0,0,")
		var stdout bytes.Buffer
		require.NoError(t, (&EquivCommand{Stdout: &stdout}).Run(context.Background(), []string{c, d}))
		assert.Equal(t, "no mapping found\n", stdout.String())
	})
}
