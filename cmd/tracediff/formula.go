package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/benbjohnson/tracediff"
	"github.com/benbjohnson/tracediff/cvc"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/xlab/treeprint"
)

// FormulaCommand represents a command for printing the formulas computed by
// a range of a trace.
type FormulaCommand struct {
	Stdout io.Writer
}

// NewFormulaCommand returns a new instance of FormulaCommand.
func NewFormulaCommand() *FormulaCommand {
	return &FormulaCommand{Stdout: os.Stdout}
}

// Run executes the "formula" subcommand.
func (cmd *FormulaCommand) Run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("tracediff-formula", flag.ContinueOnError)
	start := fs.Int("start", 0, "first record")
	end := fs.Int("end", -1, "end record, exclusive")
	output := fs.String("output", "", "print only this output")
	tree := fs.Bool("tree", false, "print formulas as trees")
	cvcFormat := fs.Bool("cvc", false, "print formulas in CVC format")
	skipMalformed := fs.Bool("skip-malformed", false, "skip malformed operands instead of failing")
	verbose := fs.Bool("v", false, "verbose")
	fs.Usage = cmd.usage
	if err := fs.Parse(args); err != nil {
		return err
	} else if fs.NArg() == 0 {
		return fmt.Errorf("trace file required")
	} else if fs.NArg() > 1 {
		return fmt.Errorf("too many trace files specified")
	}
	initLogging(*verbose)

	insts, err := readTrace(fs.Arg(0))
	if err != nil {
		return err
	}

	e, err := execute(insts, *start, *end, *skipMalformed)
	if err != nil {
		return err
	}

	outputs := e.Outputs()
	if *output != "" {
		id, err := selectOutput(e, *output)
		if err != nil {
			return err
		}
		outputs = []tracediff.Output{{Name: *output, Value: id}}
	}

	for _, o := range outputs {
		f := tracediff.NewFormula(e.Arena, o.Value)

		fmt.Fprintf(cmd.Stdout, "%s: %s=\n", o.Name, e.Arena.Name(o.Value))
		switch {
		case *cvcFormat:
			s, err := cvc.Formula(f, "")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.Stdout, s)
		case *tree:
			fmt.Fprint(cmd.Stdout, FormulaTree(e.Arena, o.Value))
		default:
			fmt.Fprintln(cmd.Stdout, f.String())
		}

		inputs := f.Inputs()
		names := make([]string, len(inputs))
		for i, id := range inputs {
			names[i] = e.Arena.Name(id)
		}
		fmt.Fprintf(cmd.Stdout, "%d input symbols: %s\n\n", len(inputs), strings.Join(names, " "))
	}

	for _, diag := range e.Diagnostics() {
		fmt.Fprintf(os.Stderr, "%s\n", diag)
	}
	return nil
}

// execute runs a fresh engine over [start, end). A negative end runs to the
// end of the trace.
func execute(insts []tracediff.Inst, start, end int, skipMalformed bool) (*tracediff.Engine, error) {
	if end < 0 {
		end = len(insts)
	}
	e := tracediff.NewEngine(insts)
	e.SkipMalformed = skipMalformed
	if err := e.Init(start, end); err != nil {
		return nil, err
	} else if err := e.Run(); err != nil {
		return nil, err
	}
	return e, nil
}

// selectOutput returns the value for an output name. Registers may be
// selected even if they hold an input symbol. An empty name selects the
// first computed output.
func selectOutput(e *tracediff.Engine, name string) (tracediff.ValueID, error) {
	if name == "" {
		if outputs := e.AllSymbolicOutputs(); len(outputs) > 0 {
			return outputs[0], nil
		}
		return 0, fmt.Errorf("no computed outputs")
	}

	if r, ok := tracediff.ParseReg(name); ok {
		return e.Output(r), nil
	}
	for _, o := range e.Outputs() {
		if o.Name == name {
			return o.Value, nil
		}
	}
	return 0, fmt.Errorf("output not found: %s", name)
}

// FormulaTree renders the formula rooted at id as a tree. An operation
// used more than once is expanded at its first occurrence only.
func FormulaTree(a *tracediff.Arena, id tracediff.ValueID) string {
	tree := treeprint.New()
	addTree(tree, a, id, a.Shared(id), mapset.NewThreadUnsafeSet[tracediff.ValueID]())
	return tree.String()
}

func addTree(tree treeprint.Tree, a *tracediff.Arena, id tracediff.ValueID, shared, seen mapset.Set[tracediff.ValueID]) {
	v := a.Value(id)
	if v.Op == nil {
		tree.AddNode(a.Name(id))
		return
	}

	label := v.Op.Op.String()
	if shared.Contains(id) {
		if !seen.Add(id) {
			tree.AddNode(a.Name(id))
			return
		}
		label = fmt.Sprintf("%s=%s", a.Name(id), label)
	}

	branch := tree.AddBranch(label)
	for _, arg := range v.Op.Args {
		addTree(branch, a, arg, shared, seen)
	}
}

func (cmd *FormulaCommand) usage() {
	fmt.Fprintln(os.Stderr, `
usage: tracediff formula [arguments] TRACE

Arguments:

	-start N
	    First record to execute.
	-end N
	    Stop before record N. Defaults to the end of the trace.
	-output NAME
	    Print only the named output, such as eax or mem[0x1000].
	-tree
	    Print formulas as trees.
	-cvc
	    Print formulas in CVC format.
	-skip-malformed
	    Skip malformed operands instead of failing.
	-v
	    Enable verbose logging.
`[1:])
}
