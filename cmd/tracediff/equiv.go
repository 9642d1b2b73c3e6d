package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/benbjohnson/tracediff"
	"github.com/benbjohnson/tracediff/cvc"
	"github.com/benbjohnson/tracediff/varmap"
	"golang.org/x/sync/errgroup"
)

// EquivCommand represents a command for searching a bit correspondence
// between a formula of one trace and a formula of another.
type EquivCommand struct {
	Stdout io.Writer
}

// NewEquivCommand returns a new instance of EquivCommand.
func NewEquivCommand() *EquivCommand {
	return &EquivCommand{Stdout: os.Stdout}
}

// side describes the formula taken from one trace.
type side struct {
	path       string
	start, end int
	output     string

	engine  *tracediff.Engine
	formula tracediff.Formula
}

// Run executes the "equiv" subcommand.
func (cmd *EquivCommand) Run(ctx context.Context, args []string) error {
	var a, b side
	fs := flag.NewFlagSet("tracediff-equiv", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file")
	fs.IntVar(&a.start, "a-start", 0, "first record of trace A")
	fs.IntVar(&a.end, "a-end", -1, "end record of trace A, exclusive")
	fs.StringVar(&a.output, "a-output", "", "output of trace A")
	fs.IntVar(&b.start, "b-start", 0, "first record of trace B")
	fs.IntVar(&b.end, "b-end", -1, "end record of trace B, exclusive")
	fs.StringVar(&b.output, "b-output", "", "output of trace B")
	maxSteps := fs.Int("max-steps", 0, "search step budget, zero is unlimited")
	timeout := fs.Duration("timeout", 0, "search deadline, zero is none")
	outDir := fs.String("o", "", "directory for solver input files")
	verbose := fs.Bool("v", false, "verbose")
	fs.Usage = cmd.usage
	if err := fs.Parse(args); err != nil {
		return err
	} else if fs.NArg() != 2 {
		return fmt.Errorf("two trace files required")
	}
	a.path, b.path = fs.Arg(0), fs.Arg(1)
	initLogging(*verbose)

	config, err := ReadConfigFile(*configPath)
	if err != nil {
		return err
	}

	// Flags set on the command line override the config file.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "max-steps":
			config.Search.MaxSteps = *maxSteps
		case "timeout":
			config.Search.Timeout = *timeout
		}
	})

	// Engines share no state so both sides run concurrently.
	g, _ := errgroup.WithContext(ctx)
	for _, s := range []*side{&a, &b} {
		s := s
		g.Go(func() error { return s.load() })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if config.Search.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Search.Timeout)
		defer cancel()
	}

	search := config.NewSearch()
	results, err := search.Find(ctx, a.formula, b.formula)
	if err != nil && !errors.Is(err, varmap.ErrBudgetExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	stats := search.Stats()
	if err != nil {
		fmt.Fprintf(cmd.Stdout, "search stopped after %d steps: %s\n", stats.Steps, err)
	}

	if len(results) == 0 {
		fmt.Fprintln(cmd.Stdout, "no mapping found")
		return nil
	}
	fmt.Fprintf(cmd.Stdout, "variable mapping result: %d possible mapping found.\n", len(results))

	for i, fm := range results {
		q, err := cvc.BitQuery(a.formula, b.formula, fm)
		if err != nil {
			return err
		}
		if *outDir == "" {
			fmt.Fprintf(cmd.Stdout, "%s\n", fm)
			continue
		}
		if err := writeQuery(filepath.Join(*outDir, fmt.Sprintf("formula%d.cvc", i+1)), q); err != nil {
			return err
		}
	}
	return nil
}

// load executes the side's range and selects its formula.
func (s *side) load() error {
	insts, err := readTrace(s.path)
	if err != nil {
		return err
	}
	if s.engine, err = execute(insts, s.start, s.end, false); err != nil {
		return fmt.Errorf("%s: %w", s.path, err)
	}

	id, err := selectOutput(s.engine, s.output)
	if err != nil {
		return fmt.Errorf("%s: %w", s.path, err)
	}
	s.formula = tracediff.NewFormula(s.engine.Arena, id)
	return nil
}

// writeQuery writes q to path, creating parent directories.
func writeQuery(path string, q *cvc.Query) error {
	if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := q.WriteTo(f); err != nil {
		return err
	}
	return f.Close()
}

func (cmd *EquivCommand) usage() {
	fmt.Fprintln(os.Stderr, `
usage: tracediff equiv [arguments] TRACE_A TRACE_B

Arguments:

	-config PATH
	    Read search limits from a YAML config file.
	-a-start N, -a-end N, -b-start N, -b-end N
	    Record range executed for each trace.
	-a-output NAME, -b-output NAME
	    Output compared for each trace. Defaults to the first computed output.
	-max-steps N
	    Search step budget. Overrides the config file. Zero is unlimited.
	-timeout DURATION
	    Search deadline, such as "30s". Overrides the config file.
	-o DIR
	    Write one CVC file per mapping to DIR/formulaN.cvc.
	-v
	    Enable verbose logging.
`[1:])
}
