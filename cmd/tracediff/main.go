package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/benbjohnson/tracediff"
	"github.com/benbjohnson/tracediff/trace"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err == flag.ErrHelp {
		os.Exit(1)
	} else if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	var cmd string
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "", "-h", "--help", "help":
		usage()
		return flag.ErrHelp
	case "loops":
		return NewLoopsCommand().Run(ctx, args)
	case "formula":
		return NewFormulaCommand().Run(ctx, args)
	case "equiv":
		return NewEquivCommand().Run(ctx, args)
	default:
		return fmt.Errorf(`tracediff %s: unknown command`, cmd)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `
Tracediff analyzes x86 execution traces.

Usage:

	tracediff <command> [arguments]

The commands are:

	loops       detect loops and export loop instances
	formula     print the formulas computed by a trace range
	equiv       search for a bit correspondence between two formulas
	help        this screen
`[1:])
}

// readTrace reads every record of the trace file at path.
func readTrace(path string) ([]tracediff.Inst, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := trace.NewReader(f, nil)
	insts, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	log.Printf("[trace] %s: %d records, %d lines skipped", path, len(insts), r.Skipped)
	return insts, nil
}

// initLogging sends log output to stderr only in verbose mode.
func initLogging(verbose bool) {
	log.SetFlags(0)
	if verbose {
		log.SetOutput(os.Stderr)
	} else {
		log.SetOutput(io.Discard)
	}
}
