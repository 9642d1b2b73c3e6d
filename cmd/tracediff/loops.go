package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/benbjohnson/tracediff"
	"github.com/benbjohnson/tracediff/loop"
	"github.com/olekukonko/tablewriter"
)

// LoopsCommand represents a command for detecting loops in a trace.
type LoopsCommand struct {
	Stdout io.Writer
}

// NewLoopsCommand returns a new instance of LoopsCommand.
func NewLoopsCommand() *LoopsCommand {
	return &LoopsCommand{Stdout: os.Stdout}
}

// Run executes the "loops" subcommand.
func (cmd *LoopsCommand) Run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("tracediff-loops", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file")
	outDir := fs.String("o", "", "directory for loop instance files")
	unrolled := fs.Bool("unrolled", false, "also scan for unrolled loops")
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

	config, err := ReadConfigFile(*configPath)
	if err != nil {
		return err
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "unrolled" {
			config.Unrolled.Enabled = *unrolled
		}
	})

	insts, err := readTrace(fs.Arg(0))
	if err != nil {
		return err
	}

	d := config.NewDetector()
	loops := d.Detect(insts)
	runs := loop.Runs(loops)

	// Count runs per loop header.
	runsByTarget := make(map[uint32]int)
	for _, run := range runs {
		runsByTarget[run.Target]++
	}

	table := tablewriter.NewWriter(cmd.Stdout)
	table.SetHeader([]string{"Loop", "Header", "Bodies", "Instances", "Runs"})
	for i, lp := range loops {
		table.Append([]string{
			strconv.Itoa(i + 1),
			fmt.Sprintf("%x", lp.Target),
			strconv.Itoa(len(lp.Bodies)),
			strconv.Itoa(len(lp.Instances)),
			strconv.Itoa(runsByTarget[lp.Target]),
		})
	}
	table.Render()

	stats := d.Stats()
	fmt.Fprintf(cmd.Stdout, "loops: %d, back edges: %d, invalid bodies: %d, indirect jumps: %d\n",
		len(loops), stats.BackEdges, stats.InvalidBodies, len(loop.IndirectJumps(insts)))

	if config.Unrolled.Enabled {
		found := loop.FindUnrolled(insts, config.UnrolledBounds())
		for _, u := range found {
			fmt.Fprintf(cmd.Stdout, "unrolled: step=%d line=%d address=%s\n", u.Step, insts[u.Start].ID, insts[u.Start].Addr)
		}
		fmt.Fprintf(cmd.Stdout, "unrolled loops: %d\n", len(found))
	}

	if *outDir == "" {
		return nil
	}
	return cmd.writeInstances(*outDir, insts, loops)
}

// writeInstances writes each loop instance to "loopN.txt" in dir.
func (cmd *LoopsCommand) writeInstances(dir string, insts []tracediff.Inst, loops []*loop.Loop) error {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return err
	}

	n := 1
	for _, lp := range loops {
		for _, b := range lp.Instances {
			path := filepath.Join(dir, fmt.Sprintf("loop%d.txt", n))
			n++

			f, err := os.Create(path)
			if err != nil {
				return err
			}
			if err := loop.WriteInstance(f, insts, b); err != nil {
				f.Close()
				return err
			} else if err := f.Close(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (cmd *LoopsCommand) usage() {
	fmt.Fprintln(os.Stderr, `
usage: tracediff loops [arguments] TRACE

Arguments:

	-config PATH
	    Read limits from a YAML config file.
	-o DIR
	    Write each loop instance to DIR/loopN.txt.
	-unrolled
	    Also scan for unrolled loops. Overrides the config file.
	-v
	    Enable verbose logging.
`[1:])
}
