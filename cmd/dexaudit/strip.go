package main

import (
	"flag"
	"fmt"
	"os"

	"dexaudit/internal/callgraph"
	"dexaudit/internal/output"
)

func cmdStrip(args []string) error {
	fs := flag.NewFlagSet("strip", flag.ExitOnError)
	app := fs.String("app", "", "APK or DEX file under analysis")
	system := fs.String("system", "", "framework APK or DEX (comma separated)")
	outDir := fs.String("out", "", "output directory")
	dispatch := fs.Bool("dispatch", false, "expand virtual/interface calls to overrides")
	workers := fs.Int("workers", 0, "parallelism cap")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *app == "" {
		return fmt.Errorf("--app is required")
	}
	if *outDir == "" {
		return fmt.Errorf("--out is required")
	}

	rp, err := loadRepo(*app, *system)
	if err != nil {
		return err
	}

	opts := callgraph.Options{ExpandDispatch: *dispatch, Workers: *workers}
	g, err := callgraph.Build(rp, opts)
	if err != nil {
		return err
	}
	unresolved, err := callgraph.MarkUnresolved(rp, opts)
	if err != nil {
		return err
	}
	res := g.Strip(unresolved, opts)

	if err := os.MkdirAll(*outDir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", *outDir, err)
	}
	if err := output.WriteStripJSON(*outDir, res); err != nil {
		return err
	}
	if err := output.WriteGraphDOT(*outDir, res.Graph, "callgraph (stripped)"); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "%d flagged, %d removed in %d rounds, %d survive\n",
		len(unresolved), len(res.Removed), res.Rounds, len(res.Graph.Nodes))
	return nil
}
