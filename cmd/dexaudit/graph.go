package main

import (
	"flag"
	"fmt"
	"os"
	"regexp"

	"dexaudit/internal/callgraph"
	"dexaudit/internal/output"
)

func cmdGraph(args []string) error {
	fs := flag.NewFlagSet("graph", flag.ExitOnError)
	app := fs.String("app", "", "APK or DEX file under analysis")
	system := fs.String("system", "", "framework APK or DEX (comma separated)")
	outDir := fs.String("out", "", "output directory")
	classPat := fs.String("class", "", "keep methods reaching a matching class")
	methodPat := fs.String("method", "", "keep methods reaching a matching method name")
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

	var classRe, methodRe *regexp.Regexp
	var err error
	if *classPat != "" {
		if classRe, err = regexp.Compile(*classPat); err != nil {
			return fmt.Errorf("--class: %w", err)
		}
	}
	if *methodPat != "" {
		if methodRe, err = regexp.Compile(*methodPat); err != nil {
			return fmt.Errorf("--method: %w", err)
		}
	}

	rp, err := loadRepo(*app, *system)
	if err != nil {
		return err
	}

	g, err := callgraph.Build(rp, callgraph.Options{
		ExpandDispatch: *dispatch,
		Workers:        *workers,
	})
	if err != nil {
		return err
	}
	total := len(g.Nodes)
	if classRe != nil || methodRe != nil {
		g = g.Filter(classRe, methodRe)
	}

	if err := os.MkdirAll(*outDir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", *outDir, err)
	}
	if err := output.WriteGraphDOT(*outDir, g, "callgraph"); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "%d nodes (%d before filter), %d calls\n",
		len(g.Nodes), total, len(g.Calls))
	return nil
}
