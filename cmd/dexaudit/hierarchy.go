package main

import (
	"flag"
	"fmt"
	"os"

	"dexaudit/internal/output"
)

func cmdHierarchy(args []string) error {
	fs := flag.NewFlagSet("hierarchy", flag.ExitOnError)
	app := fs.String("app", "", "APK or DEX file under analysis")
	system := fs.String("system", "", "framework APK or DEX (comma separated)")
	outDir := fs.String("out", "", "output directory")

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
	h, err := rp.Hierarchy()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(*outDir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", *outDir, err)
	}
	if err := output.WriteHierarchyDOT(*outDir, h, "class hierarchy"); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "%d classes, %d missing\n",
		len(rp.ClassNames()), len(h.Missing()))
	return nil
}
