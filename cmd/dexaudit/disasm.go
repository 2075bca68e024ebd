package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"dexaudit/internal/output"
)

func cmdDisasm(args []string) error {
	fs := flag.NewFlagSet("disasm", flag.ExitOnError)
	app := fs.String("app", "", "APK or DEX file under analysis")
	system := fs.String("system", "", "framework APK or DEX (comma separated)")
	outDir := fs.String("out", "", "output directory")
	graph := fs.Bool("graph", false, "write per-method CFG DOT files")

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
	if err := os.MkdirAll(*outDir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", *outDir, err)
	}

	var written, failed int
	for _, m := range rp.AppMethods() {
		name := fileName(m.Class.Name, m.Sig())
		if err := output.WriteListing(*outDir, name, m); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", m.Descriptor(), err)
			failed++
			continue
		}
		if *graph && m.Code != nil {
			if err := output.WriteCFGDOT(*outDir, name, m); err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", m.Descriptor(), err)
				failed++
				continue
			}
		}
		written++
	}

	fmt.Fprintf(os.Stderr, "%d methods written, %d failed\n", written, failed)
	return nil
}

// fileName turns "Lfoo/Bar;" + "baz(II)V" into "foo/Bar/baz_II_V" for
// directory grouping.
func fileName(class, sig string) string {
	cls := strings.TrimSuffix(strings.TrimPrefix(class, "L"), ";")
	clean := strings.NewReplacer("(", "_", ")", "_", ";", "_", "/", "_",
		"[", "a", "<", "", ">", "").Replace(sig)
	return cls + "/" + clean
}
