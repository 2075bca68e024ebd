package main

import (
	"flag"
	"fmt"
	"os"

	"dexaudit/internal/output"
	"dexaudit/internal/typing"
)

func cmdVerify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	app := fs.String("app", "", "APK or DEX file under analysis")
	system := fs.String("system", "", "framework APK or DEX (comma separated)")
	outDir := fs.String("out", "", "output directory")
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

	results := typing.VerifyAll(rp, rp.AppMethods(), typing.Options{Workers: *workers})

	var verified, failed, unverifiable int
	for _, r := range results {
		switch {
		case r.Unverifiable:
			unverifiable++
		case r.Verified:
			verified++
		default:
			failed++
		}
	}

	if err := os.MkdirAll(*outDir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", *outDir, err)
	}
	if err := output.WriteVerifyJSON(*outDir, results); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "%d methods: %d verified, %d failed, %d unverifiable\n",
		len(results), verified, failed, unverifiable)
	return nil
}
