package main

import (
	"flag"
	"fmt"

	"dexaudit/internal/repo"
)

func cmdInfo(args []string) error {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	app := fs.String("app", "", "APK or DEX file under analysis")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *app == "" {
		return fmt.Errorf("--app is required")
	}

	files, err := openDexes(*app)
	if err != nil {
		return err
	}

	rp := repo.New()
	for i, f := range files {
		strs, types, protos, fields, methods := f.Counts()
		fmt.Printf("dex %d: %d strings, %d types, %d protos, %d fields, %d methods, %d classes\n",
			i, strs, types, protos, fields, methods, len(f.Classes))
		if err := rp.Register(f, repo.OriginApp); err != nil {
			return err
		}
	}
	if err := rp.Close(); err != nil {
		return err
	}
	h, err := rp.Hierarchy()
	if err != nil {
		return err
	}
	fmt.Printf("total: %d classes, %d missing supertypes\n",
		len(rp.ClassNames()), len(h.Missing()))

	var withCode int
	for _, m := range rp.AppMethods() {
		if m.Code != nil {
			withCode++
		}
	}
	fmt.Printf("methods with code: %d\n", withCode)
	return nil
}
