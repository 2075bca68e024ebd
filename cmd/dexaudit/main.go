package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "info":
		err = cmdInfo(os.Args[2:])
	case "verify":
		err = cmdVerify(os.Args[2:])
	case "graph":
		err = cmdGraph(os.Args[2:])
	case "strip":
		err = cmdStrip(os.Args[2:])
	case "disasm":
		err = cmdDisasm(os.Args[2:])
	case "hierarchy":
		err = cmdHierarchy(os.Args[2:])
	case "help", "-h", "--help":
		usage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `dexaudit: DEX bytecode static analyzer

Usage:
  dexaudit info      --app <path>                      Print container counts
  dexaudit verify    --app <path> --out <dir>          Verify all app methods
  dexaudit graph     --app <path> --out <dir>          Build whole-app call graph
  dexaudit strip     --app <path> --out <dir>          Strip unresolvable methods
  dexaudit disasm    --app <path> --out <dir>          Per-method disassembly and CFG
  dexaudit hierarchy --app <path> --out <dir>          Export class hierarchy

Flags:
  --app <path>        APK or DEX file under analysis
  --system <path>     APK or DEX providing framework classes (repeatable via comma)
  --out <dir>         Output directory
  --class <regex>     Filter: keep methods reaching a matching class
  --method <regex>    Filter: keep methods reaching a matching method name
  --dispatch          Expand virtual/interface calls to overrides
  --workers <n>       Parallelism cap
`)
}
