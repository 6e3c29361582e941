package main

import (
	"fmt"
	"io"
	"os"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "monitor":
		return runMonitorCmd(args[2:], stdout, stderr)
	case "check":
		return runCheckCmd(args[2:], stdout, stderr)
	case "report":
		return runReportCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "override":
		return runOverrideCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "regmon - regulatory compliance monitor")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  regmon monitor  [--config <file>]              run the continuous evaluation loop")
	fmt.Fprintln(w, "  regmon check    [--config <file>] <module>     evaluate the latest sample for a module")
	fmt.Fprintln(w, "  regmon report   [--config <file>] [--jwt]      issue a signed compliance certificate")
	fmt.Fprintln(w, "  regmon verify   [--config <file>]              recompute the ledger hash chain")
	fmt.Fprintln(w, "  regmon override [--config <file>] --operator <name> --ref <investigation>")
	fmt.Fprintln(w, "                                                 release a halted session")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Exit codes: 0 ok / pass, 1 failure / violation, 2 usage or runtime error")
	fmt.Fprintln(w, "")
}
