package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/mnsf-labs/regmon/pkg/config"
	"github.com/mnsf-labs/regmon/pkg/monitor"
)

// runCheckCmd implements `regmon check <module>`: one offline evaluation
// pass against the latest persisted sample.
//
// Exit codes:
//
//	0 = PASS
//	1 = FAIL or HALTED
//	2 = runtime error (no sample, bad policy)
func runCheckCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("check", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var configPath string
	cmd.StringVar(&configPath, "config", "regmon.yaml", "Path to monitor configuration")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: regmon check [--config <file>] <module>")
		return 2
	}
	module := cmd.Arg(0)

	cfg, err := config.Load(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	res, err := monitor.Inspect(context.Background(), cfg, module)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	switch {
	case res.Halted:
		_, _ = fmt.Fprintf(stdout, "HALTED %s (sample at %s)\n", module, res.SampleAt.Format("2006-01-02T15:04:05Z07:00"))
	case res.Pass:
		_, _ = fmt.Fprintf(stdout, "PASS %s (sample at %s)\n", module, res.SampleAt.Format("2006-01-02T15:04:05Z07:00"))
		return 0
	default:
		_, _ = fmt.Fprintf(stdout, "FAIL %s (sample at %s)\n", module, res.SampleAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	for _, f := range res.Findings {
		_, _ = fmt.Fprintf(stdout, "  %s %s: observed %v (deviation %.4g) %s\n",
			f.Severity.String(), f.RuleID, f.Observed, f.Deviation, f.Detail)
	}
	return 1
}
