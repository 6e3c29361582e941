package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/mnsf-labs/regmon/pkg/config"
	"github.com/mnsf-labs/regmon/pkg/monitor"
)

// runOverrideCmd implements `regmon override`: records the operator's
// manual-override entry and releases a halted session. Refused without an
// investigation reference.
func runOverrideCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("override", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath string
		operator   string
		ref        string
	)
	cmd.StringVar(&configPath, "config", "regmon.yaml", "Path to monitor configuration")
	cmd.StringVar(&operator, "operator", "", "Operator recording the override (REQUIRED)")
	cmd.StringVar(&ref, "ref", "", "Investigation reference (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if operator == "" || ref == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --operator and --ref are required")
		return 2
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx := context.Background()
	m, err := monitor.New(ctx, cfg, nil)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = m.Close(ctx) }()

	if err := m.Override(ctx, operator, ref); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "session %s released by %s (ref %s)\n", m.Session().ID, operator, ref)
	return 0
}
