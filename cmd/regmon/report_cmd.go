package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/mnsf-labs/regmon/pkg/config"
	"github.com/mnsf-labs/regmon/pkg/monitor"
)

// runReportCmd implements `regmon report`: certificate issuance for the most
// recent session. A broken chain or open Shutdown-tier violations refuse the
// certificate with a non-zero exit.
func runReportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("report", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath string
		asJWT      bool
		asJSON     bool
	)
	cmd.StringVar(&configPath, "config", "regmon.yaml", "Path to monitor configuration")
	cmd.BoolVar(&asJWT, "jwt", false, "Print the certificate as an EdDSA-signed JWT")
	cmd.BoolVar(&asJSON, "json", false, "Print the full certificate as JSON")
	if err := cmd.Parse(args); err != nil {
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

	cert, err := m.Report(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: no certificate produced: %v\n", err)
		return 1
	}

	switch {
	case asJWT:
		token, err := m.ExportJWT(cert)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintln(stdout, token)
	case asJSON:
		raw, err := json.MarshalIndent(cert, "", "  ")
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintln(stdout, string(raw))
	default:
		_, _ = fmt.Fprintf(stdout, "certificate %s\n", cert.ID)
		_, _ = fmt.Fprintf(stdout, "  session:     %s\n", cert.SessionID)
		_, _ = fmt.Fprintf(stdout, "  generation:  %s\n", cert.RuleGeneration)
		_, _ = fmt.Fprintf(stdout, "  ledger:      entries %d..%d, head %s\n",
			cert.LedgerRange.FirstSequence, cert.LedgerRange.LastSequence, cert.LedgerRange.LastHash)
		_, _ = fmt.Fprintf(stdout, "  violations:  warning=%d correction=%d shutdown=%d\n",
			cert.ViolationSummary["warning"], cert.ViolationSummary["correction"], cert.ViolationSummary["shutdown"])
		for _, rec := range cert.Recommendations {
			_, _ = fmt.Fprintf(stdout, "  - %s\n", rec)
		}
	}
	return 0
}
