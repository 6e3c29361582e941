package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mnsf-labs/regmon/pkg/config"
	"github.com/mnsf-labs/regmon/pkg/monitor"
)

// runMonitorCmd implements `regmon monitor`: the continuous evaluation loop.
// The lab-zone allowlist is checked before anything touches the ledger;
// an unlisted or missing zone refuses to start.
func runMonitorCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("monitor", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var configPath string
	cmd.StringVar(&configPath, "config", "regmon.yaml", "Path to monitor configuration")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if !cfg.ZoneAllowed() {
		_, _ = fmt.Fprintf(stderr, "Error: lab zone %q is not on the allowlist; refusing to start\n", cfg.LabZone)
		return 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m, err := monitor.New(ctx, cfg, nil)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	var srv *monitor.Server
	serverErr := make(chan error, 1)
	if cfg.Listen != "" {
		srv = monitor.NewServer(m, cfg.Listen)
		go func() { serverErr <- srv.ListenAndServe() }()
	}

	_, _ = fmt.Fprintf(stdout, "monitoring session %s in zone %s\n", m.Session().ID, cfg.LabZone)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case s := <-sig:
		_, _ = fmt.Fprintf(stdout, "received %s, shutting down\n", s)
	case err := <-m.Fatal():
		_, _ = fmt.Fprintf(stderr, "Error: unrecoverable ledger failure: %v\n", err)
		exitCode = 1
	case err := <-serverErr:
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: http surface failed: %v\n", err)
			exitCode = 1
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if srv != nil {
		_ = srv.Shutdown(shutdownCtx)
	}

	// Final report on termination; failure here is reported but does not
	// mask the run outcome.
	if exitCode == 0 {
		if cert, err := m.Report(shutdownCtx); err != nil {
			_, _ = fmt.Fprintf(stderr, "Warning: final report failed: %v\n", err)
		} else {
			_, _ = fmt.Fprintf(stdout, "final certificate %s issued\n", cert.ID)
		}
	}

	if err := m.Close(shutdownCtx); err != nil {
		_, _ = fmt.Fprintf(stderr, "Warning: close: %v\n", err)
	}
	return exitCode
}
