package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mnsf-labs/regmon/pkg/config"
	"github.com/mnsf-labs/regmon/pkg/policy"
	"github.com/mnsf-labs/regmon/pkg/rules"
	"github.com/mnsf-labs/regmon/pkg/telemetry"
)

// Inspect runs one offline evaluation pass for `check`: it reads the latest
// persisted sample and the ledger without appending anything, so repeated
// checks leave no trace in the audit chain.
func Inspect(ctx context.Context, cfg *config.Config, module string) (*CheckResult, error) {
	if cfg.SamplesDir == "" {
		return nil, ErrNoSamplesDir
	}
	store, err := policy.NewStore()
	if err != nil {
		return nil, err
	}
	snap, err := store.Load(cfg.PolicyPath)
	if err != nil {
		return nil, err
	}
	eval, err := rules.NewEvaluator()
	if err != nil {
		return nil, err
	}
	if err := eval.Prime(snap); err != nil {
		return nil, fmt.Errorf("%w: %v", policy.ErrLoad, err)
	}

	backend, err := openBackend(cfg)
	if err != nil {
		return nil, err
	}
	entries, err := backend.Load(ctx)
	_ = backend.Close()
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	rs := Replay(entries)

	path := filepath.Join(cfg.SamplesDir, module+".json")
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoSample, module)
		}
		return nil, err
	}
	var sample telemetry.Sample
	if err := json.Unmarshal(raw, &sample); err != nil {
		return nil, fmt.Errorf("corrupt sample record %s: %w", path, err)
	}

	findings := eval.Evaluate(&sample, snap)
	return &CheckResult{
		Module:   module,
		Halted:   rs.Halted,
		Pass:     len(findings) == 0 && !rs.Halted,
		SampleAt: sample.Wall,
		Findings: findings,
	}, nil
}
