package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnsf-labs/regmon/pkg/config"
	"github.com/mnsf-labs/regmon/pkg/ledger"
	"github.com/mnsf-labs/regmon/pkg/telemetry"
)

const monitorPolicy = `
version: "1.0.0"
compliance_level: lab
defaults:
  debounce_count: 3
  clear_count: 2
  escalation_threshold: 5
  sample_defaults:
    frequency_hz: 1575420000
    tx_power_dbm: -40
    cn0_db: 45
rules:
  - id: rf-tx-power
    parameter: tx_power_dbm
    kind: range
    limit: -30
    tolerance: 0
    severity: shutdown
    modules: [rf]
  - id: gnss-cn0
    parameter: cn0_db
    kind: range
    limit: 35
    tolerance: 5
    severity: warning
    modules: [gnss]
`

// recordingHooks tracks enforcement invocations.
type recordingHooks struct {
	mu      sync.Mutex
	adjusts []string
	stops   []string
}

func (h *recordingHooks) Adjust(ctx context.Context, ruleID string, target float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.adjusts = append(h.adjusts, ruleID)
	return nil
}

func (h *recordingHooks) HardStop(ctx context.Context, module string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stops = append(h.stops, module)
	return nil
}

func (h *recordingHooks) stopCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.stops)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	policyPath := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(policyPath, []byte(monitorPolicy), 0o600))

	cfg := config.Default()
	cfg.LabZone = "zone-a"
	cfg.AllowedZones = []string{"zone-a"}
	cfg.PolicyPath = policyPath
	cfg.LedgerPath = filepath.Join(dir, "ledger.jsonl")
	cfg.CertDir = filepath.Join(dir, "certs")
	cfg.KeyPath = filepath.Join(dir, "signing.key")
	cfg.SamplesDir = filepath.Join(dir, "samples")
	cfg.ReportEvery = 0
	return cfg
}

func newTestMonitor(t *testing.T, cfg *config.Config, hooks *recordingHooks) *Monitor {
	t.Helper()
	m, err := New(context.Background(), cfg, hooks)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func rfSample(power float64) telemetry.Raw {
	return telemetry.Raw{Module: "rf", Values: map[string]any{"tx_power_dbm": power}}
}

func gnssSample(cn0 float64) telemetry.Raw {
	return telemetry.Raw{Module: "gnss", Values: map[string]any{"cn0_db": cn0}}
}

func TestImmediateShutdownScenario(t *testing.T) {
	cfg := testConfig(t)
	hooks := &recordingHooks{}
	m := newTestMonitor(t, cfg, hooks)
	ctx := context.Background()

	// tx_power_dbm=-10 against limit -30 tolerance 0: one finding, no
	// debounce, hard stop, session halted.
	require.NoError(t, m.Submit(ctx, rfSample(-10)))

	assert.Equal(t, []string{"rf"}, hooks.stops)
	assert.True(t, m.Session().Halted())

	st := m.Status()
	require.Len(t, st.OpenEvents, 1)
	assert.Equal(t, "rf-tx-power", st.OpenEvents[0].RuleID)

	check, err := m.Check("rf")
	require.NoError(t, err)
	assert.True(t, check.Halted)
	assert.False(t, check.Pass)

	// Halted session keeps ingesting and ledgering but fires no new hooks.
	require.NoError(t, m.Submit(ctx, rfSample(-10)))
	assert.Equal(t, 1, hooks.stopCount())

	require.NoError(t, m.Ledger().Verify(0, -1))
}

func TestDebounceScenario(t *testing.T) {
	cfg := testConfig(t)
	hooks := &recordingHooks{}
	m := newTestMonitor(t, cfg, hooks)
	ctx := context.Background()

	// One sample at 28 alone raises nothing.
	require.NoError(t, m.Submit(ctx, gnssSample(28)))
	assert.Empty(t, m.Status().OpenEvents)

	// Three consecutive samples open one Warning with consecutive_count=3.
	require.NoError(t, m.Submit(ctx, gnssSample(28)))
	require.NoError(t, m.Submit(ctx, gnssSample(28)))

	st := m.Status()
	require.Len(t, st.OpenEvents, 1)
	assert.Equal(t, "gnss-cn0", st.OpenEvents[0].RuleID)
	assert.Equal(t, 3, st.OpenEvents[0].ConsecutiveCount)
	assert.False(t, m.Session().Halted())
	assert.Equal(t, 0, hooks.stopCount())
}

func TestMalformedSampleIsDroppedNotFatal(t *testing.T) {
	cfg := testConfig(t)
	m := newTestMonitor(t, cfg, &recordingHooks{})
	ctx := context.Background()

	err := m.Submit(ctx, telemetry.Raw{Values: map[string]any{"x": 1}})
	require.ErrorIs(t, err, telemetry.ErrMalformedSample)
	assert.False(t, m.Session().Halted())

	// Next good sample still flows.
	require.NoError(t, m.Submit(ctx, gnssSample(40)))
}

func TestLedgerRecordsPipeline(t *testing.T) {
	cfg := testConfig(t)
	m := newTestMonitor(t, cfg, &recordingHooks{})
	ctx := context.Background()

	require.NoError(t, m.Submit(ctx, rfSample(-10)))

	var types []ledger.EntryType
	for _, e := range m.Ledger().Entries(0, -1) {
		types = append(types, e.EntryType)
	}
	assert.Equal(t, []ledger.EntryType{
		ledger.TypePolicyLoaded,
		ledger.TypeSampleIngested,
		ledger.TypeViolationRaised,
		ledger.TypeActionTaken,
	}, types)
}

func TestRestartResumesHaltedSession(t *testing.T) {
	cfg := testConfig(t)
	hooks := &recordingHooks{}
	ctx := context.Background()

	m, err := New(ctx, cfg, hooks)
	require.NoError(t, err)
	require.NoError(t, m.Submit(ctx, rfSample(-10)))
	sessionID := m.Session().ID
	require.True(t, m.Session().Halted())
	require.NoError(t, m.Close(ctx))

	m2 := newTestMonitor(t, cfg, hooks)
	assert.Equal(t, sessionID, m2.Session().ID)
	assert.True(t, m2.Session().Halted())
}

func TestOverrideReleasesAndLedgers(t *testing.T) {
	cfg := testConfig(t)
	hooks := &recordingHooks{}
	m := newTestMonitor(t, cfg, hooks)
	ctx := context.Background()

	require.NoError(t, m.Submit(ctx, rfSample(-10)))
	require.True(t, m.Session().Halted())

	require.NoError(t, m.Override(ctx, "operator", "INV-42"))
	assert.False(t, m.Session().Halted())
	assert.Empty(t, m.Status().OpenEvents)

	entries := m.Ledger().Entries(0, -1)
	var sawOverride bool
	for _, e := range entries {
		if e.EntryType == ledger.TypeManualOverride {
			sawOverride = true
		}
	}
	assert.True(t, sawOverride)
	require.NoError(t, m.Ledger().Verify(0, -1))
}

func TestRestartAfterOverrideIsNotHalted(t *testing.T) {
	cfg := testConfig(t)
	hooks := &recordingHooks{}
	ctx := context.Background()

	m, err := New(ctx, cfg, hooks)
	require.NoError(t, err)
	require.NoError(t, m.Submit(ctx, rfSample(-10)))
	require.NoError(t, m.Override(ctx, "operator", "INV-42"))
	require.NoError(t, m.Close(ctx))

	m2 := newTestMonitor(t, cfg, hooks)
	assert.False(t, m2.Session().Halted())
}

func TestReportProducesVerifiableCertificate(t *testing.T) {
	cfg := testConfig(t)
	m := newTestMonitor(t, cfg, &recordingHooks{})
	ctx := context.Background()

	require.NoError(t, m.Submit(ctx, gnssSample(40)))
	cert, err := m.Report(ctx)
	require.NoError(t, err)

	ok, err := cert.VerifySignature()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, m.Session().ID, cert.SessionID)

	// Issuance itself is ledgered.
	entries := m.Ledger().Entries(0, -1)
	assert.Equal(t, ledger.TypeCertificateIssued, entries[len(entries)-1].EntryType)

	// And persisted.
	files, err := os.ReadDir(cfg.CertDir)
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestPeriodicReporting(t *testing.T) {
	cfg := testConfig(t)
	cfg.ReportEvery = 5
	m := newTestMonitor(t, cfg, &recordingHooks{})
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		require.NoError(t, m.Submit(ctx, gnssSample(40)))
	}

	files, err := os.ReadDir(cfg.CertDir)
	require.NoError(t, err)
	assert.NotEmpty(t, files)
}

func TestCheckWithoutSample(t *testing.T) {
	cfg := testConfig(t)
	m := newTestMonitor(t, cfg, &recordingHooks{})

	_, err := m.Check("gnss")
	require.ErrorIs(t, err, ErrNoSample)
}

func TestCheckPassAndFail(t *testing.T) {
	cfg := testConfig(t)
	m := newTestMonitor(t, cfg, &recordingHooks{})
	ctx := context.Background()

	require.NoError(t, m.Submit(ctx, gnssSample(40)))
	res, err := m.Check("gnss")
	require.NoError(t, err)
	assert.True(t, res.Pass)

	require.NoError(t, m.Submit(ctx, gnssSample(20)))
	res, err = m.Check("gnss")
	require.NoError(t, err)
	assert.False(t, res.Pass)
	require.Len(t, res.Findings, 1)
	assert.Equal(t, "gnss-cn0", res.Findings[0].RuleID)
}

func TestHTTPSurface(t *testing.T) {
	cfg := testConfig(t)
	m := newTestMonitor(t, cfg, &recordingHooks{})
	srv := NewServer(m, "127.0.0.1:0")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body, _ := json.Marshal(telemetry.Raw{Module: "gnss", Values: map[string]any{"cn0_db": 40.0}})
	resp, err := ts.Client().Post(ts.URL+"/v1/samples", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 202, resp.StatusCode)

	resp, err = ts.Client().Get(ts.URL + "/v1/status")
	require.NoError(t, err)
	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	assert.Equal(t, m.Session().ID, st.SessionID)
	assert.False(t, st.Halted)

	// Override on a running session conflicts.
	ov, _ := json.Marshal(map[string]string{"operator": "op", "investigation_ref": "INV-1"})
	resp, err = ts.Client().Post(ts.URL+"/v1/override", "application/json", bytes.NewReader(ov))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 409, resp.StatusCode)
}

func TestOverRateRaisesSelfFinding(t *testing.T) {
	cfg := testConfig(t)
	cfg.IntakeRate = 1
	cfg.IntakeBurst = 1
	m := newTestMonitor(t, cfg, &recordingHooks{})
	ctx := context.Background()

	require.NoError(t, m.Submit(ctx, gnssSample(40)))
	err := m.Submit(ctx, gnssSample(40))
	require.ErrorIs(t, err, telemetry.ErrOverRate)

	var sawStorm bool
	for _, e := range m.Ledger().Entries(0, -1) {
		if e.EntryType != ledger.TypeViolationRaised {
			continue
		}
		var p struct {
			RuleID string `json:"rule_id"`
		}
		require.NoError(t, json.Unmarshal(e.Payload, &p))
		if p.RuleID == SelfRuleStorm {
			sawStorm = true
		}
	}
	assert.True(t, sawStorm)
	assert.False(t, m.Session().Halted())
}

func TestCanceledSubmitDoesNotHaltSession(t *testing.T) {
	cfg := testConfig(t)
	m := newTestMonitor(t, cfg, &recordingHooks{})

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 10; i++ {
		err := m.Submit(canceled, gnssSample(40))
		if err != nil {
			require.ErrorIs(t, err, context.Canceled)
		}
	}

	assert.False(t, m.Session().Halted())
	select {
	case err := <-m.Fatal():
		t.Fatalf("caller cancellation reported as fatal: %v", err)
	default:
	}
}

func TestAppendFailureClassification(t *testing.T) {
	cfg := testConfig(t)
	m := newTestMonitor(t, cfg, &recordingHooks{})
	ctx := context.Background()

	// Overflow and caller-side cancellation pass through without touching
	// the halt gate.
	overflow := fmt.Errorf("%w: queue full (1 dropped)", ledger.ErrOverflow)
	require.ErrorIs(t, m.appendFailure(ctx, overflow), ledger.ErrOverflow)
	assert.False(t, m.Session().Halted())

	require.ErrorIs(t, m.appendFailure(ctx, context.Canceled), context.Canceled)
	assert.False(t, m.Session().Halted())

	require.ErrorIs(t, m.appendFailure(ctx, ledger.ErrClosed), ledger.ErrClosed)
	assert.False(t, m.Session().Halted())

	// Unconfirmed durable persistence halts and signals the run loop.
	write := fmt.Errorf("%w: disk full", ledger.ErrWrite)
	require.ErrorIs(t, m.appendFailure(ctx, write), ledger.ErrWrite)
	assert.True(t, m.Session().Halted())
	select {
	case err := <-m.Fatal():
		require.ErrorIs(t, err, ledger.ErrWrite)
	default:
		t.Fatal("expected fatal signal after write failure")
	}
}

func TestLedgerOverflowRaisesSelfFinding(t *testing.T) {
	cfg := testConfig(t)
	m := newTestMonitor(t, cfg, &recordingHooks{})
	ctx := context.Background()

	// The overflow callback fires while the queue is full, so the finding
	// is deferred to the next submit that finds room.
	m.onLedgerOverflow(1)
	require.NoError(t, m.Submit(ctx, gnssSample(40)))

	var sawStorm bool
	for _, e := range m.Ledger().Entries(0, -1) {
		if e.EntryType != ledger.TypeViolationRaised {
			continue
		}
		var p struct {
			RuleID   string `json:"rule_id"`
			Severity string `json:"severity"`
		}
		require.NoError(t, json.Unmarshal(e.Payload, &p))
		if p.RuleID == SelfRuleStorm {
			sawStorm = true
			assert.Equal(t, "correction", p.Severity)
		}
	}
	assert.True(t, sawStorm)
	assert.False(t, m.Session().Halted())

	// One finding per overflow burst, not one per subsequent sample.
	require.NoError(t, m.Submit(ctx, gnssSample(40)))
	var stormCount int
	for _, e := range m.Ledger().Entries(0, -1) {
		if e.EntryType != ledger.TypeViolationRaised {
			continue
		}
		var p struct {
			RuleID string `json:"rule_id"`
		}
		require.NoError(t, json.Unmarshal(e.Payload, &p))
		if p.RuleID == SelfRuleStorm {
			stormCount++
		}
	}
	assert.Equal(t, 1, stormCount)
}

func TestCheckRequiresSamplesDir(t *testing.T) {
	cfg := testConfig(t)
	cfg.SamplesDir = ""
	m := newTestMonitor(t, cfg, &recordingHooks{})

	_, err := m.Check("gnss")
	require.ErrorIs(t, err, ErrNoSamplesDir)

	_, err = Inspect(context.Background(), cfg, "gnss")
	require.ErrorIs(t, err, ErrNoSamplesDir)
}
