// Package monitor wires the compliance pipeline together: intake, evaluation,
// classification, enforcement, and the audit ledger, all sharing one session.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mnsf-labs/regmon/pkg/certificate"
	"github.com/mnsf-labs/regmon/pkg/classify"
	"github.com/mnsf-labs/regmon/pkg/config"
	"github.com/mnsf-labs/regmon/pkg/enforce"
	"github.com/mnsf-labs/regmon/pkg/ledger"
	"github.com/mnsf-labs/regmon/pkg/observability"
	"github.com/mnsf-labs/regmon/pkg/policy"
	"github.com/mnsf-labs/regmon/pkg/rules"
	"github.com/mnsf-labs/regmon/pkg/session"
	"github.com/mnsf-labs/regmon/pkg/telemetry"
)

// SelfRuleStorm is the pseudo rule id for findings the monitor raises
// against itself when intake or the ledger queue signals overload.
const SelfRuleStorm = "monitor-telemetry-storm"

// Monitor owns the full evaluation pipeline for one session.
type Monitor struct {
	cfg    *config.Config
	store  *policy.Store
	intake *telemetry.Intake
	eval   *rules.Evaluator
	class  *classify.Classifier
	sess   *session.State
	led    *ledger.Ledger
	act    *enforce.Actuator
	issuer *certificate.Issuer
	obs    *observability.Provider

	mu             sync.Mutex
	lastReportLen  int
	lastReportPath string

	stormPending atomic.Bool

	fatal  chan error
	logger *slog.Logger
}

// ReplayState is what a prior run's ledger tells a restart.
type ReplayState struct {
	SessionID  string
	Halted     bool
	HaltReason string
}

// Replay derives the resume state: the session continues, and a hard stop
// with no later manual override keeps the gate closed.
func Replay(entries []*ledger.Entry) ReplayState {
	var rs ReplayState
	for _, e := range entries {
		rs.SessionID = e.Session
		switch e.EntryType {
		case ledger.TypeActionTaken:
			var res enforce.ActionResult
			if err := json.Unmarshal(e.Payload, &res); err != nil {
				continue
			}
			if res.Status == enforce.StatusStopped {
				rs.Halted = true
				rs.HaltReason = fmt.Sprintf("unresolved hard stop of %s (rule %s)", res.Module, res.RuleID)
			}
		case ledger.TypeManualOverride:
			rs.Halted = false
			rs.HaltReason = ""
		}
	}
	return rs
}

// New builds a monitor from configuration: loads the policy, opens and
// verifies the ledger, and restores the session from replay.
func New(ctx context.Context, cfg *config.Config, hooks enforce.Hooks) (*Monitor, error) {
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
	existing, err := backend.Load(ctx)
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	rs := Replay(existing)

	var sess *session.State
	if rs.SessionID != "" {
		sess = session.Resume(rs.SessionID, snap.Generation, cfg.LabZone, rs.Halted, rs.HaltReason)
	} else {
		sess = session.New(snap.Generation, cfg.LabZone)
	}

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: policy.MonitorVersion,
		OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
		Enabled:        cfg.Observability.Enabled,
		Insecure:       cfg.Observability.Insecure,
	})
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	m := &Monitor{
		cfg:    cfg,
		store:  store,
		intake: telemetry.NewIntake(store, cfg.IntakeRate, cfg.IntakeBurst),
		eval:   eval,
		class:  classify.NewClassifier(),
		sess:   sess,
		obs:    obs,
		fatal:  make(chan error, 1),
		logger: slog.Default().With("component", "monitor"),
	}

	m.led, err = ledger.Open(ctx, sess.ID, backend, ledger.Options{
		QueueDepth: cfg.QueueDepth,
		OnOverflow: m.onLedgerOverflow,
	})
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	if hooks == nil {
		hooks = enforce.NewExecHooks(cfg.AdjustCommand, cfg.HardStopCommand)
	}
	m.act = enforce.NewActuator(hooks, sess, cfg.HookTimeout.Std())

	signer, err := certificate.LoadOrGenerate(cfg.KeyPath)
	if err != nil {
		_ = m.led.Close()
		return nil, err
	}
	m.issuer = certificate.NewIssuer(signer, m.led, certificate.IssuerOptions{
		RequireClean: cfg.RequireCleanCertificate || snap.RequireCleanShutdown,
		OpenShutdown: m.class.OpenShutdownCount,
	})

	if _, err := m.led.Append(ctx, ledger.TypePolicyLoaded, map[string]any{
		"generation":   snap.Generation,
		"version":      snap.Version,
		"content_hash": snap.ContentHash,
		"level":        string(snap.Level),
		"rules":        len(snap.Rules),
	}); err != nil {
		_ = m.led.Close()
		return nil, err
	}
	m.mu.Lock()
	m.lastReportLen = m.led.Len()
	m.mu.Unlock()

	m.logger.Info("monitor ready",
		"session", sess.ID,
		"generation", snap.Generation,
		"level", string(snap.Level),
		"halted", sess.Halted(),
		"ledger_entries", m.led.Len())
	return m, nil
}

func openBackend(cfg *config.Config) (ledger.Backend, error) {
	switch cfg.LedgerBackend {
	case "", "file":
		return ledger.NewFileBackend(cfg.LedgerPath)
	case "sqlite":
		return ledger.NewSQLiteBackend(cfg.LedgerPath)
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.LedgerBackend)
	}
}

// Session exposes the session state to the control surface.
func (m *Monitor) Session() *session.State { return m.sess }

// Ledger exposes the ledger for verification commands.
func (m *Monitor) Ledger() *ledger.Ledger { return m.led }

// Fatal yields the unrecoverable error that should terminate the run loop.
func (m *Monitor) Fatal() <-chan error { return m.fatal }

// Submit runs one raw sample through the full pipeline. Recoverable errors
// (malformed, over-rate, ledger queue overflow, caller cancellation) are
// returned to the pusher after being counted; only a confirmed ledger write
// failure is fatal.
func (m *Monitor) Submit(ctx context.Context, raw telemetry.Raw) error {
	sample, err := m.intake.Ingest(raw)
	if err != nil {
		switch {
		case errors.Is(err, telemetry.ErrOverRate):
			m.obs.RecordDroppedSample(ctx, raw.Module, "over_rate")
			m.raiseSelfFinding(ctx, fmt.Sprintf("intake over rate for module %s", raw.Module))
		case errors.Is(err, telemetry.ErrMalformedSample):
			m.obs.RecordDroppedSample(ctx, raw.Module, "malformed")
			m.logger.Warn("sample dropped", "module", raw.Module, "error", err)
		}
		return err
	}
	m.obs.RecordSample(ctx, sample.Module)
	m.flushStormFinding(ctx)

	if _, err := m.led.Append(ctx, ledger.TypeSampleIngested, map[string]any{
		"module": sample.Module,
		"wall":   sample.Wall,
		"digest": sample.Digest,
		"values": sample.Values,
	}); err != nil {
		return m.appendFailure(ctx, err)
	}

	snap := m.store.Current()
	findings := m.eval.Evaluate(sample, snap)
	m.obs.RecordFindings(ctx, sample.Module, len(findings))

	byRule := make(map[string]*rules.Finding, len(findings))
	for i := range findings {
		byRule[findings[i].RuleID] = &findings[i]
	}

	var toEnforce *classify.Transition
	for _, r := range snap.RulesFor(sample.Module) {
		tr := m.class.Observe(r, snap, byRule[r.ID])
		if tr == nil {
			continue
		}
		if err := m.appendTransition(ctx, tr); err != nil {
			return err
		}
		switch tr.Kind {
		case classify.TransitionRaised, classify.TransitionEscalated:
			if toEnforce == nil || tr.Event.Severity > toEnforce.Event.Severity {
				toEnforce = tr
			}
		}
	}

	if toEnforce != nil {
		if err := m.enforce(ctx, toEnforce, sample.Module, snap); err != nil {
			return err
		}
	}

	m.persistLatest(sample)
	m.maybeReport(ctx)
	return nil
}

func (m *Monitor) appendTransition(ctx context.Context, tr *classify.Transition) error {
	payload := map[string]any{
		"kind":     string(tr.Kind),
		"rule_id":  tr.Event.RuleID,
		"severity": tr.Event.Severity.String(),
		"event":    tr.Event,
	}
	if tr.Finding != nil {
		payload["finding"] = tr.Finding
	}
	if _, err := m.led.Append(ctx, ledger.TypeViolationRaised, payload); err != nil {
		return m.appendFailure(ctx, err)
	}
	m.obs.RecordViolation(ctx, tr.Event.Severity.String(), string(tr.Kind))
	switch tr.Kind {
	case classify.TransitionRaised:
		m.obs.AddOpenViolations(ctx, 1)
	case classify.TransitionCleared, classify.TransitionOverride:
		m.obs.AddOpenViolations(ctx, -1)
	}
	return nil
}

func (m *Monitor) enforce(ctx context.Context, tr *classify.Transition, module string, snap *policy.Snapshot) error {
	r := snap.Rule(tr.Event.RuleID)
	if r == nil {
		// Self-findings have no policy rule; a synthetic one carries the
		// severity through the actuator.
		r = &policy.Rule{ID: tr.Event.RuleID, Severity: tr.Event.Severity}
	}
	res := m.act.Enforce(ctx, &tr.Event, r, module)
	m.obs.RecordAction(ctx, string(res.Status), res.Escalated)

	if res.Escalated {
		if esc := m.class.ForceShutdown(tr.Event.RuleID); esc != nil {
			if err := m.appendTransition(ctx, esc); err != nil {
				return err
			}
		}
	}
	if _, err := m.led.Append(ctx, ledger.TypeActionTaken, res); err != nil {
		return m.appendFailure(ctx, err)
	}
	return nil
}

// raiseSelfFinding records a Correction-tier finding against the monitor
// itself. Enforcement is log-only here: the storm is evidence, not a
// transmission hazard.
func (m *Monitor) raiseSelfFinding(ctx context.Context, detail string) {
	payload := map[string]any{
		"kind":     string(classify.TransitionRaised),
		"rule_id":  SelfRuleStorm,
		"severity": policy.SeverityCorrection.String(),
		"detail":   detail,
	}
	if _, err := m.led.Append(ctx, ledger.TypeViolationRaised, payload); err != nil {
		if errors.Is(err, ledger.ErrOverflow) {
			// Queue is still full; retry on the next flush.
			m.stormPending.Store(true)
		}
		m.logger.Error("failed to ledger self-finding", "detail", detail, "error", err)
		return
	}
	m.obs.RecordViolation(ctx, policy.SeverityCorrection.String(), string(classify.TransitionRaised))
	m.logger.Warn("monitor self-finding raised", "rule", SelfRuleStorm, "detail", detail)
}

// onLedgerOverflow runs on the submitting goroutine at the instant a drop
// happens. The self-finding cannot be ledgered here: the drop happened
// precisely because the queue is full. It is deferred until the next submit
// finds room.
func (m *Monitor) onLedgerOverflow(dropped uint64) {
	m.stormPending.Store(true)
	m.obs.RecordLedgerDrop(context.Background())
	m.logger.Error("ledger queue overflow", "dropped", dropped)
}

// flushStormFinding raises the deferred overflow finding once the queue has
// drained enough to record it.
func (m *Monitor) flushStormFinding(ctx context.Context) {
	if m.stormPending.CompareAndSwap(true, false) {
		m.raiseSelfFinding(ctx,
			fmt.Sprintf("ledger queue overflow (%d entries dropped)", m.led.Dropped()))
	}
}

// appendFailure classifies a failed append. Queue overflow is recoverable
// (persistence is healthy, the monitor is overloaded) and so is caller-side
// cancellation, where the writer still persists the entry. Anything else
// means durability is gone and the session halts.
func (m *Monitor) appendFailure(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, ledger.ErrOverflow):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, ledger.ErrClosed):
		return err
	}
	return m.ledgerFailure(ctx, err)
}

// ledgerFailure handles an unconfirmed append: the audit trail can no longer
// be trusted, so the session halts and the run loop is told to exit.
func (m *Monitor) ledgerFailure(ctx context.Context, err error) error {
	m.sess.Halt(fmt.Sprintf("ledger write failure: %v", err))
	select {
	case m.fatal <- err:
	default:
	}
	m.logger.Error("unrecoverable ledger failure, session halted", "error", err)
	return err
}

// Override releases a halted session on operator authority. The override is
// ledgered and open Shutdown-tier events are cleared.
func (m *Monitor) Override(ctx context.Context, operator, investigationRef string) error {
	ov, err := m.sess.Release(operator, investigationRef)
	if err != nil {
		return err
	}
	if _, err := m.led.Append(ctx, ledger.TypeManualOverride, ov); err != nil {
		return m.appendFailure(ctx, err)
	}
	for _, ev := range m.class.OpenEvents() {
		if ev.Severity != policy.SeverityShutdown {
			continue
		}
		if tr := m.class.ManualOverride(ev.RuleID); tr != nil {
			if err := m.appendTransition(ctx, tr); err != nil {
				return err
			}
		}
	}
	m.logger.Warn("session released", "operator", operator, "ref", investigationRef)
	return nil
}

// Report issues a certificate over the current chain, ledgers the issuance,
// and persists the certificate to the certificate directory.
func (m *Monitor) Report(ctx context.Context) (*certificate.Certificate, error) {
	cert, err := m.issuer.Issue(ctx, m.sess.ID, m.sess.Generation)
	if err != nil {
		return nil, err
	}
	if _, err := m.led.Append(ctx, ledger.TypeCertificateIssued, map[string]any{
		"certificate_id": cert.ID,
		"supersedes":     cert.Supersedes,
		"last_sequence":  cert.LedgerRange.LastSequence,
		"last_hash":      cert.LedgerRange.LastHash,
	}); err != nil {
		return nil, m.appendFailure(ctx, err)
	}

	if m.cfg.CertDir != "" {
		if path, err := m.writeCertificate(cert); err != nil {
			m.logger.Error("failed to persist certificate", "error", err)
		} else {
			m.mu.Lock()
			m.lastReportPath = path
			m.mu.Unlock()
		}
	}
	m.mu.Lock()
	m.lastReportLen = m.led.Len()
	m.mu.Unlock()
	return cert, nil
}

func (m *Monitor) writeCertificate(cert *certificate.Certificate) (string, error) {
	if err := os.MkdirAll(m.cfg.CertDir, 0o755); err != nil {
		return "", err
	}
	raw, err := json.MarshalIndent(cert, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(m.cfg.CertDir,
		fmt.Sprintf("certificate_%s_%s.json", cert.IssuedAt.Format("20060102_150405"), cert.ID[:8]))
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// ExportJWT wraps an issued certificate as an EdDSA JWT.
func (m *Monitor) ExportJWT(cert *certificate.Certificate) (string, error) {
	return m.issuer.ExportJWT(cert)
}

func (m *Monitor) maybeReport(ctx context.Context) {
	if m.cfg.ReportEvery <= 0 {
		return
	}
	m.mu.Lock()
	due := m.led.Len()-m.lastReportLen >= m.cfg.ReportEvery
	m.mu.Unlock()
	if !due {
		return
	}
	if _, err := m.Report(ctx); err != nil {
		m.logger.Error("periodic report failed", "error", err)
	}
}

// persistLatest keeps the newest sample per module for `check`.
func (m *Monitor) persistLatest(sample *telemetry.Sample) {
	if m.cfg.SamplesDir == "" {
		return
	}
	if err := os.MkdirAll(m.cfg.SamplesDir, 0o755); err != nil {
		m.logger.Warn("cannot create samples directory", "error", err)
		return
	}
	raw, err := json.Marshal(sample)
	if err != nil {
		return
	}
	path := filepath.Join(m.cfg.SamplesDir, sample.Module+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		m.logger.Warn("cannot persist latest sample", "module", sample.Module, "error", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		m.logger.Warn("cannot persist latest sample", "module", sample.Module, "error", err)
	}
}

// Status is the control surface's view of the running session.
type Status struct {
	SessionID     string                    `json:"session_id"`
	Generation    string                    `json:"generation"`
	LabZone       string                    `json:"lab_zone"`
	Halted        bool                      `json:"halted"`
	HaltReason    string                    `json:"halt_reason,omitempty"`
	LedgerEntries int                       `json:"ledger_entries"`
	LedgerHead    string                    `json:"ledger_head"`
	DroppedSample uint64                    `json:"dropped_samples"`
	OpenEvents    []classify.ViolationEvent `json:"open_events"`
}

// Status snapshots the session for `check` and the HTTP surface.
func (m *Monitor) Status() Status {
	return Status{
		SessionID:     m.sess.ID,
		Generation:    m.sess.Generation,
		LabZone:       m.sess.LabZone,
		Halted:        m.sess.Halted(),
		HaltReason:    m.sess.HaltReason(),
		LedgerEntries: m.led.Len(),
		LedgerHead:    m.led.Head(),
		DroppedSample: m.intake.Dropped(),
		OpenEvents:    m.class.OpenEvents(),
	}
}

// CheckResult is the outcome of a single offline evaluation pass.
type CheckResult struct {
	Module   string          `json:"module"`
	Halted   bool            `json:"halted"`
	Pass     bool            `json:"pass"`
	SampleAt time.Time       `json:"sample_at"`
	Findings []rules.Finding `json:"findings,omitempty"`
}

// ErrNoSample means `check` has no persisted sample for the module.
var ErrNoSample = errors.New("no persisted sample for module")

// ErrNoSamplesDir means the deployment never configured a samples directory,
// so there is nothing for `check` to read.
var ErrNoSamplesDir = errors.New("samples directory not configured")

// Check evaluates the latest persisted sample for a module without touching
// classifier state or the ledger.
func (m *Monitor) Check(module string) (*CheckResult, error) {
	if m.cfg.SamplesDir == "" {
		return nil, ErrNoSamplesDir
	}
	path := filepath.Join(m.cfg.SamplesDir, module+".json")
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

	findings := m.eval.Evaluate(&sample, m.store.Current())
	return &CheckResult{
		Module:   module,
		Halted:   m.sess.Halted(),
		Pass:     len(findings) == 0 && !m.sess.Halted(),
		SampleAt: sample.Wall,
		Findings: findings,
	}, nil
}

// Close flushes and releases everything. Safe after a fatal ledger error.
func (m *Monitor) Close(ctx context.Context) error {
	err := m.led.Close()
	if oerr := m.obs.Shutdown(ctx); oerr != nil && err == nil {
		err = oerr
	}
	return err
}
