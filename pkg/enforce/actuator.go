// Package enforce drives the external enforcement hooks. Hook outcomes are
// captured as results, never thrown past this boundary: the audit trail must
// stay complete even when enforcement itself fails.
package enforce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mnsf-labs/regmon/pkg/classify"
	"github.com/mnsf-labs/regmon/pkg/policy"
	"github.com/mnsf-labs/regmon/pkg/session"
)

var (
	// ErrHookTimeout means the hook did not return within the deadline.
	// Treated as failure for the escalation path.
	ErrHookTimeout = errors.New("enforcement hook timed out")
	// ErrHookFailure means the hook returned an error.
	ErrHookFailure = errors.New("enforcement hook failed")
)

// Hooks are the two collaborator-provided callables. HardStop must be safe
// to call multiple times.
type Hooks interface {
	Adjust(ctx context.Context, ruleID string, target float64) error
	HardStop(ctx context.Context, module string) error
}

// Status classifies the outcome of one enforcement invocation.
type Status string

const (
	// StatusLogged means a Warning event was recorded, no external call.
	StatusLogged Status = "logged"
	// StatusAdjusted means the corrective hook succeeded.
	StatusAdjusted Status = "adjusted"
	// StatusStopped means the hard-stop hook was invoked.
	StatusStopped Status = "stopped"
	// StatusRejected means the session is halted and no hook fired.
	StatusRejected Status = "rejected"
)

// ActionResult is the ledgered outcome of an enforcement invocation.
type ActionResult struct {
	RuleID    string          `json:"rule_id"`
	Module    string          `json:"module"`
	Severity  policy.Severity `json:"severity"`
	Status    Status          `json:"status"`
	Target    *float64        `json:"target,omitempty"`
	Attempts  int             `json:"attempts,omitempty"`
	Escalated bool            `json:"escalated,omitempty"`
	HookError string          `json:"hook_error,omitempty"`
	At        time.Time       `json:"at"`
}

// Actuator maps classified events onto hook invocations.
type Actuator struct {
	hooks   Hooks
	sess    *session.State
	timeout time.Duration

	now    func() time.Time
	logger *slog.Logger
}

// DefaultHookTimeout bounds hook execution when no timeout is configured.
const DefaultHookTimeout = 5 * time.Second

// NewActuator wires the actuator to the session gate.
func NewActuator(hooks Hooks, sess *session.State, timeout time.Duration) *Actuator {
	if timeout <= 0 {
		timeout = DefaultHookTimeout
	}
	return &Actuator{
		hooks:   hooks,
		sess:    sess,
		timeout: timeout,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  slog.Default().With("component", "enforce"),
	}
}

// Enforce acts on one classified event against the sample's module. A halted
// session rejects every new action; samples keep flowing but no hook fires.
func (a *Actuator) Enforce(ctx context.Context, ev *classify.ViolationEvent, r *policy.Rule, module string) ActionResult {
	res := ActionResult{
		RuleID:   ev.RuleID,
		Module:   module,
		Severity: ev.Severity,
		At:       a.now(),
	}

	if a.sess.Halted() {
		res.Status = StatusRejected
		a.logger.Warn("enforcement rejected, session halted",
			"rule", ev.RuleID, "module", module, "severity", ev.Severity)
		return res
	}

	switch ev.Severity {
	case policy.SeverityWarning:
		res.Status = StatusLogged
		a.logger.Warn("compliance warning",
			"rule", ev.RuleID, "module", module, "count", ev.ConsecutiveCount)

	case policy.SeverityCorrection:
		a.correct(ctx, r, module, &res)

	case policy.SeverityShutdown:
		a.stop(ctx, module, fmt.Sprintf("shutdown-tier violation of %s", ev.RuleID), &res)
	}
	return res
}

// correct invokes the adjustment hook with one retry; inability to
// self-correct is itself a shutdown-worthy condition.
func (a *Actuator) correct(ctx context.Context, r *policy.Rule, module string, res *ActionResult) {
	target := r.CorrectiveTarget()
	res.Target = &target

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		res.Attempts = attempt
		err := a.invoke(ctx, func(hctx context.Context) error {
			return a.hooks.Adjust(hctx, r.ID, target)
		})
		if err == nil {
			res.Status = StatusAdjusted
			a.logger.Info("parameter adjusted",
				"rule", r.ID, "module", module, "target", target, "attempt", attempt)
			return
		}
		lastErr = err
		a.logger.Warn("adjustment hook failed",
			"rule", r.ID, "module", module, "attempt", attempt, "error", err)
	}

	res.Escalated = true
	res.HookError = lastErr.Error()
	a.stop(ctx, module, fmt.Sprintf("correction failed for %s: %v", r.ID, lastErr), res)
}

// stop invokes the hard-stop hook and halts the session regardless of the
// hook's outcome; the halt is what guarantees no further enforcement fires.
func (a *Actuator) stop(ctx context.Context, module, reason string, res *ActionResult) {
	err := a.invoke(ctx, func(hctx context.Context) error {
		return a.hooks.HardStop(hctx, module)
	})
	res.Status = StatusStopped
	if err != nil {
		res.HookError = err.Error()
		a.logger.Error("hard-stop hook failed", "module", module, "error", err)
	} else {
		a.logger.Error("transmission hard-stopped", "module", module, "reason", reason)
	}
	a.sess.Halt(reason)
}

// invoke runs a hook under the configured timeout. A hook that ignores its
// context still cannot stall the monitor; the deadline converts it into a
// timeout failure.
func (a *Actuator) invoke(ctx context.Context, f func(context.Context) error) error {
	hctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f(hctx) }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrHookFailure, err)
		}
		return nil
	case <-hctx.Done():
		return fmt.Errorf("%w after %s", ErrHookTimeout, a.timeout)
	}
}
