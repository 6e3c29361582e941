package enforce

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnsf-labs/regmon/pkg/classify"
	"github.com/mnsf-labs/regmon/pkg/policy"
	"github.com/mnsf-labs/regmon/pkg/session"
)

// fakeHooks records invocations and fails on demand.
type fakeHooks struct {
	mu           sync.Mutex
	adjustCalls  int
	stopCalls    map[string]int
	adjustErr    error
	stopErr      error
	adjustDelay  time.Duration
	lastTarget   float64
	lastRuleID   string
	stoppedState map[string]bool
}

func newFakeHooks() *fakeHooks {
	return &fakeHooks{stopCalls: map[string]int{}, stoppedState: map[string]bool{}}
}

func (h *fakeHooks) Adjust(ctx context.Context, ruleID string, target float64) error {
	h.mu.Lock()
	h.adjustCalls++
	h.lastRuleID = ruleID
	h.lastTarget = target
	delay := h.adjustDelay
	h.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return h.adjustErr
}

func (h *fakeHooks) HardStop(ctx context.Context, module string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopCalls[module]++
	if h.stopErr != nil {
		return h.stopErr
	}
	h.stoppedState[module] = true
	return nil
}

func event(ruleID string, sev policy.Severity) *classify.ViolationEvent {
	return &classify.ViolationEvent{RuleID: ruleID, Severity: sev, ConsecutiveCount: 1}
}

func rule(id string, sev policy.Severity, limit float64, target *float64) *policy.Rule {
	return &policy.Rule{ID: id, Kind: policy.KindRange, Limit: limit, Severity: sev, Target: target}
}

func TestWarningLogsOnly(t *testing.T) {
	hooks := newFakeHooks()
	sess := session.New("g1", "zone-a")
	a := NewActuator(hooks, sess, time.Second)

	res := a.Enforce(context.Background(), event("gnss-cn0", policy.SeverityWarning),
		rule("gnss-cn0", policy.SeverityWarning, 35, nil), "gnss")

	assert.Equal(t, StatusLogged, res.Status)
	assert.Equal(t, 0, hooks.adjustCalls)
	assert.Empty(t, hooks.stopCalls)
	assert.False(t, sess.Halted())
}

func TestCorrectionAdjustsToRuleTarget(t *testing.T) {
	hooks := newFakeHooks()
	sess := session.New("g1", "zone-a")
	a := NewActuator(hooks, sess, time.Second)

	target := -35.0
	res := a.Enforce(context.Background(), event("rf-tx-power", policy.SeverityCorrection),
		rule("rf-tx-power", policy.SeverityCorrection, -30, &target), "rf")

	assert.Equal(t, StatusAdjusted, res.Status)
	assert.Equal(t, 1, res.Attempts)
	require.NotNil(t, res.Target)
	assert.Equal(t, -35.0, *res.Target)
	assert.Equal(t, -35.0, hooks.lastTarget)
	assert.False(t, sess.Halted())
}

func TestCorrectionFallsBackToLimit(t *testing.T) {
	hooks := newFakeHooks()
	sess := session.New("g1", "zone-a")
	a := NewActuator(hooks, sess, time.Second)

	res := a.Enforce(context.Background(), event("rf-tx-power", policy.SeverityCorrection),
		rule("rf-tx-power", policy.SeverityCorrection, -30, nil), "rf")

	assert.Equal(t, StatusAdjusted, res.Status)
	assert.Equal(t, -30.0, hooks.lastTarget)
}

func TestCorrectionFailureEscalatesToShutdown(t *testing.T) {
	hooks := newFakeHooks()
	hooks.adjustErr = errors.New("actuator offline")
	sess := session.New("g1", "zone-a")
	a := NewActuator(hooks, sess, time.Second)

	res := a.Enforce(context.Background(), event("rf-tx-power", policy.SeverityCorrection),
		rule("rf-tx-power", policy.SeverityCorrection, -30, nil), "rf")

	assert.Equal(t, StatusStopped, res.Status)
	assert.True(t, res.Escalated)
	assert.Equal(t, 2, res.Attempts) // one retry before escalating
	assert.Equal(t, 2, hooks.adjustCalls)
	assert.Equal(t, 1, hooks.stopCalls["rf"])
	assert.True(t, sess.Halted())
}

func TestHookTimeoutTriggersEscalation(t *testing.T) {
	hooks := newFakeHooks()
	hooks.adjustDelay = 500 * time.Millisecond
	sess := session.New("g1", "zone-a")
	a := NewActuator(hooks, sess, 20*time.Millisecond)

	res := a.Enforce(context.Background(), event("rf-tx-power", policy.SeverityCorrection),
		rule("rf-tx-power", policy.SeverityCorrection, -30, nil), "rf")

	assert.True(t, res.Escalated)
	assert.Contains(t, res.HookError, "timed out")
	assert.True(t, sess.Halted())
}

func TestShutdownStopsAndHalts(t *testing.T) {
	hooks := newFakeHooks()
	sess := session.New("g1", "zone-a")
	a := NewActuator(hooks, sess, time.Second)

	res := a.Enforce(context.Background(), event("rf-tx-power", policy.SeverityShutdown),
		rule("rf-tx-power", policy.SeverityShutdown, -30, nil), "rf")

	assert.Equal(t, StatusStopped, res.Status)
	assert.Equal(t, 1, hooks.stopCalls["rf"])
	assert.True(t, sess.Halted())
	assert.Contains(t, sess.HaltReason(), "rf-tx-power")
}

func TestShutdownHaltsEvenWhenHookFails(t *testing.T) {
	hooks := newFakeHooks()
	hooks.stopErr = errors.New("bus unreachable")
	sess := session.New("g1", "zone-a")
	a := NewActuator(hooks, sess, time.Second)

	res := a.Enforce(context.Background(), event("rf-tx-power", policy.SeverityShutdown),
		rule("rf-tx-power", policy.SeverityShutdown, -30, nil), "rf")

	assert.Equal(t, StatusStopped, res.Status)
	assert.Contains(t, res.HookError, "bus unreachable")
	assert.True(t, sess.Halted())
}

func TestHardStopIsIdempotent(t *testing.T) {
	hooks := newFakeHooks()
	require.NoError(t, hooks.HardStop(context.Background(), "rf"))
	stateAfterOne := hooks.stoppedState["rf"]
	require.NoError(t, hooks.HardStop(context.Background(), "rf"))

	assert.Equal(t, stateAfterOne, hooks.stoppedState["rf"])
	assert.Equal(t, 2, hooks.stopCalls["rf"])
}

func TestHaltedSessionRejectsEnforcement(t *testing.T) {
	hooks := newFakeHooks()
	sess := session.New("g1", "zone-a")
	sess.Halt("prior shutdown")
	a := NewActuator(hooks, sess, time.Second)

	res := a.Enforce(context.Background(), event("rf-tx-power", policy.SeverityShutdown),
		rule("rf-tx-power", policy.SeverityShutdown, -30, nil), "rf")

	assert.Equal(t, StatusRejected, res.Status)
	assert.Empty(t, hooks.stopCalls)
	assert.Equal(t, 0, hooks.adjustCalls)
}

func TestExecHooksEmptyCommandsSucceed(t *testing.T) {
	h := NewExecHooks("", "")
	assert.NoError(t, h.Adjust(context.Background(), "rf-tx-power", -30))
	assert.NoError(t, h.HardStop(context.Background(), "rf"))
}

func TestExecHooksRunCommands(t *testing.T) {
	h := NewExecHooks("test -n \"$REGMON_RULE_ID\" && test -n \"$REGMON_TARGET\"", "false")
	assert.NoError(t, h.Adjust(context.Background(), "rf-tx-power", -30))
	assert.Error(t, h.HardStop(context.Background(), "rf"))
}
