package classify

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnsf-labs/regmon/pkg/policy"
	"github.com/mnsf-labs/regmon/pkg/rules"
)

const classifyPolicy = `
version: "1.0.0"
compliance_level: test
defaults:
  debounce_count: 3
  clear_count: 2
  escalation_threshold: 4
rules:
  - id: gnss-cn0
    parameter: cn0_db
    kind: range
    limit: 35
    tolerance: 5
    severity: warning
    modules: [gnss]
  - id: rf-tx-power
    parameter: tx_power_dbm
    kind: range
    limit: -30
    tolerance: 0
    severity: shutdown
    modules: [rf]
`

func classifySnapshot(t *testing.T) *policy.Snapshot {
	t.Helper()
	st, err := policy.NewStore()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(classifyPolicy), 0o600))
	snap, err := st.Load(path)
	require.NoError(t, err)
	return snap
}

func findingFor(r *policy.Rule) *rules.Finding {
	return &rules.Finding{RuleID: r.ID, Parameter: r.Parameter, Severity: r.Severity}
}

func TestDebounceSuppressesSingleFinding(t *testing.T) {
	snap := classifySnapshot(t)
	r := snap.Rule("gnss-cn0")
	c := NewClassifier()

	assert.Nil(t, c.Observe(r, snap, findingFor(r)))
	assert.Empty(t, c.OpenEvents())
}

func TestDebounceOpensAfterThreeConsecutiveFindings(t *testing.T) {
	snap := classifySnapshot(t)
	r := snap.Rule("gnss-cn0")
	c := NewClassifier()

	assert.Nil(t, c.Observe(r, snap, findingFor(r)))
	assert.Nil(t, c.Observe(r, snap, findingFor(r)))
	tr := c.Observe(r, snap, findingFor(r))
	require.NotNil(t, tr)
	assert.Equal(t, TransitionRaised, tr.Kind)
	assert.Equal(t, policy.SeverityWarning, tr.Event.Severity)
	assert.Equal(t, 3, tr.Event.ConsecutiveCount)
	assert.Equal(t, StateOpen, tr.Event.State)
}

func TestCleanSampleResetsDebounce(t *testing.T) {
	snap := classifySnapshot(t)
	r := snap.Rule("gnss-cn0")
	c := NewClassifier()

	assert.Nil(t, c.Observe(r, snap, findingFor(r)))
	assert.Nil(t, c.Observe(r, snap, findingFor(r)))
	assert.Nil(t, c.Observe(r, snap, nil)) // breaks the run
	assert.Nil(t, c.Observe(r, snap, findingFor(r)))
	assert.Empty(t, c.OpenEvents())
}

func TestShutdownRuleOpensImmediately(t *testing.T) {
	snap := classifySnapshot(t)
	r := snap.Rule("rf-tx-power")
	c := NewClassifier()

	tr := c.Observe(r, snap, findingFor(r))
	require.NotNil(t, tr)
	assert.Equal(t, TransitionRaised, tr.Kind)
	assert.Equal(t, policy.SeverityShutdown, tr.Event.Severity)
	assert.Equal(t, 1, tr.Event.ConsecutiveCount)
}

func TestEscalationAfterThreshold(t *testing.T) {
	snap := classifySnapshot(t)
	r := snap.Rule("gnss-cn0")
	c := NewClassifier()

	for i := 0; i < 3; i++ {
		c.Observe(r, snap, findingFor(r))
	}
	// Open with count=3; next finding reaches escalation_threshold=4.
	tr := c.Observe(r, snap, findingFor(r))
	require.NotNil(t, tr)
	assert.Equal(t, TransitionEscalated, tr.Kind)
	assert.Equal(t, policy.SeverityCorrection, tr.Event.Severity)
}

func TestEscalationCapsAtShutdown(t *testing.T) {
	snap := classifySnapshot(t)
	r := snap.Rule("gnss-cn0")
	c := NewClassifier()

	var last *Transition
	for i := 0; i < 30; i++ {
		if tr := c.Observe(r, snap, findingFor(r)); tr != nil {
			last = tr
		}
	}
	require.NotNil(t, last)
	assert.Equal(t, policy.SeverityShutdown, last.Event.Severity)
}

func TestClearAfterConsecutiveCleanSamples(t *testing.T) {
	snap := classifySnapshot(t)
	r := snap.Rule("gnss-cn0")
	c := NewClassifier()

	for i := 0; i < 3; i++ {
		c.Observe(r, snap, findingFor(r))
	}
	require.Len(t, c.OpenEvents(), 1)

	assert.Nil(t, c.Observe(r, snap, nil)) // clear_count = 2
	tr := c.Observe(r, snap, nil)
	require.NotNil(t, tr)
	assert.Equal(t, TransitionCleared, tr.Kind)
	assert.Equal(t, StateCleared, tr.Event.State)
	assert.Empty(t, c.OpenEvents())
}

func TestShutdownNeverAutoClears(t *testing.T) {
	snap := classifySnapshot(t)
	r := snap.Rule("rf-tx-power")
	c := NewClassifier()

	require.NotNil(t, c.Observe(r, snap, findingFor(r)))
	for i := 0; i < 50; i++ {
		assert.Nil(t, c.Observe(r, snap, nil))
	}
	require.Len(t, c.OpenEvents(), 1)
	assert.Equal(t, 1, c.OpenShutdownCount())
}

func TestManualOverrideClearsShutdown(t *testing.T) {
	snap := classifySnapshot(t)
	r := snap.Rule("rf-tx-power")
	c := NewClassifier()

	require.NotNil(t, c.Observe(r, snap, findingFor(r)))
	tr := c.ManualOverride(r.ID)
	require.NotNil(t, tr)
	assert.Equal(t, TransitionOverride, tr.Kind)
	assert.Equal(t, StateCleared, tr.Event.State)
	assert.Empty(t, c.OpenEvents())
}

func TestForceShutdownOnOpenEvent(t *testing.T) {
	snap := classifySnapshot(t)
	r := snap.Rule("gnss-cn0")
	c := NewClassifier()

	for i := 0; i < 3; i++ {
		c.Observe(r, snap, findingFor(r))
	}
	tr := c.ForceShutdown(r.ID)
	require.NotNil(t, tr)
	assert.Equal(t, policy.SeverityShutdown, tr.Event.Severity)
	assert.Equal(t, 1, c.OpenShutdownCount())

	// Once at Shutdown, clean samples no longer clear it.
	for i := 0; i < 10; i++ {
		assert.Nil(t, c.Observe(r, snap, nil))
	}
	assert.Len(t, c.OpenEvents(), 1)
}

func TestIndependentRulesTrackIndependently(t *testing.T) {
	snap := classifySnapshot(t)
	warn := snap.Rule("gnss-cn0")
	shut := snap.Rule("rf-tx-power")
	c := NewClassifier()

	require.NotNil(t, c.Observe(shut, snap, findingFor(shut)))
	assert.Nil(t, c.Observe(warn, snap, findingFor(warn)))

	open := c.OpenEvents()
	require.Len(t, open, 1)
	assert.Equal(t, "rf-tx-power", open[0].RuleID)
}
