// Package classify turns candidate findings into classified violation
// events. It applies debouncing and escalation per rule and owns the only
// mutable per-rule state in the pipeline: transitions for one rule are
// serialized, distinct rules proceed in parallel.
package classify

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mnsf-labs/regmon/pkg/policy"
	"github.com/mnsf-labs/regmon/pkg/rules"
)

// Phase is the per-rule classifier phase.
type Phase int

const (
	PhaseQuiet Phase = iota
	PhaseOpen
	PhaseEscalated
	PhaseCleared
)

func (p Phase) String() string {
	switch p {
	case PhaseQuiet:
		return "quiet"
	case PhaseOpen:
		return "open"
	case PhaseEscalated:
		return "escalated"
	case PhaseCleared:
		return "cleared"
	default:
		return "unknown"
	}
}

// EventState is the lifecycle state carried on a ViolationEvent.
type EventState string

const (
	StateOpen         EventState = "open"
	StateAcknowledged EventState = "acknowledged"
	StateCleared      EventState = "cleared"
)

// ViolationEvent is a classified, tracked violation for one rule.
type ViolationEvent struct {
	ID               uint64          `json:"id"`
	RuleID           string          `json:"rule_id"`
	Severity         policy.Severity `json:"severity"`
	FirstObservedAt  time.Time       `json:"first_observed_at"`
	ConsecutiveCount int             `json:"consecutive_count"`
	State            EventState      `json:"state"`
}

// TransitionKind names what happened to a rule's state this cycle.
type TransitionKind string

const (
	TransitionRaised    TransitionKind = "raised"
	TransitionRepeated  TransitionKind = "repeated"
	TransitionEscalated TransitionKind = "escalated"
	TransitionCleared   TransitionKind = "cleared"
	TransitionOverride  TransitionKind = "override"
)

// Transition is emitted for every state change so each one can be ledgered.
type Transition struct {
	Kind    TransitionKind `json:"kind"`
	Event   ViolationEvent `json:"event"`
	Finding *rules.Finding `json:"finding,omitempty"`
}

type ruleState struct {
	mu      sync.Mutex
	phase   Phase
	pending int // consecutive findings while still below debounce
	clean   int // consecutive clean samples while open
	event   ViolationEvent
}

// Classifier tracks per-rule violation state across samples.
type Classifier struct {
	mu     sync.Mutex
	states map[string]*ruleState
	seq    atomic.Uint64
	now    func() time.Time
	logger *slog.Logger
}

// NewClassifier builds an empty classifier.
func NewClassifier() *Classifier {
	return &Classifier{
		states: make(map[string]*ruleState),
		now:    time.Now,
		logger: slog.Default().With("component", "classifier"),
	}
}

func (c *Classifier) state(ruleID string) *ruleState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[ruleID]
	if !ok {
		st = &ruleState{phase: PhaseQuiet}
		c.states[ruleID] = st
	}
	return st
}

// Observe applies one cycle's outcome for a rule: finding != nil means the
// rule fired on this sample, nil means the sample was clean for the rule.
// The returned transition is nil when nothing changed.
//
// Debounce: below the rule's debounce count a finding accumulates silently.
// Shutdown-tier rules resolve to a debounce of 1 in policy, so they open on
// the first finding. Escalation: an open event whose consecutive count
// reaches the threshold moves one severity tier up, capped at Shutdown.
// Clearing: clearCount consecutive clean samples close a Warning/Correction
// event. Shutdown events never auto-clear; see ManualOverride.
func (c *Classifier) Observe(r *policy.Rule, snap *policy.Snapshot, finding *rules.Finding) *Transition {
	st := c.state(r.ID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if finding != nil {
		return c.observeFinding(st, r, snap, finding)
	}
	return c.observeClean(st, r, snap)
}

func (c *Classifier) observeFinding(st *ruleState, r *policy.Rule, snap *policy.Snapshot, f *rules.Finding) *Transition {
	st.clean = 0

	switch st.phase {
	case PhaseQuiet, PhaseCleared:
		st.pending++
		if st.pending < snap.DebounceFor(r) {
			return nil
		}
		st.phase = PhaseOpen
		st.event = ViolationEvent{
			ID:               c.seq.Add(1),
			RuleID:           r.ID,
			Severity:         r.Severity,
			FirstObservedAt:  c.now().UTC(),
			ConsecutiveCount: st.pending,
			State:            StateOpen,
		}
		st.pending = 0
		c.logger.Warn("violation opened",
			"rule", r.ID, "severity", st.event.Severity.String(), "event", st.event.ID)
		return &Transition{Kind: TransitionRaised, Event: st.event, Finding: f}

	case PhaseOpen, PhaseEscalated:
		st.event.ConsecutiveCount++
		if st.event.Severity < policy.SeverityShutdown &&
			st.event.ConsecutiveCount >= snap.EscalationThreshold() {
			st.event.Severity = st.event.Severity.Escalate()
			st.event.ConsecutiveCount = 1 // restart the count at the new tier
			st.phase = PhaseEscalated
			c.logger.Warn("violation escalated",
				"rule", r.ID, "severity", st.event.Severity.String(), "event", st.event.ID)
			return &Transition{Kind: TransitionEscalated, Event: st.event, Finding: f}
		}
		return &Transition{Kind: TransitionRepeated, Event: st.event, Finding: f}
	}
	return nil
}

func (c *Classifier) observeClean(st *ruleState, r *policy.Rule, snap *policy.Snapshot) *Transition {
	st.pending = 0

	if st.phase != PhaseOpen && st.phase != PhaseEscalated {
		return nil
	}
	// Shutdown requires an explicit manual override; clean samples are
	// recorded but never clear it.
	if st.event.Severity == policy.SeverityShutdown {
		return nil
	}

	st.clean++
	if st.clean < snap.ClearCount() {
		return nil
	}
	st.phase = PhaseCleared
	st.clean = 0
	st.event.State = StateCleared
	cleared := st.event
	c.logger.Info("violation cleared", "rule", r.ID, "event", cleared.ID)
	return &Transition{Kind: TransitionCleared, Event: cleared}
}

// ForceShutdown bumps an open event to Shutdown severity. Used when the
// actuator's corrective path fails and the failure itself must halt the
// session.
func (c *Classifier) ForceShutdown(ruleID string) *Transition {
	st := c.state(ruleID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.phase != PhaseOpen && st.phase != PhaseEscalated {
		return nil
	}
	if st.event.Severity == policy.SeverityShutdown {
		return nil
	}
	st.event.Severity = policy.SeverityShutdown
	st.phase = PhaseEscalated
	return &Transition{Kind: TransitionEscalated, Event: st.event}
}

// ManualOverride clears a Shutdown-tier event on operator authority. It is
// the only path out of Shutdown.
func (c *Classifier) ManualOverride(ruleID string) *Transition {
	st := c.state(ruleID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.phase != PhaseOpen && st.phase != PhaseEscalated {
		return nil
	}
	st.phase = PhaseCleared
	st.clean = 0
	st.event.State = StateCleared
	cleared := st.event
	c.logger.Info("violation cleared by manual override", "rule", ruleID, "event", cleared.ID)
	return &Transition{Kind: TransitionOverride, Event: cleared}
}

// OpenEvents returns the currently open events, used by the certificate
// issuer and the status surface.
func (c *Classifier) OpenEvents() []ViolationEvent {
	c.mu.Lock()
	states := make([]*ruleState, 0, len(c.states))
	for _, st := range c.states {
		states = append(states, st)
	}
	c.mu.Unlock()

	var open []ViolationEvent
	for _, st := range states {
		st.mu.Lock()
		if st.phase == PhaseOpen || st.phase == PhaseEscalated {
			open = append(open, st.event)
		}
		st.mu.Unlock()
	}
	return open
}

// OpenShutdownCount reports how many Shutdown-tier events are open.
func (c *Classifier) OpenShutdownCount() int {
	n := 0
	for _, ev := range c.OpenEvents() {
		if ev.Severity == policy.SeverityShutdown {
			n++
		}
	}
	return n
}
