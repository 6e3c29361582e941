// Package policy loads and validates the declarative regulatory rule set.
// A loaded rule set is immutable for the monitoring session; reloads install
// a whole new generation atomically.
package policy

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Severity tiers form a total order; escalation moves strictly upward.
type Severity int

const (
	SeverityWarning    Severity = 1
	SeverityCorrection Severity = 2
	SeverityShutdown   Severity = 3
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityCorrection:
		return "correction"
	case SeverityShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// ParseSeverity maps the policy-file spelling to a tier.
func ParseSeverity(s string) (Severity, error) {
	switch s {
	case "warning":
		return SeverityWarning, nil
	case "correction":
		return SeverityCorrection, nil
	case "shutdown":
		return SeverityShutdown, nil
	}
	return 0, fmt.Errorf("unknown severity %q", s)
}

// Escalate returns the next tier up, capped at Shutdown.
func (s Severity) Escalate() Severity {
	if s >= SeverityShutdown {
		return SeverityShutdown
	}
	return s + 1
}

// MarshalJSON emits the severity as its policy-file spelling so ledger
// payloads stay readable and auditable.
func (s Severity) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON accepts the policy-file spelling.
func (s *Severity) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' {
		return fmt.Errorf("severity must be a string, got %s", data)
	}
	v, err := ParseSeverity(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// UnmarshalYAML accepts the policy-file spelling.
func (s *Severity) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	v, err := ParseSeverity(raw)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Kind discriminates how a rule compares the observed value.
type Kind string

const (
	KindRange   Kind = "range"   // |observed - limit| <= tolerance
	KindEnum    Kind = "enum"    // observed must be a member of Allowed
	KindBoolean Kind = "boolean" // observed must equal Expect
	KindExpr    Kind = "expr"    // CEL predicate over the value map
	KindBand    Kind = "band"    // observed must fall inside one Band
)

// Band is an inclusive frequency interval in Hz.
type Band struct {
	Low  float64 `yaml:"low" json:"low"`
	High float64 `yaml:"high" json:"high"`
}

// Contains reports whether v lies inside the band.
func (b Band) Contains(v float64) bool {
	return v >= b.Low && v <= b.High
}

// Rule is one declarative regulatory constraint. Rules are never mutated at
// runtime; a reload produces a whole new generation.
type Rule struct {
	ID        string   `yaml:"id" json:"id"`
	Parameter string   `yaml:"parameter" json:"parameter"`
	Kind      Kind     `yaml:"kind" json:"kind"`
	Limit     float64  `yaml:"limit" json:"limit,omitempty"`
	Tolerance float64  `yaml:"tolerance" json:"tolerance,omitempty"`
	Allowed   []string `yaml:"allowed" json:"allowed,omitempty"`
	Expect    bool     `yaml:"expect" json:"expect,omitempty"`
	Expr      string   `yaml:"expr" json:"expr,omitempty"`
	Bands     []Band   `yaml:"bands" json:"bands,omitempty"`
	Severity  Severity `yaml:"severity" json:"severity"`
	Modules   []string `yaml:"modules" json:"modules"`

	// Target is the corrective setpoint handed to the adjustment hook.
	// When absent the rule's own limit is used.
	Target *float64 `yaml:"target" json:"target,omitempty"`

	// DebounceCount overrides the policy default. Shutdown-tier rules are
	// never debounced regardless of this value.
	DebounceCount *int `yaml:"debounce_count" json:"debounce_count,omitempty"`
}

// AppliesTo reports whether the rule binds the given source module.
func (r *Rule) AppliesTo(module string) bool {
	for _, m := range r.Modules {
		if m == module {
			return true
		}
	}
	return false
}

// CorrectiveTarget resolves the setpoint for the adjustment hook.
func (r *Rule) CorrectiveTarget() float64 {
	if r.Target != nil {
		return *r.Target
	}
	return r.Limit
}

// Level is the operator-declared compliance regime. It selects the default
// band plan and is checked against the deployment allowlist before
// monitoring may start.
type Level string

const (
	LevelLab        Level = "lab"
	LevelTest       Level = "test"
	LevelProduction Level = "production"
)

// DefaultBands returns the built-in allowed frequency bands for a level.
// Lab deployments may only observe GPS L1, the 2.4 GHz ISM band, and
// receive-only spectrum below 1 GHz. Other levels carry no built-in plan
// and must declare bands explicitly.
func DefaultBands(level Level) []Band {
	if level != LevelLab {
		return nil
	}
	return []Band{
		{Low: 1575.42e6 - 10e6, High: 1575.42e6 + 10e6},
		{Low: 2400e6, High: 2483.5e6},
		{Low: 0, High: 1e9},
	}
}

// Defaults carries policy-wide knobs consumed by the classifier and intake.
type Defaults struct {
	DebounceCount       int            `yaml:"debounce_count" json:"debounce_count"`
	ClearCount          int            `yaml:"clear_count" json:"clear_count"`
	EscalationThreshold int            `yaml:"escalation_threshold" json:"escalation_threshold"`
	SampleDefaults      map[string]any `yaml:"sample_defaults" json:"sample_defaults,omitempty"`
}
