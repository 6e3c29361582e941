package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/mnsf-labs/regmon/pkg/canonicalize"
)

// MonitorVersion is checked against a policy's min_monitor_version gate.
var MonitorVersion = "0.4.0"

var (
	// ErrLoad covers a missing, malformed, or structurally invalid policy
	// source.
	ErrLoad = errors.New("policy load failed")
	// ErrConflict means two rules bind the same parameter+module with
	// limits that cannot both be satisfied.
	ErrConflict = errors.New("policy conflict")
)

// Document is the on-disk policy file shape.
type Document struct {
	Version              string   `yaml:"version" json:"version"`
	MinMonitorVersion    string   `yaml:"min_monitor_version" json:"min_monitor_version,omitempty"`
	ComplianceLevel      Level    `yaml:"compliance_level" json:"compliance_level,omitempty"`
	RequireCleanShutdown *bool    `yaml:"require_clean_shutdown" json:"require_clean_shutdown,omitempty"`
	Defaults             Defaults `yaml:"defaults" json:"defaults"`
	AllowedBands         []Band   `yaml:"allowed_bands" json:"allowed_bands,omitempty"`
	Rules                []Rule   `yaml:"rules" json:"rules"`
}

// Snapshot is one immutable generation of the rule set. Readers share it
// freely; a reload produces a fresh Snapshot and never mutates an old one.
type Snapshot struct {
	Generation           string
	Version              string
	Level                Level
	RequireCleanShutdown bool
	Defaults             Defaults
	Bands                []Band
	Rules                []Rule
	ContentHash          string
	LoadedAt             time.Time
}

// RulesFor returns the rules binding the given source module, in
// declaration order.
func (s *Snapshot) RulesFor(module string) []*Rule {
	var out []*Rule
	for i := range s.Rules {
		if s.Rules[i].AppliesTo(module) {
			out = append(out, &s.Rules[i])
		}
	}
	return out
}

// Rule returns the rule with the given id, or nil.
func (s *Snapshot) Rule(id string) *Rule {
	for i := range s.Rules {
		if s.Rules[i].ID == id {
			return &s.Rules[i]
		}
	}
	return nil
}

// DebounceFor resolves the effective debounce count for a rule.
// Safety-critical Shutdown-tier rules are never debounced.
func (s *Snapshot) DebounceFor(r *Rule) int {
	if r.Severity == SeverityShutdown {
		return 1
	}
	if r.DebounceCount != nil && *r.DebounceCount > 0 {
		return *r.DebounceCount
	}
	if s.Defaults.DebounceCount > 0 {
		return s.Defaults.DebounceCount
	}
	return 1
}

// ClearCount is the number of consecutive clean samples required to clear
// an open Warning/Correction violation.
func (s *Snapshot) ClearCount() int {
	if s.Defaults.ClearCount > 0 {
		return s.Defaults.ClearCount
	}
	return 3
}

// EscalationThreshold is the consecutive repeat count at which an open
// violation escalates one severity tier.
func (s *Snapshot) EscalationThreshold() int {
	if s.Defaults.EscalationThreshold > 0 {
		return s.Defaults.EscalationThreshold
	}
	return 5
}

// Store holds the active policy generation behind an atomic pointer so
// readers never observe a partially installed rule set.
type Store struct {
	snap   atomic.Pointer[Snapshot]
	schema *jsonschema.Schema
	logger *slog.Logger
}

// NewStore compiles the embedded document schema once.
func NewStore() (*Store, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("policy.schema.json", strings.NewReader(documentSchema)); err != nil {
		return nil, fmt.Errorf("add policy schema: %w", err)
	}
	compiled, err := c.Compile("policy.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile policy schema: %w", err)
	}
	return &Store{
		schema: compiled,
		logger: slog.Default().With("component", "policy"),
	}, nil
}

// Current returns the active immutable snapshot, or nil before the first
// successful Load.
func (st *Store) Current() *Snapshot {
	return st.snap.Load()
}

// Load reads, validates, and installs a new policy generation. The previous
// generation stays referenced by anything already holding it; installation
// is a single atomic pointer swap.
func (st *Store) Load(path string) (*Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrLoad, path, err)
	}

	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("%w: parse yaml: %v", ErrLoad, err)
	}
	// Round-trip through encoding/json so the schema validator sees
	// json-typed values (float64, map[string]any) rather than yaml's.
	normalized, err := jsonNormalize(generic)
	if err != nil {
		return nil, fmt.Errorf("%w: normalize: %v", ErrLoad, err)
	}
	if err := st.schema.Validate(normalized); err != nil {
		return nil, fmt.Errorf("%w: schema: %v", ErrLoad, err)
	}

	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrLoad, err)
	}

	if err := checkMonitorVersion(doc.MinMonitorVersion); err != nil {
		return nil, err
	}
	if err := validateRules(doc.Rules); err != nil {
		return nil, err
	}
	if err := detectConflicts(doc.Rules); err != nil {
		return nil, err
	}

	level := doc.ComplianceLevel
	if level == "" {
		level = LevelLab
	}

	contentHash, err := canonicalize.CanonicalHash(normalized)
	if err != nil {
		return nil, fmt.Errorf("%w: content hash: %v", ErrLoad, err)
	}

	snap := &Snapshot{
		Generation:           uuid.NewString(),
		Version:              doc.Version,
		Level:                level,
		RequireCleanShutdown: doc.RequireCleanShutdown == nil || *doc.RequireCleanShutdown,
		Defaults:             doc.Defaults,
		Bands:                resolveBands(doc, level),
		Rules:                doc.Rules,
		ContentHash:          contentHash,
		LoadedAt:             time.Now().UTC(),
	}
	if r := implicitBandRule(snap); r != nil {
		snap.Rules = append(snap.Rules, *r)
	}

	st.snap.Store(snap)
	st.logger.Info("policy generation installed",
		"generation", snap.Generation,
		"version", snap.Version,
		"level", string(snap.Level),
		"rules", len(snap.Rules),
		"content_hash", snap.ContentHash)
	return snap, nil
}

func jsonNormalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func checkMonitorVersion(min string) error {
	if min == "" {
		return nil
	}
	required, err := semver.NewVersion(min)
	if err != nil {
		return fmt.Errorf("%w: min_monitor_version %q: %v", ErrLoad, min, err)
	}
	current, err := semver.NewVersion(MonitorVersion)
	if err != nil {
		return fmt.Errorf("%w: monitor version %q: %v", ErrLoad, MonitorVersion, err)
	}
	if current.LessThan(required) {
		return fmt.Errorf("%w: policy requires monitor >= %s, running %s", ErrLoad, required, current)
	}
	return nil
}

func validateRules(rules []Rule) error {
	seen := make(map[string]bool, len(rules))
	for i := range rules {
		r := &rules[i]
		if seen[r.ID] {
			return fmt.Errorf("%w: duplicate rule id %q", ErrLoad, r.ID)
		}
		seen[r.ID] = true

		switch r.Kind {
		case KindEnum:
			if len(r.Allowed) == 0 {
				return fmt.Errorf("%w: enum rule %q has no allowed set", ErrLoad, r.ID)
			}
		case KindExpr:
			if r.Expr == "" {
				return fmt.Errorf("%w: expr rule %q has no expression", ErrLoad, r.ID)
			}
		case KindBand:
			if len(r.Bands) == 0 {
				return fmt.Errorf("%w: band rule %q has no bands", ErrLoad, r.ID)
			}
		case KindRange, KindBoolean:
		default:
			return fmt.Errorf("%w: rule %q has unknown kind %q", ErrLoad, r.ID, r.Kind)
		}
	}
	return nil
}

// detectConflicts rejects rule pairs binding the same parameter+module whose
// limits cannot both be satisfied by any observed value.
func detectConflicts(rules []Rule) error {
	type binding struct{ parameter, module string }
	byBinding := make(map[binding][]*Rule)
	for i := range rules {
		r := &rules[i]
		for _, m := range r.Modules {
			k := binding{r.Parameter, m}
			byBinding[k] = append(byBinding[k], r)
		}
	}

	for k, bound := range byBinding {
		for i := 0; i < len(bound); i++ {
			for j := i + 1; j < len(bound); j++ {
				a, b := bound[i], bound[j]
				if !compatible(a, b) {
					return fmt.Errorf("%w: rules %q and %q bind %s/%s with incompatible limits",
						ErrConflict, a.ID, b.ID, k.parameter, k.module)
				}
			}
		}
	}
	return nil
}

func compatible(a, b *Rule) bool {
	if a.Kind != b.Kind {
		return true
	}
	switch a.Kind {
	case KindRange:
		// Acceptance windows [limit-tol, limit+tol] must overlap.
		return a.Limit-a.Tolerance <= b.Limit+b.Tolerance &&
			b.Limit-b.Tolerance <= a.Limit+a.Tolerance
	case KindBoolean:
		return a.Expect == b.Expect
	case KindEnum:
		for _, v := range a.Allowed {
			for _, w := range b.Allowed {
				if v == w {
					return true
				}
			}
		}
		return false
	default:
		return true
	}
}

func resolveBands(doc Document, level Level) []Band {
	if len(doc.AllowedBands) > 0 {
		return doc.AllowedBands
	}
	return DefaultBands(level)
}

// implicitBandRule synthesizes a Shutdown-tier band-plan rule from the
// snapshot's allowed bands unless the policy declared its own.
func implicitBandRule(s *Snapshot) *Rule {
	if len(s.Bands) == 0 || s.Rule("band-plan") != nil {
		return nil
	}
	return &Rule{
		ID:        "band-plan",
		Parameter: "frequency_hz",
		Kind:      KindBand,
		Bands:     s.Bands,
		Severity:  SeverityShutdown,
		Modules:   []string{"rf", "gnss"},
	}
}
