// Package rules evaluates normalized telemetry samples against the active
// policy generation. The evaluator is stateless; any number of samples may
// be evaluated concurrently against the same snapshot.
package rules

import (
	"fmt"
	"math"

	"github.com/mnsf-labs/regmon/pkg/policy"
	"github.com/mnsf-labs/regmon/pkg/telemetry"
)

// Finding is the ephemeral result of one rule firing on one sample. It
// exists only within a single evaluation cycle; the classifier decides
// whether it becomes a ViolationEvent.
type Finding struct {
	RuleID       string          `json:"rule_id"`
	Parameter    string          `json:"parameter"`
	Severity     policy.Severity `json:"severity"`
	Observed     any             `json:"observed"`
	Deviation    float64         `json:"deviation"`
	SampleDigest string          `json:"sample_digest"`
	Detail       string          `json:"detail,omitempty"`
}

// Evaluator compares samples against rules. Expression rules are compiled
// once per policy generation and cached.
type Evaluator struct {
	cel *celCache
}

// NewEvaluator builds an evaluator with a fresh CEL environment.
func NewEvaluator() (*Evaluator, error) {
	c, err := newCELCache()
	if err != nil {
		return nil, err
	}
	return &Evaluator{cel: c}, nil
}

// Prime compiles every expression rule in the snapshot so malformed
// predicates surface at load time rather than mid-session.
func (e *Evaluator) Prime(snap *policy.Snapshot) error {
	for i := range snap.Rules {
		r := &snap.Rules[i]
		if r.Kind != policy.KindExpr {
			continue
		}
		if _, err := e.cel.program(snap.Generation, r); err != nil {
			return fmt.Errorf("rule %s: %w", r.ID, err)
		}
	}
	return nil
}

// Evaluate returns the findings for every applicable rule, in rule
// declaration order so runs are reproducible.
func (e *Evaluator) Evaluate(sample *telemetry.Sample, snap *policy.Snapshot) []Finding {
	var findings []Finding
	for _, r := range snap.RulesFor(sample.Module) {
		if f := e.check(sample, snap, r); f != nil {
			findings = append(findings, *f)
		}
	}
	return findings
}

func (e *Evaluator) check(sample *telemetry.Sample, snap *policy.Snapshot, r *policy.Rule) *Finding {
	observed, present := sample.Values[r.Parameter]

	flag := func(deviation float64, detail string) *Finding {
		return &Finding{
			RuleID:       r.ID,
			Parameter:    r.Parameter,
			Severity:     r.Severity,
			Observed:     observed,
			Deviation:    deviation,
			SampleDigest: sample.Digest,
			Detail:       detail,
		}
	}

	switch r.Kind {
	case policy.KindRange:
		v, ok := toFloat(observed)
		if !present || !ok {
			return flag(0, "value missing or non-numeric")
		}
		if excess := math.Abs(v-r.Limit) - r.Tolerance; excess > 0 {
			return flag(excess, "")
		}
	case policy.KindEnum:
		s, ok := observed.(string)
		if !present || !ok {
			return flag(0, "value missing or non-string")
		}
		for _, allowed := range r.Allowed {
			if s == allowed {
				return nil
			}
		}
		return flag(0, fmt.Sprintf("%q not in allowed set", s))
	case policy.KindBoolean:
		b, ok := observed.(bool)
		if !present || !ok {
			return flag(0, "value missing or non-boolean")
		}
		if b != r.Expect {
			return flag(0, "")
		}
	case policy.KindBand:
		v, ok := toFloat(observed)
		if !present || !ok {
			return flag(0, "value missing or non-numeric")
		}
		if d := bandDistance(v, r.Bands); d > 0 {
			return flag(d, "outside allowed bands")
		}
	case policy.KindExpr:
		ok, err := e.cel.evaluate(snap.Generation, r, sample)
		if err != nil {
			// Fail closed: a predicate that cannot be evaluated is a
			// breach, never a pass.
			return flag(0, fmt.Sprintf("predicate error: %v", err))
		}
		if !ok {
			return flag(0, "predicate false")
		}
	}
	return nil
}

// bandDistance returns 0 when v is inside any band, otherwise the distance
// to the nearest band edge.
func bandDistance(v float64, bands []policy.Band) float64 {
	nearest := math.Inf(1)
	for _, b := range bands {
		if b.Contains(v) {
			return 0
		}
		if d := math.Abs(v - b.Low); d < nearest {
			nearest = d
		}
		if d := math.Abs(v - b.High); d < nearest {
			nearest = d
		}
	}
	return nearest
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}
