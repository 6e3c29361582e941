// Package telemetry normalizes samples arriving asynchronously from
// heterogeneous collaborators (radio drivers, GNSS receiver, network stack)
// into uniform sample records.
package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mnsf-labs/regmon/pkg/canonicalize"
	"github.com/mnsf-labs/regmon/pkg/policy"
)

var (
	// ErrMalformedSample means a required field for an applicable rule is
	// absent with no policy default. Recoverable: the sample is dropped,
	// counted, and logged.
	ErrMalformedSample = errors.New("malformed sample")
	// ErrOverRate means a source module exceeded its intake rate budget.
	// Sustained over-rate is the telemetry-storm signal.
	ErrOverRate = errors.New("intake rate exceeded")
)

// Raw is the push interface collaborators use: (module, timestamp, value-map).
type Raw struct {
	Module    string         `json:"module"`
	Timestamp time.Time      `json:"timestamp,omitzero"`
	Values    map[string]any `json:"values"`
}

// Sample is a normalized, immutable telemetry reading. It is not retained
// beyond the evaluation window unless it triggers a finding.
type Sample struct {
	Module string         `json:"module"`
	Wall   time.Time      `json:"wall"`
	Mono   int64          `json:"mono_ns"`
	Values map[string]any `json:"values"`
	Digest string         `json:"digest"`
}

// unitConversions rewrites collaborator-native units into the canonical
// parameter names the policy binds. Key: incoming field, value: canonical
// field plus conversion.
var unitConversions = map[string]struct {
	canonical string
	convert   func(float64) float64
}{
	"frequency_ghz":  {"frequency_hz", func(v float64) float64 { return v * 1e9 }},
	"frequency_mhz":  {"frequency_hz", func(v float64) float64 { return v * 1e6 }},
	"frequency_khz":  {"frequency_hz", func(v float64) float64 { return v * 1e3 }},
	"time_error_ms":  {"time_error_ns", func(v float64) float64 { return v * 1e6 }},
	"time_error_us":  {"time_error_ns", func(v float64) float64 { return v * 1e3 }},
	"tx_power_mw":    {"tx_power_dbm", func(v float64) float64 { return 10 * math.Log10(v) }},
	"cn0_dbhz":       {"cn0_db", func(v float64) float64 { return v }},
	"retention_days": {"data_retention_days", func(v float64) float64 { return v }},
}

// Intake normalizes raw pushes into Samples and applies per-module rate
// limiting so a misbehaving collaborator cannot flood the ledger.
type Intake struct {
	store *policy.Store
	start time.Time
	now   func() time.Time

	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	dropped  uint64

	logger *slog.Logger
}

// NewIntake builds an intake stage. samplesPerSec <= 0 disables rate
// limiting.
func NewIntake(store *policy.Store, samplesPerSec float64, burst int) *Intake {
	limit := rate.Inf
	if samplesPerSec > 0 {
		limit = rate.Limit(samplesPerSec)
	}
	if burst <= 0 {
		burst = 10
	}
	return &Intake{
		store:    store,
		start:    time.Now(),
		now:      time.Now,
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
		logger:   slog.Default().With("component", "intake"),
	}
}

// Dropped reports how many samples were rejected as malformed or over-rate.
func (in *Intake) Dropped() uint64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.dropped
}

// Ingest validates and normalizes one raw push. Missing required fields are
// defaulted from policy where a default exists; otherwise the sample is
// rejected with ErrMalformedSample.
func (in *Intake) Ingest(raw Raw) (*Sample, error) {
	if raw.Module == "" {
		in.countDrop()
		return nil, fmt.Errorf("%w: missing module", ErrMalformedSample)
	}
	if !in.limiter(raw.Module).Allow() {
		in.countDrop()
		return nil, fmt.Errorf("%w: module %s", ErrOverRate, raw.Module)
	}

	values := normalizeValues(raw.Values)

	snap := in.store.Current()
	if snap != nil {
		if err := applyDefaults(values, raw.Module, snap); err != nil {
			in.countDrop()
			return nil, err
		}
	}

	wall := raw.Timestamp
	if wall.IsZero() {
		wall = in.now()
	}
	sample := &Sample{
		Module: raw.Module,
		Wall:   wall.UTC(),
		Mono:   in.now().Sub(in.start).Nanoseconds(),
		Values: values,
	}
	digest, err := canonicalize.CanonicalHash(map[string]any{
		"module": sample.Module,
		"wall":   sample.Wall,
		"values": sample.Values,
	})
	if err != nil {
		in.countDrop()
		return nil, fmt.Errorf("%w: digest: %v", ErrMalformedSample, err)
	}
	sample.Digest = digest
	return sample, nil
}

func (in *Intake) limiter(module string) *rate.Limiter {
	in.mu.Lock()
	defer in.mu.Unlock()
	l, ok := in.limiters[module]
	if !ok {
		l = rate.NewLimiter(in.limit, in.burst)
		in.limiters[module] = l
	}
	return l
}

func (in *Intake) countDrop() {
	in.mu.Lock()
	in.dropped++
	in.mu.Unlock()
}

func normalizeValues(raw map[string]any) map[string]any {
	values := make(map[string]any, len(raw))
	for k, v := range raw {
		conv, ok := unitConversions[k]
		if !ok {
			values[k] = normalizeScalar(v)
			continue
		}
		num, isNum := asFloat(v)
		if !isNum {
			values[k] = normalizeScalar(v)
			continue
		}
		values[conv.canonical] = conv.convert(num)
	}
	return values
}

// normalizeScalar collapses integer flavors to float64 so rule comparison
// and JCS hashing see one numeric shape.
func normalizeScalar(v any) any {
	if f, ok := asFloat(v); ok {
		return f
	}
	return v
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}

func applyDefaults(values map[string]any, module string, snap *policy.Snapshot) error {
	for _, r := range snap.RulesFor(module) {
		if r.Kind == policy.KindExpr {
			// Expression rules reference arbitrary fields; absence is
			// handled by the predicate itself.
			continue
		}
		if _, present := values[r.Parameter]; present {
			continue
		}
		def, ok := snap.Defaults.SampleDefaults[r.Parameter]
		if !ok {
			return fmt.Errorf("%w: module %s missing %q required by rule %s",
				ErrMalformedSample, module, r.Parameter, r.ID)
		}
		values[r.Parameter] = normalizeScalar(def)
	}
	return nil
}
