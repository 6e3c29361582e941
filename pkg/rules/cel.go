package rules

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/mnsf-labs/regmon/pkg/policy"
	"github.com/mnsf-labs/regmon/pkg/telemetry"
)

// celCache compiles expression-rule predicates once per policy generation.
// Programs from superseded generations are evicted on first use of a newer
// one.
type celCache struct {
	env *cel.Env

	mu         sync.Mutex
	generation string
	programs   map[string]cel.Program
}

func newCELCache() (*celCache, error) {
	env, err := cel.NewEnv(
		cel.Variable("module", cel.StringType),
		cel.Variable("values", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}
	return &celCache{env: env, programs: make(map[string]cel.Program)}, nil
}

func (c *celCache) program(generation string, r *policy.Rule) (cel.Program, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.generation != generation {
		c.generation = generation
		c.programs = make(map[string]cel.Program)
	}
	if prg, ok := c.programs[r.ID]; ok {
		return prg, nil
	}

	ast, issues := c.env.Compile(r.Expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := c.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	c.programs[r.ID] = prg
	return prg, nil
}

func (c *celCache) evaluate(generation string, r *policy.Rule, sample *telemetry.Sample) (bool, error) {
	prg, err := c.program(generation, r)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{
		"module": sample.Module,
		"values": sample.Values,
	})
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("predicate result is %T, want bool", out.Value())
	}
	return v, nil
}
