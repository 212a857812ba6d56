package rules

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// celEnv exposes the merged payload to expressions as the map "tx".
var celEnv = sync.OnceValues(func() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("tx", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
})

// celRule evaluates a CEL expression compiled at load time. A true result
// contributes the weight; a positive number is a magnitude scaled by the
// weight.
type celRule struct {
	base
	expression string
	program    cel.Program
}

func newCELRule(spec *domain.RuleSpec) (Rule, error) {
	if spec.Expression == "" {
		return nil, fmt.Errorf("%w: expression", domain.ErrMissingField)
	}
	b, err := newBase(spec)
	if err != nil {
		return nil, err
	}
	env, err := celEnv()
	if err != nil {
		return nil, err
	}

	ast, issues := env.Compile(spec.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: compile: %v", domain.ErrInvalidInput, issues.Err())
	}

	out := ast.OutputType()
	if out != cel.BoolType && out != cel.DoubleType && out != cel.IntType && out != cel.DynType {
		return nil, fmt.Errorf("%w: expression must return bool, int, or double, got %s", domain.ErrInvalidInput, out)
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program: %w", err)
	}
	return &celRule{base: b, expression: spec.Expression, program: program}, nil
}

func (r *celRule) Evaluate(payload map[string]any) (float64, map[string]any) {
	out, _, err := r.program.Eval(map[string]any{"tx": payload})
	if err != nil {
		// missing keys and type errors are misses, like absent predicate fields
		return 0, nil
	}
	v := toScore(out)
	if v <= 0 {
		return 0, nil
	}
	return v * r.weight, map[string]any{"expression": r.expression, "value": v}
}

// toScore converts a CEL value to a numeric score.
func toScore(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	case types.Uint:
		return float64(v)
	default:
		return 0.0
	}
}
