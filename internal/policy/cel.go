package policy

import (
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"
)

// CompiledRule wraps a pre-compiled CEL program for fast repeated evaluation.
type CompiledRule struct {
	Name       string
	Expression string
	Message    string
	program    cel.Program
}

// RequestContext is the view of one inspected request that rule conditions
// are evaluated against.
type RequestContext struct {
	Provider  string
	Model     string
	Kind      string
	Method    string
	Path      string
	Client    string
	Headers   map[string]string
	Text      string
	Tokens    int
	Cost      float64
	Stream    bool
	MaxTokens int
	Messages  int
	Detected  []string // finding categories and pii:<type> entries
}

// CELEvaluator compiles and evaluates CEL expressions against RequestContext
// values. Expressions are compiled once at load time; evaluation is lock-free
// and safe for concurrent use.
type CELEvaluator struct {
	env    *cel.Env
	logger *slog.Logger
}

// NewCELEvaluator creates a CELEvaluator with the request.* variables
// available in rule conditions.
func NewCELEvaluator(logger *slog.Logger) (*CELEvaluator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	env, err := cel.NewEnv(
		cel.Variable("request.provider", cel.StringType),
		cel.Variable("request.model", cel.StringType),
		cel.Variable("request.kind", cel.StringType),
		cel.Variable("request.method", cel.StringType),
		cel.Variable("request.path", cel.StringType),
		cel.Variable("request.client", cel.StringType),
		cel.Variable("request.headers", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("request.text", cel.StringType),
		cel.Variable("request.tokens", cel.IntType),
		cel.Variable("request.cost", cel.DoubleType),
		cel.Variable("request.stream", cel.BoolType),
		cel.Variable("request.max_tokens", cel.IntType),
		cel.Variable("request.messages", cel.IntType),
		cel.Variable("request.detected", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &CELEvaluator{
		env:    env,
		logger: logger.With("component", "policy.CELEvaluator"),
	}, nil
}

// CompileExpression parses and type-checks a CEL expression. This should be
// called at load time, not in the hot path.
func (c *CELEvaluator) CompileExpression(expr string) (CompiledRule, error) {
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return CompiledRule{}, fmt.Errorf("CEL compile error in %q: %w", expr, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return CompiledRule{}, fmt.Errorf("CEL expression %q must evaluate to bool, got %s", expr, ast.OutputType())
	}

	prg, err := c.env.Program(ast)
	if err != nil {
		return CompiledRule{}, fmt.Errorf("CEL program creation failed for %q: %w", expr, err)
	}

	c.logger.Debug("compiled CEL expression", "expression", expr)

	return CompiledRule{
		Expression: expr,
		program:    prg,
	}, nil
}

// Evaluate runs a pre-compiled rule against rc and reports whether the
// condition matched.
func (c *CELEvaluator) Evaluate(rule CompiledRule, rc RequestContext) (bool, error) {
	if rule.program == nil {
		return false, fmt.Errorf("rule %q has no compiled program", rule.Name)
	}

	headers := rc.Headers
	// CEL map access on nil panics.
	if headers == nil {
		headers = map[string]string{}
	}
	detected := rc.Detected
	if detected == nil {
		detected = []string{}
	}

	vars := map[string]interface{}{
		"request.provider":   rc.Provider,
		"request.model":      rc.Model,
		"request.kind":       rc.Kind,
		"request.method":     rc.Method,
		"request.path":       rc.Path,
		"request.client":     rc.Client,
		"request.headers":    headers,
		"request.text":       rc.Text,
		"request.tokens":     int64(rc.Tokens),
		"request.cost":       rc.Cost,
		"request.stream":     rc.Stream,
		"request.max_tokens": int64(rc.MaxTokens),
		"request.messages":   int64(rc.Messages),
		"request.detected":   detected,
	}

	out, _, err := rule.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error for %q: %w", rule.Expression, err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression %q returned non-bool: %T", rule.Expression, out.Value())
	}

	return result, nil
}
