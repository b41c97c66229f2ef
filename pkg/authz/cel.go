package authz

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// CELAuthorizer evaluates a boolean CEL expression per request. The
// expression sees user, groups, authenticated, resource, verb and ns, the
// collection namespace ("namespace" is reserved in CEL).
type CELAuthorizer struct {
	prg cel.Program
}

// NewCELAuthorizer compiles policy. The expression must yield a bool.
func NewCELAuthorizer(policy string) (*CELAuthorizer, error) {
	env, err := cel.NewEnv(
		cel.Variable("user", cel.StringType),
		cel.Variable("groups", cel.ListType(cel.StringType)),
		cel.Variable("authenticated", cel.BoolType),
		cel.Variable("resource", cel.StringType),
		cel.Variable("verb", cel.StringType),
		cel.Variable("ns", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	ast, issues := env.Compile(policy)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile policy: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("policy must evaluate to bool, got %s", ast.OutputType())
	}
	prg, err := env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("program policy: %w", err)
	}
	return &CELAuthorizer{prg: prg}, nil
}

// Authorize evaluates the policy against req.
func (a *CELAuthorizer) Authorize(ctx context.Context, req AuthzRequest) (bool, error) {
	groups := req.Groups
	if groups == nil {
		groups = []string{}
	}
	out, _, err := a.prg.ContextEval(ctx, map[string]any{
		"user":          req.User,
		"groups":        groups,
		"authenticated": req.Authenticated,
		"resource":      req.Resource,
		"verb":          req.Verb,
		"ns":            req.Namespace,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate policy: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("policy returned %T", out.Value())
	}
	return allowed, nil
}
