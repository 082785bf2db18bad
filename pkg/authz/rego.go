package authz

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// RegoQuery is the decision every module must define.
const RegoQuery = "data.sitegate.authz.allow"

// RegoPolicy is a prepared Rego module. Evaluation is safe for concurrent use.
type RegoPolicy struct {
	query rego.PreparedEvalQuery
}

func NewRegoPolicy(ctx context.Context, name, module string) (*RegoPolicy, error) {
	pq, err := rego.New(
		rego.Query(RegoQuery),
		rego.Module(name, module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile rego %s: %w", name, err)
	}
	return &RegoPolicy{query: pq}, nil
}

// Allowed reports whether allow is true for input. An undefined allow is
// a denial.
func (p *RegoPolicy) Allowed(ctx context.Context, input map[string]any) (bool, error) {
	rs, err := p.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, err
	}
	return rs.Allowed(), nil
}
