package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/v1/rego"
)

// DefaultQuery is the Rego query evaluated when none is configured.
const DefaultQuery = "data.taskhub.authz.allow"

// Rego evaluates decisions against an operator-supplied policy bundle.
type Rego struct {
	query rego.PreparedEvalQuery
}

// NewRego loads the policy files at bundlePath and prepares query for
// evaluation. An empty query selects DefaultQuery.
func NewRego(ctx context.Context, bundlePath, query string) (*Rego, error) {
	if query == "" {
		query = DefaultQuery
	}
	prepared, err := rego.New(
		rego.Query(query),
		rego.Load([]string{bundlePath}, nil),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare policy query %q: %w", query, err)
	}
	return &Rego{query: prepared}, nil
}

// Allow implements Decider. An undefined result is a deny.
func (r *Rego) Allow(ctx context.Context, in Input) (bool, error) {
	results, err := r.query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return false, fmt.Errorf("evaluate policy: %w", err)
	}
	return results.Allowed(), nil
}
