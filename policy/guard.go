package policy

import (
	"context"
	"fmt"
	"sort"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/yairfalse/vigil/types"
)

// GuardQuery is the Rego package every guard module must define.
// A guard contributes messages to the `deny` and `escalate` sets.
const GuardQuery = "data.vigil.guard"

// Guard holds compiled Rego guard modules. Guards can only tighten a
// verdict: a deny message forces BLOCK and an escalate message forces at
// least ESCALATE.
type Guard struct {
	queries []guardQuery
}

type guardQuery struct {
	name  string
	query rego.PreparedEvalQuery
}

// GuardInput is the document handed to every guard module as `input`
type GuardInput struct {
	Request    types.ActionRequest `json:"request"`
	Tier       int                 `json:"tier"`
	Verdict    string              `json:"verdict"`
	TrustScore float64             `json:"trust_score"`
}

// GuardResult aggregates guard output across modules
type GuardResult struct {
	Deny     []string
	Escalate []string
	Rules    []string
}

// CompileGuard prepares every module for evaluation. Any compile error
// rejects the whole set.
func CompileGuard(ctx context.Context, modules []GuardModule) (*Guard, error) {
	g := &Guard{}
	for i, m := range modules {
		if m.Name == "" {
			return nil, configErr("guards[%d]: name is required", i)
		}
		prepared, err := rego.New(
			rego.Query(GuardQuery),
			rego.Module(m.Name+".rego", m.Module),
		).PrepareForEval(ctx)
		if err != nil {
			return nil, configErr("guard %q: %v", m.Name, err)
		}
		g.queries = append(g.queries, guardQuery{name: m.Name, query: prepared})
	}
	return g, nil
}

// Len returns the number of compiled modules
func (g *Guard) Len() int {
	if g == nil {
		return 0
	}
	return len(g.queries)
}

// Evaluate runs every guard module against input
func (g *Guard) Evaluate(ctx context.Context, input GuardInput) (GuardResult, error) {
	var out GuardResult
	if g == nil {
		return out, nil
	}

	for _, q := range g.queries {
		results, err := q.query.Eval(ctx, rego.EvalInput(input))
		if err != nil {
			return out, fmt.Errorf("guard %s: %w", q.name, err)
		}

		deny, escalate := parseGuardResults(results)
		if len(deny) > 0 || len(escalate) > 0 {
			out.Rules = append(out.Rules, q.name)
		}
		out.Deny = append(out.Deny, deny...)
		out.Escalate = append(out.Escalate, escalate...)
	}

	sort.Strings(out.Deny)
	sort.Strings(out.Escalate)
	return out, nil
}

func parseGuardResults(results rego.ResultSet) (deny, escalate []string) {
	for _, res := range results {
		if len(res.Expressions) == 0 {
			continue
		}
		// OPA returns the package document as a generic JSON object
		doc, ok := res.Expressions[0].Value.(map[string]interface{})
		if !ok {
			continue
		}
		deny = append(deny, stringSet(doc["deny"])...)
		escalate = append(escalate, stringSet(doc["escalate"])...)
	}
	return deny, escalate
}

func stringSet(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// ApplyGuard tightens d according to the guard result
func ApplyGuard(d *types.Decision, res GuardResult) {
	d.GuardRules = res.Rules
	switch {
	case len(res.Deny) > 0:
		d.Tighten(types.VerdictBlock, "guard: "+res.Deny[0])
	case len(res.Escalate) > 0:
		d.Tighten(types.VerdictEscalate, "guard: "+res.Escalate[0])
	}
}
