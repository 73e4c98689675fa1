package invariant

import (
	"context"
	"fmt"

	mangle "forge/internal/mangle"
)

// scopeSchema declares the two base facts and the derived predicate used
// to compute files changed outside the diff allowlist declaratively,
// rather than as a hand-rolled set difference.
const scopeSchema = `
Decl changed_file(X) descr [mode("+")].
Decl allowed_file(X) descr [mode("+")].
Decl extra_file(X) :- changed_file(X), !allowed_file(X).
`

// ruleEngine evaluates scope-containment as a Datalog query over
// changed/allowed file facts. Construction is cheap and per-call: the
// invariant checker re-evaluates a small, bounded fact set each time, so
// there is no benefit to keeping engine state across builds.
type ruleEngine struct {
	engine *mangle.Engine
}

func newRuleEngine() (*ruleEngine, error) {
	e, err := mangle.NewEngine(mangle.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("invariant: new mangle engine: %w", err)
	}
	if err := e.LoadSchemaString(scopeSchema); err != nil {
		return nil, fmt.Errorf("invariant: load scope schema: %w", err)
	}
	return &ruleEngine{engine: e}, nil
}

// extraFiles returns the elements of changed not present in allowed,
// computed via the Mangle rule above.
func (r *ruleEngine) extraFiles(changed, allowed []string) ([]string, error) {
	var facts []mangle.Fact
	for _, c := range changed {
		facts = append(facts, mangle.Fact{Predicate: "changed_file", Args: []interface{}{c}})
	}
	for _, a := range allowed {
		facts = append(facts, mangle.Fact{Predicate: "allowed_file", Args: []interface{}{a}})
	}
	if len(facts) > 0 {
		if err := r.engine.AddFacts(facts); err != nil {
			return nil, fmt.Errorf("invariant: add facts: %w", err)
		}
	}

	result, err := r.engine.Query(context.Background(), `extra_file(X)?`)
	if err != nil {
		return nil, fmt.Errorf("invariant: query extra_file: %w", err)
	}

	var extra []string
	for _, binding := range result.Bindings {
		if v, ok := binding["X"]; ok {
			extra = append(extra, fmt.Sprintf("%v", v))
		}
	}
	return extra, nil
}

// scopeContainmentViolations returns the subset of changed not in
// allowed. It prefers the declarative Mangle evaluation above; if the
// engine cannot be constructed or the query fails for any reason, it
// falls back to a plain set difference so the invariant it enforces is
// never weakened by a schema or engine problem.
func scopeContainmentViolations(changed, allowed []string) []string {
	re, err := newRuleEngine()
	if err == nil {
		if extra, qerr := re.extraFiles(changed, allowed); qerr == nil {
			return extra
		}
	}
	return setDifferenceFallback(changed, allowed)
}

func setDifferenceFallback(changed, allowed []string) []string {
	allowedSet := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		allowedSet[a] = true
	}
	var extra []string
	for _, c := range changed {
		if !allowedSet[c] {
			extra = append(extra, c)
		}
	}
	return extra
}
