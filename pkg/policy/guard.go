package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"
)

// RootPackage is the package every policy must live under.
const RootPackage = "froyo"

// Guard evaluates the deny rules of a set of policies.
type Guard struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
}

type compiledPolicy struct {
	policy *Policy
	query  rego.PreparedEvalQuery
}

// NewGuard creates a guard holding the built-in policies.
func NewGuard(logger zerolog.Logger) (*Guard, error) {
	g := &Guard{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-guard").Logger(),
	}

	for _, p := range GetBuiltinPolicies() {
		if err := g.Add(context.Background(), p); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
	}

	return g, nil
}

// compile parses p and prepares the query for its deny set.
func compile(ctx context.Context, p *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	// data.froyo.x -> froyo.x
	pkg := strings.TrimPrefix(module.Package.Path.String(), "data.")
	if pkg != RootPackage && !strings.HasPrefix(pkg, RootPackage+".") {
		return nil, fmt.Errorf("policy package %s is not under %s", pkg, RootPackage)
	}

	query, err := rego.New(
		rego.Query(fmt.Sprintf("data.%s.deny", pkg)),
		rego.ParsedModule(module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{policy: p, query: query}, nil
}

// Add compiles p and adds it, replacing a policy of the same name.
func (g *Guard) Add(ctx context.Context, p Policy) error {
	if p.Severity == "" {
		p.Severity = SeverityError
	}
	cp, err := compile(ctx, &p)
	if err != nil {
		return err
	}

	g.mu.Lock()
	g.policies[p.Name] = cp
	g.mu.Unlock()

	g.logger.Debug().Str("policy", p.Name).Msg("policy compiled")
	return nil
}

// LoadPolicies loads and adds every policy under paths. Nothing is added
// when any policy fails to compile.
func (g *Guard) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(g.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return g.addAll(ctx, policies, false)
}

// Replace swaps the loaded policies for policies, keeping the built-ins.
// It is the reload callback for Loader.Watch.
func (g *Guard) Replace(ctx context.Context, policies []Policy) error {
	return g.addAll(ctx, policies, true)
}

func (g *Guard) addAll(ctx context.Context, policies []Policy, replace bool) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		p := policies[i]
		if p.Severity == "" {
			p.Severity = SeverityError
		}
		cp, err := compile(ctx, &p)
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled[p.Name] = cp
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if replace {
		for name, cp := range g.policies {
			if !cp.policy.Builtin {
				delete(g.policies, name)
			}
		}
	}
	for name, cp := range compiled {
		g.policies[name] = cp
	}
	return nil
}

// Remove drops the named policy.
func (g *Guard) Remove(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.policies[name]
	delete(g.policies, name)
	return ok
}

// Policies lists the active policies by name.
func (g *Guard) Policies() []Policy {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Policy, 0, len(g.policies))
	for _, cp := range g.policies {
		out = append(out, *cp.policy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Check evaluates every policy against in. Variables are redacted before
// evaluation. An evaluation error fails the check: a policy that cannot be
// evaluated must not let a host through.
func (g *Guard) Check(ctx context.Context, in Input) (*Decision, error) {
	in.Vars = RedactVars(in.Vars)

	g.mu.RLock()
	policies := make([]*compiledPolicy, 0, len(g.policies))
	for _, cp := range g.policies {
		policies = append(policies, cp)
	}
	g.mu.RUnlock()
	sort.Slice(policies, func(i, j int) bool { return policies[i].policy.Name < policies[j].policy.Name })

	decision := &Decision{Allowed: true}
	for _, cp := range policies {
		violations, err := evaluate(ctx, cp, in)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", cp.policy.Name, err)
		}
		for _, v := range violations {
			if v.Severity.Denies() {
				decision.Allowed = false
			} else {
				g.logger.Warn().Str("policy", v.Policy).Str("host", in.Host).Msg(v.Message)
			}
		}
		decision.Violations = append(decision.Violations, violations...)
	}

	return decision, nil
}

func evaluate(ctx context.Context, cp *compiledPolicy, in Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, newViolation(cp.policy, d))
		}
	}
	sort.Slice(violations, func(i, j int) bool { return violations[i].Message < violations[j].Message })
	return violations, nil
}

func newViolation(p *Policy, result interface{}) Violation {
	v := Violation{Policy: p.Name, Severity: p.Severity}

	switch r := result.(type) {
	case string:
		v.Message = r
	case map[string]interface{}:
		if msg, ok := r["msg"].(string); ok {
			v.Message = msg
		} else if msg, ok := r["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := r["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}

	return v
}
