package rules

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/telemetry"
)

// Result is the ordered outcome list of one chain run.
type Result struct {
	// Outcomes are in priority order. A short-circuit outcome is always alone.
	Outcomes []*domain.RuleOutcome

	// Indeterminate names rules that failed and were excluded.
	Indeterminate []string

	// Evaluated counts rules that ran, including indeterminate ones.
	Evaluated int

	// BaseCase is set when the same-country fast path was taken.
	BaseCase bool
}

// ShortCircuited returns the terminal outcome, if any.
func (r *Result) ShortCircuited() *domain.RuleOutcome {
	for _, o := range r.Outcomes {
		if o.ShortCircuit {
			return o
		}
	}
	return nil
}

// Chain is the closed, ordered evaluator list for one tenant.
type Chain struct {
	params *domain.RuleParams

	// terminal evaluators run first, one by one, and may end the chain.
	terminal []Evaluator

	// rest are independent of each other and may run concurrently.
	rest []Evaluator
}

// Params returns the parameters the chain was built from.
func (c *Chain) Params() *domain.RuleParams {
	return c.params
}

// Names lists the evaluators in priority order.
func (c *Chain) Names() []string {
	names := make([]string, 0, len(c.terminal)+len(c.rest))
	for _, ev := range c.terminal {
		names = append(names, ev.Name())
	}
	for _, ev := range c.rest {
		names = append(names, ev.Name())
	}
	return names
}

// Engine builds per-tenant chains and runs them.
type Engine struct {
	mu          sync.RWMutex
	defaults    *Chain
	tenants     map[string]*Chain
	history     HistorySource
	geo         domain.GeoReference
	compiler    *ExpressionCompiler
	maxParallel int
}

// NewEngine creates an engine whose default chain is built from defaults.
func NewEngine(defaults *domain.RuleParams, history HistorySource, geo domain.GeoReference, maxParallel int) (*Engine, error) {
	if maxParallel <= 0 {
		maxParallel = 4
	}
	compiler, err := NewExpressionCompiler()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		tenants:     make(map[string]*Chain),
		history:     history,
		geo:         geo,
		compiler:    compiler,
		maxParallel: maxParallel,
	}

	if defaults == nil {
		defaults = domain.DefaultRuleParams()
	}
	chain, err := e.Build(defaults)
	if err != nil {
		return nil, fmt.Errorf("invalid default rule parameters: %w", err)
	}
	e.defaults = chain
	return e, nil
}

// Build validates params and assembles the evaluator chain.
// Priority: Tor, sanctioned jurisdiction, VPN/proxy, large transaction,
// high frequency, rapid movement, geographic, then expression rules.
func (e *Engine) Build(params *domain.RuleParams) (*Chain, error) {
	p := params.WithDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}

	chain := &Chain{
		params:   p,
		terminal: []Evaluator{Anonymizer{}, Sanctioned{}},
	}

	builtin := []Evaluator{
		VPNProxy{},
		LargeTransaction{},
		HighFrequency{History: e.history},
		RapidMovement{History: e.history},
		Geographic{Geo: e.geo},
	}
	for _, ev := range builtin {
		if !p.IsDisabled(ev.Kind()) {
			chain.rest = append(chain.rest, ev)
		}
	}

	if !p.IsDisabled(domain.RuleExpression) {
		for _, rule := range p.Expressions {
			if !rule.Enabled {
				continue
			}
			if rule.Name == "" {
				rule.Name = rule.ID
			}
			rule.Severity, _ = domain.ParseRiskLevel(string(rule.Severity))
			expr, err := e.compiler.Compile(rule, e.history)
			if err != nil {
				return nil, err
			}
			chain.rest = append(chain.rest, expr)
		}
	}

	return chain, nil
}

// SetTenant builds and installs a chain for tenantID.
// The previous chain stays in place if params are invalid.
func (e *Engine) SetTenant(tenantID string, params *domain.RuleParams) error {
	chain, err := e.Build(params)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.tenants[tenantID] = chain
	e.mu.Unlock()
	return nil
}

// ChainFor returns the tenant's chain, or the default chain.
func (e *Engine) ChainFor(tenantID string) *Chain {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if c, ok := e.tenants[tenantID]; ok {
		return c
	}
	return e.defaults
}

// TenantCount returns how many tenants have their own chain.
func (e *Engine) TenantCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.tenants)
}

type slot struct {
	outcome *domain.RuleOutcome
	err     error
}

// Evaluate runs the tenant's chain against facts.
func (e *Engine) Evaluate(ctx context.Context, facts *domain.Facts) *Result {
	start := time.Now()
	defer func() {
		metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
	}()

	ctx, span := telemetry.StartSpan(ctx, "rules.evaluate", telemetry.TenantID(facts.TenantID))
	defer span.End()

	chain := e.ChainFor(facts.TenantID)
	res := &Result{}

	for _, ev := range chain.terminal {
		s := safeEvaluate(ctx, ev, facts, chain.params)
		res.record(ev, s)
		if s.outcome != nil && s.outcome.ShortCircuit {
			res.Outcomes = []*domain.RuleOutcome{s.outcome}
			return res
		}
	}

	if facts.CountriesMatch() && !facts.Security.Any() && !facts.Degraded && !facts.HasTransaction() {
		res.BaseCase = true
		return res
	}

	slots := make([]slot, len(chain.rest))
	g := new(errgroup.Group)
	g.SetLimit(e.maxParallel)
	for i, ev := range chain.rest {
		g.Go(func() error {
			slots[i] = safeEvaluate(ctx, ev, facts, chain.params)
			return nil
		})
	}
	_ = g.Wait()

	for i, ev := range chain.rest {
		res.record(ev, slots[i])
	}

	return res
}

func (r *Result) record(ev Evaluator, s slot) {
	r.Evaluated++
	if s.err != nil {
		r.Indeterminate = append(r.Indeterminate, ev.Name())
		metrics.RuleIndeterminate.WithLabelValues(string(ev.Kind())).Inc()
		return
	}
	if s.outcome != nil {
		if !s.outcome.ShortCircuit {
			r.Outcomes = append(r.Outcomes, s.outcome)
		}
		metrics.RuleTriggers.WithLabelValues(string(ev.Kind())).Inc()
	}
}

// safeEvaluate runs one evaluator, turning panics into errors.
func safeEvaluate(ctx context.Context, ev Evaluator, facts *domain.Facts, params *domain.RuleParams) (s slot) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("rule panicked",
				"rule", ev.Name(),
				"tenant_id", facts.TenantID,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			s = slot{err: fmt.Errorf("rule %s panicked: %v", ev.Name(), rec)}
		}
	}()

	outcome, err := ev.Evaluate(ctx, facts, params)
	if err != nil {
		slog.Warn("rule indeterminate",
			"rule", ev.Name(),
			"tenant_id", facts.TenantID,
			"transaction_id", facts.TransactionID,
			"error", err,
		)
		return slot{err: err}
	}
	return slot{outcome: outcome}
}
