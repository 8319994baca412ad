package rules

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ExpressionCompiler compiles tenant CEL rules against the screening facts.
type ExpressionCompiler struct {
	env *cel.Env
}

// NewExpressionCompiler creates the CEL environment. Variables:
//
//	user_country, detected_country, currency, sender_id, receiver_id, source_tier (string)
//	countries_match, is_vpn, is_proxy, is_tor, is_relay, degraded (bool)
//	confidence, amount (double)
//	velocity_count (int): transactions sent in the high-frequency window
func NewExpressionCompiler() (*ExpressionCompiler, error) {
	env, err := cel.NewEnv(
		cel.Variable("user_country", cel.StringType),
		cel.Variable("detected_country", cel.StringType),
		cel.Variable("countries_match", cel.BoolType),
		cel.Variable("is_vpn", cel.BoolType),
		cel.Variable("is_proxy", cel.BoolType),
		cel.Variable("is_tor", cel.BoolType),
		cel.Variable("is_relay", cel.BoolType),
		cel.Variable("degraded", cel.BoolType),
		cel.Variable("confidence", cel.DoubleType),
		cel.Variable("source_tier", cel.StringType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("sender_id", cel.StringType),
		cel.Variable("receiver_id", cel.StringType),
		cel.Variable("velocity_count", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &ExpressionCompiler{env: env}, nil
}

// Compile checks and compiles one expression rule.
func (c *ExpressionCompiler) Compile(rule domain.ExpressionRule, history HistorySource) (*Expression, error) {
	ast, issues := c.env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", rule.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("rule %s: expression must return bool, int, or double, got %s", rule.ID, outputType)
	}

	program, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", rule.ID, err)
	}

	return &Expression{
		rule:         rule,
		program:      program,
		history:      history,
		usesVelocity: strings.Contains(rule.Expression, "velocity_count"),
	}, nil
}

// Expression is a compiled tenant rule. It triggers when the expression
// evaluates to true or to a number of at least 1, and never short-circuits.
type Expression struct {
	rule         domain.ExpressionRule
	program      cel.Program
	history      HistorySource
	usesVelocity bool
}

func (e *Expression) Name() string          { return e.rule.Name }
func (e *Expression) Kind() domain.RuleKind { return domain.RuleExpression }

func (e *Expression) Evaluate(ctx context.Context, f *domain.Facts, p *domain.RuleParams) (*domain.RuleOutcome, error) {
	amount := 0.0
	if f.Amount.Valid {
		amount = f.Amount.Decimal.InexactFloat64()
	}

	var velocity int64
	if e.usesVelocity && f.HasTransaction() && e.history != nil {
		window := time.Duration(p.HighFrequency.WindowMinutes) * time.Minute
		txs, err := e.history.SentBy(ctx, f.TenantID, f.SenderID, f.Timestamp.Add(-window), f.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("velocity history: %w", err)
		}
		for _, tx := range txs {
			if !isCurrent(tx, f) {
				velocity++
			}
		}
	}

	activation := map[string]any{
		"user_country":     f.UserCountry,
		"detected_country": f.DetectedCountry,
		"countries_match":  f.CountriesMatch(),
		"is_vpn":           f.Security.IsVPN,
		"is_proxy":         f.Security.IsProxy,
		"is_tor":           f.Security.IsTor,
		"is_relay":         f.Security.IsRelay,
		"degraded":         f.Degraded,
		"confidence":       f.Confidence,
		"source_tier":      string(f.SourceTier),
		"amount":           amount,
		"currency":         f.Currency,
		"sender_id":        f.SenderID,
		"receiver_id":      f.ReceiverID,
		"velocity_count":   velocity,
	}

	out, _, err := e.program.ContextEval(ctx, activation)
	if err != nil {
		return nil, fmt.Errorf("evaluation error in rule %s: %w", e.rule.ID, err)
	}

	score := toScore(out)
	if score < 1 {
		return nil, nil
	}

	desc := e.rule.Description
	if desc == "" {
		desc = fmt.Sprintf("Custom rule %s matched", e.rule.ID)
	}
	return &domain.RuleOutcome{
		RuleName:          e.rule.Name,
		Kind:              domain.RuleExpression,
		Severity:          e.rule.Severity,
		Description:       desc,
		ScoreContribution: e.rule.Score,
		Detail: map[string]any{
			"ruleId":     e.rule.ID,
			"expression": e.rule.Expression,
			"result":     score,
		},
	}, nil
}

// toScore converts a CEL value to a number.
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
	default:
		return 0.0
	}
}
