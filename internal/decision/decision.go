// Package decision turns rule outcomes into a single risk verdict.
package decision

import (
	"context"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Recommendations.
const (
	RecommendBlock    = "BLOCK"
	RecommendReview   = "Flag for manual review"
	RecommendMonitor  = "Monitor - allow with caution"
	RecommendProceed  = "Proceed normally"
	RecommendFallback = "Service Unavailable - Manual Check"

	lowConfidenceNote = " (Note: GeoIP confidence is low, verify manually)"
)

// Aggregator computes verdicts.
type Aggregator struct {
	// Level thresholds on the 0-100 score.
	CriticalAt int
	HighAt     int
	MediumAt   int

	// Confidence below LowConfidence adds a manual verification note.
	LowConfidence float64

	// FallbackScore is used for degraded facts with no outcomes.
	FallbackScore int
}

// NewAggregator creates an aggregator with default thresholds.
func NewAggregator() *Aggregator {
	return &Aggregator{
		CriticalAt:    90,
		HighAt:        60,
		MediumAt:      20,
		LowConfidence: 0.8,
		FallbackScore: 50,
	}
}

// Input contains everything needed for one verdict.
type Input struct {
	Facts         *domain.Facts
	Outcomes      []*domain.RuleOutcome
	Indeterminate []string
}

// Aggregate produces the verdict for one screening.
func (a *Aggregator) Aggregate(_ context.Context, in *Input) *domain.Verdict {
	v := a.aggregate(in)

	metrics.ScreeningsTotal.WithLabelValues(string(v.Level)).Inc()
	if v.ShouldBlock {
		metrics.ScreeningsBlocked.Inc()
	}
	return v
}

func (a *Aggregator) aggregate(in *Input) *domain.Verdict {
	v := a.verdict(in)
	if in.Facts.Confidence < a.LowConfidence {
		v.Recommendation += lowConfidenceNote
	}
	return v
}

func (a *Aggregator) verdict(in *Input) *domain.Verdict {
	f := in.Facts

	// Degraded facts never produce a terminal verdict.
	if !f.Degraded {
		for _, o := range in.Outcomes {
			if o.ShortCircuit {
				return &domain.Verdict{
					Score:          100,
					Level:          domain.LevelCritical,
					ShouldBlock:    true,
					Recommendation: fmt.Sprintf("%s - %s", RecommendBlock, o.RuleName),
					TriggeredRules: []*domain.RuleOutcome{o},
					Indeterminate:  in.Indeterminate,
				}
			}
		}
	}

	if f.Degraded && len(in.Outcomes) == 0 {
		return &domain.Verdict{
			Score:          a.FallbackScore,
			Level:          a.Level(a.FallbackScore),
			Recommendation: RecommendFallback,
			TriggeredRules: []*domain.RuleOutcome{},
			Indeterminate:  in.Indeterminate,
		}
	}

	score := 0
	for _, o := range in.Outcomes {
		score += o.ScoreContribution
	}
	score = clamp(score, 0, 100)

	// Missing facts never lower the verdict below the fallback, and never block.
	if f.Degraded {
		score = clamp(score, a.FallbackScore, a.CriticalAt-1)
	}

	// Rules that could not complete never count as evidence of safety.
	if len(in.Outcomes) == 0 && len(in.Indeterminate) > 0 && score < a.MediumAt {
		score = a.MediumAt
	}

	level := a.Level(score)
	outcomes := in.Outcomes
	if outcomes == nil {
		outcomes = []*domain.RuleOutcome{}
	}

	return &domain.Verdict{
		Score:          score,
		Level:          level,
		ShouldBlock:    level == domain.LevelCritical,
		Recommendation: Recommendation(level),
		TriggeredRules: outcomes,
		Indeterminate:  in.Indeterminate,
	}
}

// Level maps a score to a risk level.
func (a *Aggregator) Level(score int) domain.RiskLevel {
	switch {
	case score >= a.CriticalAt:
		return domain.LevelCritical
	case score >= a.HighAt:
		return domain.LevelHigh
	case score >= a.MediumAt:
		return domain.LevelMedium
	default:
		return domain.LevelLow
	}
}

// Recommendation returns the action text for a level.
func Recommendation(level domain.RiskLevel) string {
	switch level {
	case domain.LevelCritical:
		return RecommendBlock
	case domain.LevelHigh:
		return RecommendReview
	case domain.LevelMedium:
		return RecommendMonitor
	default:
		return RecommendProceed
	}
}

// ShouldAlert reports whether a verdict warrants an alert event.
func ShouldAlert(v *domain.Verdict) bool {
	return v.Level.Rank() >= domain.LevelHigh.Rank()
}

// Reasons extracts human-readable reasons from a verdict.
func Reasons(v *domain.Verdict) []string {
	reasons := make([]string, 0, len(v.TriggeredRules))
	for _, r := range v.TriggeredRules {
		if r.Description != "" {
			reasons = append(reasons, r.Description)
		}
	}
	return reasons
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
