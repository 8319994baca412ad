package decision

import (
	"context"
	"strings"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func facts(user, detected string, confidence float64) *domain.Facts {
	return &domain.Facts{
		TenantID:        "tenant-001",
		UserCountry:     user,
		DetectedCountry: detected,
		Confidence:      confidence,
		SourceTier:      domain.TierExternalAPI,
	}
}

func outcome(name string, score int) *domain.RuleOutcome {
	return &domain.RuleOutcome{
		RuleName:          name,
		Severity:          domain.LevelHigh,
		Description:       name + " triggered",
		ScoreContribution: score,
	}
}

func TestAggregator(t *testing.T) {
	agg := NewAggregator()
	ctx := context.Background()

	t.Run("SameCountryNoOutcomes", func(t *testing.T) {
		v := agg.Aggregate(ctx, &Input{Facts: facts("US", "US", 0.99)})

		if v.Score != 0 || v.Level != domain.LevelLow || v.ShouldBlock {
			t.Errorf("expected 0/LOW/no block, got %d/%s/%v", v.Score, v.Level, v.ShouldBlock)
		}
		if v.Recommendation != RecommendProceed {
			t.Errorf("expected %q, got %q", RecommendProceed, v.Recommendation)
		}
		if v.TriggeredRules == nil {
			t.Error("triggered rules should be an empty list, not nil")
		}
	})

	t.Run("ShortCircuit", func(t *testing.T) {
		tor := &domain.RuleOutcome{
			RuleName:          "Anonymizer Detected (Tor)",
			Severity:          domain.LevelCritical,
			ScoreContribution: 100,
			ShortCircuit:      true,
		}
		v := agg.Aggregate(ctx, &Input{
			Facts:    facts("US", "DE", 0.99),
			Outcomes: []*domain.RuleOutcome{outcome("Commercial VPN", 75), tor},
		})

		if v.Score != 100 || v.Level != domain.LevelCritical || !v.ShouldBlock {
			t.Errorf("expected 100/CRITICAL/block, got %d/%s/%v", v.Score, v.Level, v.ShouldBlock)
		}
		if len(v.TriggeredRules) != 1 || v.TriggeredRules[0] != tor {
			t.Errorf("only the short-circuit rule should be listed, got %d", len(v.TriggeredRules))
		}
		if v.Recommendation != "BLOCK - Anonymizer Detected (Tor)" {
			t.Errorf("unexpected recommendation %q", v.Recommendation)
		}
	})

	t.Run("DegradedFactsNeverBlock", func(t *testing.T) {
		f := facts("IR", domain.UnknownCountry, 0)
		f.Degraded = true
		v := agg.Aggregate(ctx, &Input{
			Facts:    f,
			Outcomes: []*domain.RuleOutcome{{RuleName: "Sanctioned Jurisdiction", Severity: domain.LevelCritical, ScoreContribution: 100, ShortCircuit: true}},
		})
		if v.ShouldBlock || v.Level == domain.LevelCritical {
			t.Errorf("degraded facts must not block, got %d/%s/%v", v.Score, v.Level, v.ShouldBlock)
		}
		if v.Score != agg.CriticalAt-1 || v.Level != domain.LevelHigh {
			t.Errorf("expected %d/HIGH, got %d/%s", agg.CriticalAt-1, v.Score, v.Level)
		}
		if len(v.TriggeredRules) != 1 {
			t.Errorf("expected the sanctioned outcome to be reported, got %d", len(v.TriggeredRules))
		}
	})

	t.Run("LowConfidenceBlockNoted", func(t *testing.T) {
		tor := &domain.RuleOutcome{RuleName: "Anonymizer Detected (Tor)", ScoreContribution: 100, ShortCircuit: true}
		v := agg.Aggregate(ctx, &Input{Facts: facts("US", "DE", 0.5), Outcomes: []*domain.RuleOutcome{tor}})
		if v.Recommendation != "BLOCK - Anonymizer Detected (Tor)"+lowConfidenceNote {
			t.Errorf("unexpected recommendation %q", v.Recommendation)
		}
	})

	t.Run("DegradedFallback", func(t *testing.T) {
		f := facts("US", domain.UnknownCountry, 0)
		f.Degraded = true
		v := agg.Aggregate(ctx, &Input{Facts: f})

		if v.Score != 50 || v.Level != domain.LevelMedium || v.ShouldBlock {
			t.Errorf("expected 50/MEDIUM/no block, got %d/%s/%v", v.Score, v.Level, v.ShouldBlock)
		}
		if v.Recommendation != RecommendFallback+lowConfidenceNote {
			t.Errorf("expected %q, got %q", RecommendFallback+lowConfidenceNote, v.Recommendation)
		}
	})

	t.Run("DegradedCapsAtHigh", func(t *testing.T) {
		f := facts("US", domain.UnknownCountry, 0)
		f.Degraded = true
		v := agg.Aggregate(ctx, &Input{
			Facts:    f,
			Outcomes: []*domain.RuleOutcome{outcome("Large Transaction", 90), outcome("High-Frequency Transactions", 60)},
		})

		if v.Level != domain.LevelHigh || v.ShouldBlock {
			t.Errorf("expected HIGH/no block, got %s/%v", v.Level, v.ShouldBlock)
		}
		if v.Score >= agg.CriticalAt {
			t.Errorf("score %d should stay below the critical threshold", v.Score)
		}
	})

	t.Run("ScoreClamped", func(t *testing.T) {
		v := agg.Aggregate(ctx, &Input{
			Facts:    facts("US", "JP", 0.9),
			Outcomes: []*domain.RuleOutcome{outcome("Commercial VPN", 75), outcome("Cross-Region Mismatch", 60)},
		})
		if v.Score != 100 {
			t.Errorf("expected clamp to 100, got %d", v.Score)
		}
		if v.Level != domain.LevelCritical || !v.ShouldBlock {
			t.Errorf("expected CRITICAL/block, got %s/%v", v.Level, v.ShouldBlock)
		}
		if v.Recommendation != RecommendBlock {
			t.Errorf("expected %q, got %q", RecommendBlock, v.Recommendation)
		}
	})

	t.Run("VPNSameCountry", func(t *testing.T) {
		v := agg.Aggregate(ctx, &Input{
			Facts:    facts("US", "US", 0.99),
			Outcomes: []*domain.RuleOutcome{outcome("Geo-Masking VPN", 85)},
		})
		if v.Score != 85 || v.Level != domain.LevelHigh || v.ShouldBlock {
			t.Errorf("expected 85/HIGH/no block, got %d/%s/%v", v.Score, v.Level, v.ShouldBlock)
		}
		if v.Recommendation != RecommendReview {
			t.Errorf("expected %q, got %q", RecommendReview, v.Recommendation)
		}
	})

	t.Run("LowConfidenceNote", func(t *testing.T) {
		v := agg.Aggregate(ctx, &Input{
			Facts:    facts("US", "CA", 0.5),
			Outcomes: []*domain.RuleOutcome{outcome("Neighboring Country Mismatch", 20)},
		})
		if !strings.HasPrefix(v.Recommendation, RecommendMonitor) {
			t.Errorf("expected monitor recommendation, got %q", v.Recommendation)
		}
		if !strings.HasSuffix(v.Recommendation, "verify manually)") {
			t.Errorf("expected low confidence note, got %q", v.Recommendation)
		}
	})

	t.Run("IndeterminateFloor", func(t *testing.T) {
		v := agg.Aggregate(ctx, &Input{
			Facts:         facts("US", "US", 0.99),
			Indeterminate: []string{"High-Frequency Transactions", "Rapid Money Movement"},
		})
		if v.Level != domain.LevelMedium {
			t.Errorf("failed rules must not yield LOW, got %s", v.Level)
		}
		if len(v.Indeterminate) != 2 {
			t.Errorf("expected indeterminate rules listed, got %v", v.Indeterminate)
		}
	})

	t.Run("IndeterminateWithOutcomes", func(t *testing.T) {
		v := agg.Aggregate(ctx, &Input{
			Facts:         facts("US", "JP", 0.99),
			Outcomes:      []*domain.RuleOutcome{outcome("Cross-Region Mismatch", 60)},
			Indeterminate: []string{"Rapid Money Movement"},
		})
		if v.Score != 60 {
			t.Errorf("indeterminate rules contribute nothing, got %d", v.Score)
		}
	})
}

func TestLevel(t *testing.T) {
	agg := NewAggregator()

	tests := []struct {
		score int
		want  domain.RiskLevel
	}{
		{0, domain.LevelLow},
		{19, domain.LevelLow},
		{20, domain.LevelMedium},
		{59, domain.LevelMedium},
		{60, domain.LevelHigh},
		{89, domain.LevelHigh},
		{90, domain.LevelCritical},
		{100, domain.LevelCritical},
	}

	for _, tt := range tests {
		if got := agg.Level(tt.score); got != tt.want {
			t.Errorf("Level(%d) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestScoreMonotone(t *testing.T) {
	agg := NewAggregator()
	f := facts("US", "JP", 0.99)

	var outcomes []*domain.RuleOutcome
	prev := 0
	for _, s := range []int{20, 35, 60, 85, 90} {
		outcomes = append(outcomes, outcome("rule", s))
		v := agg.Aggregate(context.Background(), &Input{Facts: f, Outcomes: outcomes})
		if v.Score < prev {
			t.Fatalf("score decreased from %d to %d", prev, v.Score)
		}
		if v.Score < 0 || v.Score > 100 {
			t.Fatalf("score %d out of range", v.Score)
		}
		prev = v.Score
	}
}

func TestShouldAlert(t *testing.T) {
	if ShouldAlert(&domain.Verdict{Level: domain.LevelMedium}) {
		t.Error("MEDIUM should not alert")
	}
	if !ShouldAlert(&domain.Verdict{Level: domain.LevelHigh}) {
		t.Error("HIGH should alert")
	}
}

func TestReasons(t *testing.T) {
	v := &domain.Verdict{TriggeredRules: []*domain.RuleOutcome{
		outcome("a", 10),
		{RuleName: "b"},
	}}
	reasons := Reasons(v)
	if len(reasons) != 1 || reasons[0] != "a triggered" {
		t.Errorf("unexpected reasons %v", reasons)
	}
}
