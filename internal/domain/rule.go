package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// RiskLevel is the severity of a rule outcome or a verdict.
type RiskLevel string

const (
	LevelLow      RiskLevel = "LOW"
	LevelMedium   RiskLevel = "MEDIUM"
	LevelHigh     RiskLevel = "HIGH"
	LevelCritical RiskLevel = "CRITICAL"
)

// Rank orders levels from LOW (0) to CRITICAL (3).
func (l RiskLevel) Rank() int {
	switch l {
	case LevelMedium:
		return 1
	case LevelHigh:
		return 2
	case LevelCritical:
		return 3
	}
	return 0
}

// ParseRiskLevel accepts any letter case.
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch l := RiskLevel(strings.ToUpper(strings.TrimSpace(s))); l {
	case LevelLow, LevelMedium, LevelHigh, LevelCritical:
		return l, nil
	}
	return "", fmt.Errorf("unknown risk level %q", s)
}

// RuleKind identifies one evaluator variant.
type RuleKind string

const (
	RuleAnonymizer       RuleKind = "anonymizer"
	RuleSanctioned       RuleKind = "sanctioned_jurisdiction"
	RuleVPNProxy         RuleKind = "vpn_proxy"
	RuleLargeTransaction RuleKind = "large_transaction"
	RuleHighFrequency    RuleKind = "high_frequency"
	RuleRapidMovement    RuleKind = "rapid_movement"
	RuleGeographic       RuleKind = "geographic"
	RuleExpression       RuleKind = "expression"
)

// RuleOutcome is one triggered rule. It is never modified after creation.
type RuleOutcome struct {
	RuleName          string         `json:"ruleName"`
	Kind              RuleKind       `json:"kind"`
	Severity          RiskLevel      `json:"severity"`
	Description       string         `json:"description"`
	ScoreContribution int            `json:"scoreContribution"`
	Detail            map[string]any `json:"details,omitempty"`

	// ShortCircuit outcomes end evaluation and force a terminal verdict.
	ShortCircuit bool `json:"-"`
}

// SeverityScores maps a pattern rule's severity to its score contribution.
// A nil score is unset and takes the default; zero is a valid setting.
type SeverityScores struct {
	Medium   *int `json:"medium,omitempty"`
	High     *int `json:"high,omitempty"`
	Critical *int `json:"critical,omitempty"`
}

// For returns the contribution for a severity.
func (s SeverityScores) For(level RiskLevel) int {
	switch level {
	case LevelCritical:
		return Points(s.Critical)
	case LevelHigh:
		return Points(s.High)
	case LevelMedium:
		return Points(s.Medium)
	}
	return 0
}

// VPNParams configures the VPN/proxy rule.
type VPNParams struct {
	SameCountryScore *int `json:"sameCountryScore,omitempty"`
	MismatchScore    *int `json:"mismatchScore,omitempty"`
}

// LargeTransactionParams configures the large transaction rule.
// Thresholds are per currency; DefaultThreshold applies to unlisted currencies.
type LargeTransactionParams struct {
	DefaultThreshold   decimal.Decimal            `json:"defaultThreshold"`
	Thresholds         map[string]decimal.Decimal `json:"thresholds,omitempty"`
	CriticalMultiplier decimal.Decimal            `json:"criticalMultiplier"`
	Scores             SeverityScores             `json:"scores"`
}

// ThresholdFor returns the threshold for a currency.
func (p LargeTransactionParams) ThresholdFor(currency string) decimal.Decimal {
	if t, ok := p.Thresholds[strings.ToUpper(currency)]; ok {
		return t
	}
	return p.DefaultThreshold
}

// HighFrequencyParams configures the high-frequency rule.
type HighFrequencyParams struct {
	MaxTransactions int            `json:"maxTransactions"`
	WindowMinutes   int            `json:"windowMinutes"`
	HighAt          int            `json:"highAt"`
	CriticalAt      int            `json:"criticalAt"`
	Scores          SeverityScores `json:"scores"`
}

// RapidMovementParams configures chain tracing.
type RapidMovementParams struct {
	MaxHops       int            `json:"maxHops"`
	WindowMinutes int            `json:"windowMinutes"`
	CriticalAt    int            `json:"criticalAt"`
	Scores        SeverityScores `json:"scores"`
}

// GeographyParams configures the mismatch rule family.
type GeographyParams struct {
	NeighborScore    *int `json:"neighborScore,omitempty"`
	SameRegionScore  *int `json:"sameRegionScore,omitempty"`
	CrossRegionScore *int `json:"crossRegionScore,omitempty"`
}

// ExpressionRule is a tenant-defined CEL rule.
type ExpressionRule struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Expression  string    `json:"expression"`
	Severity    RiskLevel `json:"severity"`
	Score       int       `json:"score"`
	Enabled     bool      `json:"enabled"`
}

// RuleParams is the per-tenant rule configuration. WithDefaults fills unset
// fields: nil score contributions, and zero counts, windows and thresholds,
// none of which may be zero. The result is checked once by Validate.
type RuleParams struct {
	HighRiskCountries []string               `json:"highRiskCountries"`
	VPN               VPNParams              `json:"vpn"`
	LargeTransaction  LargeTransactionParams `json:"largeTransaction"`
	HighFrequency     HighFrequencyParams    `json:"highFrequency"`
	RapidMovement     RapidMovementParams    `json:"rapidMovement"`
	Geography         GeographyParams        `json:"geography"`
	Expressions       []ExpressionRule       `json:"expressions,omitempty"`

	// Disabled lists rule kinds switched off for the tenant.
	// Anonymizer and sanctioned jurisdiction checks cannot be disabled.
	Disabled []RuleKind `json:"disabled,omitempty"`
}

// DefaultHighRiskCountries is the FATF / OFAC style high-risk list.
var DefaultHighRiskCountries = []string{
	"AF", "BY", "CU", "IQ", "IR", "KP", "LY", "MM", "RU",
	"SD", "SO", "SS", "SY", "VE", "YE", "ZW",
}

// DefaultRuleParams returns the built-in parameters.
func DefaultRuleParams() *RuleParams {
	return (&RuleParams{}).WithDefaults()
}

// WithDefaults returns a copy with every unset field defaulted.
func (p *RuleParams) WithDefaults() *RuleParams {
	out := *p

	if len(out.HighRiskCountries) == 0 {
		out.HighRiskCountries = append([]string(nil), DefaultHighRiskCountries...)
	} else {
		codes := make([]string, len(out.HighRiskCountries))
		for i, c := range out.HighRiskCountries {
			codes[i] = strings.ToUpper(strings.TrimSpace(c))
		}
		out.HighRiskCountries = codes
	}

	out.VPN.SameCountryScore = orDefault(out.VPN.SameCountryScore, 85)
	out.VPN.MismatchScore = orDefault(out.VPN.MismatchScore, 75)

	lt := &out.LargeTransaction
	if lt.DefaultThreshold.IsZero() {
		lt.DefaultThreshold = decimal.NewFromInt(10000)
	}
	if lt.CriticalMultiplier.IsZero() {
		lt.CriticalMultiplier = decimal.NewFromInt(5)
	}
	if len(lt.Thresholds) > 0 {
		th := make(map[string]decimal.Decimal, len(lt.Thresholds))
		for ccy, v := range lt.Thresholds {
			th[strings.ToUpper(ccy)] = v
		}
		lt.Thresholds = th
	}
	lt.Scores = defaultScores(lt.Scores, 30, 60, 90)

	hf := &out.HighFrequency
	if hf.MaxTransactions == 0 {
		hf.MaxTransactions = 10
	}
	if hf.WindowMinutes == 0 {
		hf.WindowMinutes = 60
	}
	if hf.HighAt == 0 {
		hf.HighAt = 20
	}
	if hf.CriticalAt == 0 {
		hf.CriticalAt = 50
	}
	hf.Scores = defaultScores(hf.Scores, 30, 60, 90)

	rm := &out.RapidMovement
	if rm.MaxHops == 0 {
		rm.MaxHops = 3
	}
	if rm.WindowMinutes == 0 {
		rm.WindowMinutes = 30
	}
	if rm.CriticalAt == 0 {
		rm.CriticalAt = 5
	}
	rm.Scores = defaultScores(rm.Scores, 30, 60, 90)

	geo := &out.Geography
	geo.NeighborScore = orDefault(geo.NeighborScore, 20)
	geo.SameRegionScore = orDefault(geo.SameRegionScore, 35)
	geo.CrossRegionScore = orDefault(geo.CrossRegionScore, 60)

	if len(out.Expressions) > 0 {
		out.Expressions = append([]ExpressionRule(nil), out.Expressions...)
	}
	if len(out.Disabled) > 0 {
		out.Disabled = append([]RuleKind(nil), out.Disabled...)
	}

	return &out
}

func defaultScores(s SeverityScores, medium, high, critical int) SeverityScores {
	return SeverityScores{
		Medium:   orDefault(s.Medium, medium),
		High:     orDefault(s.High, high),
		Critical: orDefault(s.Critical, critical),
	}
}

// orDefault returns a fresh copy of v, or def when v is unset.
func orDefault(v *int, def int) *int {
	if v != nil {
		def = *v
	}
	return &def
}

// Points returns an optional score, or zero when unset.
func Points(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}

// IsDisabled reports whether a rule kind is switched off.
func (p *RuleParams) IsDisabled(kind RuleKind) bool {
	if kind == RuleAnonymizer || kind == RuleSanctioned {
		return false
	}
	for _, k := range p.Disabled {
		if k == kind {
			return true
		}
	}
	return false
}

// Validate checks a defaulted parameter set.
func (p *RuleParams) Validate() error {
	for _, c := range p.HighRiskCountries {
		if !IsCountryCode(c) {
			return fmt.Errorf("highRiskCountries: invalid country code %q", c)
		}
	}

	scores := map[string]int{
		"vpn.sameCountryScore":       Points(p.VPN.SameCountryScore),
		"vpn.mismatchScore":          Points(p.VPN.MismatchScore),
		"geography.neighborScore":    Points(p.Geography.NeighborScore),
		"geography.sameRegionScore":  Points(p.Geography.SameRegionScore),
		"geography.crossRegionScore": Points(p.Geography.CrossRegionScore),
	}
	for prefix, s := range map[string]SeverityScores{
		"largeTransaction.scores": p.LargeTransaction.Scores,
		"highFrequency.scores":    p.HighFrequency.Scores,
		"rapidMovement.scores":    p.RapidMovement.Scores,
	} {
		scores[prefix+".medium"] = Points(s.Medium)
		scores[prefix+".high"] = Points(s.High)
		scores[prefix+".critical"] = Points(s.Critical)
	}
	for name, s := range scores {
		if s < 0 || s > 100 {
			return fmt.Errorf("%s must be within [0,100], got %d", name, s)
		}
	}

	lt := p.LargeTransaction
	if !lt.DefaultThreshold.IsPositive() {
		return fmt.Errorf("largeTransaction.defaultThreshold must be positive")
	}
	if lt.CriticalMultiplier.LessThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("largeTransaction.criticalMultiplier must be at least 1")
	}
	for ccy, v := range lt.Thresholds {
		if len(ccy) != 3 {
			return fmt.Errorf("largeTransaction.thresholds: invalid currency %q", ccy)
		}
		if !v.IsPositive() {
			return fmt.Errorf("largeTransaction.thresholds[%s] must be positive", ccy)
		}
	}

	hf := p.HighFrequency
	if hf.MaxTransactions < 1 || hf.WindowMinutes < 1 {
		return fmt.Errorf("highFrequency: maxTransactions and windowMinutes must be positive")
	}
	if hf.HighAt > hf.CriticalAt {
		return fmt.Errorf("highFrequency: highAt (%d) must not exceed criticalAt (%d)", hf.HighAt, hf.CriticalAt)
	}

	rm := p.RapidMovement
	if rm.MaxHops < 1 || rm.MaxHops > 10 {
		return fmt.Errorf("rapidMovement.maxHops must be within [1,10], got %d", rm.MaxHops)
	}
	if rm.WindowMinutes < 1 {
		return fmt.Errorf("rapidMovement.windowMinutes must be positive")
	}

	seen := make(map[string]bool, len(p.Expressions))
	for _, e := range p.Expressions {
		if e.ID == "" || e.Expression == "" {
			return fmt.Errorf("expression rules require id and expression")
		}
		if seen[e.ID] {
			return fmt.Errorf("duplicate expression rule id %q", e.ID)
		}
		seen[e.ID] = true
		if _, err := ParseRiskLevel(string(e.Severity)); err != nil {
			return fmt.Errorf("expression rule %s: %w", e.ID, err)
		}
		if e.Score < 0 || e.Score > 100 {
			return fmt.Errorf("expression rule %s: score must be within [0,100]", e.ID)
		}
	}

	return nil
}

// IsCountryCode reports whether s looks like an ISO 3166-1 alpha-2 code.
func IsCountryCode(s string) bool {
	if len(s) != 2 {
		return false
	}
	for i := 0; i < 2; i++ {
		if s[i] < 'A' || s[i] > 'Z' {
			return false
		}
	}
	return true
}
