package rules

import (
	"context"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Anonymizer triggers on Tor traffic and ends the chain.
type Anonymizer struct{}

func (Anonymizer) Name() string          { return NameAnonymizer }
func (Anonymizer) Kind() domain.RuleKind { return domain.RuleAnonymizer }

func (Anonymizer) Evaluate(_ context.Context, f *domain.Facts, _ *domain.RuleParams) (*domain.RuleOutcome, error) {
	if !f.Security.IsTor {
		return nil, nil
	}
	return &domain.RuleOutcome{
		RuleName:          NameAnonymizer,
		Kind:              domain.RuleAnonymizer,
		Severity:          domain.LevelCritical,
		Description:       "Traffic from Tor network",
		ScoreContribution: 100,
		Detail:            map[string]any{"sourceTier": f.SourceTier},
		ShortCircuit:      true,
	}, nil
}

// Sanctioned triggers when the claimed or detected country is high risk,
// and ends the chain unless the IP facts are degraded.
type Sanctioned struct{}

func (Sanctioned) Name() string          { return NameSanctioned }
func (Sanctioned) Kind() domain.RuleKind { return domain.RuleSanctioned }

func (Sanctioned) Evaluate(_ context.Context, f *domain.Facts, p *domain.RuleParams) (*domain.RuleOutcome, error) {
	var matched []string
	for _, c := range p.HighRiskCountries {
		if c == f.UserCountry || (c == f.DetectedCountry && !f.Degraded) {
			matched = append(matched, c)
		}
	}
	if len(matched) == 0 {
		return nil, nil
	}

	// Without IP facts the claimed country alone is reported but never blocks.
	severity := domain.LevelCritical
	if f.Degraded {
		severity = domain.LevelHigh
	}
	return &domain.RuleOutcome{
		RuleName:          NameSanctioned,
		Kind:              domain.RuleSanctioned,
		Severity:          severity,
		Description:       fmt.Sprintf("High-risk country involved: User=%s, IP=%s", f.UserCountry, f.DetectedCountry),
		ScoreContribution: 100,
		Detail: map[string]any{
			"userCountry":      f.UserCountry,
			"detectedCountry":  f.DetectedCountry,
			"matchedCountries": matched,
		},
		ShortCircuit: !f.Degraded,
	}, nil
}

// VPNProxy triggers on VPN or proxy traffic. A VPN exiting in the claimed
// country scores higher than one that does not.
type VPNProxy struct{}

func (VPNProxy) Name() string          { return "VPN/Proxy" }
func (VPNProxy) Kind() domain.RuleKind { return domain.RuleVPNProxy }

func (VPNProxy) Evaluate(_ context.Context, f *domain.Facts, p *domain.RuleParams) (*domain.RuleOutcome, error) {
	if !f.Security.IsVPN && !f.Security.IsProxy {
		return nil, nil
	}

	detail := map[string]any{
		"isVpn":      f.Security.IsVPN,
		"isProxy":    f.Security.IsProxy,
		"sourceTier": f.SourceTier,
	}

	if f.CountriesMatch() {
		return &domain.RuleOutcome{
			RuleName:          NameGeoMaskingVPN,
			Kind:              domain.RuleVPNProxy,
			Severity:          domain.LevelHigh,
			Description:       fmt.Sprintf("VPN detected matching user country (%s). Potential evasion.", f.UserCountry),
			ScoreContribution: domain.Points(p.VPN.SameCountryScore),
			Detail:            detail,
		}, nil
	}
	return &domain.RuleOutcome{
		RuleName:          NameCommercialVPN,
		Kind:              domain.RuleVPNProxy,
		Severity:          domain.LevelHigh,
		Description:       "Traffic from known VPN/Proxy",
		ScoreContribution: domain.Points(p.VPN.MismatchScore),
		Detail:            detail,
	}, nil
}

// Geographic triggers when the detected country differs from the claimed one.
// Neighbor, same region and cross region are mutually exclusive; the first
// match wins.
type Geographic struct {
	Geo domain.GeoReference
}

func (Geographic) Name() string          { return "Geographic Mismatch" }
func (Geographic) Kind() domain.RuleKind { return domain.RuleGeographic }

func (g Geographic) Evaluate(_ context.Context, f *domain.Facts, p *domain.RuleParams) (*domain.RuleOutcome, error) {
	if f.Degraded || f.CountriesMatch() || f.DetectedCountry == domain.UnknownCountry {
		return nil, nil
	}

	user, detected := f.UserCountry, f.DetectedCountry
	userRegion := g.Geo.Lookup(user).Region
	detail := map[string]any{
		"userCountry":     user,
		"detectedCountry": detected,
		"userRegion":      userRegion,
		"detectedRegion":  g.Geo.Lookup(detected).Region,
	}

	switch {
	case g.Geo.AreNeighbors(user, detected):
		return &domain.RuleOutcome{
			RuleName:          NameNeighbor,
			Kind:              domain.RuleGeographic,
			Severity:          domain.LevelMedium,
			Description:       fmt.Sprintf("IP in neighboring country (%s) of user country (%s)", detected, user),
			ScoreContribution: domain.Points(p.Geography.NeighborScore),
			Detail:            detail,
		}, nil

	case g.Geo.SameRegion(user, detected):
		return &domain.RuleOutcome{
			RuleName:          NameSameRegion,
			Kind:              domain.RuleGeographic,
			Severity:          domain.LevelMedium,
			Description:       fmt.Sprintf("IP country (%s) in same region (%s) as user country (%s)", detected, userRegion, user),
			ScoreContribution: domain.Points(p.Geography.SameRegionScore),
			Detail:            detail,
		}, nil

	default:
		return &domain.RuleOutcome{
			RuleName:          NameCrossRegion,
			Kind:              domain.RuleGeographic,
			Severity:          domain.LevelHigh,
			Description:       fmt.Sprintf("IP country (%s) in a different region than user country (%s)", detected, user),
			ScoreContribution: domain.Points(p.Geography.CrossRegionScore),
			Detail:            detail,
		}, nil
	}
}
