// Package rules provides the rule evaluators and the ordered, short-circuiting
// rule chain that runs them.
package rules

import (
	"context"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Evaluator judges one risk dimension.
// A nil outcome with a nil error means the rule did not trigger.
// A non-nil error marks the rule indeterminate for this screening.
type Evaluator interface {
	Name() string
	Kind() domain.RuleKind
	Evaluate(ctx context.Context, facts *domain.Facts, params *domain.RuleParams) (*domain.RuleOutcome, error)
}

// HistorySource is the windowed history query surface used by pattern rules.
type HistorySource interface {
	SentBy(ctx context.Context, tenantID, senderID string, from, to time.Time) ([]*domain.Transaction, error)
	Involving(ctx context.Context, tenantID string, accountIDs []string, from, to time.Time) ([]*domain.Transaction, error)
}

// Rule names as reported on outcomes.
const (
	NameAnonymizer    = "Anonymizer Detected (Tor)"
	NameSanctioned    = "Sanctioned Jurisdiction"
	NameGeoMaskingVPN = "Geo-Masking VPN"
	NameCommercialVPN = "Commercial VPN"
	NameLargeTx       = "Large Transaction"
	NameHighFrequency = "High-Frequency Transactions"
	NameRapidMovement = "Rapid Money Movement"
	NameNeighbor      = "Neighboring Country Mismatch"
	NameSameRegion    = "Same Region Mismatch"
	NameCrossRegion   = "Cross-Region Mismatch"
)
