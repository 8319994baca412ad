package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Facts is the resolved input bundle for one screening.
// It is built once per request and not modified afterwards.
type Facts struct {
	TenantID      string `json:"tenantId"`
	TransactionID string `json:"transactionId"`
	UserID        string `json:"userId"`

	UserCountry     string        `json:"userCountry"`
	DetectedCountry string        `json:"detectedCountry"`
	Security        SecurityFlags `json:"security"`
	Confidence      float64       `json:"confidence"`
	SourceTier      SourceTier    `json:"sourceTier"`
	Degraded        bool          `json:"degraded"`

	Amount   decimal.NullDecimal `json:"amount"`
	Currency string              `json:"currency,omitempty"`

	// SenderID is the account under screening; defaults to UserID.
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// CountriesMatch reports whether the claimed and detected countries agree.
func (f *Facts) CountriesMatch() bool {
	return f.UserCountry == f.DetectedCountry
}

// HasTransaction reports whether the screening carries a money movement.
// Amount and pattern rules only run for these.
func (f *Facts) HasTransaction() bool {
	return f.Amount.Valid && f.SenderID != ""
}

// Verdict is the aggregated, final result of one screening.
type Verdict struct {
	Score          int            `json:"riskScore"`
	Level          RiskLevel      `json:"riskLevel"`
	ShouldBlock    bool           `json:"shouldBlock"`
	Recommendation string         `json:"recommendation"`
	TriggeredRules []*RuleOutcome `json:"triggeredRules"`

	// Indeterminate names rules that could not complete and were left out of the score.
	Indeterminate []string `json:"indeterminateRules,omitempty"`
}

// ScreeningRequest is the input for one screening.
type ScreeningRequest struct {
	TransactionID string           `json:"transactionId"`
	UserID        string           `json:"userId"`
	UserCountry   string           `json:"userCountry"`
	IPAddress     string           `json:"ipAddress"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
	Currency      string           `json:"currency,omitempty"`
	ReceiverID    string           `json:"receiverId,omitempty"`
	Timestamp     *time.Time       `json:"timestamp,omitempty"`
}

// Screening is a completed, persisted screening.
type Screening struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenantId"`
	TransactionID string    `json:"transactionId"`
	UserID        string    `json:"userId"`
	IPAddress     string    `json:"ipAddress"`
	Facts         *Facts    `json:"facts"`
	Verdict       *Verdict  `json:"verdict"`
	TraceID       string    `json:"traceId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// ScreeningResponse is the external shape of a screening result.
type ScreeningResponse struct {
	Status          string         `json:"status"`
	ScreeningID     string         `json:"screeningId"`
	TransactionID   string         `json:"transactionId"`
	RiskScore       int            `json:"riskScore"`
	RiskLevel       RiskLevel      `json:"riskLevel"`
	ShouldBlock     bool           `json:"shouldBlock"`
	Confidence      float64        `json:"confidence"`
	UserCountry     string         `json:"userCountry"`
	DetectedCountry string         `json:"detectedCountry"`
	CountriesMatch  bool           `json:"countriesMatch"`
	Security        SecurityFlags  `json:"security"`
	SourceTier      SourceTier     `json:"sourceTier"`
	TriggeredRules  []*RuleOutcome `json:"triggeredRules"`
	Indeterminate   []string       `json:"indeterminateRules,omitempty"`
	Recommendation  string         `json:"recommendation"`
	Timestamp       time.Time      `json:"timestamp"`
}

// ToResponse renders a screening for API callers.
func (s *Screening) ToResponse() *ScreeningResponse {
	rules := s.Verdict.TriggeredRules
	if rules == nil {
		rules = []*RuleOutcome{}
	}
	return &ScreeningResponse{
		Status:          "success",
		ScreeningID:     s.ID,
		TransactionID:   s.TransactionID,
		RiskScore:       s.Verdict.Score,
		RiskLevel:       s.Verdict.Level,
		ShouldBlock:     s.Verdict.ShouldBlock,
		Confidence:      s.Facts.Confidence,
		UserCountry:     s.Facts.UserCountry,
		DetectedCountry: s.Facts.DetectedCountry,
		CountriesMatch:  s.Facts.CountriesMatch(),
		Security:        s.Facts.Security,
		SourceTier:      s.Facts.SourceTier,
		TriggeredRules:  rules,
		Indeterminate:   s.Verdict.Indeterminate,
		Recommendation:  s.Verdict.Recommendation,
		Timestamp:       s.CreatedAt,
	}
}

// BatchSummary aggregates verdicts over many screened transactions.
type BatchSummary struct {
	Total   int                  `json:"total"`
	Blocked int                  `json:"blocked"`
	Failed  int                  `json:"failed"`
	ByLevel map[RiskLevel]int    `json:"byLevel"`
	ByRule  map[string]int       `json:"byRule"`
	Results []*ScreeningResponse `json:"results"`
	Errors  map[string]string    `json:"errors,omitempty"`
}
