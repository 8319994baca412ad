// Package screening runs one request through IP resolution, the rule chain
// and the risk aggregator, then persists and publishes the result.
package screening

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/telemetry"
)

// ErrValidation marks requests rejected before reaching the rule chain.
var ErrValidation = errors.New("validation failed")

// Resolver turns an IP into facts. It never fails.
type Resolver interface {
	Resolve(ctx context.Context, ip string) domain.IPFacts
}

// Service orchestrates screenings. Repo and bus are optional.
type Service struct {
	resolver   Resolver
	engine     *rules.Engine
	aggregator *decision.Aggregator
	repo       domain.Repository
	bus        domain.EventBus

	now func() time.Time
}

// NewService creates a screening service.
func NewService(resolver Resolver, engine *rules.Engine, aggregator *decision.Aggregator, repo domain.Repository, eventBus domain.EventBus) *Service {
	if aggregator == nil {
		aggregator = decision.NewAggregator()
	}
	return &Service{
		resolver:   resolver,
		engine:     engine,
		aggregator: aggregator,
		repo:       repo,
		bus:        eventBus,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Screen validates req, screens it and records the screening.
func (s *Service) Screen(ctx context.Context, tenantID string, req *domain.ScreeningRequest) (*domain.Screening, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}

	ts := s.now()
	if req.Timestamp != nil && !req.Timestamp.IsZero() {
		ts = req.Timestamp.UTC()
	}

	facts := &domain.Facts{
		TenantID:      tenantID,
		TransactionID: req.TransactionID,
		UserID:        req.UserID,
		UserCountry:   req.UserCountry,
		Currency:      strings.ToUpper(req.Currency),
		SenderID:      req.UserID,
		ReceiverID:    req.ReceiverID,
		Timestamp:     ts,
	}
	if req.Amount != nil {
		facts.Amount = decimal.NewNullDecimal(*req.Amount)
	}

	scr, err := s.screen(ctx, facts, req.IPAddress)
	if err != nil {
		return nil, err
	}
	s.commit(ctx, scr)
	return scr, nil
}

// RecordTransaction screens a transaction, then appends it to history.
// The transaction is saved after evaluation so it never counts against itself.
// The screening is stored and published only once the transaction is saved.
func (s *Service) RecordTransaction(ctx context.Context, tenantID string, req *domain.TransactionRequest) (*domain.Transaction, *domain.Screening, error) {
	if err := ValidateTransaction(req); err != nil {
		return nil, nil, err
	}

	tx := req.ToTransaction(tenantID)
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}

	if s.repo != nil {
		_, err := s.repo.GetTransaction(ctx, tenantID, tx.ID)
		switch {
		case err == nil:
			return nil, nil, fmt.Errorf("transaction %s: %w", tx.ID, repository.ErrDuplicate)
		case !errors.Is(err, repository.ErrNotFound):
			return nil, nil, fmt.Errorf("failed to check transaction %s: %w", tx.ID, err)
		}
	}

	facts := &domain.Facts{
		TenantID:      tenantID,
		TransactionID: tx.ID,
		UserID:        tx.SenderID,
		UserCountry:   tx.SenderCountry,
		Amount:        decimal.NewNullDecimal(tx.Amount),
		Currency:      tx.Currency,
		SenderID:      tx.SenderID,
		ReceiverID:    tx.ReceiverID,
		Timestamp:     tx.Timestamp,
	}

	scr, err := s.screen(ctx, facts, req.IPAddress)
	if err != nil {
		return nil, nil, err
	}

	if s.repo != nil {
		if err := s.repo.SaveTransaction(ctx, tenantID, tx); err != nil {
			return nil, nil, fmt.Errorf("failed to save transaction %s: %w", tx.ID, err)
		}
	}
	s.commit(ctx, scr)
	return tx, scr, nil
}

// Batch records transactions in order and summarizes the verdicts.
// A failed item is reported in the summary and does not stop the batch.
func (s *Service) Batch(ctx context.Context, tenantID string, reqs []*domain.TransactionRequest) *domain.BatchSummary {
	sum := &domain.BatchSummary{
		ByLevel: map[domain.RiskLevel]int{
			domain.LevelLow:      0,
			domain.LevelMedium:   0,
			domain.LevelHigh:     0,
			domain.LevelCritical: 0,
		},
		ByRule:  make(map[string]int),
		Results: make([]*domain.ScreeningResponse, 0, len(reqs)),
	}

	for i, req := range reqs {
		if err := ctx.Err(); err != nil {
			sum.Failed += len(reqs) - i
			break
		}

		_, scr, err := s.RecordTransaction(ctx, tenantID, req)
		if err != nil {
			sum.Failed++
			if sum.Errors == nil {
				sum.Errors = make(map[string]string)
			}
			key := req.ID
			if key == "" {
				key = "#" + strconv.Itoa(i)
			}
			sum.Errors[key] = err.Error()
			continue
		}

		sum.Total++
		if scr.Verdict.ShouldBlock {
			sum.Blocked++
		}
		sum.ByLevel[scr.Verdict.Level]++
		for _, o := range scr.Verdict.TriggeredRules {
			sum.ByRule[o.RuleName]++
		}
		sum.Results = append(sum.Results, scr.ToResponse())
	}

	slog.Info("batch screened",
		"tenant_id", tenantID,
		"total", sum.Total,
		"blocked", sum.Blocked,
		"failed", sum.Failed,
	)
	return sum
}

func (s *Service) screen(ctx context.Context, facts *domain.Facts, ip string) (*domain.Screening, error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "screening.screen",
		telemetry.TenantID(facts.TenantID),
		telemetry.IP(ip),
	)
	defer span.End()

	ipf := s.resolver.Resolve(ctx, ip)
	facts.DetectedCountry = ipf.CountryCode
	facts.Security = ipf.Security
	facts.Confidence = ipf.Confidence
	facts.SourceTier = ipf.SourceTier
	facts.Degraded = ipf.Degraded

	res := s.engine.Evaluate(ctx, facts)
	verdict := s.aggregator.Aggregate(ctx, &decision.Input{
		Facts:         facts,
		Outcomes:      res.Outcomes,
		Indeterminate: res.Indeterminate,
	})

	scr := &domain.Screening{
		ID:            NewScreeningID(),
		TenantID:      facts.TenantID,
		TransactionID: facts.TransactionID,
		UserID:        facts.UserID,
		IPAddress:     ip,
		Facts:         facts,
		Verdict:       verdict,
		CreatedAt:     s.now(),
	}
	if sc := span.SpanContext(); sc.HasTraceID() {
		scr.TraceID = sc.TraceID().String()
	}

	slog.Info("screening completed",
		"screening_id", scr.ID,
		"tenant_id", facts.TenantID,
		"transaction_id", facts.TransactionID,
		"risk_score", verdict.Score,
		"risk_level", verdict.Level,
		"should_block", verdict.ShouldBlock,
		"source_tier", facts.SourceTier,
		"rules_evaluated", res.Evaluated,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return scr, nil
}

// commit stores the screening and publishes its events.
func (s *Service) commit(ctx context.Context, scr *domain.Screening) {
	if s.repo != nil {
		if err := s.repo.SaveScreening(ctx, scr.TenantID, scr); err != nil {
			slog.Error("failed to save screening",
				"screening_id", scr.ID,
				"tenant_id", scr.TenantID,
				"error", err,
			)
		}
	}
	s.publish(ctx, scr)
}

func (s *Service) publish(ctx context.Context, scr *domain.Screening) {
	if s.bus == nil {
		return
	}
	resp := scr.ToResponse()
	if err := bus.PublishJSON(ctx, s.bus, scr.TenantID, domain.TopicScreeningCompleted, resp); err != nil {
		slog.Error("failed to publish screening",
			"screening_id", scr.ID,
			"error", err,
		)
	}
	if decision.ShouldAlert(scr.Verdict) {
		if err := bus.PublishJSON(ctx, s.bus, scr.TenantID, domain.TopicAlert, resp); err != nil {
			slog.Error("failed to publish alert",
				"screening_id", scr.ID,
				"error", err,
			)
		}
	}
}

// RuleParams returns the parameters in effect for a tenant.
func (s *Service) RuleParams(tenantID string) *domain.RuleParams {
	return s.engine.ChainFor(tenantID).Params()
}

// RuleNames lists the tenant's rules in evaluation order.
func (s *Service) RuleNames(tenantID string) []string {
	return s.engine.ChainFor(tenantID).Names()
}

// UpdateRuleParams validates, persists and applies a tenant's parameters.
func (s *Service) UpdateRuleParams(ctx context.Context, tenantID string, params *domain.RuleParams) (*domain.RuleParams, error) {
	chain, err := s.engine.Build(params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	applied := chain.Params()

	if s.repo != nil {
		if err := s.repo.SaveRuleParams(ctx, tenantID, applied); err != nil {
			return nil, err
		}
	}
	if err := s.engine.SetTenant(tenantID, applied); err != nil {
		return nil, err
	}

	slog.Info("rule parameters updated",
		"tenant_id", tenantID,
		"rules", len(chain.Names()),
	)
	return applied, nil
}

// AddExpression adds or replaces a tenant's custom expression rule.
func (s *Service) AddExpression(ctx context.Context, tenantID string, rule domain.ExpressionRule) (*domain.RuleParams, error) {
	current := s.RuleParams(tenantID).WithDefaults()

	replaced := false
	for i, e := range current.Expressions {
		if e.ID == rule.ID {
			current.Expressions[i] = rule
			replaced = true
			break
		}
	}
	if !replaced {
		current.Expressions = append(current.Expressions, rule)
	}
	return s.UpdateRuleParams(ctx, tenantID, current)
}

// LoadTenants installs every tenant's stored parameters into the engine.
// Invalid stored parameters are skipped and the tenant keeps the defaults.
func (s *Service) LoadTenants(ctx context.Context) (int, error) {
	if s.repo == nil {
		return 0, nil
	}
	tenants, err := s.repo.ListRuleTenants(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list rule tenants: %w", err)
	}

	loaded := 0
	for _, tenantID := range tenants {
		params, err := s.repo.GetRuleParams(ctx, tenantID)
		if err != nil {
			slog.Warn("failed to load rule parameters", "tenant_id", tenantID, "error", err)
			continue
		}
		if err := s.engine.SetTenant(tenantID, params); err != nil {
			slog.Warn("stored rule parameters rejected", "tenant_id", tenantID, "error", err)
			continue
		}
		loaded++
	}
	return loaded, nil
}

// NewScreeningID returns "SCR-" followed by 12 upper-case hex digits.
func NewScreeningID() string {
	id := uuid.New()
	return "SCR-" + strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:12])
}

// ValidateRequest normalizes and checks a screening request.
func ValidateRequest(req *domain.ScreeningRequest) error {
	if req == nil {
		return fmt.Errorf("%w: request body is required", ErrValidation)
	}
	if strings.TrimSpace(req.TransactionID) == "" {
		return fmt.Errorf("%w: transactionId is required", ErrValidation)
	}
	if strings.TrimSpace(req.UserID) == "" {
		return fmt.Errorf("%w: userId is required", ErrValidation)
	}

	req.UserCountry = strings.ToUpper(strings.TrimSpace(req.UserCountry))
	if !domain.IsCountryCode(req.UserCountry) {
		return fmt.Errorf("%w: userCountry must be a 2-letter country code", ErrValidation)
	}
	if !IsIPv4(req.IPAddress) {
		return fmt.Errorf("%w: ipAddress must be a dotted-quad IPv4 address", ErrValidation)
	}
	if req.Amount != nil && req.Amount.IsNegative() {
		return fmt.Errorf("%w: amount must not be negative", ErrValidation)
	}
	return nil
}

// ValidateTransaction normalizes and checks a transaction request.
func ValidateTransaction(req *domain.TransactionRequest) error {
	if req == nil {
		return fmt.Errorf("%w: request body is required", ErrValidation)
	}
	if req.SenderID == "" || req.ReceiverID == "" {
		return fmt.Errorf("%w: senderId and receiverId are required", ErrValidation)
	}
	if req.SenderID == req.ReceiverID {
		return fmt.Errorf("%w: senderId and receiverId must differ", ErrValidation)
	}
	if !req.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}

	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if len(req.Currency) != 3 {
		return fmt.Errorf("%w: currency must be a 3-letter code", ErrValidation)
	}
	req.SenderCountry = strings.ToUpper(strings.TrimSpace(req.SenderCountry))
	if !domain.IsCountryCode(req.SenderCountry) {
		return fmt.Errorf("%w: senderCountry must be a 2-letter country code", ErrValidation)
	}
	req.ReceiverCountry = strings.ToUpper(strings.TrimSpace(req.ReceiverCountry))
	if req.ReceiverCountry != "" && !domain.IsCountryCode(req.ReceiverCountry) {
		return fmt.Errorf("%w: receiverCountry must be a 2-letter country code", ErrValidation)
	}
	if !IsIPv4(req.IPAddress) {
		return fmt.Errorf("%w: ipAddress must be a dotted-quad IPv4 address", ErrValidation)
	}
	return nil
}

// IsIPv4 accepts four dot-separated decimal octets in [0,255].
func IsIPv4(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
		for i := 0; i < len(p); i++ {
			if p[i] < '0' || p[i] > '9' {
				return false
			}
		}
		if n, err := strconv.Atoi(p); err != nil || n > 255 {
			return false
		}
	}
	return true
}
