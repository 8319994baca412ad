package rules

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// sampleLimit caps transaction IDs reported in rule details.
const sampleLimit = 20

// LargeTransaction triggers when the amount exceeds the currency threshold.
// It never reports below HIGH.
type LargeTransaction struct{}

func (LargeTransaction) Name() string          { return NameLargeTx }
func (LargeTransaction) Kind() domain.RuleKind { return domain.RuleLargeTransaction }

func (LargeTransaction) Evaluate(_ context.Context, f *domain.Facts, p *domain.RuleParams) (*domain.RuleOutcome, error) {
	if !f.Amount.Valid {
		return nil, nil
	}
	lt := p.LargeTransaction
	amount := f.Amount.Decimal
	threshold := lt.ThresholdFor(f.Currency)
	if !amount.GreaterThan(threshold) {
		return nil, nil
	}

	multiplier := amount.Div(threshold)
	severity := domain.LevelHigh
	if multiplier.GreaterThanOrEqual(lt.CriticalMultiplier) {
		severity = domain.LevelCritical
	}
	exceededBy := amount.Sub(threshold)

	return &domain.RuleOutcome{
		RuleName:          NameLargeTx,
		Kind:              domain.RuleLargeTransaction,
		Severity:          severity,
		Description:       fmt.Sprintf("Transaction amount %s %s exceeds threshold of %s", amount.StringFixed(2), f.Currency, threshold.StringFixed(2)),
		ScoreContribution: lt.Scores.For(severity),
		Detail: map[string]any{
			"thresholdAmount":    threshold.String(),
			"actualAmount":       amount.String(),
			"currency":           f.Currency,
			"exceededBy":         exceededBy.String(),
			"exceededPercentage": exceededBy.Div(threshold).Mul(decimal.NewFromInt(100)).StringFixed(2),
			"multiplier":         multiplier.StringFixed(2),
		},
	}, nil
}

// HighFrequency triggers when the sender sent more than the allowed number of
// transactions in the window ending at the current transaction.
type HighFrequency struct {
	History HistorySource
}

func (HighFrequency) Name() string          { return NameHighFrequency }
func (HighFrequency) Kind() domain.RuleKind { return domain.RuleHighFrequency }

func (h HighFrequency) Evaluate(ctx context.Context, f *domain.Facts, p *domain.RuleParams) (*domain.RuleOutcome, error) {
	if !f.HasTransaction() {
		return nil, nil
	}
	hf := p.HighFrequency
	window := time.Duration(hf.WindowMinutes) * time.Minute

	txs, err := h.History.SentBy(ctx, f.TenantID, f.SenderID, f.Timestamp.Add(-window), f.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("high frequency history: %w", err)
	}

	total := decimal.Zero
	ids := make([]string, 0, sampleLimit)
	count := 0
	for _, tx := range txs {
		if isCurrent(tx, f) {
			continue
		}
		count++
		total = total.Add(tx.Amount)
		if len(ids) < sampleLimit {
			ids = append(ids, tx.ID)
		}
	}

	if count <= hf.MaxTransactions {
		return nil, nil
	}

	severity := domain.LevelMedium
	switch {
	case count >= hf.CriticalAt:
		severity = domain.LevelCritical
	case count >= hf.HighAt:
		severity = domain.LevelHigh
	}

	return &domain.RuleOutcome{
		RuleName:          NameHighFrequency,
		Kind:              domain.RuleHighFrequency,
		Severity:          severity,
		Description:       fmt.Sprintf("Account sent %d transactions in %d minutes", count, hf.WindowMinutes),
		ScoreContribution: hf.Scores.For(severity),
		Detail: map[string]any{
			"thresholdCount":       hf.MaxTransactions,
			"actualCount":          count,
			"exceededBy":           count - hf.MaxTransactions,
			"timeWindowMinutes":    hf.WindowMinutes,
			"senderId":             f.SenderID,
			"totalAmountInWindow":  total.String(),
			"sampleTransactionIds": ids,
		},
	}, nil
}

// RapidMovement triggers when funds reached the sender through a chain of
// more than MaxHops transactions, each hop within the window of the next.
type RapidMovement struct {
	History HistorySource
}

func (RapidMovement) Name() string          { return NameRapidMovement }
func (RapidMovement) Kind() domain.RuleKind { return domain.RuleRapidMovement }

func (r RapidMovement) Evaluate(ctx context.Context, f *domain.Facts, p *domain.RuleParams) (*domain.RuleOutcome, error) {
	if !f.HasTransaction() {
		return nil, nil
	}
	rm := p.RapidMovement
	window := time.Duration(rm.WindowMinutes) * time.Minute

	current := &domain.Transaction{
		ID:         f.TransactionID,
		TenantID:   f.TenantID,
		SenderID:   f.SenderID,
		ReceiverID: f.ReceiverID,
		Amount:     f.Amount.Decimal,
		Currency:   f.Currency,
		Timestamp:  f.Timestamp,
	}

	// Tracing MaxHops*2 steps is a superset of tracing MaxHops steps, since
	// each step is chosen the same way. One trace serves both the trigger
	// check and the details.
	chain, err := TraceChain(ctx, r.History, current, rm.MaxHops*2, window)
	if err != nil {
		return nil, fmt.Errorf("rapid movement history: %w", err)
	}
	if len(chain) <= rm.MaxHops {
		return nil, nil
	}

	severity := domain.LevelHigh
	if len(chain) >= rm.CriticalAt {
		severity = domain.LevelCritical
	}

	accounts := AccountChain(chain)
	span := chain[len(chain)-1].Timestamp.Sub(chain[0].Timestamp).Minutes()
	span = math.Round(span*100) / 100

	total := decimal.Zero
	ids := make([]string, len(chain))
	for i, tx := range chain {
		total = total.Add(tx.Amount)
		ids[i] = tx.ID
	}

	return &domain.RuleOutcome{
		RuleName:          NameRapidMovement,
		Kind:              domain.RuleRapidMovement,
		Severity:          severity,
		Description:       fmt.Sprintf("Money moved through %d transactions in %.1f minutes", len(chain), span),
		ScoreContribution: rm.Scores.For(severity),
		Detail: map[string]any{
			"maxHops":         rm.MaxHops,
			"actualHops":      len(chain),
			"accountChain":    accounts,
			"chainLength":     len(accounts),
			"timeSpanMinutes": span,
			"totalAmount":     total.String(),
			"currency":        f.Currency,
			"transactionIds":  ids,
		},
	}, nil
}

// TraceChain walks backwards from current, at each step taking the most
// recent transaction that paid the current sender before the reference time
// and within window of it. Accounts already on the chain are never revisited.
// The result is oldest first, ends with current, and holds at most steps+1
// transactions. Ties on timestamp go to the larger ID.
func TraceChain(ctx context.Context, src HistorySource, current *domain.Transaction, steps int, window time.Duration) ([]*domain.Transaction, error) {
	chain := []*domain.Transaction{current}
	visited := map[string]struct{}{current.SenderID: {}}
	if current.ReceiverID != "" {
		visited[current.ReceiverID] = struct{}{}
	}

	sender := current.SenderID
	ref := current.Timestamp

	for i := 0; i < steps; i++ {
		txs, err := src.Involving(ctx, current.TenantID, []string{sender}, ref.Add(-window), ref)
		if err != nil {
			return nil, err
		}

		var prev *domain.Transaction
		for _, tx := range txs {
			if tx.ReceiverID != sender || !tx.Timestamp.Before(ref) || tx.ID == current.ID {
				continue
			}
			if _, seen := visited[tx.SenderID]; seen {
				continue
			}
			if prev == nil || tx.Timestamp.After(prev.Timestamp) ||
				(tx.Timestamp.Equal(prev.Timestamp) && tx.ID > prev.ID) {
				prev = tx
			}
		}
		if prev == nil {
			break
		}

		chain = append([]*domain.Transaction{prev}, chain...)
		sender = prev.SenderID
		visited[sender] = struct{}{}
		ref = prev.Timestamp
	}

	return chain, nil
}

// AccountChain lists the accounts funds passed through, in order.
func AccountChain(chain []*domain.Transaction) []string {
	if len(chain) == 0 {
		return nil
	}
	accounts := []string{chain[0].SenderID}
	for _, tx := range chain {
		if tx.ReceiverID != "" && tx.ReceiverID != accounts[len(accounts)-1] {
			accounts = append(accounts, tx.ReceiverID)
		}
	}
	return accounts
}

// isCurrent reports whether tx is the transaction being screened, which may
// already be stored.
func isCurrent(tx *domain.Transaction, f *domain.Facts) bool {
	return f.TransactionID != "" && tx.ID == f.TransactionID
}
