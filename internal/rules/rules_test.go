package rules

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// memHistory is an in-memory HistorySource with inclusive windows.
type memHistory struct {
	txs []*domain.Transaction
	err error
}

func (m *memHistory) add(id, sender, receiver string, amount int64, ts time.Time) {
	m.txs = append(m.txs, &domain.Transaction{
		ID:         id,
		TenantID:   "tenant-1",
		SenderID:   sender,
		ReceiverID: receiver,
		Amount:     decimal.NewFromInt(amount),
		Currency:   "USD",
		Timestamp:  ts,
	})
}

func (m *memHistory) inWindow(tx *domain.Transaction, from, to time.Time) bool {
	return !tx.Timestamp.Before(from) && !tx.Timestamp.After(to)
}

func (m *memHistory) SentBy(_ context.Context, tenantID, senderID string, from, to time.Time) ([]*domain.Transaction, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []*domain.Transaction
	for _, tx := range m.txs {
		if tx.TenantID == tenantID && tx.SenderID == senderID && m.inWindow(tx, from, to) {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *memHistory) Involving(_ context.Context, tenantID string, accountIDs []string, from, to time.Time) ([]*domain.Transaction, error) {
	if m.err != nil {
		return nil, m.err
	}
	ids := make(map[string]bool, len(accountIDs))
	for _, id := range accountIDs {
		ids[id] = true
	}
	var out []*domain.Transaction
	for _, tx := range m.txs {
		if tx.TenantID != tenantID || !m.inWindow(tx, from, to) {
			continue
		}
		if ids[tx.SenderID] || ids[tx.ReceiverID] {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// panicHistory blows up on every query.
type panicHistory struct{}

func (panicHistory) SentBy(context.Context, string, string, time.Time, time.Time) ([]*domain.Transaction, error) {
	panic("history exploded")
}

func (panicHistory) Involving(context.Context, string, []string, time.Time, time.Time) ([]*domain.Transaction, error) {
	panic("history exploded")
}

// stubGeo knows a handful of countries.
type stubGeo struct{}

var stubRegions = map[string]string{
	"US": "Americas", "CA": "Americas", "MX": "Americas", "BR": "Americas",
	"DE": "Europe", "FR": "Europe", "PL": "Europe",
	"JP": "Asia",
}

var stubBorders = map[string][]string{
	"US": {"CA", "MX"},
	"CA": {"US"},
	"MX": {"US"},
	"DE": {"FR", "PL"},
	"FR": {"DE"},
	"PL": {"DE"},
}

func (stubGeo) Lookup(code string) domain.GeoRecord {
	region, ok := stubRegions[code]
	if !ok {
		return domain.GeoRecord{CountryCode: code, Region: domain.UnknownRegion}
	}
	rec := domain.GeoRecord{CountryCode: code, Region: region, Neighbors: map[string]struct{}{}}
	for _, n := range stubBorders[code] {
		rec.Neighbors[n] = struct{}{}
	}
	return rec
}

func (g stubGeo) AreNeighbors(a, b string) bool {
	return g.Lookup(a).IsNeighbor(b)
}

func (g stubGeo) SameRegion(a, b string) bool {
	ra, rb := g.Lookup(a).Region, g.Lookup(b).Region
	return ra != domain.UnknownRegion && ra == rb
}

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func ipFacts(user, detected string) *domain.Facts {
	return &domain.Facts{
		TenantID:        "tenant-1",
		UserID:          "user-1",
		UserCountry:     user,
		DetectedCountry: detected,
		Confidence:      0.99,
		SourceTier:      domain.TierCleanList,
		Timestamp:       baseTime,
	}
}

func txFacts(user, detected, sender, receiver string, amount int64) *domain.Facts {
	f := ipFacts(user, detected)
	f.TransactionID = "tx-current"
	f.SenderID = sender
	f.ReceiverID = receiver
	f.Amount = decimal.NewNullDecimal(decimal.NewFromInt(amount))
	f.Currency = "USD"
	return f
}

func newTestEngine(t *testing.T, hist HistorySource, params *domain.RuleParams) *Engine {
	t.Helper()
	e, err := NewEngine(params, hist, stubGeo{}, 4)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return e
}

func findOutcome(res *Result, name string) *domain.RuleOutcome {
	for _, o := range res.Outcomes {
		if o.RuleName == name {
			return o
		}
	}
	return nil
}

func TestAnonymizerShortCircuits(t *testing.T) {
	e := newTestEngine(t, &memHistory{}, nil)

	f := txFacts("US", "DE", "acct-1", "acct-2", 50000)
	f.Security = domain.SecurityFlags{IsTor: true, IsVPN: true}
	f.SourceTier = domain.TierTorList

	res := e.Evaluate(context.Background(), f)

	if len(res.Outcomes) != 1 {
		t.Fatalf("expected exactly 1 outcome, got %d", len(res.Outcomes))
	}
	o := res.Outcomes[0]
	if o.RuleName != NameAnonymizer || !o.ShortCircuit {
		t.Errorf("expected short-circuit %q, got %q (short=%v)", NameAnonymizer, o.RuleName, o.ShortCircuit)
	}
	if o.Severity != domain.LevelCritical || o.ScoreContribution != 100 {
		t.Errorf("expected CRITICAL/100, got %s/%d", o.Severity, o.ScoreContribution)
	}
	if res.Evaluated != 1 {
		t.Errorf("expected no rule after the anonymizer to run, evaluated %d", res.Evaluated)
	}
	if res.ShortCircuited() != o {
		t.Error("ShortCircuited should return the anonymizer outcome")
	}
}

func TestSanctionedJurisdiction(t *testing.T) {
	e := newTestEngine(t, &memHistory{}, nil)

	tests := []struct {
		name     string
		user     string
		detected string
		degraded bool
		want     bool
	}{
		{"ClaimedCountry", "KP", "KP", false, true},
		{"DetectedCountry", "US", "IR", false, true},
		{"DegradedDetectionIgnored", "US", "IR", true, false},
		{"Clean", "US", "CA", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := ipFacts(tt.user, tt.detected)
			f.Degraded = tt.degraded
			res := e.Evaluate(context.Background(), f)

			got := res.ShortCircuited()
			if tt.want {
				if got == nil || got.RuleName != NameSanctioned {
					t.Fatalf("expected %q short-circuit, got %+v", NameSanctioned, res.Outcomes)
				}
				if len(res.Outcomes) != 1 {
					t.Errorf("short-circuit must be the only outcome, got %d", len(res.Outcomes))
				}
				return
			}
			if got != nil {
				t.Errorf("unexpected short-circuit %q", got.RuleName)
			}
		})
	}
}

func TestSanctionedClaimOnDegradedFacts(t *testing.T) {
	e := newTestEngine(t, &memHistory{}, nil)

	f := ipFacts("SY", domain.UnknownCountry)
	f.Degraded = true
	res := e.Evaluate(context.Background(), f)

	if res.ShortCircuited() != nil {
		t.Fatal("degraded facts must not end the chain")
	}
	o := findOutcome(res, NameSanctioned)
	if o == nil {
		t.Fatalf("expected the sanctioned claim to be reported, got %+v", res.Outcomes)
	}
	if o.Severity != domain.LevelHigh {
		t.Errorf("expected HIGH severity without IP facts, got %s", o.Severity)
	}
}

func TestSanctionedTenantList(t *testing.T) {
	e := newTestEngine(t, &memHistory{}, nil)
	if err := e.SetTenant("tenant-1", &domain.RuleParams{HighRiskCountries: []string{"jp"}}); err != nil {
		t.Fatalf("SetTenant failed: %v", err)
	}

	if res := e.Evaluate(context.Background(), ipFacts("JP", "JP")); res.ShortCircuited() == nil {
		t.Error("expected tenant list to flag JP")
	}
	if res := e.Evaluate(context.Background(), ipFacts("KP", "KP")); res.ShortCircuited() != nil {
		t.Error("tenant list replaces the default list")
	}
}

func TestVPNProxy(t *testing.T) {
	e := newTestEngine(t, &memHistory{}, nil)

	t.Run("SameCountry", func(t *testing.T) {
		f := ipFacts("US", "US")
		f.Security.IsVPN = true
		res := e.Evaluate(context.Background(), f)

		o := findOutcome(res, NameGeoMaskingVPN)
		if o == nil {
			t.Fatalf("expected %q, got %+v", NameGeoMaskingVPN, res.Outcomes)
		}
		if o.ScoreContribution != 85 || o.Severity != domain.LevelHigh {
			t.Errorf("expected HIGH/85, got %s/%d", o.Severity, o.ScoreContribution)
		}
		if o.ShortCircuit {
			t.Error("VPN must not short-circuit")
		}
		if len(res.Outcomes) != 1 {
			t.Errorf("expected only the VPN outcome, got %d", len(res.Outcomes))
		}
	})

	t.Run("Mismatch", func(t *testing.T) {
		f := ipFacts("US", "DE")
		f.Security.IsProxy = true
		res := e.Evaluate(context.Background(), f)

		o := findOutcome(res, NameCommercialVPN)
		if o == nil || o.ScoreContribution != 75 {
			t.Fatalf("expected %q with 75, got %+v", NameCommercialVPN, res.Outcomes)
		}
		if findOutcome(res, NameCrossRegion) == nil {
			t.Error("expected geographic rule to run alongside VPN")
		}
		if res.Outcomes[0].RuleName != NameCommercialVPN {
			t.Errorf("outcomes must follow priority order, first is %q", res.Outcomes[0].RuleName)
		}
	})
}

func TestTenantZeroScore(t *testing.T) {
	e := newTestEngine(t, &memHistory{}, nil)
	zero := 0
	if err := e.SetTenant("tenant-1", &domain.RuleParams{Geography: domain.GeographyParams{NeighborScore: &zero}}); err != nil {
		t.Fatalf("SetTenant failed: %v", err)
	}

	o := findOutcome(e.Evaluate(context.Background(), ipFacts("US", "CA")), NameNeighbor)
	if o == nil {
		t.Fatal("expected neighbor outcome")
	}
	if o.ScoreContribution != 0 {
		t.Errorf("expected the tenant's zero score, got %d", o.ScoreContribution)
	}
}

func TestGeographicMismatch(t *testing.T) {
	e := newTestEngine(t, &memHistory{}, nil)

	tests := []struct {
		name     string
		user     string
		detected string
		degraded bool
		wantRule string
		wantScr  int
	}{
		{"Neighbor", "US", "CA", false, NameNeighbor, 20},
		{"SameRegion", "US", "BR", false, NameSameRegion, 35},
		{"CrossRegion", "US", "JP", false, NameCrossRegion, 60},
		{"UnknownCountryIsCrossRegion", "US", "ZZ", false, NameCrossRegion, 60},
		{"PlaceholderCountrySkipped", "US", "XX", false, "", 0},
		{"DegradedSkipped", "US", "JP", true, "", 0},
		{"Match", "DE", "DE", false, "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := ipFacts(tt.user, tt.detected)
			f.Degraded = tt.degraded
			res := e.Evaluate(context.Background(), f)

			if tt.wantRule == "" {
				if len(res.Outcomes) != 0 {
					t.Errorf("expected no outcome, got %+v", res.Outcomes)
				}
				return
			}
			if len(res.Outcomes) != 1 {
				t.Fatalf("geographic rules are exclusive, got %d outcomes", len(res.Outcomes))
			}
			o := res.Outcomes[0]
			if o.RuleName != tt.wantRule || o.ScoreContribution != tt.wantScr {
				t.Errorf("expected %s/%d, got %s/%d", tt.wantRule, tt.wantScr, o.RuleName, o.ScoreContribution)
			}
		})
	}
}

func TestBaseCase(t *testing.T) {
	e := newTestEngine(t, &memHistory{}, nil)

	res := e.Evaluate(context.Background(), ipFacts("US", "US"))
	if !res.BaseCase {
		t.Error("expected same-country fast path")
	}
	if len(res.Outcomes) != 0 || len(res.Indeterminate) != 0 {
		t.Errorf("expected empty result, got %+v", res)
	}

	res = e.Evaluate(context.Background(), txFacts("US", "US", "acct-1", "acct-2", 100))
	if res.BaseCase {
		t.Error("transactions must run the pattern rules")
	}
}

func TestLargeTransaction(t *testing.T) {
	params := &domain.RuleParams{
		LargeTransaction: domain.LargeTransactionParams{
			Thresholds: map[string]decimal.Decimal{"eur": decimal.NewFromInt(5000)},
		},
	}
	e := newTestEngine(t, &memHistory{}, params)

	tests := []struct {
		name     string
		amount   int64
		currency string
		want     domain.RiskLevel
		score    int
	}{
		{"Below", 9000, "USD", "", 0},
		{"AtThreshold", 10000, "USD", "", 0},
		{"Above", 15000, "USD", domain.LevelHigh, 60},
		{"FarAbove", 60000, "USD", domain.LevelCritical, 90},
		{"CurrencyThreshold", 6000, "EUR", domain.LevelHigh, 60},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := txFacts("US", "US", "acct-1", "acct-2", tt.amount)
			f.Currency = tt.currency
			res := e.Evaluate(context.Background(), f)

			o := findOutcome(res, NameLargeTx)
			if tt.want == "" {
				if o != nil {
					t.Errorf("unexpected outcome %+v", o)
				}
				return
			}
			if o == nil {
				t.Fatal("expected large transaction outcome")
			}
			if o.Severity != tt.want || o.ScoreContribution != tt.score {
				t.Errorf("expected %s/%d, got %s/%d", tt.want, tt.score, o.Severity, o.ScoreContribution)
			}
		})
	}
}

func TestHighFrequency(t *testing.T) {
	hist := &memHistory{}
	for i := 1; i <= 15; i++ {
		hist.add("prior-"+string(rune('a'+i)), "acct-1", "acct-9", 100, baseTime.Add(-time.Duration(i)*time.Minute))
	}
	// Outside the 60 minute window.
	hist.add("old", "acct-1", "acct-9", 100, baseTime.Add(-2*time.Hour))
	// The current transaction may already be stored.
	hist.add("tx-current", "acct-1", "acct-2", 100, baseTime)

	e := newTestEngine(t, hist, nil)
	res := e.Evaluate(context.Background(), txFacts("US", "US", "acct-1", "acct-2", 100))

	o := findOutcome(res, NameHighFrequency)
	if o == nil {
		t.Fatalf("expected high frequency outcome, got %+v", res.Outcomes)
	}
	if o.Severity != domain.LevelMedium || o.ScoreContribution != 30 {
		t.Errorf("expected MEDIUM/30, got %s/%d", o.Severity, o.ScoreContribution)
	}
	if got := o.Detail["actualCount"]; got != 15 {
		t.Errorf("expected actualCount 15, got %v", got)
	}
	if got := o.Detail["exceededBy"]; got != 5 {
		t.Errorf("expected exceededBy 5, got %v", got)
	}
}

func TestHighFrequencyBelowLimit(t *testing.T) {
	hist := &memHistory{}
	for i := 1; i <= 10; i++ {
		hist.add("prior-"+string(rune('a'+i)), "acct-1", "acct-9", 100, baseTime.Add(-time.Duration(i)*time.Minute))
	}
	e := newTestEngine(t, hist, nil)
	res := e.Evaluate(context.Background(), txFacts("US", "US", "acct-1", "acct-2", 100))
	if findOutcome(res, NameHighFrequency) != nil {
		t.Error("10 transactions must not exceed a limit of 10")
	}
}

func TestRapidMovement(t *testing.T) {
	t.Run("FourTransactionsHigh", func(t *testing.T) {
		hist := &memHistory{}
		hist.add("t1", "A", "B", 1000, baseTime.Add(-15*time.Minute))
		hist.add("t2", "B", "C", 990, baseTime.Add(-10*time.Minute))
		hist.add("t3", "C", "D", 980, baseTime.Add(-5*time.Minute))

		e := newTestEngine(t, hist, nil)
		res := e.Evaluate(context.Background(), txFacts("US", "US", "D", "E", 970))

		o := findOutcome(res, NameRapidMovement)
		if o == nil {
			t.Fatalf("expected rapid movement outcome, got %+v", res.Outcomes)
		}
		if o.Severity != domain.LevelHigh || o.ScoreContribution != 60 {
			t.Errorf("expected HIGH/60, got %s/%d", o.Severity, o.ScoreContribution)
		}
		if got := o.Detail["actualHops"]; got != 4 {
			t.Errorf("expected 4 hops, got %v", got)
		}
		want := []string{"A", "B", "C", "D", "E"}
		got := o.Detail["accountChain"].([]string)
		if len(got) != len(want) {
			t.Fatalf("expected chain %v, got %v", want, got)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("chain[%d]: expected %s, got %s", i, want[i], got[i])
			}
		}
	})

	t.Run("FiveTransactionsCritical", func(t *testing.T) {
		hist := &memHistory{}
		hist.add("t0", "Z", "A", 1000, baseTime.Add(-20*time.Minute))
		hist.add("t1", "A", "B", 1000, baseTime.Add(-15*time.Minute))
		hist.add("t2", "B", "C", 990, baseTime.Add(-10*time.Minute))
		hist.add("t3", "C", "D", 980, baseTime.Add(-5*time.Minute))

		e := newTestEngine(t, hist, nil)
		res := e.Evaluate(context.Background(), txFacts("US", "US", "D", "E", 970))

		o := findOutcome(res, NameRapidMovement)
		if o == nil || o.Severity != domain.LevelCritical || o.ScoreContribution != 90 {
			t.Fatalf("expected CRITICAL/90, got %+v", o)
		}
	})

	t.Run("ThreeTransactionsQuiet", func(t *testing.T) {
		hist := &memHistory{}
		hist.add("t2", "B", "C", 990, baseTime.Add(-10*time.Minute))
		hist.add("t3", "C", "D", 980, baseTime.Add(-5*time.Minute))

		e := newTestEngine(t, hist, nil)
		res := e.Evaluate(context.Background(), txFacts("US", "US", "D", "E", 970))
		if findOutcome(res, NameRapidMovement) != nil {
			t.Error("a chain of 3 must not exceed 3 hops")
		}
	})

	t.Run("HopOutsideWindowBreaksChain", func(t *testing.T) {
		hist := &memHistory{}
		hist.add("t1", "A", "B", 1000, baseTime.Add(-50*time.Minute))
		hist.add("t2", "B", "C", 990, baseTime.Add(-10*time.Minute))
		hist.add("t3", "C", "D", 980, baseTime.Add(-5*time.Minute))

		e := newTestEngine(t, hist, nil)
		res := e.Evaluate(context.Background(), txFacts("US", "US", "D", "E", 970))
		if findOutcome(res, NameRapidMovement) != nil {
			t.Error("t1 is 40 minutes before t2 and must not extend the chain")
		}
	})
}

func TestTraceChain(t *testing.T) {
	current := func(sender, receiver string) *domain.Transaction {
		return &domain.Transaction{ID: "tx-current", TenantID: "tenant-1", SenderID: sender, ReceiverID: receiver, Timestamp: baseTime}
	}
	window := 30 * time.Minute

	t.Run("CycleGuard", func(t *testing.T) {
		hist := &memHistory{}
		hist.add("c1", "C", "D", 100, baseTime.Add(-5*time.Minute))
		hist.add("c2", "D", "C", 100, baseTime.Add(-7*time.Minute))
		hist.add("c3", "B", "C", 100, baseTime.Add(-10*time.Minute))
		hist.add("c4", "C", "B", 100, baseTime.Add(-12*time.Minute))
		hist.add("c5", "E", "B", 100, baseTime.Add(-14*time.Minute))

		chain, err := TraceChain(context.Background(), hist, current("D", "E"), 10, window)
		if err != nil {
			t.Fatalf("TraceChain failed: %v", err)
		}
		if len(chain) != 3 {
			t.Fatalf("expected 3 transactions, got %d", len(chain))
		}
		seen := map[string]bool{}
		for _, acct := range AccountChain(chain) {
			if seen[acct] {
				t.Errorf("account %s appears twice", acct)
			}
			seen[acct] = true
		}
	})

	t.Run("BoundedBySteps", func(t *testing.T) {
		hist := &memHistory{}
		accounts := []string{"a0", "a1", "a2", "a3", "a4", "a5", "a6", "a7", "a8", "a9", "D"}
		for i := 0; i < len(accounts)-1; i++ {
			ts := baseTime.Add(-time.Duration(len(accounts)-i) * time.Minute)
			hist.add("h"+accounts[i], accounts[i], accounts[i+1], 100, ts)
		}

		chain, err := TraceChain(context.Background(), hist, current("D", "E"), 6, window)
		if err != nil {
			t.Fatalf("TraceChain failed: %v", err)
		}
		if len(chain) != 7 {
			t.Errorf("expected 2N+1 = 7 transactions, got %d", len(chain))
		}
		if chain[len(chain)-1].ID != "tx-current" {
			t.Error("chain must end with the current transaction")
		}
		for i := 1; i < len(chain); i++ {
			if chain[i].Timestamp.Before(chain[i-1].Timestamp) {
				t.Error("chain must be oldest first")
			}
		}
	})

	t.Run("TiesGoToLargerID", func(t *testing.T) {
		hist := &memHistory{}
		ts := baseTime.Add(-5 * time.Minute)
		hist.add("tx-a", "X", "D", 100, ts)
		hist.add("tx-b", "Y", "D", 100, ts)

		chain, err := TraceChain(context.Background(), hist, current("D", "E"), 1, window)
		if err != nil {
			t.Fatalf("TraceChain failed: %v", err)
		}
		if len(chain) != 2 || chain[0].ID != "tx-b" {
			t.Errorf("expected tx-b to be chosen, got %v", chain[0].ID)
		}
	})

	t.Run("PrefersMostRecentPayment", func(t *testing.T) {
		hist := &memHistory{}
		hist.add("older", "X", "D", 100, baseTime.Add(-20*time.Minute))
		hist.add("newer", "Y", "D", 100, baseTime.Add(-2*time.Minute))

		chain, err := TraceChain(context.Background(), hist, current("D", "E"), 1, window)
		if err != nil {
			t.Fatalf("TraceChain failed: %v", err)
		}
		if chain[0].ID != "newer" {
			t.Errorf("expected newer, got %s", chain[0].ID)
		}
	})
}

func TestHistoryFailureIsIndeterminate(t *testing.T) {
	e := newTestEngine(t, &memHistory{err: errors.New("database is down")}, nil)

	res := e.Evaluate(context.Background(), txFacts("US", "US", "acct-1", "acct-2", 15000))

	want := map[string]bool{NameHighFrequency: true, NameRapidMovement: true}
	if len(res.Indeterminate) != len(want) {
		t.Fatalf("expected %d indeterminate rules, got %v", len(want), res.Indeterminate)
	}
	for _, name := range res.Indeterminate {
		if !want[name] {
			t.Errorf("unexpected indeterminate rule %q", name)
		}
	}
	if findOutcome(res, NameLargeTx) == nil {
		t.Error("rules without history must still run")
	}
}

func TestPanicIsIndeterminate(t *testing.T) {
	e := newTestEngine(t, panicHistory{}, nil)

	res := e.Evaluate(context.Background(), txFacts("US", "US", "acct-1", "acct-2", 100))

	if len(res.Indeterminate) != 2 {
		t.Errorf("expected both history rules to be indeterminate, got %v", res.Indeterminate)
	}
	if res.Evaluated != len(e.ChainFor("tenant-1").Names()) {
		t.Errorf("every rule should have been attempted, evaluated %d", res.Evaluated)
	}
}

func TestDisabledRules(t *testing.T) {
	params := &domain.RuleParams{
		Disabled: []domain.RuleKind{domain.RuleGeographic, domain.RuleSanctioned},
	}
	e := newTestEngine(t, &memHistory{}, params)

	if res := e.Evaluate(context.Background(), ipFacts("US", "JP")); len(res.Outcomes) != 0 {
		t.Errorf("geographic rule should be disabled, got %+v", res.Outcomes)
	}
	if res := e.Evaluate(context.Background(), ipFacts("KP", "KP")); res.ShortCircuited() == nil {
		t.Error("sanctioned jurisdiction cannot be disabled")
	}
}

func TestSetTenantInvalidKeepsPrevious(t *testing.T) {
	e := newTestEngine(t, &memHistory{}, nil)

	if err := e.SetTenant("tenant-1", &domain.RuleParams{HighRiskCountries: []string{"JP"}}); err != nil {
		t.Fatalf("SetTenant failed: %v", err)
	}

	bad := &domain.RuleParams{}
	bad.RapidMovement.MaxHops = 50
	if err := e.SetTenant("tenant-1", bad); err == nil {
		t.Fatal("expected validation error")
	}

	if got := e.ChainFor("tenant-1").Params().HighRiskCountries; len(got) != 1 || got[0] != "JP" {
		t.Errorf("previous chain should remain, got %v", got)
	}
	if e.TenantCount() != 1 {
		t.Errorf("expected 1 tenant, got %d", e.TenantCount())
	}
	if got := e.ChainFor("other").Params().HighRiskCountries; len(got) != len(domain.DefaultHighRiskCountries) {
		t.Error("unknown tenants use the default chain")
	}
}

func TestChainOrder(t *testing.T) {
	params := &domain.RuleParams{
		Expressions: []domain.ExpressionRule{
			{ID: "r1", Name: "Custom", Expression: "amount > 1.0", Severity: "medium", Score: 10, Enabled: true},
			{ID: "r2", Expression: "true", Severity: "LOW", Score: 1, Enabled: false},
		},
	}
	e := newTestEngine(t, &memHistory{}, params)

	want := []string{
		NameAnonymizer, NameSanctioned, "VPN/Proxy", NameLargeTx,
		NameHighFrequency, NameRapidMovement, "Geographic Mismatch", "Custom",
	}
	got := e.ChainFor("tenant-1").Names()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	hist := &memHistory{}
	for i := 1; i <= 12; i++ {
		hist.add("p"+string(rune('a'+i)), "acct-1", "acct-9", 100, baseTime.Add(-time.Duration(i)*time.Minute))
	}
	e := newTestEngine(t, hist, nil)

	f := txFacts("US", "JP", "acct-1", "acct-2", 20000)
	f.Security.IsVPN = true

	first := e.Evaluate(context.Background(), f)
	for i := 0; i < 20; i++ {
		res := e.Evaluate(context.Background(), f)
		if len(res.Outcomes) != len(first.Outcomes) {
			t.Fatalf("run %d: outcome count changed", i)
		}
		for j := range res.Outcomes {
			if res.Outcomes[j].RuleName != first.Outcomes[j].RuleName {
				t.Fatalf("run %d: order changed at %d", i, j)
			}
		}
	}
}
