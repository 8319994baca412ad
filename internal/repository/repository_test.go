package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func newTestRepo(t *testing.T) *SQLRepository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() {
		os.Remove(tmpPath)
		os.Remove(tmpPath + "-wal")
		os.Remove(tmpPath + "-shm")
	})

	repo, err := New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestSQLiteRepository(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-001"
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetTransaction", func(t *testing.T) {
		tx := &domain.Transaction{
			ID:            "tx-001",
			Type:          "WIRE",
			SenderID:      "acct-a",
			SenderCountry: "US",
			ReceiverID:    "acct-b",
			Amount:        decimal.RequireFromString("1000.25"),
			Currency:      "USD",
			Timestamp:     base,
			Metadata:      map[string]any{"source": "api"},
		}

		if err := repo.SaveTransaction(ctx, tenantID, tx); err != nil {
			t.Fatalf("SaveTransaction failed: %v", err)
		}

		got, err := repo.GetTransaction(ctx, tenantID, tx.ID)
		if err != nil {
			t.Fatalf("GetTransaction failed: %v", err)
		}
		if !got.Amount.Equal(tx.Amount) {
			t.Errorf("expected amount %s, got %s", tx.Amount, got.Amount)
		}
		if !got.Timestamp.Equal(base) {
			t.Errorf("expected timestamp %v, got %v", base, got.Timestamp)
		}
		if got.TenantID != tenantID {
			t.Errorf("expected tenant %s, got %s", tenantID, got.TenantID)
		}
		if got.Metadata["source"] != "api" {
			t.Errorf("expected metadata to round trip, got %v", got.Metadata)
		}
	})

	t.Run("DuplicateTransaction", func(t *testing.T) {
		tx := &domain.Transaction{ID: "tx-001", SenderID: "acct-a", Amount: decimal.NewFromInt(1), Currency: "USD", Timestamp: base}
		err := repo.SaveTransaction(ctx, tenantID, tx)
		if !errors.Is(err, ErrDuplicate) {
			t.Errorf("expected ErrDuplicate, got %v", err)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		_, err := repo.GetTransaction(ctx, "tenant-002", "tx-001")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("EmptyTenantRejected", func(t *testing.T) {
		_, err := repo.GetTransaction(ctx, "", "tx-001")
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}

func TestHistoryQueries(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-001"
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	seed := []struct {
		id, sender, receiver string
		offset               time.Duration
	}{
		{"h1", "A", "B", -50 * time.Minute},
		{"h2", "B", "C", -20 * time.Minute},
		{"h3", "C", "D", -10 * time.Minute},
		{"h4", "A", "C", -5 * time.Minute},
		{"h5", "A", "D", 0},
		{"h6", "A", "B", 5 * time.Minute},
	}
	for _, s := range seed {
		tx := &domain.Transaction{
			ID: s.id, SenderID: s.sender, ReceiverID: s.receiver,
			Amount: decimal.NewFromInt(100), Currency: "USD", Timestamp: base.Add(s.offset),
		}
		if err := repo.SaveTransaction(ctx, tenantID, tx); err != nil {
			t.Fatalf("seed %s failed: %v", s.id, err)
		}
	}
	other := &domain.Transaction{ID: "x1", SenderID: "A", Amount: decimal.NewFromInt(1), Currency: "USD", Timestamp: base}
	if err := repo.SaveTransaction(ctx, "tenant-002", other); err != nil {
		t.Fatalf("seed other tenant failed: %v", err)
	}

	t.Run("BySenderInclusiveWindow", func(t *testing.T) {
		txs, err := repo.TransactionsBySender(ctx, tenantID, "A", base.Add(-time.Hour), base)
		if err != nil {
			t.Fatalf("TransactionsBySender failed: %v", err)
		}
		want := []string{"h1", "h4", "h5"}
		if len(txs) != len(want) {
			t.Fatalf("expected %d transactions, got %d", len(want), len(txs))
		}
		for i, id := range want {
			if txs[i].ID != id {
				t.Errorf("position %d: expected %s, got %s", i, id, txs[i].ID)
			}
		}
	})

	t.Run("BySenderOrReceiver", func(t *testing.T) {
		txs, err := repo.TransactionsBySenderOrReceiver(ctx, tenantID, []string{"C"}, base.Add(-30*time.Minute), base)
		if err != nil {
			t.Fatalf("TransactionsBySenderOrReceiver failed: %v", err)
		}
		want := []string{"h2", "h3", "h4"}
		if len(txs) != len(want) {
			t.Fatalf("expected %v, got %d transactions", want, len(txs))
		}
		for i, id := range want {
			if txs[i].ID != id {
				t.Errorf("position %d: expected %s, got %s", i, id, txs[i].ID)
			}
		}
		for i := 1; i < len(txs); i++ {
			if txs[i].Timestamp.Before(txs[i-1].Timestamp) {
				t.Error("results must be ordered oldest first")
			}
		}
	})

	t.Run("NoAccounts", func(t *testing.T) {
		txs, err := repo.TransactionsBySenderOrReceiver(ctx, tenantID, nil, base.Add(-time.Hour), base)
		if err != nil || len(txs) != 0 {
			t.Errorf("expected empty result, got %d, %v", len(txs), err)
		}
	})
}

func TestScreenings(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	s := &domain.Screening{
		ID:            "SCR-ABCDEF012345",
		TenantID:      "tenant-001",
		TransactionID: "tx-001",
		UserID:        "user-1",
		IPAddress:     "8.8.8.8",
		Facts: &domain.Facts{
			UserCountry:     "US",
			DetectedCountry: "US",
			Confidence:      0.9,
			SourceTier:      domain.TierExternalAPI,
			Amount:          decimal.NewNullDecimal(decimal.NewFromInt(500)),
		},
		Verdict: &domain.Verdict{
			Score:          85,
			Level:          domain.LevelHigh,
			Recommendation: "Flag for manual review",
			TriggeredRules: []*domain.RuleOutcome{{RuleName: "Geo-Masking VPN", Severity: domain.LevelHigh, ScoreContribution: 85}},
		},
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}

	if err := repo.SaveScreening(ctx, "tenant-001", s); err != nil {
		t.Fatalf("SaveScreening failed: %v", err)
	}

	got, err := repo.GetScreening(ctx, "tenant-001", s.ID)
	if err != nil {
		t.Fatalf("GetScreening failed: %v", err)
	}
	if got.Verdict.Score != 85 || got.Verdict.Level != domain.LevelHigh {
		t.Errorf("unexpected verdict %+v", got.Verdict)
	}
	if len(got.Verdict.TriggeredRules) != 1 {
		t.Errorf("expected 1 triggered rule, got %d", len(got.Verdict.TriggeredRules))
	}
	if !got.Facts.Amount.Valid || !got.Facts.Amount.Decimal.Equal(decimal.NewFromInt(500)) {
		t.Errorf("expected amount 500, got %+v", got.Facts.Amount)
	}
	if !got.CreatedAt.Equal(s.CreatedAt) {
		t.Errorf("expected createdAt %v, got %v", s.CreatedAt, got.CreatedAt)
	}

	if _, err := repo.GetScreening(ctx, "tenant-002", s.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound across tenants, got %v", err)
	}
}

func TestRuleParams(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if _, err := repo.GetRuleParams(ctx, "tenant-001"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	params := domain.DefaultRuleParams()
	params.HighRiskCountries = []string{"KP"}
	params.LargeTransaction.Thresholds = map[string]decimal.Decimal{"EUR": decimal.NewFromInt(9000)}
	params.Expressions = []domain.ExpressionRule{{ID: "r1", Expression: "is_vpn", Severity: domain.LevelHigh, Score: 10, Enabled: true}}

	if err := repo.SaveRuleParams(ctx, "tenant-001", params); err != nil {
		t.Fatalf("SaveRuleParams failed: %v", err)
	}

	params.HighRiskCountries = []string{"KP", "IR"}
	if err := repo.SaveRuleParams(ctx, "tenant-001", params); err != nil {
		t.Fatalf("second SaveRuleParams failed: %v", err)
	}

	got, err := repo.GetRuleParams(ctx, "tenant-001")
	if err != nil {
		t.Fatalf("GetRuleParams failed: %v", err)
	}
	if len(got.HighRiskCountries) != 2 {
		t.Errorf("expected replaced list, got %v", got.HighRiskCountries)
	}
	if !got.LargeTransaction.ThresholdFor("EUR").Equal(decimal.NewFromInt(9000)) {
		t.Errorf("expected EUR threshold 9000, got %s", got.LargeTransaction.ThresholdFor("EUR"))
	}
	if len(got.Expressions) != 1 || got.Expressions[0].ID != "r1" {
		t.Errorf("expected expression rule r1, got %+v", got.Expressions)
	}

	if err := repo.SaveRuleParams(ctx, "tenant-002", domain.DefaultRuleParams()); err != nil {
		t.Fatalf("SaveRuleParams failed: %v", err)
	}
	tenants, err := repo.ListRuleTenants(ctx)
	if err != nil {
		t.Fatalf("ListRuleTenants failed: %v", err)
	}
	if len(tenants) != 2 || tenants[0] != "tenant-001" || tenants[1] != "tenant-002" {
		t.Errorf("unexpected tenants %v", tenants)
	}
}

func TestIPLists(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	rec, err := repo.GetIP(ctx, domain.ListTor, "1.2.3.4")
	if err != nil || rec != nil {
		t.Fatalf("expected miss, got %+v, %v", rec, err)
	}

	in := &domain.IPRecord{
		IP:          "1.2.3.4",
		CountryCode: "DE",
		Security:    domain.SecurityFlags{IsVPN: true},
		Source:      "vpnapi.io",
		FetchCount:  1,
	}
	if err := repo.UpsertIP(ctx, domain.ListVPN, in); err != nil {
		t.Fatalf("UpsertIP failed: %v", err)
	}

	got, err := repo.GetIP(ctx, domain.ListVPN, "1.2.3.4")
	if err != nil || got == nil {
		t.Fatalf("expected hit, got %v", err)
	}
	if got.CountryCode != "DE" || !got.Security.IsVPN {
		t.Errorf("unexpected record %+v", got)
	}

	t.Run("LastWriteWins", func(t *testing.T) {
		if err := repo.UpsertIP(ctx, domain.ListVPN, &domain.IPRecord{IP: "1.2.3.4", CountryCode: "FR"}); err != nil {
			t.Fatalf("UpsertIP failed: %v", err)
		}
		got, _ := repo.GetIP(ctx, domain.ListVPN, "1.2.3.4")
		if got.CountryCode != "FR" || got.Security.IsVPN {
			t.Errorf("expected full replacement, got %+v", got)
		}
	})

	t.Run("MovesBetweenLists", func(t *testing.T) {
		if err := repo.UpsertIP(ctx, domain.ListClean, &domain.IPRecord{IP: "1.2.3.4", CountryCode: "FR"}); err != nil {
			t.Fatalf("UpsertIP failed: %v", err)
		}
		if got, _ := repo.GetIP(ctx, domain.ListVPN, "1.2.3.4"); got != nil {
			t.Error("IP should have left the vpn list")
		}
		if got, _ := repo.GetIP(ctx, domain.ListClean, "1.2.3.4"); got == nil {
			t.Error("IP should be in the clean list")
		}
	})

	t.Run("UnknownList", func(t *testing.T) {
		if _, err := repo.GetIP(ctx, domain.IPList("grey"), "1.2.3.4"); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}

func TestUnsupportedDriver(t *testing.T) {
	if _, err := New(domain.RepositoryConfig{Driver: "oracle"}); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	pg := &SQLRepository{driver: "postgres"}
	if got := pg.rebind("a = ? AND b IN (?, ?)"); got != "a = $1 AND b IN ($2, $3)" {
		t.Errorf("unexpected rebind %q", got)
	}
	lite := &SQLRepository{driver: "sqlite"}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("sqlite queries must not change, got %q", got)
	}
}
