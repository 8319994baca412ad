// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrDuplicate    = errors.New("record already exists")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

var _ domain.Repository = (*SQLRepository)(nil)

// New opens the configured database and applies migrations.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 && cfg.SQLitePath != ":memory:" {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := migrate(context.Background(), db, cfg.Driver); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLRepository{db: db, driver: cfg.Driver}, nil
}

// DB exposes the pool for connection metrics.
func (r *SQLRepository) DB() *sql.DB {
	return r.db
}

const txColumns = `id, tenant_id, type, sender_id, sender_country, receiver_id, receiver_country,
	amount, currency, ts, created_at, metadata`

// SaveTransaction stores a transaction with tenant isolation.
// Transaction IDs are unique per tenant; a repeat returns ErrDuplicate.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tenantID string, tx *domain.Transaction) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if tx.ID == "" || tx.SenderID == "" {
		return fmt.Errorf("%w: transaction id and sender are required", ErrInvalidInput)
	}

	var metadata sql.NullString
	if len(tx.Metadata) > 0 {
		b, err := json.Marshal(tx.Metadata)
		if err != nil {
			return fmt.Errorf("%w: metadata: %v", ErrInvalidInput, err)
		}
		metadata = sql.NullString{String: string(b), Valid: true}
	}

	createdAt := tx.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO transactions (` + txColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO NOTHING
	`

	res, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tenantID, tx.Type,
		tx.SenderID, tx.SenderCountry,
		tx.ReceiverID, tx.ReceiverCountry,
		tx.Amount.String(), tx.Currency,
		tx.Timestamp.UnixMilli(), createdAt.UnixMilli(),
		metadata,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: transaction %s", ErrDuplicate, tx.ID)
	}
	return nil
}

// GetTransaction retrieves a transaction by ID with tenant isolation.
func (r *SQLRepository) GetTransaction(ctx context.Context, tenantID string, txID string) (*domain.Transaction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + txColumns + ` FROM transactions WHERE tenant_id = ? AND id = ?`

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return tx, err
}

// TransactionsBySender returns transactions sent by senderID within [from, to], oldest first.
func (r *SQLRepository) TransactionsBySender(ctx context.Context, tenantID, senderID string, from, to time.Time) ([]*domain.Transaction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT ` + txColumns + `
		FROM transactions
		WHERE tenant_id = ? AND sender_id = ? AND ts >= ? AND ts <= ?
		ORDER BY ts ASC, id ASC
	`
	return r.queryTransactions(ctx, query, tenantID, senderID, from.UnixMilli(), to.UnixMilli())
}

// TransactionsBySenderOrReceiver returns transactions touching any of accountIDs
// within [from, to], oldest first.
func (r *SQLRepository) TransactionsBySenderOrReceiver(ctx context.Context, tenantID string, accountIDs []string, from, to time.Time) ([]*domain.Transaction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if len(accountIDs) == 0 {
		return nil, nil
	}

	in := strings.TrimSuffix(strings.Repeat("?, ", len(accountIDs)), ", ")
	query := `
		SELECT ` + txColumns + `
		FROM transactions
		WHERE tenant_id = ?
		  AND (sender_id IN (` + in + `) OR receiver_id IN (` + in + `))
		  AND ts >= ? AND ts <= ?
		ORDER BY ts ASC, id ASC
	`

	args := make([]any, 0, 3+2*len(accountIDs))
	args = append(args, tenantID)
	for _, id := range accountIDs {
		args = append(args, id)
	}
	for _, id := range accountIDs {
		args = append(args, id)
	}
	args = append(args, from.UnixMilli(), to.UnixMilli())

	return r.queryTransactions(ctx, query, args...)
}

func (r *SQLRepository) queryTransactions(ctx context.Context, query string, args ...any) ([]*domain.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []*domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row scanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	var amount string
	var ts, createdAt int64
	var metadata sql.NullString

	if err := row.Scan(
		&tx.ID, &tx.TenantID, &tx.Type,
		&tx.SenderID, &tx.SenderCountry,
		&tx.ReceiverID, &tx.ReceiverCountry,
		&amount, &tx.Currency,
		&ts, &createdAt,
		&metadata,
	); err != nil {
		return nil, err
	}

	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid stored amount for %s: %w", tx.ID, err)
	}
	tx.Amount = d
	tx.Timestamp = time.UnixMilli(ts).UTC()
	tx.CreatedAt = time.UnixMilli(createdAt).UTC()

	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &tx.Metadata); err != nil {
			return nil, fmt.Errorf("invalid stored metadata for %s: %w", tx.ID, err)
		}
	}
	return &tx, nil
}

// SaveScreening stores a completed screening with tenant isolation.
func (r *SQLRepository) SaveScreening(ctx context.Context, tenantID string, s *domain.Screening) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if s.ID == "" || s.Facts == nil || s.Verdict == nil {
		return fmt.Errorf("%w: screening id, facts and verdict are required", ErrInvalidInput)
	}

	facts, err := json.Marshal(s.Facts)
	if err != nil {
		return fmt.Errorf("failed to encode facts: %w", err)
	}
	verdict, err := json.Marshal(s.Verdict)
	if err != nil {
		return fmt.Errorf("failed to encode verdict: %w", err)
	}

	block := 0
	if s.Verdict.ShouldBlock {
		block = 1
	}

	query := `
		INSERT INTO screenings (
			id, tenant_id, transaction_id, user_id, ip_address,
			risk_score, risk_level, should_block, facts, verdict, trace_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		s.ID, tenantID, s.TransactionID, s.UserID, s.IPAddress,
		s.Verdict.Score, string(s.Verdict.Level), block,
		string(facts), string(verdict), s.TraceID, s.CreatedAt.UnixMilli(),
	)
	return err
}

// GetScreening retrieves a screening by ID with tenant isolation.
func (r *SQLRepository) GetScreening(ctx context.Context, tenantID string, screeningID string) (*domain.Screening, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, transaction_id, user_id, ip_address, facts, verdict, trace_id, created_at
		FROM screenings
		WHERE tenant_id = ? AND id = ?
	`

	var s domain.Screening
	var facts, verdict string
	var createdAt int64

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, screeningID).Scan(
		&s.ID, &s.TenantID, &s.TransactionID, &s.UserID, &s.IPAddress,
		&facts, &verdict, &s.TraceID, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(facts), &s.Facts); err != nil {
		return nil, fmt.Errorf("failed to parse screening facts: %w", err)
	}
	if err := json.Unmarshal([]byte(verdict), &s.Verdict); err != nil {
		return nil, fmt.Errorf("failed to parse screening verdict: %w", err)
	}
	s.CreatedAt = time.UnixMilli(createdAt).UTC()

	return &s, nil
}

// SaveRuleParams replaces the tenant's rule parameters.
func (r *SQLRepository) SaveRuleParams(ctx context.Context, tenantID string, params *domain.RuleParams) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	b, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode rule params: %w", err)
	}

	query := `
		INSERT INTO rule_params (tenant_id, params, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			params = excluded.params,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query), tenantID, string(b), time.Now().UTC().UnixMilli())
	return err
}

// GetRuleParams returns the tenant's stored parameters.
func (r *SQLRepository) GetRuleParams(ctx context.Context, tenantID string) (*domain.RuleParams, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	var raw string
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT params FROM rule_params WHERE tenant_id = ?`), tenantID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var params domain.RuleParams
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, fmt.Errorf("failed to parse rule params for %s: %w", tenantID, err)
	}
	return &params, nil
}

// ListRuleTenants returns every tenant with stored parameters.
func (r *SQLRepository) ListRuleTenants(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT tenant_id FROM rule_params ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		tenants = append(tenants, id)
	}
	return tenants, rows.Err()
}

// GetIP returns the record for ip in list, or nil when absent.
func (r *SQLRepository) GetIP(ctx context.Context, list domain.IPList, ip string) (*domain.IPRecord, error) {
	if !list.Valid() {
		return nil, fmt.Errorf("%w: unknown list %q", ErrInvalidInput, list)
	}

	var raw string
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT record FROM ip_lists WHERE list = ? AND ip = ?`), string(list), ip).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var rec domain.IPRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("failed to parse ip record %s: %w", ip, err)
	}
	return &rec, nil
}

// UpsertIP replaces the record for rec.IP in list and removes the IP from
// the other lists.
func (r *SQLRepository) UpsertIP(ctx context.Context, list domain.IPList, rec *domain.IPRecord) error {
	if !list.Valid() {
		return fmt.Errorf("%w: unknown list %q", ErrInvalidInput, list)
	}
	if rec == nil || rec.IP == "" {
		return fmt.Errorf("%w: ip is required", ErrInvalidInput)
	}

	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode ip record: %w", err)
	}

	query := `
		INSERT INTO ip_lists (list, ip, record, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(list, ip) DO UPDATE SET
			record = excluded.record,
			updated_at = excluded.updated_at
	`

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, r.rebind(`DELETE FROM ip_lists WHERE ip = ? AND list <> ?`), rec.IP, string(list)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, r.rebind(query), string(list), rec.IP, string(b), time.Now().UTC().UnixMilli()); err != nil {
		return err
	}
	return tx.Commit()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
