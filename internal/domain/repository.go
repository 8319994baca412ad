// Package domain defines the core types, interfaces and configuration for Kestrel.
package domain

import (
	"context"
	"time"
)

// HistoryStore is the query surface over historical transactions.
// Results are ordered by timestamp ascending and bounded by [from, to].
type HistoryStore interface {
	TransactionsBySender(ctx context.Context, tenantID, senderID string, from, to time.Time) ([]*Transaction, error)
	TransactionsBySenderOrReceiver(ctx context.Context, tenantID string, accountIDs []string, from, to time.Time) ([]*Transaction, error)
}

// Repository is the persistence layer.
// Every tenant-owned record is scoped by tenantID. IP lists are shared.
type Repository interface {
	HistoryStore
	IPListStore

	SaveTransaction(ctx context.Context, tenantID string, tx *Transaction) error
	GetTransaction(ctx context.Context, tenantID string, txID string) (*Transaction, error)

	SaveScreening(ctx context.Context, tenantID string, s *Screening) error
	GetScreening(ctx context.Context, tenantID string, screeningID string) (*Screening, error)

	// SaveRuleParams replaces the tenant's rule parameters.
	SaveRuleParams(ctx context.Context, tenantID string, params *RuleParams) error

	// GetRuleParams returns the tenant's stored parameters or ErrNotFound.
	GetRuleParams(ctx context.Context, tenantID string) (*RuleParams, error)

	// ListRuleTenants returns every tenant with stored parameters.
	ListRuleTenants(ctx context.Context) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}

// RepositoryConfig configures the repository.
type RepositoryConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `json:"driver"`

	SQLitePath string `json:"sqlitePath"`

	PostgresHost     string `json:"postgresHost"`
	PostgresPort     int    `json:"postgresPort"`
	PostgresUser     string `json:"postgresUser"`
	PostgresPassword string `json:"-"`
	PostgresDB       string `json:"postgresDb"`
	PostgresSSLMode  string `json:"postgresSslMode"`

	MaxOpenConns    int           `json:"maxOpenConns"`
	MaxIdleConns    int           `json:"maxIdleConns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime"`
}
