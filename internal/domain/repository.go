// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Repository defines the interface for data persistence.
type Repository interface {
	// Rule specifications, kept in declaration order.
	SaveRuleSpec(ctx context.Context, spec *RuleSpec) error
	GetRuleSpec(ctx context.Context, ruleID string) (*RuleSpec, error)
	ListRuleSpecs(ctx context.Context) ([]*RuleSpec, error)
	DeleteRuleSpec(ctx context.Context, ruleID string) error

	// ReplaceRuleSpecs swaps the whole stored rule list in one transaction.
	ReplaceRuleSpecs(ctx context.Context, specs []*RuleSpec) error

	// Fitted ensemble weights, keyed by ensemble name.
	SaveEnsembleWeights(ctx context.Context, name string, weights []float64) error
	GetEnsembleWeights(ctx context.Context, name string) ([]float64, error)

	// Transaction observations feeding the velocity enricher.
	SaveObservation(ctx context.Context, obs *Observation) error
	ListObservations(ctx context.Context, entityID string, since time.Time) ([]*Observation, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Observation is one transaction seen for an entity.
type Observation struct {
	ID        string          `json:"id"`
	EntityID  string          `json:"entity_id"`
	Amount    decimal.Decimal `json:"amount"`
	Timestamp time.Time       `json:"timestamp"`
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `mapstructure:"driver"`

	// SQLite specific
	SQLitePath string `mapstructure:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"`
	PostgresDB       string `mapstructure:"postgres_db"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode"`

	// Connection pool settings
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}
