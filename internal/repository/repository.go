// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	db, err := open(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// specID is the stored key of a rule: its id, or its type when the id is
// omitted, matching how the engine names such rules.
func specID(spec *domain.RuleSpec) string {
	if spec.ID != "" {
		return spec.ID
	}
	return spec.Type
}

// SaveRuleSpec upserts a rule. New rules are appended; existing rules keep
// their position.
func (r *SQLRepository) SaveRuleSpec(ctx context.Context, spec *domain.RuleSpec) error {
	if spec == nil || spec.Type == "" {
		return fmt.Errorf("%w: rule type is required", domain.ErrInvalidInput)
	}

	data, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("failed to encode rule spec: %w", err)
	}

	now := time.Now().UTC()
	query := `
		INSERT INTO rule_specs (id, type, spec, enabled, position, created_at, updated_at)
		VALUES (?, ?, ?, ?, (SELECT COALESCE(MAX(position) + 1, 0) FROM rule_specs), ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			type = excluded.type,
			spec = excluded.spec,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		specID(spec), spec.Type, string(data), boolToInt(spec.IsEnabled()), now, now,
	)
	return err
}

// GetRuleSpec retrieves a rule by id.
func (r *SQLRepository) GetRuleSpec(ctx context.Context, ruleID string) (*domain.RuleSpec, error) {
	query := `SELECT spec FROM rule_specs WHERE id = ?`

	var data string
	err := r.db.QueryRowContext(ctx, r.rebind(query), ruleID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeSpec(data)
}

// ListRuleSpecs returns every rule in declaration order.
func (r *SQLRepository) ListRuleSpecs(ctx context.Context) ([]*domain.RuleSpec, error) {
	query := `SELECT spec FROM rule_specs ORDER BY position ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var specs []*domain.RuleSpec
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		spec, err := decodeSpec(data)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, rows.Err()
}

// DeleteRuleSpec removes a rule.
func (r *SQLRepository) DeleteRuleSpec(ctx context.Context, ruleID string) error {
	query := `DELETE FROM rule_specs WHERE id = ?`

	result, err := r.db.ExecContext(ctx, r.rebind(query), ruleID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}

	return nil
}

// ReplaceRuleSpecs swaps the stored list for specs in one transaction.
func (r *SQLRepository) ReplaceRuleSpecs(ctx context.Context, specs []*domain.RuleSpec) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM rule_specs`); err != nil {
		return err
	}

	query := r.rebind(`
		INSERT INTO rule_specs (id, type, spec, enabled, position, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	now := time.Now().UTC()
	for i, spec := range specs {
		if spec == nil || spec.Type == "" {
			return fmt.Errorf("%w: rule %d has no type", domain.ErrInvalidInput, i)
		}
		data, err := json.Marshal(spec)
		if err != nil {
			return fmt.Errorf("failed to encode rule spec: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query,
			specID(spec), spec.Type, string(data), boolToInt(spec.IsEnabled()), i, now, now,
		); err != nil {
			return fmt.Errorf("failed to store rule %q: %w", specID(spec), err)
		}
	}

	return tx.Commit()
}

// SaveEnsembleWeights upserts the weight vector of an ensemble.
func (r *SQLRepository) SaveEnsembleWeights(ctx context.Context, name string, weights []float64) error {
	if name == "" {
		return fmt.Errorf("%w: ensemble name is required", domain.ErrInvalidInput)
	}

	data, err := json.Marshal(weights)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO ensemble_weights (name, weights, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			weights = excluded.weights,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query), name, string(data), time.Now().UTC())
	return err
}

// GetEnsembleWeights returns the stored weights of an ensemble.
func (r *SQLRepository) GetEnsembleWeights(ctx context.Context, name string) ([]float64, error) {
	query := `SELECT weights FROM ensemble_weights WHERE name = ?`

	var data string
	err := r.db.QueryRowContext(ctx, r.rebind(query), name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var weights []float64
	if err := json.Unmarshal([]byte(data), &weights); err != nil {
		return nil, fmt.Errorf("failed to decode weights for %q: %w", name, err)
	}
	return weights, nil
}

// SaveObservation records a transaction observation. A missing id is
// generated; a zero timestamp means now.
func (r *SQLRepository) SaveObservation(ctx context.Context, obs *domain.Observation) error {
	if obs == nil || obs.EntityID == "" {
		return fmt.Errorf("%w: entity id is required", domain.ErrInvalidInput)
	}
	if obs.ID == "" {
		obs.ID = uuid.New().String()
	}
	if obs.Timestamp.IsZero() {
		obs.Timestamp = time.Now().UTC()
	}

	query := `INSERT INTO observations (id, entity_id, amount, ts) VALUES (?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		obs.ID, obs.EntityID, obs.Amount.String(), obs.Timestamp.UnixNano(),
	)
	return err
}

// ListObservations returns an entity's observations at or after since,
// oldest first.
func (r *SQLRepository) ListObservations(ctx context.Context, entityID string, since time.Time) ([]*domain.Observation, error) {
	query := `
		SELECT id, entity_id, amount, ts
		FROM observations
		WHERE entity_id = ? AND ts >= ?
		ORDER BY ts ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), entityID, since.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Observation
	for rows.Next() {
		var (
			obs    domain.Observation
			amount string
			ts     int64
		)
		if err := rows.Scan(&obs.ID, &obs.EntityID, &amount, &ts); err != nil {
			return nil, err
		}
		obs.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("observation %s: bad amount %q: %w", obs.ID, amount, err)
		}
		obs.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, &obs)
	}
	return out, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func decodeSpec(data string) (*domain.RuleSpec, error) {
	var spec domain.RuleSpec
	if err := json.Unmarshal([]byte(data), &spec); err != nil {
		return nil, fmt.Errorf("failed to decode rule spec: %w", err)
	}
	return &spec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
