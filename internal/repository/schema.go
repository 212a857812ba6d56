package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

// schemaRuleSpecs stores the rule list. position keeps declaration order;
// spec holds the full JSON specification.
const schemaRuleSpecs = `
CREATE TABLE IF NOT EXISTS rule_specs (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    spec TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    position INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rule_specs_position ON rule_specs(position);
`

const schemaEnsembleWeights = `
CREATE TABLE IF NOT EXISTS ensemble_weights (
    name TEXT PRIMARY KEY,
    weights TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

// schemaObservations keeps amounts as text so decimals round-trip exactly.
// ts is Unix nanoseconds.
const schemaObservations = `
CREATE TABLE IF NOT EXISTS observations (
    id TEXT PRIMARY KEY,
    entity_id TEXT NOT NULL,
    amount TEXT NOT NULL,
    ts BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_observations_entity_ts ON observations(entity_id, ts);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaRuleSpecs,
		schemaEnsembleWeights,
		schemaObservations,
	}
}
