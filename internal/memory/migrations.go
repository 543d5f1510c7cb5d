package memory

import (
	"database/sql"
	"fmt"

	"cortex/internal/logging"
)

// Schema versions:
// v1: items table (canonical store) + index_queue outbox
// v2: vector_index and graph_edges derived index tables
// v3: access tracking columns for retention scoring
const currentSchemaVersion = 3

type migration struct {
	version int
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS items (
				id TEXT NOT NULL,
				version INTEGER NOT NULL,
				kind TEXT NOT NULL,
				content TEXT NOT NULL,
				embedding TEXT,
				confidence REAL NOT NULL DEFAULT 1.0,
				provenance TEXT NOT NULL DEFAULT '',
				edges TEXT NOT NULL DEFAULT '[]',
				index_status TEXT NOT NULL DEFAULT 'pending',
				superseded INTEGER NOT NULL DEFAULT 0,
				is_current INTEGER NOT NULL DEFAULT 1,
				importance REAL NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				PRIMARY KEY (id, version)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_items_current ON items(id) WHERE is_current = 1`,
			`CREATE INDEX IF NOT EXISTS idx_items_kind ON items(kind)`,
			`CREATE TABLE IF NOT EXISTS index_queue (
				item_id TEXT NOT NULL,
				version INTEGER NOT NULL,
				attempts INTEGER NOT NULL DEFAULT 0,
				next_attempt_at INTEGER NOT NULL DEFAULT 0,
				enqueued_at INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (item_id, version)
			)`,
		},
	},
	{
		version: 2,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS vector_index (
				item_id TEXT PRIMARY KEY,
				version INTEGER NOT NULL,
				embedding TEXT NOT NULL,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE TABLE IF NOT EXISTS graph_edges (
				source_id TEXT NOT NULL,
				relation TEXT NOT NULL,
				target_id TEXT NOT NULL,
				weight REAL NOT NULL DEFAULT 1.0,
				source_version INTEGER NOT NULL,
				PRIMARY KEY (source_id, relation, target_id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_edges_source ON graph_edges(source_id)`,
			`CREATE INDEX IF NOT EXISTS idx_edges_target ON graph_edges(target_id)`,
		},
	},
	{
		version: 3,
		stmts: []string{
			`ALTER TABLE items ADD COLUMN access_count INTEGER NOT NULL DEFAULT 0`,
			`ALTER TABLE items ADD COLUMN last_accessed DATETIME`,
		},
	},
}

// runMigrations upgrades the schema to currentSchemaVersion. Each version's
// statements run in one transaction so a failed upgrade leaves the previous
// version intact.
func runMigrations(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER NOT NULL,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var have int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&have); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	log := logging.S(logging.CategoryStore)
	for _, m := range migrations {
		if m.version <= have {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.version, err)
		}
		for _, stmt := range m.stmts {
			if _, err := tx.Exec(stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %d failed: %w", m.version, err)
			}
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, m.version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}
		log.Infow("applied schema migration", "version", m.version)
	}
	return nil
}
