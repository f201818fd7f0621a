package store

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// Migration is a single schema step
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// migrations is append-only; add new steps with the next Version
var migrations = []Migration{
	{
		Version:     1,
		Description: "evidence, ratings, cells and sequences",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS evidence_items (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    politician_id TEXT NOT NULL,
    category TEXT NOT NULL,
    source_class TEXT NOT NULL,
    collector TEXT NOT NULL,
    title TEXT NOT NULL,
    body TEXT NOT NULL DEFAULT '',
    locator TEXT NOT NULL,
    locator_norm TEXT NOT NULL,
    published_at TEXT,
    seq INTEGER NOT NULL,
    verified INTEGER NOT NULL DEFAULT 0,
    protocol_version TEXT NOT NULL,
    framing TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    UNIQUE (politician_id, category, collector, locator_norm)
);

CREATE INDEX IF NOT EXISTS idx_evidence_politician_category
    ON evidence_items (politician_id, category);

CREATE TABLE IF NOT EXISTS ratings (
    evidence_id INTEGER NOT NULL REFERENCES evidence_items(id) ON DELETE CASCADE,
    evaluator TEXT NOT NULL,
    grade TEXT NOT NULL,
    value INTEGER NOT NULL,
    rationale TEXT NOT NULL DEFAULT '',
    session TEXT NOT NULL,
    rated_at TEXT NOT NULL,
    PRIMARY KEY (evidence_id, evaluator)
);

CREATE TABLE IF NOT EXISTS cells (
    politician_id TEXT NOT NULL,
    category TEXT NOT NULL,
    collector TEXT NOT NULL,
    source_class TEXT NOT NULL,
    state TEXT NOT NULL,
    rounds_used INTEGER NOT NULL DEFAULT 0,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (politician_id, category, collector, source_class)
);

CREATE TABLE IF NOT EXISTS sequences (
    politician_id TEXT NOT NULL,
    category TEXT NOT NULL,
    collector TEXT NOT NULL,
    next_seq INTEGER NOT NULL,
    PRIMARY KEY (politician_id, category, collector)
);
`)
			return err
		},
	},
	{
		Version:     2,
		Description: "invalid evidence log",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS invalid_evidence (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    politician_id TEXT NOT NULL,
    category TEXT NOT NULL,
    collector TEXT NOT NULL,
    source_class TEXT NOT NULL,
    locator TEXT NOT NULL,
    seq INTEGER NOT NULL,
    reason TEXT NOT NULL,
    removed_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_invalid_politician_category
    ON invalid_evidence (politician_id, category);
`)
			return err
		},
	},
}

func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}

// SchemaVersion reads PRAGMA user_version
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// migrate applies every migration newer than the recorded version
func (s *Store) migrate(ctx context.Context) error {
	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if current >= latestVersion() {
		return nil
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		s.log.Info("applying migration", zap.Int("version", m.Version), zap.String("description", m.Description))

		if err := s.withTx(ctx, m.Up); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
		// user_version cannot be set inside the transaction with modernc/sqlite;
		// the DDL is idempotent so a crash here only re-runs the step.
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", m.Version)); err != nil {
			return fmt.Errorf("set version %d: %w", m.Version, err)
		}
	}
	return nil
}
