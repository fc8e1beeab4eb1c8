package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
)

// A step is one schema change. Statements under the empty key run on every
// driver; a driver-specific key replaces them for that driver only.
type step struct {
	version int
	name    string
	sql     map[string][]string
}

func (st step) statements(driver string) []string {
	if stmts, ok := st.sql[driver]; ok {
		return stmts
	}
	return st.sql[""]
}

// Append only. Version 1 is the base DDL in schema.go.
var migrations = []step{
	{version: 1, name: "base schema"},
	{
		version: 2,
		name:    "reviewed entities per case",
		sql: map[string][]string{"": {
			`CREATE INDEX IF NOT EXISTS idx_rdf_reviewed ON temporary_rdf_storage(case_id, is_reviewed)`,
		}},
	},
	{
		version: 3,
		name:    "session status per case",
		sql: map[string][]string{"": {
			`CREATE INDEX IF NOT EXISTS idx_sessions_status ON extraction_sessions(case_id, status)`,
		}},
	},
	{
		version: 4,
		name:    "queued runs for claim",
		sql: map[string][]string{"": {
			`CREATE INDEX IF NOT EXISTS idx_runs_queued ON pipeline_runs(created_at) WHERE status = 'queued'`,
		}},
	},
	{
		version: 5,
		name:    "entity label lookup",
		sql: map[string][]string{
			"": {`CREATE INDEX IF NOT EXISTS idx_rdf_label ON temporary_rdf_storage(case_id, entity_label COLLATE NOCASE)`},
			DriverPostgres: {`CREATE INDEX IF NOT EXISTS idx_rdf_label ON temporary_rdf_storage(case_id, lower(entity_label))`},
		},
	},
}

// Migrate brings the schema up to the newest step. Each step runs in its own
// transaction together with its schema_version row.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		description TEXT,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("store: schema_version: %w", err)
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("store: read schema version: %w", err)
	}

	for _, st := range migrations {
		if st.version <= current {
			continue
		}
		err := s.inTx(ctx, func(tx *sqlx.Tx) error {
			for _, stmt := range st.statements(s.driver) {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return err
				}
			}
			_, err := tx.ExecContext(ctx,
				tx.Rebind(`INSERT INTO schema_version (version, description) VALUES (?, ?)`),
				st.version, st.name)
			return err
		})
		if err != nil {
			return fmt.Errorf("store: migration %d (%s): %w", st.version, st.name, err)
		}
		slog.Info("store: migrated", "version", st.version, "name", st.name, "driver", s.driver)
	}
	return nil
}

// SchemaVersion returns the highest applied migration, or 0 on a fresh database.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.GetContext(ctx, &v, `SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	return v, err
}
