package store

import (
	"fmt"
)

// migrate runs all pending migrations
func (s *Store) migrate() error {
	createMigrationsTableSQL := `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`

	if _, err := s.db.Exec(createMigrationsTableSQL); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	s.logger.Debug("current schema version", "version", currentVersion)

	migrations := []struct {
		version int
		sql     string
	}{
		{
			version: 1,
			sql: `
				CREATE TABLE ranking_runs (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					uuid TEXT NOT NULL UNIQUE,
					source_url TEXT NOT NULL,
					target_path TEXT,
					started_at DATETIME NOT NULL,
					finished_at DATETIME,
					fetched INTEGER DEFAULT 0,
					candidates INTEGER DEFAULT 0,
					ranked INTEGER DEFAULT 0,
					excluded INTEGER DEFAULT 0,
					applied BOOLEAN DEFAULT 0,
					backup_path TEXT,
					status TEXT DEFAULT 'running',
					error_message TEXT
				);

				CREATE TABLE mirror_scores (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					run_id INTEGER NOT NULL,
					url TEXT NOT NULL,
					country TEXT,
					protocol TEXT,
					rank INTEGER DEFAULT 0,
					score REAL DEFAULT 0,
					latency_ms REAL DEFAULT 0,
					throughput_bps REAL DEFAULT 0,
					status TEXT NOT NULL,
					detail TEXT,
					FOREIGN KEY(run_id) REFERENCES ranking_runs(id) ON DELETE CASCADE
				);
			`,
		},
		{
			version: 2,
			sql: `
				CREATE INDEX idx_mirror_scores_run ON mirror_scores(run_id, rank);
				CREATE INDEX idx_mirror_scores_url ON mirror_scores(url);
			`,
		},
	}

	for _, mig := range migrations {
		if mig.version > currentVersion {
			s.logger.Info("running migration", "version", mig.version)

			if err := s.runMigration(mig.version, mig.sql); err != nil {
				return fmt.Errorf("failed to run migration %d: %w", mig.version, err)
			}
		}
	}

	return nil
}

// runMigration executes a migration and records it
func (s *Store) runMigration(version int, sql string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration transaction: %w", err)
	}

	return nil
}
