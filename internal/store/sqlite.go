package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a run does not exist
var ErrNotFound = errors.New("not found")

// Store provides SQLite-backed persistence
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a new Store, opening the SQLite database and running migrations
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite serializes writers, and every ":memory:"
	// connection would otherwise be a separate database.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Debug("store initialized", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// ============================================================================
// Run Operations
// ============================================================================

const runColumns = `
	id, uuid, source_url, target_path, started_at, finished_at, fetched,
	candidates, ranked, excluded, applied, backup_path, status, error_message
`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var run Run
	err := row.Scan(
		&run.ID, &run.UUID, &run.SourceURL, &run.TargetPath, &run.StartedAt,
		&run.FinishedAt, &run.Fetched, &run.Candidates, &run.Ranked,
		&run.Excluded, &run.Applied, &run.BackupPath, &run.Status, &run.ErrorMessage,
	)
	return run, err
}

// CreateRun inserts a new Run and sets its ID. A UUID is generated when
// the run has none.
func (s *Store) CreateRun(run *Run) error {
	if run.UUID == "" {
		run.UUID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = RunStatusRunning
	}

	const query = `
		INSERT INTO ranking_runs (
			uuid, source_url, target_path, started_at, finished_at, fetched,
			candidates, ranked, excluded, applied, backup_path, status, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(
		query,
		run.UUID, run.SourceURL, run.TargetPath, run.StartedAt, run.FinishedAt,
		run.Fetched, run.Candidates, run.Ranked, run.Excluded, run.Applied,
		run.BackupPath, run.Status, run.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	run.ID = id
	return nil
}

// UpdateRun updates an existing Run by ID
func (s *Store) UpdateRun(run *Run) error {
	const query = `
		UPDATE ranking_runs SET
			source_url = ?, target_path = ?, started_at = ?, finished_at = ?,
			fetched = ?, candidates = ?, ranked = ?, excluded = ?, applied = ?,
			backup_path = ?, status = ?, error_message = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(
		query,
		run.SourceURL, run.TargetPath, run.StartedAt, run.FinishedAt,
		run.Fetched, run.Candidates, run.Ranked, run.Excluded, run.Applied,
		run.BackupPath, run.Status, run.ErrorMessage, run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("run %d: %w", run.ID, ErrNotFound)
	}

	return nil
}

// GetRun retrieves a Run by ID
func (s *Store) GetRun(id int64) (*Run, error) {
	run, err := scanRun(s.db.QueryRow("SELECT "+runColumns+" FROM ranking_runs WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	return &run, nil
}

// GetRunByUUID retrieves a Run by its UUID
func (s *Store) GetRunByUUID(id string) (*Run, error) {
	run, err := scanRun(s.db.QueryRow("SELECT "+runColumns+" FROM ranking_runs WHERE uuid = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	return &run, nil
}

// ListRuns retrieves runs, newest first
func (s *Store) ListRuns(limit int) ([]Run, error) {
	query := "SELECT " + runColumns + " FROM ranking_runs ORDER BY id DESC"
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// PruneRuns deletes all but the keep most recent runs and their scores.
func (s *Store) PruneRuns(keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	const cutoff = `SELECT id FROM ranking_runs ORDER BY id DESC LIMIT -1 OFFSET ?`
	if _, err := tx.Exec("DELETE FROM mirror_scores WHERE run_id IN ("+cutoff+")", keep); err != nil {
		return 0, fmt.Errorf("failed to delete scores: %w", err)
	}
	result, err := tx.Exec("DELETE FROM ranking_runs WHERE id IN ("+cutoff+")", keep)
	if err != nil {
		return 0, fmt.Errorf("failed to delete runs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}
	return n, nil
}

// ============================================================================
// MirrorScore Operations
// ============================================================================

// SaveScores inserts the scores of one run in a single transaction
func (s *Store) SaveScores(runID int64, scores []MirrorScore) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO mirror_scores (
			run_id, url, country, protocol, rank, score, latency_ms,
			throughput_bps, status, detail
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare score insert: %w", err)
	}
	defer stmt.Close()

	for i := range scores {
		sc := &scores[i]
		sc.RunID = runID
		result, err := stmt.Exec(
			runID, sc.URL, sc.Country, sc.Protocol, sc.Rank, sc.Score,
			sc.LatencyMS, sc.ThroughputBps, sc.Status, sc.Detail,
		)
		if err != nil {
			return fmt.Errorf("failed to insert score for %s: %w", sc.URL, err)
		}
		if id, err := result.LastInsertId(); err == nil {
			sc.ID = id
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit scores: %w", err)
	}
	return nil
}

// ListScores returns the scores of a run: ranked mirrors by rank, then
// excluded mirrors by URL.
func (s *Store) ListScores(runID int64) ([]MirrorScore, error) {
	const query = `
		SELECT id, run_id, url, country, protocol, rank, score, latency_ms,
		       throughput_bps, status, detail
		FROM mirror_scores
		WHERE run_id = ?
		ORDER BY CASE WHEN rank > 0 THEN 0 ELSE 1 END, rank, url
	`

	rows, err := s.db.Query(query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query scores: %w", err)
	}
	defer rows.Close()

	var scores []MirrorScore
	for rows.Next() {
		var sc MirrorScore
		if err := rows.Scan(
			&sc.ID, &sc.RunID, &sc.URL, &sc.Country, &sc.Protocol, &sc.Rank,
			&sc.Score, &sc.LatencyMS, &sc.ThroughputBps, &sc.Status, &sc.Detail,
		); err != nil {
			return nil, fmt.Errorf("failed to scan score: %w", err)
		}
		scores = append(scores, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scores: %w", err)
	}
	return scores, nil
}

// LastKnownRanks maps mirror URL to its rank in the most recent
// successful run that ranked anything. It is empty when no such run exists.
func (s *Store) LastKnownRanks() (map[string]int, error) {
	const query = `
		SELECT url, rank FROM mirror_scores
		WHERE rank > 0 AND run_id = (
			SELECT id FROM ranking_runs
			WHERE status = ? AND ranked > 0
			ORDER BY id DESC LIMIT 1
		)
	`

	rows, err := s.db.Query(query, RunStatusSuccess)
	if err != nil {
		return nil, fmt.Errorf("failed to query last ranks: %w", err)
	}
	defer rows.Close()

	ranks := make(map[string]int)
	for rows.Next() {
		var (
			url  string
			rank int
		)
		if err := rows.Scan(&url, &rank); err != nil {
			return nil, fmt.Errorf("failed to scan rank: %w", err)
		}
		ranks[url] = rank
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ranks: %w", err)
	}
	return ranks, nil
}
