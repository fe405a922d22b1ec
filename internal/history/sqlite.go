package history

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/fleetsync/fleetsync/internal/api"
)

// SQLiteJournal persists runs to a local SQLite file.
type SQLiteJournal struct {
	db *sql.DB
}

// NewSQLiteJournal opens the journal file and creates necessary tables.
func NewSQLiteJournal(path string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping journal: %w", err)
	}

	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	runsQuery := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		triggered_by TEXT,
		started_at DATETIME,
		finished_at DATETIME,
		total INTEGER,
		failed INTEGER
	);
	`
	if _, err := db.Exec(runsQuery); err != nil {
		return nil, fmt.Errorf("failed to create runs table: %w", err)
	}

	resultsQuery := `
	CREATE TABLE IF NOT EXISTS run_results (
		run_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		name TEXT,
		stage TEXT,
		error TEXT,
		started_at DATETIME,
		finished_at DATETIME,
		PRIMARY KEY (run_id, position),
		FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
	);
	`
	if _, err := db.Exec(resultsQuery); err != nil {
		return nil, fmt.Errorf("failed to create run_results table: %w", err)
	}

	return &SQLiteJournal{db: db}, nil
}

// RecordRun writes a finished run and all its per-entry results atomically.
func (j *SQLiteJournal) RecordRun(ctx context.Context, report *api.FleetSyncReport) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	runQuery := `
	INSERT INTO runs (id, triggered_by, started_at, finished_at, total, failed)
	VALUES (?, ?, ?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(
		ctx,
		runQuery,
		report.RunID,
		report.Trigger,
		report.StartedAt,
		report.FinishedAt,
		len(report.Results),
		report.Failed(),
	); err != nil {
		return err
	}

	resultQuery := `
	INSERT INTO run_results (run_id, position, name, stage, error, started_at, finished_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	for i, res := range report.Results {
		if _, err := tx.ExecContext(
			ctx,
			resultQuery,
			report.RunID,
			i,
			res.Name,
			string(res.Stage),
			res.Error,
			res.StartedAt,
			res.FinishedAt,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ListRuns returns run summaries, most recent first.
func (j *SQLiteJournal) ListRuns(ctx context.Context, limit int) ([]*api.RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT id, triggered_by, started_at, finished_at, total, failed FROM runs ORDER BY started_at DESC LIMIT ?`
	rows, err := j.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*api.RunRecord
	for rows.Next() {
		var rec api.RunRecord
		if err := rows.Scan(&rec.ID, &rec.Trigger, &rec.StartedAt, &rec.FinishedAt, &rec.Total, &rec.Failed); err != nil {
			continue
		}
		runs = append(runs, &rec)
	}
	return runs, rows.Err()
}

// GetRun rebuilds the full report for one run, results in registry order.
func (j *SQLiteJournal) GetRun(ctx context.Context, id string) (*api.FleetSyncReport, error) {
	runQuery := `SELECT id, triggered_by, started_at, finished_at FROM runs WHERE id = ?`
	row := j.db.QueryRowContext(ctx, runQuery, id)

	var report api.FleetSyncReport
	if err := row.Scan(&report.RunID, &report.Trigger, &report.StartedAt, &report.FinishedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRunNotFound
		}
		return nil, err
	}

	resultQuery := `SELECT name, stage, error, started_at, finished_at FROM run_results WHERE run_id = ? ORDER BY position`
	rows, err := j.db.QueryContext(ctx, resultQuery, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var res api.SyncResult
		var stage string
		if err := rows.Scan(&res.Name, &stage, &res.Error, &res.StartedAt, &res.FinishedAt); err != nil {
			return nil, err
		}
		res.Stage = api.Stage(stage)
		report.Results = append(report.Results, res)
	}
	return &report, rows.Err()
}

func (j *SQLiteJournal) Close() {
	j.db.Close()
}
