package history

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetsync/fleetsync/internal/api"
)

// PostgresJournal persists runs to a shared PostgreSQL database, for
// deployments where several operators read the same journal.
type PostgresJournal struct {
	pool *pgxpool.Pool
}

func NewPostgresJournal(ctx context.Context, connString string) (*PostgresJournal, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	journal := &PostgresJournal{pool: pool}
	if err := journal.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate journal: %w", err)
	}

	return journal, nil
}

func (j *PostgresJournal) migrate(ctx context.Context) error {
	runsQuery := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		triggered_by TEXT,
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ,
		total INTEGER,
		failed INTEGER
	);
	`
	if _, err := j.pool.Exec(ctx, runsQuery); err != nil {
		return err
	}

	resultsQuery := `
	CREATE TABLE IF NOT EXISTS run_results (
		run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		name TEXT,
		stage TEXT,
		error TEXT,
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ,
		PRIMARY KEY (run_id, position)
	);
	`
	if _, err := j.pool.Exec(ctx, resultsQuery); err != nil {
		return err
	}

	return nil
}

// RecordRun writes a finished run and all its per-entry results atomically.
func (j *PostgresJournal) RecordRun(ctx context.Context, report *api.FleetSyncReport) error {
	tx, err := j.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	runQuery := `
	INSERT INTO runs (id, triggered_by, started_at, finished_at, total, failed)
	VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := tx.Exec(
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
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	for i, res := range report.Results {
		if _, err := tx.Exec(
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

	return tx.Commit(ctx)
}

// ListRuns returns run summaries, most recent first.
func (j *PostgresJournal) ListRuns(ctx context.Context, limit int) ([]*api.RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT id, triggered_by, started_at, finished_at, total, failed FROM runs ORDER BY started_at DESC LIMIT $1`
	rows, err := j.pool.Query(ctx, query, limit)
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
func (j *PostgresJournal) GetRun(ctx context.Context, id string) (*api.FleetSyncReport, error) {
	runQuery := `SELECT id, triggered_by, started_at, finished_at FROM runs WHERE id = $1`
	row := j.pool.QueryRow(ctx, runQuery, id)

	var report api.FleetSyncReport
	if err := row.Scan(&report.RunID, &report.Trigger, &report.StartedAt, &report.FinishedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrRunNotFound
		}
		return nil, err
	}

	resultQuery := `SELECT name, stage, error, started_at, finished_at FROM run_results WHERE run_id = $1 ORDER BY position`
	rows, err := j.pool.Query(ctx, resultQuery, id)
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

func (j *PostgresJournal) Close() {
	j.pool.Close()
}
