package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// StartRun records a new run.
func (s *SQLiteStore) StartRun(ctx context.Context, run Run) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, spec_path, resumed, started_at)
		VALUES (?, ?, ?, ?)
	`, run.ID, run.SpecPath, run.Resumed, run.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// FinishRun stamps the outcome of a run.
func (s *SQLiteStore) FinishRun(ctx context.Context, runID, outcome string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET outcome = ?, finished_at = ? WHERE id = ?
	`, outcome, at.UTC(), runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// GetRun loads one run.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, spec_path, resumed, outcome, started_at, finished_at
		FROM runs WHERE id = ?
	`, runID)
	return scanRun(row, runID)
}

// LatestRun returns the most recently started run.
func (s *SQLiteStore) LatestRun(ctx context.Context) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, spec_path, resumed, outcome, started_at, finished_at
		FROM runs ORDER BY started_at DESC, rowid DESC LIMIT 1
	`)
	return scanRun(row, "latest")
}

func scanRun(row *sql.Row, label string) (*Run, error) {
	var run Run
	var finished sql.NullTime
	err := row.Scan(&run.ID, &run.SpecPath, &run.Resumed, &run.Outcome, &run.StartedAt, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", label, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	return &run, nil
}
