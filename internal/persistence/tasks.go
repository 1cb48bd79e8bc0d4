package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/taskgraph/internal/scheduler"
)

// SaveTasks upserts a snapshot of every task and its dependencies for a run.
// Uses ON CONFLICT so saving the same snapshot twice is idempotent.
func (s *SQLiteStore) SaveTasks(ctx context.Context, runID string, tasks []scheduler.TaskNode, at time.Time) error {
	// Begin transaction with serializable isolation (BEGIN IMMEDIATE)
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, task := range tasks {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tasks (run_id, id, type, status, resource_lock, handle, estimated_duration, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id, id) DO UPDATE SET
				type = excluded.type,
				status = excluded.status,
				resource_lock = excluded.resource_lock,
				handle = excluded.handle,
				estimated_duration = excluded.estimated_duration,
				updated_at = excluded.updated_at
		`, runID, task.ID, task.Type, task.Status.String(), task.ResourceLock, task.Handle, task.EstimatedDuration, at.UTC())
		if err != nil {
			return fmt.Errorf("failed to upsert task %s: %w", task.ID, err)
		}
	}

	// Dependencies go in after every task row exists so foreign keys hold
	for _, task := range tasks {
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE run_id = ? AND task_id = ?`, runID, task.ID); err != nil {
			return fmt.Errorf("failed to delete old dependencies: %w", err)
		}
		for _, depID := range task.Dependencies {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO task_dependencies (run_id, task_id, depends_on_id)
				VALUES (?, ?, ?)
			`, runID, task.ID, depID)
			if err != nil {
				return fmt.Errorf("failed to insert dependency %s -> %s: %w", task.ID, depID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RecordTransition appends a transition and updates the task's latest status.
// A non-empty handle replaces the stored worker handle.
func (s *SQLiteStore) RecordTransition(ctx context.Context, runID string, tr Transition, handle string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	at := tr.At.UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, handle = CASE WHEN ? = '' THEN handle ELSE ? END, updated_at = ?
		WHERE run_id = ? AND id = ?
	`, tr.To.String(), handle, handle, at, runID, tr.TaskID)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("task %s in run %s: %w", tr.TaskID, runID, ErrNotFound)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transitions (run_id, task_id, from_status, to_status, detail, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, runID, tr.TaskID, tr.From.String(), tr.To.String(), tr.Detail, at)
	if err != nil {
		return fmt.Errorf("failed to insert transition: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListTasks returns every task of a run ordered by id, with dependencies.
func (s *SQLiteStore) ListTasks(ctx context.Context, runID string) ([]TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, status, resource_lock, handle, estimated_duration, updated_at
		FROM tasks
		WHERE run_id = ?
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}

	records := []TaskRecord{}
	index := make(map[string]int)
	for rows.Next() {
		var rec TaskRecord
		var status string
		if err := rows.Scan(&rec.ID, &rec.Type, &status, &rec.ResourceLock, &rec.Handle, &rec.EstimatedDuration, &rec.UpdatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		if rec.Status, err = scheduler.ParseStatus(status); err != nil {
			rows.Close()
			return nil, fmt.Errorf("task %s: %w", rec.ID, err)
		}
		rec.Dependencies = []string{}
		index[rec.ID] = len(records)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	rows.Close()

	// The store runs on a single connection, so dependencies are read after
	// the task cursor is closed.
	deps, err := s.db.QueryContext(ctx, `
		SELECT task_id, depends_on_id
		FROM task_dependencies
		WHERE run_id = ?
		ORDER BY task_id, depends_on_id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer deps.Close()
	for deps.Next() {
		var taskID, depID string
		if err := deps.Scan(&taskID, &depID); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		if i, ok := index[taskID]; ok {
			records[i].Dependencies = append(records[i].Dependencies, depID)
		}
	}
	if err := deps.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}
	return records, nil
}

// History returns the transitions of one task in chronological order.
// Returns an empty slice (not nil) if there are none.
func (s *SQLiteStore) History(ctx context.Context, runID, taskID string) ([]Transition, error) {
	// id breaks ties between transitions stamped in the same instant
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, from_status, to_status, detail, at
		FROM transitions
		WHERE run_id = ? AND task_id = ?
		ORDER BY at ASC, id ASC
	`, runID, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	history := []Transition{}
	for rows.Next() {
		var tr Transition
		var from, to string
		if err := rows.Scan(&tr.TaskID, &from, &to, &tr.Detail, &tr.At); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		if tr.From, err = scheduler.ParseStatus(from); err != nil {
			return nil, err
		}
		if tr.To, err = scheduler.ParseStatus(to); err != nil {
			return nil, err
		}
		history = append(history, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}
	return history, nil
}
