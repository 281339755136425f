package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"deploy-go/internal/model"
)

func (s *SQLiteDatabase) RecordJobStatus(ctx context.Context, js *model.JobStatus) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_statuses (agent_id, task_id, package_id, status, message, reported_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id, task_id, package_id) DO UPDATE SET
			status = excluded.status,
			message = excluded.message,
			reported_at = excluded.reported_at`,
		js.AgentID, js.TaskID, js.PackageID, js.Status, js.Message, js.ReportedAt)
	if err != nil {
		return fmt.Errorf("recording job status: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) ListJobStatuses(ctx context.Context, taskID string) ([]*model.JobStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, task_id, package_id, status, message, reported_at
		FROM job_statuses WHERE task_id = ?
		ORDER BY reported_at, agent_id, package_id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("listing job statuses: %w", err)
	}
	defer rows.Close()

	var out []*model.JobStatus
	for rows.Next() {
		var js model.JobStatus
		if err := rows.Scan(&js.AgentID, &js.TaskID, &js.PackageID, &js.Status, &js.Message, &js.ReportedAt); err != nil {
			return nil, fmt.Errorf("scanning job status: %w", err)
		}
		out = append(out, &js)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating job statuses: %w", err)
	}
	return out, nil
}

func (s *SQLiteDatabase) CreateOperation(ctx context.Context, operation, parameters string, startedAt time.Time) (*model.Operation, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO operations (operation, parameters, started_at, status) VALUES (?, ?, ?, 'pending')`,
		operation, parameters, startedAt)
	if err != nil {
		return nil, fmt.Errorf("creating operation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading operation id: %w", err)
	}
	return &model.Operation{
		ID:         id,
		Operation:  operation,
		Parameters: parameters,
		StartedAt:  startedAt,
		Status:     "pending",
	}, nil
}

func (s *SQLiteDatabase) FinishOperation(ctx context.Context, id int64, status string, finishedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE operations SET status = ?, finished_at = ? WHERE id = ?`, status, finishedAt, id)
	if err != nil {
		return fmt.Errorf("finishing operation: %w", err)
	}
	return nil
}

// ListOperations returns the most recent operations, newest first.
func (s *SQLiteDatabase) ListOperations(ctx context.Context, limit int) ([]*model.Operation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operation, parameters, started_at, finished_at, status
		FROM operations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	defer rows.Close()

	var out []*model.Operation
	for rows.Next() {
		var op model.Operation
		var finished sql.NullTime
		if err := rows.Scan(&op.ID, &op.Operation, &op.Parameters, &op.StartedAt, &finished, &op.Status); err != nil {
			return nil, fmt.Errorf("scanning operation: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			op.FinishedAt = &t
		}
		out = append(out, &op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating operations: %w", err)
	}
	return out, nil
}
