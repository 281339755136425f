package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"deploy-go/internal/model"
)

const taskColumns = `t.id, t.entity_id, t.is_recursive, t.name, t.is_active, t.is_deleted,
	t.comment, t.created_at, t.updated_at`

func scanTask(row scanner) (*model.Task, error) {
	var t model.Task
	err := row.Scan(&t.ID, &t.EntityID, &t.IsRecursive, &t.Name, &t.IsActive, &t.IsDeleted,
		&t.Comment, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func collectTasks(rows *sql.Rows) ([]*model.Task, error) {
	defer rows.Close()
	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tasks: %w", err)
	}
	return out, nil
}

func (s *SQLiteDatabase) CreateTask(ctx context.Context, t *model.Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, entity_id, is_recursive, name, is_active, is_deleted, comment, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.EntityID, t.IsRecursive, t.Name, t.IsActive, t.IsDeleted, t.Comment, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) FindTask(ctx context.Context, id string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks t WHERE t.id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding task: %w", err)
	}
	return t, nil
}

func (s *SQLiteDatabase) ListTasks(ctx context.Context, includeDeleted bool) ([]*model.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks t`
	if !includeDeleted {
		q += ` WHERE t.is_deleted = 0`
	}
	q += ` ORDER BY t.created_at, t.id`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	return collectTasks(rows)
}

func (s *SQLiteDatabase) UpdateTaskFlags(ctx context.Context, id string, active, deleted bool, updatedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET is_active = ?, is_deleted = ?, updated_at = ? WHERE id = ?`,
		active, deleted, updatedAt, id)
	if err != nil {
		return fmt.Errorf("updating task flags: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) PurgeTask(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM job_statuses WHERE task_id = ?`,
			`DELETE FROM task_targets WHERE task_id = ?`,
			`DELETE FROM task_packages WHERE task_id = ?`,
			`DELETE FROM tasks WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return fmt.Errorf("purging task %s: %w", id, err)
			}
		}
		return nil
	})
}

func (s *SQLiteDatabase) AttachPackage(ctx context.Context, taskID, packageID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO task_packages (task_id, package_id, rank)
		VALUES (?, ?, (SELECT COALESCE(MAX(rank), 0) + 1 FROM task_packages WHERE task_id = ?))`,
		taskID, packageID, taskID)
	if err != nil {
		return fmt.Errorf("attaching package: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) AttachTarget(ctx context.Context, taskID string, target model.Target) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO task_targets (task_id, target_type, target_id) VALUES (?, ?, ?)`,
		taskID, string(target.Type), target.ID)
	if err != nil {
		return fmt.Errorf("attaching target: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) ListTaskPackages(ctx context.Context, taskID string) ([]*model.Package, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.name, p.comment, p.created_at, p.updated_at
		FROM task_packages tp JOIN packages p ON p.id = tp.package_id
		WHERE tp.task_id = ?
		ORDER BY tp.rank`, taskID)
	if err != nil {
		return nil, fmt.Errorf("listing task packages: %w", err)
	}
	return collectPackages(rows)
}

func (s *SQLiteDatabase) ListTaskTargets(ctx context.Context, taskID string) ([]model.Target, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT target_type, target_id FROM task_targets
		WHERE task_id = ? ORDER BY target_type, target_id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("listing task targets: %w", err)
	}
	defer rows.Close()

	var out []model.Target
	for rows.Next() {
		var typ, id string
		if err := rows.Scan(&typ, &id); err != nil {
			return nil, fmt.Errorf("scanning target: %w", err)
		}
		out = append(out, model.Target{Type: model.TargetType(typ), ID: id})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating targets: %w", err)
	}
	return out, nil
}

func (s *SQLiteDatabase) FindOfferableTasksForAgent(ctx context.Context, agentID string) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks t
		WHERE t.is_active = 1
		  AND t.is_deleted = 0
		  AND EXISTS (
			SELECT 1 FROM task_targets tt
			WHERE tt.task_id = t.id
			  AND ((tt.target_type = 'agent' AND tt.target_id = ?)
			    OR (tt.target_type = 'group' AND tt.target_id IN
			        (SELECT group_id FROM group_members WHERE agent_id = ?)))
		  )
		ORDER BY t.created_at, t.id`, agentID, agentID)
	if err != nil {
		return nil, fmt.Errorf("finding tasks for agent: %w", err)
	}
	return collectTasks(rows)
}
